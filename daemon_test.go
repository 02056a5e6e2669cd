package main

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every Emit call for assertion.
type captureSink struct {
	mu    sync.Mutex
	calls []capturedEmit
}

type capturedEmit struct {
	kind    EventKind
	devices []DeviceRecord
}

func (s *captureSink) Emit(kind EventKind, devices []DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, capturedEmit{kind: kind, devices: append([]DeviceRecord(nil), devices...)})
}

func (s *captureSink) Calls() []capturedEmit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedEmit(nil), s.calls...)
}

func newTestApp(t *testing.T, enum Enumerator) (*App, *captureSink) {
	t.Helper()
	cfg, err := OpenConfig(tempConfigPath(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cfg.SetOption("added", true))
	require.NoError(t, cfg.SetOption("removed", true))
	require.NoError(t, cfg.SetOption("disconnection", true))
	require.NoError(t, cfg.SetOption("reconnection", true))

	sink := &captureSink{}
	builder := NewSnapshotBuilder(enum, noDelayRetry(1), zerolog.Nop())
	app := newApp(cfg, builder, &fakeWatchSource{}, sink, NewHistory(), make(chan DeviceRecord, 16), zerolog.Nop())
	return app, sink
}

func TestAppReconcileUpdatesViewAndHistory(t *testing.T) {
	app, sink := newTestApp(t, &fakeEnumerator{})

	app.reconcile(NewSnapshot(
		dev(0x1111, "Headphones", 85, true),
		dev(0x2222, "Mouse", 40, true),
	), false)

	view := app.cachedView()
	assert.Equal(t, "Headphones 85%\nMouse 40%", view.Tooltip)
	require.Len(t, view.Devices, 2)
	assert.True(t, view.Devices[0].Connected)

	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, EventAdded, calls[0].kind)
	assert.Len(t, calls[0].devices, 2)

	assert.NotEmpty(t, app.hist.Samples(0x1111))
}

func TestAppReconcileNoChangeLeavesViewAlone(t *testing.T) {
	app, sink := newTestApp(t, &fakeEnumerator{})
	snap := NewSnapshot(dev(0x1111, "Headphones", 85, true))

	app.reconcile(snap, false)
	before := len(sink.Calls())
	app.reconcile(snap, false)

	assert.Equal(t, before, len(sink.Calls()))
}

func TestRenderViewPrefixBattery(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	require.NoError(t, app.cfg.SetOption("prefix_battery", true))

	view := app.renderView(NewSnapshot(dev(0x1111, "Headphones", 85, true)))
	assert.Equal(t, "85% Headphones", view.Tooltip)
}

func TestRenderViewHidesDisconnectedByDefault(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})

	snap := NewSnapshot(
		dev(0x1111, "Headphones", 85, true),
		dev(0x2222, "Mouse", 40, false),
	)
	view := app.renderView(snap)
	assert.Equal(t, "Headphones 85%", view.Tooltip)
	// The device list always carries everything; only the tooltip filters.
	assert.Len(t, view.Devices, 2)

	require.NoError(t, app.cfg.SetOption("show_disconnected", true))
	view = app.renderView(snap)
	assert.Equal(t, "Headphones 85%\nMouse 40%", view.Tooltip)
}

func TestRenderViewTruncatesLongNames(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	require.NoError(t, app.cfg.SetOption("truncate_name", true))

	view := app.renderView(NewSnapshot(dev(0x1111, "WH-1000XM4 Wireless Headset", 85, true)))
	assert.Equal(t, "WH-1000XM4… 85%", view.Tooltip)
}

func TestRenderViewEmptySnapshot(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	view := app.renderView(NewSnapshot())
	assert.Equal(t, "No Bluetooth devices found", view.Tooltip)
	assert.Empty(t, view.Devices)
}

func TestTruncateName(t *testing.T) {
	assert.Equal(t, "Mouse", truncateName("Mouse", 10))
	assert.Equal(t, "ExactlyTen", truncateName("ExactlyTen", 10))
	assert.Equal(t, "ElevenChar…", truncateName("ElevenChars", 10))
	// Rune-aware, not byte-aware.
	assert.Equal(t, "éééééééééé…", truncateName("ééééééééééé", 10))
}

func TestHandleRequestStatus(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 85, true)), false)

	resp := app.handleRequest(IPCRequest{Command: "status"})
	assert.True(t, resp.OK)
	assert.Equal(t, "Headphones 85%", resp.Tooltip)
	assert.Equal(t, "idle", resp.WatcherState)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, Address(0x1111).String(), resp.Devices[0].Address)
}

func TestHandleRequestForce(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})

	resp := app.handleRequest(IPCRequest{Command: "force"})
	assert.True(t, resp.OK)
	assert.True(t, app.cfg.ConsumeForceUpdate())
}

func TestHandleRequestWatchUnknownDevice(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})

	resp := app.handleRequest(IPCRequest{Command: "watch", Device: "AA:AA:AA:AA:AA:AA"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no known device")

	resp = app.handleRequest(IPCRequest{Command: "watch", Device: "not-an-address"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid bluetooth address")
}

func TestHandleRequestWatchAndUnwatch(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 85, true)), false)

	resp := app.handleRequest(IPCRequest{Command: "watch", Device: Address(0x1111).String()})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "running", resp.WatcherState)

	status := app.handleRequest(IPCRequest{Command: "status"})
	require.Len(t, status.Devices, 1)
	assert.True(t, status.Devices[0].Watched)

	resp = app.handleRequest(IPCRequest{Command: "unwatch"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "idle", resp.WatcherState)
}

func TestReconcileRefreshesWatchedTarget(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 85, true)), false)

	resp := app.handleRequest(IPCRequest{Command: "watch", Device: Address(0x1111).String()})
	require.True(t, resp.OK, resp.Error)

	// A poll pass observes a change the watch task never saw; the task's
	// baseline must follow the adopted snapshot.
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 40, false)), false)

	target, ok := app.sup.Target()
	require.True(t, ok)
	assert.Equal(t, uint8(40), target.LastKnown.Battery)
	assert.False(t, target.LastKnown.Connected)
	app.sup.Stop()
}

func TestHandleRequestSetPersistsAndForces(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})

	resp := app.handleRequest(IPCRequest{Command: "set", Option: "mute", Value: true})
	require.True(t, resp.OK, resp.Error)
	assert.True(t, app.cfg.Mute())
	assert.True(t, app.cfg.ConsumeForceUpdate())

	reloaded, err := OpenConfig(app.cfg.Path(), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, reloaded.Mute())

	resp = app.handleRequest(IPCRequest{Command: "set", Option: "bogus", Value: true})
	assert.False(t, resp.OK)
}

func TestHandleRequestHistory(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	app.hist.Record(0x1111, 80, true, time.Now())

	resp := app.handleRequest(IPCRequest{Command: "history", Device: Address(0x1111).String()})
	require.True(t, resp.OK, resp.Error)
	require.Len(t, resp.History, 1)
	assert.Equal(t, uint8(80), resp.History[0].Level)
}

func TestHandleRequestUnknownCommand(t *testing.T) {
	app, _ := newTestApp(t, &fakeEnumerator{})
	resp := app.handleRequest(IPCRequest{Command: "reboot"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestRunLoopKeepsSnapshotOnEnumerationFailure(t *testing.T) {
	// First enumeration fails, second succeeds and still includes the
	// original device. If a failed pass wrongly adopted an empty snapshot,
	// the device would bounce through Removed and back through Added.
	enum := &fakeEnumerator{
		errs: []error{errors.New("bus gone")},
		handles: []DeviceHandle{
			fakeHandle{rec: dev(0x1111, "Headphones", 85, true)},
			fakeHandle{rec: dev(0x3333, "Keyboard", 60, true)},
		},
	}
	app, sink := newTestApp(t, enum)
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 85, true)), false)
	before := len(sink.Calls())

	go app.runLoop()
	app.ticks <- false // fails
	app.ticks <- false // succeeds

	require.Eventually(t, func() bool {
		_, ok := app.snapshot().Get(0x3333)
		return ok
	}, time.Second, 5*time.Millisecond)
	close(app.quit)

	_, ok := app.snapshot().Get(0x1111)
	assert.True(t, ok, "previous snapshot must survive a failed enumeration")

	calls := sink.Calls()[before:]
	require.Len(t, calls, 1)
	assert.Equal(t, EventAdded, calls[0].kind)
	require.Len(t, calls[0].devices, 1)
	assert.Equal(t, Address(0x3333), calls[0].devices[0].Address)
}

func TestRunLoopFoldsLiveUpdates(t *testing.T) {
	app, sink := newTestApp(t, &fakeEnumerator{})
	app.reconcile(NewSnapshot(dev(0x1111, "Headphones", 85, true)), false)
	before := len(sink.Calls())

	go app.runLoop()
	app.updates <- dev(0x1111, "Headphones", 10, true)

	require.Eventually(t, func() bool {
		rec, ok := app.snapshot().Get(0x1111)
		return ok && rec.Battery == 10
	}, time.Second, 5*time.Millisecond)
	close(app.quit)

	calls := sink.Calls()
	require.Len(t, calls, before+1)
	assert.Equal(t, EventLowBattery, calls[before].kind)
}

func TestHistoryPathSitsBesideConfig(t *testing.T) {
	cfgPath := filepath.Join("/home/user/.config/bluegauge", configFileName)
	assert.Equal(t, "/home/user/.config/bluegauge/bluegauge_history.json", historyPath(cfgPath))
}
