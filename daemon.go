package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "bluegauge.sock")
}

// statusView is the pre-rendered read model served to IPC clients when the
// canonical state is contended.
type statusView struct {
	Tooltip string
	Devices []DeviceStatus
}

// App wires the poll loop, the live watcher and the IPC surface around one
// reconciliation engine. The consumer loop is the only writer of the
// canonical snapshot.
type App struct {
	cfg     *Config
	log     zerolog.Logger
	builder *SnapshotBuilder
	engine  *Engine
	sup     *WatcherSupervisor
	sink    NotificationSink
	hist    *History

	// ticks carries poll triggers (value = force), updates carries
	// single-device deltas from the live watch. Both feed the consumer.
	ticks   chan bool
	updates chan DeviceRecord
	quit    chan struct{}

	stateMu sync.Mutex
	current Snapshot

	// view caches the rendered status so IPC reads never block on stateMu.
	view atomic.Value // statusView
}

func newApp(cfg *Config, builder *SnapshotBuilder, source WatchSource, sink NotificationSink, hist *History, updates chan DeviceRecord, log zerolog.Logger) *App {
	a := &App{
		cfg:     cfg,
		log:     log.With().Str("component", "daemon").Logger(),
		builder: builder,
		engine:  NewEngine(log),
		sink:    sink,
		hist:    hist,
		ticks:   make(chan bool, 1),
		updates: updates,
		quit:    make(chan struct{}),
		current: NewSnapshot(),
	}
	a.sup = NewWatcherSupervisor(source, updates, log)
	a.view.Store(statusView{Tooltip: "No Bluetooth devices found"})
	return a
}

// pollLoop produces ticks: one per update interval, early when a force
// update was requested. The interval is re-read every round so config
// changes take effect without a restart.
func (a *App) pollLoop() {
	for {
		secs := int(a.cfg.UpdateInterval() / time.Second)
		force := false
		for i := 0; i < secs; i++ {
			select {
			case <-a.quit:
				return
			case <-time.After(time.Second):
			}
			if a.cfg.ConsumeForceUpdate() {
				force = true
				break
			}
		}
		select {
		case a.ticks <- force:
		default:
			// A tick is already pending; collapsing is fine, the pending
			// pass will see fresh data anyway.
		}
	}
}

// runLoop is the consumer: it drains both producers and is the only writer
// of the canonical snapshot.
func (a *App) runLoop() {
	for {
		select {
		case <-a.quit:
			return
		case force := <-a.ticks:
			snap, err := a.builder.Build()
			if err != nil {
				// Degrade to the last known snapshot rather than adopting
				// an empty one.
				a.log.Warn().Err(err).Msg("enumeration failed, keeping previous snapshot")
				continue
			}
			a.reconcile(snap, force)
		case rec, ok := <-a.updates:
			if !ok {
				return
			}
			a.reconcile(a.snapshot().With(rec), false)
		}
	}
}

func (a *App) snapshot() Snapshot {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.current
}

func (a *App) reconcile(next Snapshot, force bool) {
	prev := a.snapshot()
	report := a.engine.Reconcile(prev, next, a.cfg.EventConfig(), force)
	if !report.Changed {
		return
	}

	a.stateMu.Lock()
	a.current = report.Snapshot
	a.stateMu.Unlock()

	now := time.Now()
	for _, rec := range report.Snapshot.Records() {
		a.hist.Record(rec.Address, rec.Battery, rec.Connected, now)
	}

	// Hand the watch task the state we just adopted so its delta comparisons
	// track the canonical snapshot, not the state at select time.
	if target, ok := a.sup.Target(); ok {
		if rec, ok := report.Snapshot.Get(target.Address); ok {
			a.sup.Refresh(rec)
		}
	}

	a.emit(report.Events)
	a.view.Store(a.renderView(report.Snapshot))
}

// emit groups the report's events by kind and hands them to the sink. Sink
// failures are its own problem; the loop never waits on delivery.
func (a *App) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	byKind := make(map[EventKind][]DeviceRecord)
	for _, ev := range events {
		byKind[ev.Kind] = append(byKind[ev.Kind], ev.Device)
	}
	kinds := make([]EventKind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		a.sink.Emit(k, byKind[k])
	}
}

// renderView builds the tooltip-style status text and device list the way
// the tray would show it: connected devices (disconnected only when
// configured), optional battery prefix, optional name truncation.
func (a *App) renderView(snap Snapshot) statusView {
	var lines []string
	var devices []DeviceStatus
	now := time.Now()
	watched, hasWatched := a.sup.Target()

	for _, rec := range snap.Records() {
		ds := DeviceStatus{
			Address:   rec.Address.String(),
			Name:      rec.Name,
			Battery:   rec.Battery,
			Connected: rec.Connected,
			Transport: rec.Kind.Transport.String(),
			Watched:   hasWatched && watched.Address == rec.Address,
		}
		if hours, ok := a.hist.HoursRemaining(rec.Address, rec.Battery, now); ok {
			ds.HoursLeft = &hours
		}
		devices = append(devices, ds)

		if !rec.Connected && !a.cfg.ShowDisconnected() {
			continue
		}
		name := rec.Name
		if a.cfg.TruncateName() {
			name = truncateName(name, 10)
		}
		if a.cfg.PrefixBattery() {
			lines = append(lines, fmt.Sprintf("%d%% %s", rec.Battery, name))
		} else {
			lines = append(lines, fmt.Sprintf("%s %d%%", name, rec.Battery))
		}
	}

	tooltip := strings.Join(lines, "\n")
	if tooltip == "" {
		tooltip = "No Bluetooth devices found"
	}
	return statusView{Tooltip: tooltip, Devices: devices}
}

func truncateName(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	return string(runes[:max]) + "…"
}

func (a *App) cachedView() statusView {
	v, _ := a.view.Load().(statusView)
	return v
}

// handleRequest serves one IPC request. Status reads prefer a fresh render
// but fall back to the cached view instead of blocking when the consumer is
// mid-pass.
func (a *App) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status", "devices":
		view := a.cachedView()
		if a.stateMu.TryLock() {
			snap := a.current
			a.stateMu.Unlock()
			view = a.renderView(snap)
		}
		return IPCResponse{
			Tooltip:      view.Tooltip,
			Devices:      view.Devices,
			WatcherState: a.sup.State().String(),
			OK:           true,
		}

	case "force":
		a.cfg.RequestForceUpdate()
		return IPCResponse{OK: true}

	case "watch":
		addr, err := ParseAddress(req.Device)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		rec, ok := a.snapshot().Get(addr)
		if !ok {
			return IPCResponse{Error: fmt.Sprintf("no known device with address %s", addr)}
		}
		if err := a.sup.Select(&WatchTarget{Address: rec.Address, Kind: rec.Kind, LastKnown: rec}); err != nil {
			return IPCResponse{Error: err.Error(), WatcherState: a.sup.State().String()}
		}
		return IPCResponse{OK: true, WatcherState: a.sup.State().String()}

	case "unwatch":
		if err := a.sup.Select(nil); err != nil {
			return IPCResponse{Error: err.Error(), WatcherState: a.sup.State().String()}
		}
		return IPCResponse{OK: true, WatcherState: a.sup.State().String()}

	case "history":
		addr, err := ParseAddress(req.Device)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		samples := a.hist.Samples(addr)
		points := make([]HistoryPoint, 0, len(samples))
		for _, s := range samples {
			points = append(points, HistoryPoint{Ts: s.Ts.Unix(), Level: s.Level, Connected: s.Connected})
		}
		return IPCResponse{History: points, OK: true}

	case "set":
		if err := a.cfg.SetOption(req.Option, req.Value); err != nil {
			return IPCResponse{Error: err.Error()}
		}
		if err := a.cfg.Save(); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist config")
		}
		a.cfg.RequestForceUpdate()
		return IPCResponse{OK: true}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (a *App) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(IPCResponse{Error: "invalid request: " + err.Error()})
		return
	}
	resp := a.handleRequest(req)
	_ = json.NewEncoder(conn).Encode(resp)
}

// runDaemon assembles the application and serves until SIGINT/SIGTERM.
func runDaemon(cfgPath string, log zerolog.Logger) error {
	cfg, err := OpenConfig(cfgPath, log)
	if err != nil {
		return err
	}

	bz, err := NewBluez(defaultRetryPolicy(), log)
	if err != nil {
		return err
	}
	defer bz.Close()

	var sink NotificationSink
	notifier, err := NewDesktopNotifier(cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("desktop notifications unavailable, logging events instead")
		sink = &logSink{log: log}
	} else {
		defer notifier.Close()
		sink = notifier
	}

	hist := NewHistory()
	hist.Load(cfgPath)

	updates := make(chan DeviceRecord, 16)
	builder := NewSnapshotBuilder(bz, defaultRetryPolicy(), log)
	a := newApp(cfg, builder, newBluezWatchSource(bz), sink, hist, updates, log)

	sock := socketPath()
	_ = os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	_ = os.Chmod(sock, 0o700)
	defer os.Remove(sock)
	defer ln.Close()

	go a.pollLoop()
	go a.runLoop()
	// Prime the first pass immediately instead of waiting a full interval.
	a.ticks <- false

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		a.log.Info().Msg("shutting down")
		ln.Close()
	}()

	a.log.Info().Str("socket", sock).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by the shutdown goroutine.
			break
		}
		go a.handleConn(conn)
	}

	close(a.quit)
	a.sup.Stop()
	if err := hist.Save(cfgPath); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist history")
	}
	return nil
}

// logSink is the fallback sink for headless runs and tests.
type logSink struct {
	log zerolog.Logger
}

func (s *logSink) Emit(kind EventKind, devices []DeviceRecord) {
	for _, dev := range devices {
		s.log.Info().Str("kind", kind.String()).Stringer("device", dev).Msg("event")
	}
}
