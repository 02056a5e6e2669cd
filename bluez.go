package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	bluezBusName   = "org.bluez"
	adapterPathNS  = "/org/bluez"
	deviceIface    = "org.bluez.Device1"
	batteryIface   = "org.bluez.Battery1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objManagerFace = "org.freedesktop.DBus.ObjectManager"

	upowerBusName     = "org.freedesktop.UPower"
	upowerPath        = "/org/freedesktop/UPower"
	upowerDeviceIface = "org.freedesktop.UPower.Device"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bluez wraps a system D-Bus connection for BlueZ and UPower queries. It is
// the only component that talks to the platform Bluetooth stack.
type Bluez struct {
	conn  *dbus.Conn
	retry RetryPolicy
	log   zerolog.Logger
}

func NewBluez(retry RetryPolicy, log zerolog.Logger) (*Bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBusName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez is not on the system bus (is bluetooth.service running?)")
	}
	return &Bluez{conn: conn, retry: retry, log: log.With().Str("component", "bluez").Logger()}, nil
}

func (b *Bluez) Close() {
	b.conn.Close()
}

func (b *Bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(bluezBusName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *Bluez) getString(path dbus.ObjectPath, iface, prop string) (string, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return "", err
	}
	val, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is not string", prop)
	}
	return val, nil
}

// EnumeratePaired lists every paired device known to BlueZ, each bound to
// the classic-battery side table fetched for this batch. The side table is
// fetched with its own bounded retry; if it stays unavailable classic
// devices end up without a battery source and are omitted at query time,
// while low-energy devices are unaffected.
func (b *Bluez) EnumeratePaired() ([]DeviceHandle, error) {
	var objs managedObjects
	obj := b.conn.Object(bluezBusName, "/")
	if err := obj.Call(objManagerFace+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	var classicTable map[Address]uint8
	err := b.retry.Do("query power store", b.log, func() error {
		var err error
		classicTable, err = b.classicBatteryTable()
		return err
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("power store unavailable, classic battery readings will be missing")
		classicTable = map[Address]uint8{}
	}

	var handles []DeviceHandle
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		paired, _ := props["Paired"].Value().(bool)
		if !paired {
			continue
		}
		// BR/EDR devices carry a Class of Device; its absence marks a
		// low-energy-only device.
		_, hasClass := props["Class"]
		kind := TransportKind{Transport: TransportLowEnergy}
		if hasClass {
			kind = TransportKind{Transport: TransportClassic, InstanceID: string(path)}
		}
		handles = append(handles, &bluezDeviceHandle{
			bz:           b,
			path:         path,
			kind:         kind,
			classicTable: classicTable,
		})
	}
	return handles, nil
}

// classicBatteryTable reads the UPower device list and correlates entries
// back to Bluetooth addresses via the Serial property. Entries whose serial
// is not a Bluetooth address (laptop batteries, UPS units) are skipped.
func (b *Bluez) classicBatteryTable() (map[Address]uint8, error) {
	var paths []dbus.ObjectPath
	obj := b.conn.Object(upowerBusName, upowerPath)
	if err := obj.Call(upowerBusName+".EnumerateDevices", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("enumerate power devices: %w", err)
	}

	table := make(map[Address]uint8, len(paths))
	for _, p := range paths {
		dev := b.conn.Object(upowerBusName, p)
		var serial dbus.Variant
		if err := dev.Call(propsIface+".Get", 0, upowerDeviceIface, "Serial").Store(&serial); err != nil {
			continue
		}
		serialStr, _ := serial.Value().(string)
		addr, err := ParseAddress(serialStr)
		if err != nil {
			continue
		}
		var pct dbus.Variant
		if err := dev.Call(propsIface+".Get", 0, upowerDeviceIface, "Percentage").Store(&pct); err != nil {
			b.log.Debug().Str("path", string(p)).Err(err).Msg("power device without percentage")
			continue
		}
		val, ok := pct.Value().(float64)
		if !ok || val < 0 || val > 100 {
			continue
		}
		table[addr] = uint8(val)
	}
	return table, nil
}

// deviceObjectPath converts an address to the BlueZ object path form, e.g.
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter string, addr Address) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr.String(), ":", "_")
	return dbus.ObjectPath(adapter + "/dev_" + escaped)
}

// bluezDeviceHandle queries one paired device. Each query is independent: a
// failure omits only this device from the snapshot.
type bluezDeviceHandle struct {
	bz           *Bluez
	path         dbus.ObjectPath
	kind         TransportKind
	classicTable map[Address]uint8
}

func (h *bluezDeviceHandle) Query() (DeviceRecord, error) {
	addrStr, err := h.bz.getString(h.path, deviceIface, "Address")
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("query address of %s: %w", h.path, err)
	}
	addr, err := ParseAddress(addrStr)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("device %s: %w", h.path, err)
	}
	name, err := h.bz.getString(h.path, deviceIface, "Name")
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("query name of %s: %w", addr, err)
	}
	connected, err := h.bz.getBool(h.path, deviceIface, "Connected")
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("query connection state of %s: %w", addr, err)
	}

	var battery uint8
	switch h.kind.Transport {
	case TransportClassic:
		// Classic battery is only available through the power store side
		// table, matched strictly by address. No match means no reading,
		// not a guess.
		pct, ok := h.classicTable[addr]
		if !ok {
			return DeviceRecord{}, fmt.Errorf("no power store entry for classic device %s (%s)", name, addr)
		}
		battery = pct
	case TransportLowEnergy:
		v, err := h.bz.getProp(h.path, batteryIface, "Percentage")
		if err != nil {
			return DeviceRecord{}, fmt.Errorf("query battery of %s: %w", addr, err)
		}
		pct, ok := v.Value().(byte)
		if !ok {
			return DeviceRecord{}, fmt.Errorf("battery of %s is not a byte", addr)
		}
		battery = pct
	}

	return DeviceRecord{
		Address:   addr,
		Name:      strings.TrimSpace(name),
		Battery:   battery,
		Connected: connected,
		Kind:      h.kind,
	}, nil
}

// Live-watch poll intervals for classic devices, which have no push channel
// for battery: poll faster while disconnected or low.
const (
	watchPollDisconnected = 5 * time.Second
	watchPollLowBattery   = 7 * time.Second
	watchPollDefault      = 10 * time.Second
	watchLowBatteryMark   = 30

	// watchTickInterval bounds how long cancellation can go unnoticed when
	// the signal source is quiet.
	watchTickInterval = 500 * time.Millisecond
)

// bluezWatchSource is the live-watch task body: it subscribes to
// PropertiesChanged under /org/bluez and forwards connection and battery
// deltas for the watched device. Signal handling never blocks; updates are
// pushed with a non-blocking send and dropped (with a log line) if the
// consumer is behind.
type bluezWatchSource struct {
	bz  *Bluez
	log zerolog.Logger
}

func newBluezWatchSource(bz *Bluez) *bluezWatchSource {
	return &bluezWatchSource{bz: bz, log: bz.log.With().Str("component", "watch-source").Logger()}
}

func (w *bluezWatchSource) Run(target WatchTarget, exit *atomic.Bool, refresh <-chan DeviceRecord, updates chan<- DeviceRecord) error {
	conn := w.bz.conn
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(adapterPathNS),
	}
	if err := conn.AddMatchSignal(matchOpts...); err != nil {
		return fmt.Errorf("add signal match: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	defer func() {
		conn.RemoveSignal(sigCh)
		if err := conn.RemoveMatchSignal(matchOpts...); err != nil {
			w.log.Warn().Err(err).Msg("remove signal match failed")
		}
	}()

	devPath := dbus.ObjectPath(target.Kind.InstanceID)
	if devPath == "" {
		// Low-energy targets have no instance id; derive the object path
		// from the default adapter.
		devPath = deviceObjectPath(adapterPathNS+"/hci0", target.Address)
	}

	last := target.LastKnown
	ticker := time.NewTicker(watchTickInterval)
	defer ticker.Stop()
	nextPoll := time.Now().Add(w.pollInterval(last))

	for {
		select {
		case rec := <-refresh:
			// The consumer adopted this record as canonical; compare future
			// deltas against it instead of our possibly stale view.
			last = rec
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("signal channel closed")
			}
			rec, changed := applySignal(last, devPath, sig)
			if !changed {
				continue
			}
			last = rec
			w.push(updates, rec)
		case <-ticker.C:
			if exit.Load() {
				return nil
			}
			if target.Kind.Transport != TransportClassic || time.Now().Before(nextPoll) {
				continue
			}
			rec, err := w.pollClassic(devPath, last)
			if err != nil {
				w.log.Warn().Err(err).Str("address", last.Address.String()).Msg("live poll failed")
			} else if rec != last {
				last = rec
				w.push(updates, rec)
			}
			nextPoll = time.Now().Add(w.pollInterval(last))
		}
	}
}

// pollClassic re-reads connection state and the power store entry for the
// watched classic device.
func (w *bluezWatchSource) pollClassic(devPath dbus.ObjectPath, last DeviceRecord) (DeviceRecord, error) {
	connected, err := w.bz.getBool(devPath, deviceIface, "Connected")
	if err != nil {
		return last, fmt.Errorf("query connection state: %w", err)
	}
	rec := last
	rec.Connected = connected

	table, err := w.bz.classicBatteryTable()
	if err != nil {
		return last, fmt.Errorf("query power store: %w", err)
	}
	if pct, ok := table[last.Address]; ok {
		rec.Battery = pct
	}
	return rec, nil
}

func (w *bluezWatchSource) pollInterval(rec DeviceRecord) time.Duration {
	switch {
	case !rec.Connected:
		return watchPollDisconnected
	case rec.Battery <= watchLowBatteryMark:
		return watchPollLowBattery
	default:
		return watchPollDefault
	}
}

func (w *bluezWatchSource) push(updates chan<- DeviceRecord, rec DeviceRecord) {
	select {
	case updates <- rec:
	default:
		w.log.Warn().Str("address", rec.Address.String()).Msg("update channel full, dropping live update")
	}
}

// applySignal folds one PropertiesChanged signal into the last known record.
// Body layout: [interface_name string, changed map[string]Variant,
// invalidated []string].
func applySignal(last DeviceRecord, devPath dbus.ObjectPath, sig *dbus.Signal) (DeviceRecord, bool) {
	if sig == nil || sig.Path != devPath || len(sig.Body) < 2 {
		return last, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return last, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return last, false
	}

	rec := last
	switch iface {
	case deviceIface:
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok {
				rec.Connected = connected
			}
		}
	case batteryIface:
		if v, ok := changed["Percentage"]; ok {
			if pct, ok := v.Value().(byte); ok {
				rec.Battery = pct
			}
		}
	}
	return rec, rec != last
}
