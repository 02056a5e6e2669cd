package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	notifyBusName = "org.freedesktop.Notifications"
	notifyObjPath = "/org/freedesktop/Notifications"
	notifyMethod  = notifyBusName + ".Notify"
	notifyAppName = "BlueGauge"
	notifyIcon    = "bluetooth"

	// Desktop notification urgency hints.
	urgencyNormal   = byte(1)
	urgencyCritical = byte(2)
)

// NotificationSink renders classified events as user-visible alerts.
// Delivery is fire-and-forget: failures are logged, never retried, and never
// stall the reconciliation loop.
type NotificationSink interface {
	Emit(kind EventKind, devices []DeviceRecord)
}

// DesktopNotifier delivers events over org.freedesktop.Notifications on the
// session bus.
type DesktopNotifier struct {
	conn *dbus.Conn
	cfg  *Config
	log  zerolog.Logger
}

func NewDesktopNotifier(cfg *Config, log zerolog.Logger) (*DesktopNotifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &DesktopNotifier{conn: conn, cfg: cfg, log: log.With().Str("component", "notify").Logger()}, nil
}

func (n *DesktopNotifier) Close() {
	n.conn.Close()
}

func (n *DesktopNotifier) Emit(kind EventKind, devices []DeviceRecord) {
	for _, dev := range devices {
		title, body, urgency := n.render(kind, dev)
		hints := map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(urgency),
		}
		if n.cfg.Mute() {
			hints["suppress-sound"] = dbus.MakeVariant(true)
		}
		obj := n.conn.Object(notifyBusName, notifyObjPath)
		call := obj.Call(notifyMethod, 0,
			notifyAppName, uint32(0), notifyIcon, title, body, []string{}, hints, int32(-1))
		if call.Err != nil {
			n.log.Warn().Err(call.Err).
				Str("kind", kind.String()).
				Str("device", dev.Name).
				Msg("failed to deliver notification")
			continue
		}
		n.log.Info().
			Str("kind", kind.String()).
			Str("device", dev.Name).
			Msg("notification sent")
	}
}

func (n *DesktopNotifier) render(kind EventKind, dev DeviceRecord) (title, body string, urgency byte) {
	switch kind {
	case EventLowBattery:
		title = fmt.Sprintf("Bluetooth battery below %d%%", n.cfg.LowBattery())
		body = fmt.Sprintf("%s: %d%%", dev.Name, dev.Battery)
		urgency = urgencyCritical
	case EventDisconnected:
		title = "Bluetooth device disconnected"
		body = "Device name: " + dev.Name
		urgency = urgencyNormal
	case EventReconnected:
		title = "Bluetooth device reconnected"
		body = "Device name: " + dev.Name
		urgency = urgencyNormal
	case EventAdded:
		title = "New Bluetooth device added"
		body = "Device name: " + dev.Name
		urgency = urgencyNormal
	case EventRemoved:
		title = "Bluetooth device removed"
		body = "Device name: " + dev.Name
		urgency = urgencyNormal
	}
	return title, body, urgency
}
