package main

import (
	"github.com/rs/zerolog"
)

// EventKind classifies one observed change between two snapshots.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventReconnected
	EventDisconnected
	EventLowBattery
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventReconnected:
		return "reconnected"
	case EventDisconnected:
		return "disconnected"
	case EventLowBattery:
		return "low_battery"
	}
	return "unknown"
}

// Event is one user-facing change for one device.
type Event struct {
	Kind   EventKind
	Device DeviceRecord
}

// ChangeReport is the outcome of a reconciliation pass: the classified
// events plus the snapshot to adopt as canonical state. Changed is false
// when nothing distinguishable changed and the pass may be skipped by the
// rendering side.
type ChangeReport struct {
	Events   []Event
	Snapshot Snapshot
	Changed  bool
}

// EventConfig is the read-only per-pass view of which event kinds are
// enabled and the low-battery threshold.
type EventConfig struct {
	LowBatteryThreshold uint8
	NotifyAdded         bool
	NotifyRemoved       bool
	NotifyReconnect     bool
	NotifyDisconnect    bool
}

// Engine diffs successive snapshots and classifies the differences. It owns
// the low-battery hysteresis state: an address is marked on the first
// sub-threshold observation and unmarked once the battery recovers to the
// threshold or above, so each excursion below the threshold alerts exactly
// once.
type Engine struct {
	notifiedLow map[Address]bool
	log         zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		notifiedLow: make(map[Address]bool),
		log:         log.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile compares previous and current and returns the classified
// changes. With force set the report is marked changed even when the two
// snapshots are indistinguishable, so callers can deliberately re-render
// after a settings change.
func (e *Engine) Reconcile(previous, current Snapshot, cfg EventConfig, force bool) ChangeReport {
	removedRaw := previous.diff(current)
	addedRaw := current.diff(previous)

	if len(removedRaw) == 0 && len(addedRaw) == 0 && !force {
		return ChangeReport{Snapshot: current}
	}

	report := ChangeReport{Snapshot: current, Changed: true}

	// Pair raw differences by address: a pair is one device that changed in
	// place, an unpaired entry is a genuine addition or removal.
	oldByAddr := make(map[Address]DeviceRecord, len(removedRaw))
	for _, r := range removedRaw {
		oldByAddr[r.Address] = r
	}

	for _, cur := range addedRaw {
		old, matched := oldByAddr[cur.Address]
		if !matched {
			if cfg.NotifyAdded {
				report.Events = append(report.Events, Event{Kind: EventAdded, Device: cur})
			}
			e.log.Debug().Stringer("device", cur).Msg("device added")
			continue
		}
		delete(oldByAddr, cur.Address)

		if old.Connected != cur.Connected {
			if cur.Connected && cfg.NotifyReconnect {
				report.Events = append(report.Events, Event{Kind: EventReconnected, Device: cur})
			}
			if !cur.Connected && cfg.NotifyDisconnect {
				report.Events = append(report.Events, Event{Kind: EventDisconnected, Device: cur})
			}
		}
		if old.Battery != cur.Battery {
			if ev, fire := e.checkLowBattery(cur, cfg.LowBatteryThreshold); fire {
				report.Events = append(report.Events, ev)
			}
		}
	}

	for _, old := range removedRaw {
		if _, stillUnpaired := oldByAddr[old.Address]; !stillUnpaired {
			continue
		}
		if cfg.NotifyRemoved {
			report.Events = append(report.Events, Event{Kind: EventRemoved, Device: old})
		}
		e.log.Debug().Stringer("device", old).Msg("device removed")
	}

	return report
}

// checkLowBattery applies hysteresis for a device whose battery reading
// changed. The notified flag is cleared, not deleted, on recovery so a later
// excursion below the threshold alerts again.
func (e *Engine) checkLowBattery(cur DeviceRecord, threshold uint8) (Event, bool) {
	isLow := cur.Battery < threshold
	wasNotified := e.notifiedLow[cur.Address]

	switch {
	case isLow && !wasNotified:
		e.notifiedLow[cur.Address] = true
		return Event{Kind: EventLowBattery, Device: cur}, true
	case !isLow && wasNotified:
		e.notifiedLow[cur.Address] = false
	}
	return Event{}, false
}
