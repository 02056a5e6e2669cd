package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Address is a 48-bit Bluetooth device address. It is the stable key for a
// physical device across snapshots.
type Address uint64

// ParseAddress accepts the colon-separated form ("AA:BB:CC:DD:EE:FF") or a
// plain 12-digit hex string.
func ParseAddress(s string) (Address, error) {
	hexStr := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(hexStr) != 12 {
		return 0, fmt.Errorf("invalid bluetooth address %q", s)
	}
	v, err := strconv.ParseUint(hexStr, 16, 48)
	if err != nil {
		return 0, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
	}
	return Address(v), nil
}

// String renders the canonical colon-separated uppercase form.
func (a Address) String() string {
	hexStr := fmt.Sprintf("%012X", uint64(a))
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = hexStr[i*2 : i*2+2]
	}
	return strings.Join(parts, ":")
}

// Transport distinguishes the two physical transports a paired device can
// use. Classic (BR/EDR) devices get their battery from the platform power
// store; LowEnergy devices expose it as a GATT characteristic.
type Transport int

const (
	TransportClassic Transport = iota
	TransportLowEnergy
)

func (t Transport) String() string {
	if t == TransportLowEnergy {
		return "le"
	}
	return "classic"
}

// TransportKind carries the transport plus transport-specific auxiliary data.
// InstanceID is the platform instance identifier (the D-Bus object path) and
// is only set for classic devices; the reconciliation logic never interprets
// it.
type TransportKind struct {
	Transport  Transport
	InstanceID string
}

// DeviceRecord is one normalized observation of a paired device. Two records
// are the same set member only if every field matches, which is what makes
// set difference between snapshots a change detector.
type DeviceRecord struct {
	Address   Address
	Name      string
	Battery   uint8
	Connected bool
	Kind      TransportKind
}

func (r DeviceRecord) String() string {
	return fmt.Sprintf("%s (%s, battery=%d%%, connected=%v)", r.Name, r.Address, r.Battery, r.Connected)
}

// Snapshot is an immutable view of all known devices at one point in time,
// unique by address. Snapshots are produced, compared and replaced as a
// whole, never mutated.
type Snapshot struct {
	devices map[Address]DeviceRecord
}

// NewSnapshot builds a snapshot from records. A later record with a
// duplicate address wins, matching how a fresh query supersedes a stale one.
func NewSnapshot(records ...DeviceRecord) Snapshot {
	m := make(map[Address]DeviceRecord, len(records))
	for _, r := range records {
		m[r.Address] = r
	}
	return Snapshot{devices: m}
}

func (s Snapshot) Len() int { return len(s.devices) }

func (s Snapshot) Get(a Address) (DeviceRecord, bool) {
	r, ok := s.devices[a]
	return r, ok
}

// Records returns the devices ordered by address so output is stable.
func (s Snapshot) Records() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, r := range s.devices {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// With returns a copy of the snapshot with one record replaced or added.
// Used to fold a single-device live update into the canonical state.
func (s Snapshot) With(r DeviceRecord) Snapshot {
	m := make(map[Address]DeviceRecord, len(s.devices)+1)
	for k, v := range s.devices {
		m[k] = v
	}
	m[r.Address] = r
	return Snapshot{devices: m}
}

// diff returns records present in s whose exact field values do not appear
// in other. A record that changed in any field shows up in both directions
// of the diff.
func (s Snapshot) diff(other Snapshot) []DeviceRecord {
	var out []DeviceRecord
	for addr, r := range s.devices {
		if o, ok := other.devices[addr]; !ok || o != r {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// DeviceHandle is a single enumerated device that can be queried for a
// normalized record. Queries are independent per device: one failure never
// aborts the batch.
type DeviceHandle interface {
	Query() (DeviceRecord, error)
}

// Enumerator lists the currently paired devices. Enumeration is transient-
// fallible and is retried by the SnapshotBuilder.
type Enumerator interface {
	EnumeratePaired() ([]DeviceHandle, error)
}

// SnapshotBuilder turns an enumeration pass into a Snapshot, skipping
// devices whose individual query failed.
type SnapshotBuilder struct {
	enum  Enumerator
	retry RetryPolicy
	log   zerolog.Logger
}

func NewSnapshotBuilder(enum Enumerator, retry RetryPolicy, log zerolog.Logger) *SnapshotBuilder {
	return &SnapshotBuilder{enum: enum, retry: retry, log: log.With().Str("component", "snapshot").Logger()}
}

// Build enumerates and queries every paired device. Enumeration failures are
// retried per the builder's policy; when all attempts fail the error is
// returned so the caller can keep its last known snapshot instead of
// adopting an empty one.
func (b *SnapshotBuilder) Build() (Snapshot, error) {
	var handles []DeviceHandle
	err := b.retry.Do("enumerate paired devices", b.log, func() error {
		var err error
		handles, err = b.enum.EnumeratePaired()
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("enumerate paired devices: %w", err)
	}

	records := make([]DeviceRecord, 0, len(handles))
	for _, h := range handles {
		rec, err := h.Query()
		if err != nil {
			b.log.Warn().Err(err).Msg("device query failed, omitting from snapshot")
			continue
		}
		records = append(records, rec)
	}
	return NewSnapshot(records...), nil
}
