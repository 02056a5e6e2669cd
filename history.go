package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	historyFileName = "bluegauge_history.json"

	historyRetention      = 8 * 24 * time.Hour
	minHistorySpacing     = 75 * time.Second
	significantLevelDelta = 3
	maxSamplesPerDevice   = 2048

	// rateWindow is how far back the discharge-rate fit looks.
	rateWindow  = 6 * time.Hour
	minRateSpan = 10 * time.Minute
)

// HistorySample is one retained battery observation.
type HistorySample struct {
	Ts        time.Time `json:"ts"`
	Level     uint8     `json:"level"`
	Connected bool      `json:"connected"`
}

// History keeps a bounded per-device trail of battery observations and
// derives a coarse discharge-rate estimate from it. Samples are thinned:
// a new one is retained only after the minimum spacing, on a significant
// level change, or on a connection flip.
type History struct {
	mu      sync.Mutex
	samples map[Address][]HistorySample
}

func NewHistory() *History {
	return &History{samples: make(map[Address][]HistorySample)}
}

// Record folds one observation into the trail.
func (h *History) Record(addr Address, level uint8, connected bool, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	trail := h.samples[addr]
	if n := len(trail); n > 0 {
		prev := trail[n-1]
		levelDelta := int(level) - int(prev.Level)
		if levelDelta < 0 {
			levelDelta = -levelDelta
		}
		if ts.Sub(prev.Ts) < minHistorySpacing &&
			levelDelta < significantLevelDelta &&
			connected == prev.Connected {
			return
		}
	}
	trail = append(trail, HistorySample{Ts: ts, Level: level, Connected: connected})

	cutoff := ts.Add(-historyRetention)
	start := sort.Search(len(trail), func(i int) bool { return trail[i].Ts.After(cutoff) })
	trail = trail[start:]
	if len(trail) > maxSamplesPerDevice {
		trail = trail[len(trail)-maxSamplesPerDevice:]
	}
	h.samples[addr] = trail
}

// Samples returns a copy of the trail for one device, oldest first.
func (h *History) Samples(addr Address) []HistorySample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistorySample(nil), h.samples[addr]...)
}

// DischargeRate estimates percent-per-hour drain from the recent connected,
// non-increasing stretch of the trail. ok is false when the data is too
// sparse or the device has been charging.
func (h *History) DischargeRate(addr Address, now time.Time) (pctPerHour float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	trail := h.samples[addr]
	cutoff := now.Add(-rateWindow)
	var window []HistorySample
	for _, s := range trail {
		if s.Ts.Before(cutoff) || !s.Connected {
			continue
		}
		window = append(window, s)
	}
	if len(window) < 2 {
		return 0, false
	}
	first, last := window[0], window[len(window)-1]
	span := last.Ts.Sub(first.Ts)
	if span < minRateSpan || last.Level >= first.Level {
		return 0, false
	}
	return float64(first.Level-last.Level) / span.Hours(), true
}

// HoursRemaining projects the current level against the estimated rate.
func (h *History) HoursRemaining(addr Address, level uint8, now time.Time) (float64, bool) {
	rate, ok := h.DischargeRate(addr, now)
	if !ok || rate <= 0 {
		return 0, false
	}
	return float64(level) / rate, true
}

// persistedHistory is the on-disk shape of the trail file.
type persistedHistory struct {
	SavedAt time.Time                  `json:"saved_at"`
	Devices map[string][]HistorySample `json:"devices"`
}

// Save writes the trails to the data file beside the config.
func (h *History) Save(configPath string) error {
	h.mu.Lock()
	out := persistedHistory{SavedAt: time.Now(), Devices: make(map[string][]HistorySample, len(h.samples))}
	for addr, trail := range h.samples {
		out.Devices[addr.String()] = append([]HistorySample(nil), trail...)
	}
	h.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(historyPath(configPath), data, 0o644)
}

// Load restores trails from the data file; a missing or corrupt file is a
// clean start, not an error.
func (h *History) Load(configPath string) {
	data, err := os.ReadFile(historyPath(configPath))
	if err != nil {
		return
	}
	var in persistedHistory
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for addrStr, trail := range in.Devices {
		addr, err := ParseAddress(addrStr)
		if err != nil || len(trail) == 0 {
			continue
		}
		h.samples[addr] = trail
	}
}

func historyPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), historyFileName)
}
