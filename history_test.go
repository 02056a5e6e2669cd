package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var historyBase = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func TestHistoryThinsCloseSamples(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x1111, 80, true, historyBase.Add(10*time.Second))
	h.Record(0x1111, 79, true, historyBase.Add(30*time.Second))

	assert.Len(t, h.Samples(0x1111), 1)

	// Past the spacing window, even an identical reading is retained.
	h.Record(0x1111, 79, true, historyBase.Add(2*time.Minute))
	assert.Len(t, h.Samples(0x1111), 2)
}

func TestHistoryKeepsSignificantLevelJump(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x1111, 76, true, historyBase.Add(5*time.Second))

	trail := h.Samples(0x1111)
	require.Len(t, trail, 2)
	assert.Equal(t, uint8(76), trail[1].Level)
}

func TestHistoryKeepsConnectionFlip(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x1111, 80, false, historyBase.Add(5*time.Second))

	trail := h.Samples(0x1111)
	require.Len(t, trail, 2)
	assert.False(t, trail[1].Connected)
}

func TestHistoryDropsExpiredSamples(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 90, true, historyBase)
	h.Record(0x1111, 85, true, historyBase.Add(9*24*time.Hour))

	trail := h.Samples(0x1111)
	require.Len(t, trail, 1)
	assert.Equal(t, uint8(85), trail[0].Level)
}

func TestDischargeRateFromSteadyDrain(t *testing.T) {
	h := NewHistory()
	// 10% over 2 hours.
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x1111, 75, true, historyBase.Add(time.Hour))
	h.Record(0x1111, 70, true, historyBase.Add(2*time.Hour))

	rate, ok := h.DischargeRate(0x1111, historyBase.Add(2*time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 5.0, rate, 0.01)

	hours, ok := h.HoursRemaining(0x1111, 70, historyBase.Add(2*time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 14.0, hours, 0.01)
}

func TestDischargeRateNeedsEnoughSpan(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x1111, 75, true, historyBase.Add(5*time.Minute))

	_, ok := h.DischargeRate(0x1111, historyBase.Add(5*time.Minute))
	assert.False(t, ok)
}

func TestDischargeRateRefusesChargingTrail(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 60, true, historyBase)
	h.Record(0x1111, 70, true, historyBase.Add(time.Hour))

	_, ok := h.DischargeRate(0x1111, historyBase.Add(time.Hour))
	assert.False(t, ok)

	_, ok = h.HoursRemaining(0x1111, 70, historyBase.Add(time.Hour))
	assert.False(t, ok)
}

func TestDischargeRateIgnoresDisconnectedSamples(t *testing.T) {
	h := NewHistory()
	h.Record(0x1111, 80, false, historyBase)
	h.Record(0x1111, 40, false, historyBase.Add(time.Hour))

	_, ok := h.DischargeRate(0x1111, historyBase.Add(time.Hour))
	assert.False(t, ok)
}

func TestHistorySaveLoadRoundTrip(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), configFileName)

	h := NewHistory()
	h.Record(0x1111, 80, true, historyBase)
	h.Record(0x2222, 55, false, historyBase)
	require.NoError(t, h.Save(cfgPath))

	restored := NewHistory()
	restored.Load(cfgPath)

	trail := restored.Samples(0x1111)
	require.Len(t, trail, 1)
	assert.Equal(t, uint8(80), trail[0].Level)
	assert.True(t, trail[0].Connected)

	other := restored.Samples(0x2222)
	require.Len(t, other, 1)
	assert.Equal(t, uint8(55), other[0].Level)
}

func TestHistoryLoadMissingFileIsCleanStart(t *testing.T) {
	h := NewHistory()
	h.Load(filepath.Join(t.TempDir(), configFileName))
	assert.Empty(t, h.Samples(0x1111))
}
