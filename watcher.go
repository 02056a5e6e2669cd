package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WatchState is the lifecycle of the single live-watch slot.
type WatchState int32

const (
	WatchIdle WatchState = iota
	WatchStarting
	WatchRunning
	WatchStopping
)

func (s WatchState) String() string {
	switch s {
	case WatchIdle:
		return "idle"
	case WatchStarting:
		return "starting"
	case WatchRunning:
		return "running"
	case WatchStopping:
		return "stopping"
	}
	return "unknown"
}

// WatchTarget identifies the one device currently eligible for push-based
// live updates, along with the last record observed for it.
type WatchTarget struct {
	Address   Address
	Kind      TransportKind
	LastKnown DeviceRecord
}

// WatchSource is the platform side of a live watch. Run blocks until the
// exit flag is set, pushing every observed delta for the target into
// updates. Records arriving on refresh are the canonical state the consumer
// adopted and replace the task's comparison baseline, so deltas are judged
// against what the rest of the program believes, not against the state
// captured when the watch was selected. Implementations must poll the flag
// on a sub-second interval so shutdown latency stays bounded even if the
// platform event source goes quiet.
type WatchSource interface {
	Run(target WatchTarget, exit *atomic.Bool, refresh <-chan DeviceRecord, updates chan<- DeviceRecord) error
}

// watchHandle owns one running watch task: its cancellation flag, the
// baseline-refresh channel, and the channel closed when the task has fully
// unwound (including its platform subscriptions).
type watchHandle struct {
	target  WatchTarget
	exit    atomic.Bool
	refresh chan DeviceRecord
	done    chan struct{}
	// err holds the task's failure, if any, once done is closed.
	err error
}

// WatcherSupervisor owns zero or one live watch task. Selecting a new target
// cancels and joins the previous task before the replacement starts, so two
// watch tasks are never running at once.
type WatcherSupervisor struct {
	mu          sync.Mutex
	state       WatchState
	handle      *watchHandle
	source      WatchSource
	updates     chan<- DeviceRecord
	joinTimeout time.Duration
	log         zerolog.Logger
}

func NewWatcherSupervisor(source WatchSource, updates chan<- DeviceRecord, log zerolog.Logger) *WatcherSupervisor {
	return &WatcherSupervisor{
		state:       WatchIdle,
		source:      source,
		updates:     updates,
		joinTimeout: 3 * time.Second,
		log:         log.With().Str("component", "watcher").Logger(),
	}
}

// State reports the current slot state.
func (s *WatcherSupervisor) State() WatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the currently watched target, if any.
func (s *WatcherSupervisor) Target() (WatchTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return WatchTarget{}, false
	}
	return s.handle.target, true
}

// Select replaces the watched device. A nil target stops any active watch.
// Selecting the device already being watched is a no-op. A join failure on
// the outgoing task is reported but does not prevent the new task from
// starting.
func (s *WatcherSupervisor) Select(target *WatchTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target == nil {
		return s.stopLocked()
	}
	if s.state == WatchRunning && s.handle != nil &&
		s.handle.target.Address == target.Address && s.handle.target.Kind == target.Kind {
		return nil
	}

	var joinErr error
	if s.handle != nil {
		joinErr = s.stopLocked()
		if joinErr != nil {
			s.log.Error().Err(joinErr).Msg("stopping previous watch task failed")
		}
	}

	s.state = WatchStarting
	h := &watchHandle{
		target:  *target,
		refresh: make(chan DeviceRecord, 1),
		done:    make(chan struct{}),
	}
	s.log.Info().
		Str("address", target.Address.String()).
		Str("transport", target.Kind.Transport.String()).
		Msg("starting live watch")

	go s.run(h)

	s.handle = h
	s.state = WatchRunning
	return joinErr
}

// Refresh hands the running watch task the latest canonical record for its
// target. Without it the task would keep comparing deltas against the state
// captured at select time, and a change observed only by the poll loop could
// mask a later signal restoring the old value.
func (s *WatcherSupervisor) Refresh(rec DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	if h == nil || h.target.Address != rec.Address || h.target.LastKnown == rec {
		return
	}
	h.target.LastKnown = rec
	// Replace any pending refresh; only the newest record matters. Holding
	// mu makes this drain-then-send race-free: Refresh is the sole sender.
	select {
	case <-h.refresh:
	default:
	}
	h.refresh <- rec
}

// Stop cancels any active watch. Safe and idempotent in every state.
func (s *WatcherSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(); err != nil {
		s.log.Error().Err(err).Msg("stopping watch task failed")
	}
}

// stopLocked signals cancellation and joins with a bounded wait. The slot
// always ends Idle, even when the join times out or the task panicked, so a
// later Select can retry cleanly.
func (s *WatcherSupervisor) stopLocked() error {
	h := s.handle
	if h == nil {
		s.state = WatchIdle
		return nil
	}
	s.state = WatchStopping
	h.exit.Store(true)

	var err error
	select {
	case <-h.done:
		err = h.err
	case <-time.After(s.joinTimeout):
		err = fmt.Errorf("watch task for %s did not exit within %s", h.target.Address, s.joinTimeout)
	}

	s.handle = nil
	s.state = WatchIdle
	if err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	s.log.Info().Str("address", h.target.Address.String()).Msg("live watch stopped")
	return nil
}

// run executes the platform watch task, converting a panic into a reported
// error and forcing the slot back to Idle when the task dies on its own
// (source error, closed channel) rather than by cancellation.
func (s *WatcherSupervisor) run(h *watchHandle) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("watch task panic: %v", r)
				s.log.Error().Str("address", h.target.Address.String()).Msgf("watch task panic: %v", r)
			}
		}()
		if err := s.source.Run(h.target, &h.exit, h.refresh, s.updates); err != nil {
			h.err = err
			s.log.Error().Err(err).Str("address", h.target.Address.String()).Msg("watch task failed")
		}
	}()

	selfExit := !h.exit.Load()
	close(h.done)
	if selfExit {
		// The task exited without being asked to; free the slot so the
		// next Select does not wait on a dead handle.
		s.reapLocked(h)
	}
}

func (s *WatcherSupervisor) reapLocked(h *watchHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == h {
		s.handle = nil
		s.state = WatchIdle
	}
}
