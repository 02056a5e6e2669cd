package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is a bounded retry with a fixed (or exponentially growing)
// inter-attempt delay. Enumeration and the platform power store are the two
// callers; both fail transiently during adapter resets and service restarts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Multiplier scales the delay after each failed attempt. Values <= 1
	// keep the delay fixed.
	Multiplier float64

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Delay: 2 * time.Second}
}

// Do runs fn up to MaxAttempts times, returning nil on the first success.
// The last error is returned once attempts are exhausted.
func (p RetryPolicy) Do(op string, log zerolog.Logger, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Msg("transient failure, retrying")
		sleep(delay)
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return fmt.Errorf("%s: %d attempt(s) failed: %w", op, attempts, err)
}
