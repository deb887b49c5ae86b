package mqtt311

import (
	"context"
	"time"
)

// Reconnect delay defaults: retry every second.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = time.Second
)

// ReconnectScheduler computes the wait before each reconnect attempt after an
// unexpected disconnect.
//
// The first attempt waits the base delay. With exponential backoff every
// further failed attempt doubles the wait up to the maximum; without it
// every attempt waits the base delay. Reset restores the base delay after a
// successful reconnect.
type ReconnectScheduler struct {
	base        time.Duration
	max         time.Duration
	exponential bool
	next        time.Duration
}

// NewReconnectScheduler creates a scheduler. A max below base is raised to base.
func NewReconnectScheduler(base, maxDelay time.Duration, exponential bool) *ReconnectScheduler {
	s := &ReconnectScheduler{}
	s.Configure(base, maxDelay, exponential)
	return s
}

// Configure replaces the policy and resets the backoff.
func (s *ReconnectScheduler) Configure(base, maxDelay time.Duration, exponential bool) {
	if base < 0 {
		base = 0
	}
	if maxDelay < base {
		maxDelay = base
	}

	s.base = base
	s.max = maxDelay
	s.exponential = exponential
	s.next = base
}

// Policy returns the configured base, maximum and exponential flag.
func (s *ReconnectScheduler) Policy() (base, maxDelay time.Duration, exponential bool) {
	return s.base, s.max, s.exponential
}

// Next returns the wait before the upcoming attempt and advances the backoff.
func (s *ReconnectScheduler) Next() time.Duration {
	delay := s.next

	if s.exponential {
		doubled := s.next * 2
		if doubled > s.max || doubled <= 0 {
			doubled = s.max
		}
		s.next = doubled
	}

	return delay
}

// Reset restores the base delay.
func (s *ReconnectScheduler) Reset() {
	s.next = s.base
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
