// Package scheduler arms the daemon's wake timer. The wake time is the
// minimum over the two future obligations storage knows about: the earliest
// snooze expiry and the monitor's next projected fire time. Exactness is
// best-effort; a pass that wakes late still fires everything due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"calwatch/internal/event"
	"calwatch/internal/logger"
	"calwatch/internal/storage/sqlite"
)

// EventStore is the live-record persistence the scheduler needs.
type EventStore interface {
	EarliestSnoozeAfter(ctx context.Context, now int64) (int64, error)
}

// StateAccess is the scalar state persistence the scheduler needs.
type StateAccess interface {
	GetInt64(ctx context.Context, key string, def int64) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// WakeFunc is invoked when the armed timer fires. It runs on its own
// goroutine; the implementation is responsible for serializing the pass and
// for rescheduling afterwards.
type WakeFunc func(ctx context.Context)

// Scheduler owns the single wake timer. Safe for concurrent use; at most
// one timer is armed at a time and re-arming replaces the previous one.
type Scheduler struct {
	events EventStore
	state  StateAccess
	wake   WakeFunc
	clock  Clock

	mu      sync.Mutex
	timer   *time.Timer
	armedAt int64
}

// New creates a scheduler. The wake function is called whenever the armed
// time arrives.
func New(events EventStore, state StateAccess, wake WakeFunc) *Scheduler {
	return &Scheduler{
		events: events,
		state:  state,
		wake:   wake,
		clock:  realClock{},
	}
}

// SetClock overrides the clock, for tests.
func (s *Scheduler) SetClock(c Clock) {
	s.clock = c
}

// NextWakeTime computes the earliest future obligation in Unix
// milliseconds, or InfiniteTime when nothing is pending.
func (s *Scheduler) NextWakeTime(ctx context.Context) (int64, error) {
	now := event.UnixMillis(s.clock.Now())

	next := event.InfiniteTime

	snooze, err := s.events.EarliestSnoozeAfter(ctx, now)
	if err != nil {
		return 0, err
	}
	if snooze != 0 && snooze < next {
		next = snooze
	}

	nextFire, err := s.state.GetInt64(ctx, sqlite.KeyNextEventFireFromScan, event.InfiniteTime)
	if err != nil {
		return 0, err
	}
	if nextFire > now && nextFire < next {
		next = nextFire
	}

	return next, nil
}

// Reschedule recomputes the next wake time, persists the snooze expectation
// for crash recovery, and re-arms the timer. A computed time of
// InfiniteTime disarms instead.
func (s *Scheduler) Reschedule(ctx context.Context) error {
	next, err := s.NextWakeTime(ctx)
	if err != nil {
		return err
	}

	if err := s.state.SetInt64(ctx, sqlite.KeyNextSnoozeAlarmExpectedAt, next); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if next == event.InfiniteTime {
		s.armedAt = 0
		logger.Debug("wake timer disarmed, nothing pending")
		return nil
	}

	delay := time.Until(event.TimeOfMillis(next))
	if delay < 0 {
		delay = 0
	}

	s.armedAt = next
	s.timer = time.AfterFunc(delay, func() {
		logger.Debug("wake timer fired", "armed_at", next)
		s.wake(context.Background())
	})

	logger.Debug("wake timer armed", "at", next, "in", delay.String())

	return nil
}

// Disarm stops any armed timer without recomputing. Used when the provider
// becomes unavailable: waking on schedule would only fail again.
func (s *Scheduler) Disarm(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedAt = 0
	s.mu.Unlock()

	logger.Info("wake timer disarmed")

	return s.state.SetInt64(ctx, sqlite.KeyNextSnoozeAlarmExpectedAt, event.InfiniteTime)
}

// ArmedAt returns the currently armed wake time in Unix milliseconds, or 0
// when disarmed.
func (s *Scheduler) ArmedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedAt
}
