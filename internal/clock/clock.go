// Package clock abstracts time for components that sleep, schedule, or
// do timezone arithmetic. Production code uses [System]; tests
// substitute a [Fake] to drive timers deterministically.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides wall-clock time and cancellable sleeps.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled. Reports false if
	// the sleep was cancelled.
	Sleep(ctx context.Context, d time.Duration) bool
}

// System is the real clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Sleep sleeps for d or until ctx is cancelled.
func (System) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NextLocalMidnight returns the first midnight strictly after t in the
// given IANA timezone, converted back to UTC. An unknown or empty zone
// falls back to UTC so daily counters still reset somewhere sensible.
func NextLocalMidnight(t time.Time, tz string) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC()
}

// Fake is a manually advanced clock for tests. Sleeps complete when
// Advance moves the clock past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep blocks until Advance moves the clock past now+d or ctx is
// cancelled.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) bool {
	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		return ctx.Err() == nil
	}
	w := waiter{deadline: f.now.Add(d), ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-w.ch:
		return true
	}
}

// Advance moves the clock forward and releases any sleeps whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	f.mu.Unlock()
}
