// Package ratelimit implements per-caller sliding-window request limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest counted request leaves the window.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// Limiter tests a caller against its limit and, when allowed, records the request
// in the same atomic step.
type Limiter interface {
	Allow(ctx context.Context, callerID string) (Decision, error)
}

// Sweeper is implemented by limiters that hold windows in memory.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// DefaultIdleTimeout is how long a window may go unused before Sweep drops it.
const DefaultIdleTimeout = 2 * time.Hour

type window struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// SlidingWindow keeps one rolling window per caller in process memory.
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	idle    time.Duration
	windows map[string]*window
	now     func() time.Time
}

// NewSlidingWindow allows limit requests per caller within any rolling period.
func NewSlidingWindow(limit int, period time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		period:  period,
		idle:    DefaultIdleTimeout,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// WithIdleTimeout changes how long an unused window survives a Sweep.
func (l *SlidingWindow) WithIdleTimeout(d time.Duration) *SlidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle = d
	return l
}

func (l *SlidingWindow) Allow(_ context.Context, callerID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[callerID]
	if !ok {
		w = &window{}
		l.windows[callerID] = w
	}
	w.lastSeen = now

	cutoff := now.Add(-l.period)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= l.limit {
		retry := w.timestamps[0].Add(l.period).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: retry}, nil
	}

	w.timestamps = append(w.timestamps, now)
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - len(w.timestamps)}, nil
}

// Sweep drops windows that have seen no traffic for the idle timeout.
func (l *SlidingWindow) Sweep(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	removed := 0
	for id, w := range l.windows {
		if w.lastSeen.Before(cutoff) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked callers.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

var (
	_ Limiter = (*SlidingWindow)(nil)
	_ Sweeper = (*SlidingWindow)(nil)
)
