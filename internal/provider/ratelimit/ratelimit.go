package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window request quota: at most Limit calls in any
// Period. Calls past the quota are refused rather than delayed so the caller
// can fail over instead of waiting out the window.
type Window struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// NewWindow returns a quota of limit calls per period. A non-positive limit
// disables the quota.
func NewWindow(limit int, period time.Duration, opts ...WindowOption) *Window {
	if period <= 0 {
		period = time.Minute
	}
	w := &Window{limit: limit, period: period, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Allow records a call and reports whether it fits in the window.
func (w *Window) Allow() bool {
	if w == nil || w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	if len(w.calls) >= w.limit {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// Remaining returns how many calls the window still admits.
func (w *Window) Remaining() int {
	if w == nil || w.limit <= 0 {
		return -1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return w.limit - len(w.calls)
}

// Limit returns the configured quota.
func (w *Window) Limit() int {
	if w == nil {
		return 0
	}
	return w.limit
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}
