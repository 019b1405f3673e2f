package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/toolink/gate/store"
)

// WindowResult is the outcome of one fixed-window check.
type WindowResult struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least one.
func (r WindowResult) RetryAfter(now time.Time) time.Duration {
	return ceilSeconds(r.ResetAt.Sub(now))
}

// FixedWindow counts events per scope key inside aligned time windows.
// Windows start at floor(now/window)*window, so every instance computes the
// same boundary. A caller can get up to 2*limit events through across one
// boundary; that is accepted.
type FixedWindow struct {
	store store.Store
	clock clockwork.Clock
}

// NewFixedWindow creates a fixed-window limiter over s.
func NewFixedWindow(s store.Store, clock clockwork.Clock) *FixedWindow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FixedWindow{store: s, clock: clock}
}

// Check records one event for scopeKey and reports whether it fits in limit.
func (w *FixedWindow) Check(ctx context.Context, scopeKey string, window time.Duration, limit int64) (WindowResult, error) {
	start, sec := windowStart(w.clock.Now(), window)

	count, err := w.store.Increment(ctx, windowKey(scopeKey, start), time.Duration(sec)*time.Second)
	if err != nil {
		return WindowResult{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return WindowResult{
		Allowed:   count <= limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   time.Unix(start+sec, 0).UTC(),
	}, nil
}

// Count returns the number of events recorded for scopeKey in the current
// window without recording a new one.
func (w *FixedWindow) Count(ctx context.Context, scopeKey string, window time.Duration) (int64, error) {
	start, _ := windowStart(w.clock.Now(), window)
	v, ok, err := w.store.Get(ctx, windowKey(scopeKey, start))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// windowStart returns the aligned window start (unix seconds) and the window length in seconds.
func windowStart(now time.Time, window time.Duration) (int64, int64) {
	sec := windowSeconds(window)
	return now.Unix() / sec * sec, sec
}

func windowKey(scopeKey string, start int64) string {
	return scopeKey + ":" + strconv.FormatInt(start, 10)
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	s := (d + time.Second - 1) / time.Second
	return s * time.Second
}
