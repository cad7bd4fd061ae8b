package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxCalls = 10
	DefaultPeriod   = 60 * time.Second
)

// Config tunes the limiter. Zero values fall back to the defaults.
type Config struct {
	MaxCalls int
	Period   time.Duration
	Clock    func() time.Time
}

// Decision is the result of a single Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller must wait before the oldest call leaves the window.
	RetryAfter time.Duration
	// Remaining is the number of calls still allowed in the current window.
	Remaining int
}

// Limiter keeps a sliding window of call timestamps per user.
type Limiter struct {
	maxCalls int
	period   time.Duration
	clock    func() time.Time
	windows  sync.Map // user id -> *window
}

type window struct {
	mu    sync.Mutex
	calls []time.Time
	// evicted is set by Sweep once the window is no longer reachable from the map.
	evicted bool
}

// New constructs a limiter.
func New(cfg Config) *Limiter {
	maxCalls := cfg.MaxCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		maxCalls: maxCalls,
		period:   period,
		clock:    clock,
	}
}

// MaxCalls returns the configured window capacity.
func (l *Limiter) MaxCalls() int {
	return l.maxCalls
}

// Period returns the configured window length.
func (l *Limiter) Period() time.Duration {
	return l.period
}

// Allow records a call for userID when the window has room.
func (l *Limiter) Allow(userID string) Decision {
	w := l.lockedWindow(userID)
	defer w.mu.Unlock()

	now := l.clock()
	w.prune(now.Add(-l.period))

	if len(w.calls) >= l.maxCalls {
		retryAfter := w.calls[0].Add(l.period).Sub(now)
		if retryAfter <= 0 {
			// Only reachable when the clock moves backwards.
			retryAfter = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	w.calls = append(w.calls, now)
	return Decision{Allowed: true, Remaining: l.maxCalls - len(w.calls)}
}

// Sweep drops windows whose calls have all expired and returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.clock().Add(-l.period)
	removed := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.calls) == 0 {
			w.evicted = true
			l.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Tracked returns the number of users with a live window.
func (l *Limiter) Tracked() int {
	count := 0
	l.windows.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// lockedWindow returns the live window for userID with its mutex held.
func (l *Limiter) lockedWindow(userID string) *window {
	for {
		value, ok := l.windows.Load(userID)
		if !ok {
			value, _ = l.windows.LoadOrStore(userID, &window{})
		}
		w := value.(*window)
		w.mu.Lock()
		if !w.evicted {
			return w
		}
		w.mu.Unlock()
	}
}

// prune drops calls at or before cutoff. Calls are appended in order, so the live ones are a suffix.
func (w *window) prune(cutoff time.Time) {
	keep := 0
	for keep < len(w.calls) && !w.calls[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.calls = append(w.calls[:0], w.calls[keep:]...)
	}
}
