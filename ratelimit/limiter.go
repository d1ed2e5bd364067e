// Package ratelimit is a sliding-window log rate limiter keyed by
// (source, operation). Limits are supplied per call. State is in memory
// only; a restart forgets every window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/silversage/guard/internal/clock"
)

// DefaultSweepInterval is how often Run drops idle windows.
const DefaultSweepInterval = time.Minute

// Decision is the outcome of one CheckAndRecord call.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest request in the window expires. For a denied
	// request it is the earliest time a retry can succeed.
	ResetAt time.Time
}

// RetryAfter returns how long until ResetAt, rounded up to a whole second
// and never less than one second for a denied request.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait <= time.Second {
		return time.Second
	}
	if r := wait % time.Second; r != 0 {
		wait += time.Second - r
	}
	return wait
}

type window struct {
	mu    sync.Mutex
	times []time.Time
	span  time.Duration
	// dead is set by the sweeper once the window is unlinked.
	dead bool
}

// prune drops entries older than now-span. The window is [now-span, now].
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	start := 0
	for start < len(w.times) && w.times[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		w.times = append(w.times[:0], w.times[start:]...)
	}
}

// Limiter holds one window per key. Each window has its own lock so keys
// never contend with each other beyond the map lookup.
type Limiter struct {
	clock   clock.Clock
	mu      sync.RWMutex
	windows map[string]*window
	rules   map[Operation]Rule
}

// New returns a Limiter using rules for Allow. Operations missing from
// rules fall back to Presets.
func New(clk clock.Clock, rules map[Operation]Rule) *Limiter {
	merged := Presets()
	for op, r := range rules {
		merged[op] = r
	}
	return &Limiter{
		clock:   clk,
		windows: make(map[string]*window),
		rules:   merged,
	}
}

// Rule returns the configured rule for op.
func (l *Limiter) Rule(op Operation) (Rule, bool) {
	r, ok := l.rules[op]
	return r, ok
}

// Allow applies the configured rule for op. Unknown operations are
// allowed.
func (l *Limiter) Allow(source string, op Operation) Decision {
	r, ok := l.rules[op]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}
	return l.CheckAndRecord(source, string(op), r.Limit, r.Window)
}

// RetryAfter is d.RetryAfter at the limiter's current time.
func (l *Limiter) RetryAfter(d Decision) time.Duration {
	return d.RetryAfter(l.clock.Now())
}

// CheckAndRecord allows the request iff fewer than limit requests from
// source for operation fall within the trailing window, and records it
// when allowed. Denied requests are not recorded.
func (l *Limiter) CheckAndRecord(source, operation string, limit int, span time.Duration) Decision {
	key := operation + "\x00" + source
	for {
		w := l.window(key, span)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := w.checkAndRecord(l.clock.Now(), limit, span)
		w.mu.Unlock()
		return d
	}
}

func (w *window) checkAndRecord(now time.Time, limit int, span time.Duration) Decision {
	w.span = span
	w.prune(now)
	if limit <= 0 {
		return Decision{Allowed: false, ResetAt: now.Add(span)}
	}
	if len(w.times) >= limit {
		return Decision{Allowed: false, ResetAt: w.times[len(w.times)-limit].Add(span)}
	}
	w.times = append(w.times, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(w.times),
		ResetAt:   w.times[0].Add(span),
	}
}

func (l *Limiter) window(key string, span time.Duration) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; !ok {
		w = &window{span: span}
		l.windows[key] = w
	}
	return w
}

// Reset forgets the window for source and operation.
func (l *Limiter) Reset(source, operation string) {
	key := operation + "\x00" + source
	l.mu.Lock()
	w, ok := l.windows[key]
	delete(l.windows, key)
	l.mu.Unlock()
	if ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}
}

// Sweep drops windows with no entries left in range and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(now)
		if len(w.times) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of live windows.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
