// Package rate implements a per-key sliding-window rate limiter.
//
// One independent window per key, counted over a trailing 60 second
// interval. Keys are arbitrary strings: a token id for guest commands,
// "login:"+ip for admin login attempts. The clock is monotonic (Go's
// time.Time carries a monotonic reading), so wall-clock adjustments
// cannot widen or shrink a window.
package rate

import (
	"context"
	"sync"
	"time"

	"github.com/dropDatabas3/hapass/internal/observability/logger"
)

// Window is the trailing interval over which hits are counted.
const Window = 60 * time.Second

// SlidingWindow is an in-memory sliding-window limiter. The zero value is
// not usable; call NewSlidingWindow.
type SlidingWindow struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Check reports whether one more hit is admitted for key under limit.
// The hit is recorded only when admitted: probing a full window does not
// extend it.
func (l *SlidingWindow) Check(key string, limit int) bool {
	now := l.now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	dq := l.windows[key]
	// Drop timestamps that fell out of the window. Hits are appended in
	// order, so the prefix is the stale part.
	i := 0
	for i < len(dq) && dq[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		dq = append(dq[:0:0], dq[i:]...)
	}

	if len(dq) >= limit {
		l.windows[key] = dq
		return false
	}

	l.windows[key] = append(dq, now)
	return true
}

// Cleanup drops keys whose most recent hit already left the window,
// bounding memory for keys that stop being used.
func (l *SlidingWindow) Cleanup() {
	cutoff := l.now().Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, dq := range l.windows {
		if len(dq) == 0 || dq[len(dq)-1].Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// Keys returns the number of tracked keys. Used by tests and metrics.
func (l *SlidingWindow) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunCleanup calls Cleanup every interval until ctx is cancelled.
func (l *SlidingWindow) RunCleanup(ctx context.Context, interval time.Duration) {
	log := logger.Named("rate")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Cleanup()
			log.Debug("rate limiter cleanup done")
		}
	}
}
