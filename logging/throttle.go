package logging

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repeated emissions per key: the first call for a key passes,
// later calls within the window are suppressed. Reset re-arms a key so the
// next call passes immediately.
type Throttle struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// NewThrottle returns a Throttle permitting one emission per key per window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an emission under key may proceed now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Reset forgets a key so its next Allow passes immediately.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}

// ResetAll forgets every key.
func (t *Throttle) ResetAll() {
	t.mu.Lock()
	t.limiters = make(map[string]*rate.Limiter)
	t.mu.Unlock()
}
