// ABOUTME: Per-recipient fixed-window send counters with a periodic sweep
// ABOUTME: Windows are created lazily, reset at their boundary and discarded once stale

package delivery

import (
	"sync"
	"time"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

type rateWindows struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	window  time.Duration
}

func newRateWindows(limit int, window time.Duration) *rateWindows {
	return &rateWindows{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
	}
}

// allow records a send to key at now and reports whether it fits the window.
// Rejected sends are not counted.
func (r *rateWindows) allow(key string, now time.Time) bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(r.window)}
		r.windows[key] = w
	}
	if w.count >= r.limit {
		return false
	}
	w.count++
	return true
}

// sweep removes windows whose reset time has passed.
func (r *rateWindows) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, w := range r.windows {
		if !now.Before(w.resetAt) {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

func (r *rateWindows) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
