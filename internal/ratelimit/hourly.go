// Package ratelimit tracks per-account send budgets over fixed hourly
// windows. The dispatcher layers a global per-second rate.Limiter on top;
// this package owns only the per-account hourly cap.
package ratelimit

import (
	"sync"
	"time"
)

// Hourly counts sends per account per clock hour.
//
// TryConsume is atomic: it either records the send and returns true, or
// leaves the counter untouched and returns false. Entries for past hours
// are evicted lazily on access and in bulk by Sweep.
type Hourly struct {
	mu     sync.Mutex
	max    int
	counts map[string]*window
}

type window struct {
	hour  time.Time // truncated to the hour
	count int
}

// NewHourly creates a limiter allowing maxPerHour sends per account.
// maxPerHour <= 0 disables the cap (TryConsume always succeeds).
func NewHourly(maxPerHour int) *Hourly {
	return &Hourly{max: maxPerHour, counts: map[string]*window{}}
}

// SetMax swaps the cap at runtime. Existing window counts are kept.
func (h *Hourly) SetMax(maxPerHour int) {
	h.mu.Lock()
	h.max = maxPerHour
	h.mu.Unlock()
}

// TryConsume records one send for accountID if the hourly budget allows it.
func (h *Hourly) TryConsume(accountID string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max <= 0 {
		return true
	}
	hour := now.Truncate(time.Hour)
	w := h.counts[accountID]
	if w == nil || !w.hour.Equal(hour) {
		w = &window{hour: hour}
		h.counts[accountID] = w
	}
	if w.count >= h.max {
		return false
	}
	w.count++
	return true
}

// Remaining reports the unused budget for accountID in the current hour.
func (h *Hourly) Remaining(accountID string, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max <= 0 {
		return 1 << 30
	}
	hour := now.Truncate(time.Hour)
	w := h.counts[accountID]
	if w == nil || !w.hour.Equal(hour) {
		return h.max
	}
	if w.count >= h.max {
		return 0
	}
	return h.max - w.count
}

// Forget drops all state for accountID (account removed from the pool).
func (h *Hourly) Forget(accountID string) {
	h.mu.Lock()
	delete(h.counts, accountID)
	h.mu.Unlock()
}

// Sweep evicts windows from past hours. Called periodically from the
// maintenance cron so idle accounts don't pin stale entries.
func (h *Hourly) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	hour := now.Truncate(time.Hour)
	n := 0
	for id, w := range h.counts {
		if !w.hour.Equal(hour) {
			delete(h.counts, id)
			n++
		}
	}
	return n
}
