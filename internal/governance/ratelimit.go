package governance

import (
	"errors"
	"sync"
	"time"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter is a sliding-window counter per user identity. Commands over
// the per-minute threshold are rejected before any session is created.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:  perMinute,
		window: time.Minute,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one attempt for the user and reports whether it is within
// the window limit. Rejected attempts are not recorded, so a burst does not
// extend the block.
func (r *RateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.hits[userID][:0]
	for _, t := range r.hits[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.hits[userID] = kept
		return false
	}

	r.hits[userID] = append(kept, now)
	return true
}

// Remaining reports how many commands the user has left in the window.
func (r *RateLimiter) Remaining(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	n := 0
	for _, t := range r.hits[userID] {
		if t.After(cutoff) {
			n++
		}
	}
	if n >= r.limit {
		return 0
	}
	return r.limit - n
}
