package middleware

import (
	"net/http"
	"sync"
	"time"
)

// attempts is the sliding window for one key.
type attempts struct {
	mu      sync.Mutex
	times   []time.Time
	removed bool
}

// RateLimiter allows at most limit attempts per key within any window.
// Keys are locked individually so one busy client does not stall others.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*attempts
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		keys:   make(map[string]*attempts),
	}
}

func (rl *RateLimiter) entry(key string) *attempts {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	a, ok := rl.keys[key]
	if !ok {
		a = &attempts{}
		rl.keys[key] = a
	}
	return a
}

// Allow records an attempt for key and reports whether it is within the
// limit. Denied attempts are not recorded.
func (rl *RateLimiter) Allow(key string) bool {
	for {
		a := rl.entry(key)
		a.mu.Lock()
		if a.removed {
			// Cleanup dropped this entry between lookup and lock.
			a.mu.Unlock()
			continue
		}
		now := rl.now()
		a.prune(now.Add(-rl.window))
		if len(a.times) >= rl.limit {
			a.mu.Unlock()
			return false
		}
		a.times = append(a.times, now)
		a.mu.Unlock()
		return true
	}
}

// Clear forgets all attempts for key.
func (rl *RateLimiter) Clear(key string) {
	rl.mu.Lock()
	a, ok := rl.keys[key]
	rl.mu.Unlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.times = nil
	a.mu.Unlock()
}

// Cleanup removes keys with no attempts left in the window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, a := range rl.keys {
		a.mu.Lock()
		a.prune(cutoff)
		if len(a.times) == 0 {
			a.removed = true
			delete(rl.keys, key)
		}
		a.mu.Unlock()
	}
}

func (a *attempts) prune(cutoff time.Time) {
	i := 0
	for i < len(a.times) && !a.times[i].After(cutoff) {
		i++
	}
	a.times = a.times[i:]
}

// RateLimit returns middleware that rejects requests over the limiter's
// budget with 429 and a JSON body carrying message.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": message,
					"code":  "RATE_LIMIT_EXCEEDED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
