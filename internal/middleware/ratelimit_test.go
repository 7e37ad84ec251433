package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(5, 15*time.Minute)

	for i := 0; i < 5; i++ {
		if !rl.Allow("key") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Error("6th attempt should be denied")
	}
	if !rl.Allow("other") {
		t.Error("other keys should have their own budget")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl, clock := newTestLimiter(3, 10*time.Minute)

	rl.Allow("key")
	clock.Advance(4 * time.Minute)
	rl.Allow("key")
	rl.Allow("key")

	if rl.Allow("key") {
		t.Fatal("should be blocked within window")
	}

	// The first attempt slides out; the other two are still inside.
	clock.Advance(6*time.Minute + time.Second)
	if !rl.Allow("key") {
		t.Fatal("one slot should free up once the oldest attempt leaves the window")
	}
	if rl.Allow("key") {
		t.Error("only one slot should have freed up")
	}
}

func TestRateLimiterClear(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)

	rl.Allow("key")
	rl.Allow("key")
	if rl.Allow("key") {
		t.Fatal("expected limit reached")
	}

	rl.Clear("key")
	if !rl.Allow("key") {
		t.Error("expected attempts to be cleared")
	}
	rl.Clear("unknown")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(5, 10*time.Minute)

	rl.Allow("expired")
	clock.Advance(11 * time.Minute)
	rl.Allow("active")

	rl.Cleanup()

	rl.mu.Lock()
	_, hasExpired := rl.keys["expired"]
	_, hasActive := rl.keys["active"]
	rl.mu.Unlock()
	if hasExpired {
		t.Error("expired entry should have been cleaned up")
	}
	if !hasActive {
		t.Error("active entry should still exist")
	}

	if !rl.Allow("expired") {
		t.Error("a cleaned up key should start fresh")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl, _ := newTestLimiter(10, time.Minute)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("key") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)
	keyFunc := func(r *http.Request) string { return "test" }

	handler := RateLimit(rl, keyFunc, "Slow down")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "RATE_LIMIT_EXCEEDED" || body["error"] != "Slow down" {
		t.Errorf("body = %v", body)
	}
}
