package security

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window token bucket keyed by client.
type RateLimiter struct {
	mu         sync.Mutex
	rate       int           // tokens per interval
	interval   time.Duration // time interval
	buckets    map[string]*bucket
	maxBuckets int // maximum number of buckets to track
	now        func() time.Time
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter allows rate requests per interval for each key.
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		interval:   interval,
		buckets:    make(map[string]*bucket),
		maxBuckets: 10000,
		now:        time.Now,
	}
}

// Allow checks if a request from the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, exists := rl.buckets[key]
	if !exists {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.cleanup(now)
		}
		rl.buckets[key] = &bucket{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(b.lastReset) >= rl.interval {
		b.tokens = rl.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// cleanup removes buckets that haven't been used recently.
func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * rl.interval)
	for key, b := range rl.buckets {
		if b.lastReset.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Middleware rejects requests over the limit. onReject writes the response;
// when nil a plain 429 is sent.
func (rl *RateLimiter) Middleware(keyFunc func(*http.Request) string, onReject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.Allow(keyFunc(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.interval.Seconds())))
			if onReject != nil {
				onReject(w, r)
				return
			}
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		})
	}
}

// IPKeyFunc keys requests by client IP, honouring proxy headers.
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
