package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// tokenBucket is a per-client limiter for wake pushes.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// wakeLimiter bounds how fast one client can push wake events.
type wakeLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func newWakeLimiter(perMinute int) *wakeLimiter {
	return &wakeLimiter{perMin: perMinute, buckets: make(map[string]*tokenBucket), now: time.Now}
}

// Allow reports whether the client behind r may push another wake. A zero rate disables limiting.
func (l *wakeLimiter) Allow(r *http.Request) bool {
	if l == nil || l.perMin <= 0 {
		return true
	}
	key := ExtractAPIKey(r)
	if key == "" {
		key = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(l.perMin),
			maxTokens:  float64(l.perMin),
			refillRate: float64(l.perMin) / 60,
			lastRefill: now,
		}
		l.buckets[key] = b
	}
	return b.allow(now)
}
