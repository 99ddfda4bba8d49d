package app

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*client
	now     func() time.Time
	metrics *Metrics
}

type client struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newRateLimiter returns nil when perMinute is not positive, disabling limits.
func newRateLimiter(perMinute, burst int, metrics *Metrics) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 20
	}
	return &rateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		idle:    10 * time.Minute,
		clients: make(map[string]*client),
		now:     time.Now,
		metrics: metrics,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) > 4096 {
			l.pruneLocked(now)
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	return c.limiter.AllowN(now, 1)
}

func (l *rateLimiter) pruneLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.seen) > l.idle {
			delete(l.clients, key)
		}
	}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if ip != "" && !l.allow(ip) {
			l.metrics.limited()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
