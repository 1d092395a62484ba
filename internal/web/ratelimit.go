package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casedesk/importer/internal/config"
)

// ipLimiter throttles requests per client IP using a token bucket per
// address. Buckets idle for longer than clientTTL are swept so the map
// does not grow without bound.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientTTL = 10 * time.Minute

func newIPLimiter(cfg config.RateLimitConfig) *ipLimiter {
	return &ipLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.Burst,
	}
}

// allow reports whether a request from addr may proceed.
func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[host]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[host] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// sweep removes buckets not seen since the TTL. Called periodically from
// the middleware goroutine.
func (l *ipLimiter) sweep() {
	cutoff := time.Now().Add(-clientTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for host, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, host)
		}
	}
}

// middleware returns the rate limiting middleware and starts the sweeper.
func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startSweeper sweeps idle client buckets until stop is closed.
func (l *ipLimiter) startSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-stop:
				return
			}
		}
	}()
}
