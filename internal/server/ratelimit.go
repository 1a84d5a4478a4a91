package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/huenique/claude-code-server/internal/config"
)

// staleClientAge is how long an idle client entry survives before the
// sweep drops it.
const staleClientAge = 10 * time.Minute

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client request budget on /api routes.
// Each client IP gets a token bucket sized to the configured window.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	clients map[string]*rateClient
	lastGC  time.Time
}

// NewRateLimiter builds a limiter from the rate limit configuration.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*rateClient),
		lastGC:  time.Now(),
	}
}

// SetConfig swaps the limit parameters and resets per-client state so
// the new window takes effect immediately.
func (rl *RateLimiter) SetConfig(cfg config.RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cfg == rl.cfg {
		return
	}
	rl.cfg = cfg
	rl.clients = make(map[string]*rateClient)
}

// Allow reports whether a request from ip may proceed, along with the
// retry-after hint in seconds when it may not.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.cfg.Enabled {
		return true, 0
	}

	now := time.Now()
	if now.Sub(rl.lastGC) > staleClientAge {
		for key, c := range rl.clients {
			if now.Sub(c.lastSeen) > staleClientAge {
				delete(rl.clients, key)
			}
		}
		rl.lastGC = now
	}

	c, ok := rl.clients[ip]
	if !ok {
		window := time.Duration(rl.cfg.WindowMS) * time.Millisecond
		if window <= 0 {
			window = time.Minute
		}
		limit := rate.Limit(float64(rl.cfg.MaxRequests) / window.Seconds())
		c = &rateClient{limiter: rate.NewLimiter(limit, rl.cfg.MaxRequests)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	if c.limiter.Allow() {
		return true, 0
	}
	retryAfter := int(rl.cfg.WindowMS / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Middleware rejects over-limit requests with 429 before they reach
// the handlers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.Allow(clientIP(r))
		if !ok {
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":    false,
				"error":      "Rate limit exceeded",
				"retryAfter": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
