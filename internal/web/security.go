package web

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements simple IP-based rate limiting
type RateLimiter struct {
	attempts    map[string]int       // IP -> attempt count
	lastAttempt map[string]time.Time // IP -> last attempt time
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	lastTime, exists := rl.lastAttempt[ip]

	// Reset counter if window has passed
	if exists && now.Sub(lastTime) > rl.window {
		rl.attempts[ip] = 0
	}

	if rl.attempts[ip] >= rl.maxAttempts {
		return false
	}

	rl.attempts[ip]++
	rl.lastAttempt[ip] = now

	return true
}

// GetRemaining returns remaining attempts and time until reset
func (rl *RateLimiter) GetRemaining(ip string) (int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lastTime, exists := rl.lastAttempt[ip]
	if !exists {
		return rl.maxAttempts, 0
	}

	if time.Since(lastTime) > rl.window {
		return rl.maxAttempts, 0
	}

	remaining := max(0, rl.maxAttempts-rl.attempts[ip])
	resetIn := rl.window - time.Since(lastTime)
	return remaining, resetIn
}

// Prune drops entries whose window has passed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for ip, last := range rl.lastAttempt {
		if time.Since(last) > rl.window {
			delete(rl.lastAttempt, ip)
			delete(rl.attempts, ip)
			n++
		}
	}
	return n
}

// RateLimitMiddleware creates a middleware that rate limits specific endpoints
func RateLimitMiddleware(limiter *RateLimiter, logger interface{ Warn(msg string, args ...any) }) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			if !limiter.Allow(ip) {
				remaining, resetIn := limiter.GetRemaining(ip)
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "remaining", remaining, "reset_in", resetIn)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", formatDurationSeconds(resetIn))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":          "rate limit exceeded",
					"retry_after":    formatDurationSeconds(resetIn),
					"retry_after_ms": int(resetIn.Milliseconds()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// formatDurationSeconds formats a duration as whole seconds, rounded up,
// for the Retry-After header.
func formatDurationSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
