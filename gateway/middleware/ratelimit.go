// Package middleware holds the HTTP middleware shared by the settlement API:
// per-route rate limiting, CORS, and request observability.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds the request rate for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-caller token buckets keyed by route group. Callers
// are identified by wallet when authenticated headers are present, by client
// IP otherwise.
type RateLimiter struct {
	log    *slog.Logger
	limits map[string]RateLimit

	mu      sync.Mutex
	callers map[string]*rateEntry
	nowFn   func() time.Time
}

const callerIdleTTL = 10 * time.Minute

func NewRateLimiter(limits map[string]RateLimit, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		log:     log,
		limits:  limits,
		callers: make(map[string]*rateEntry),
		nowFn:   time.Now,
	}
}

// Middleware limits requests for the named route group. Groups without a
// configured limit pass through untouched.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			caller := callerID(req)
			if !r.allow(group+"|"+caller, limit) {
				r.log.Warn("request rate limited", "group", group, "caller", caller)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(key string, cfg RateLimit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()
	r.sweepLocked(now)
	entry, ok := r.callers[key]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.callers[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	for key, entry := range r.callers {
		if now.Sub(entry.lastSeen) > callerIdleTTL {
			delete(r.callers, key)
		}
	}
}

// callerID prefers the authenticated wallet header so a single NAT egress
// does not starve unrelated merchants, falling back to the client IP.
func callerID(r *http.Request) string {
	if wallet := strings.TrimSpace(r.Header.Get("X-Wallet-Id")); wallet != "" {
		return "wallet:" + wallet
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return "ip:" + ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return "ip:" + parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
