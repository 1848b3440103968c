package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// TriggerWindow is the fixed window trigger limits are counted in.
	TriggerWindow = time.Minute

	triggerKeyPrefix = "trigger:"
	sweepEvery       = 5 * time.Minute
)

// RateLimiter counts trigger requests per caller key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string) rateDecision
	Limit() int
	Close()
}

type rateDecision struct {
	allowed bool
	count   int
	resetAt time.Time
}

// retryAfter is the whole number of seconds until the window resets, at
// least one.
func (d rateDecision) retryAfter(now time.Time) int {
	secs := int(d.resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// memoryRateLimiter keeps windows in process. Expired windows are dropped
// lazily on Allow.
type memoryRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*triggerWindow
	lastSweep time.Time
}

type triggerWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimiter allows limit triggers per key per window.
func NewMemoryRateLimiter(limit int, window time.Duration) RateLimiter {
	if window <= 0 {
		window = TriggerWindow
	}
	return &memoryRateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*triggerWindow),
	}
}

func (rl *memoryRateLimiter) Limit() int { return rl.limit }

func (rl *memoryRateLimiter) Allow(_ context.Context, key string) rateDecision {
	if rl.limit <= 0 {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(now)

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &triggerWindow{resetAt: now.Add(rl.window)}
		rl.windows[key] = w
	}
	if w.count >= rl.limit {
		return rateDecision{allowed: false, count: w.count, resetAt: w.resetAt}
	}
	w.count++
	return rateDecision{allowed: true, count: w.count, resetAt: w.resetAt}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepEvery {
		return
	}
	rl.lastSweep = now
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}

// limitTriggers rejects callers that exceed the trigger limit with 429 and
// a Retry-After header.
func (r *Router) limitTriggers(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || r.limiter.Limit() <= 0 {
			next(w, req)
			return
		}
		key := triggerKey(req)
		decision := r.limiter.Allow(req.Context(), key)
		setRateHeaders(w, r.limiter.Limit(), decision)
		if !decision.allowed {
			r.metrics.recordRateLimitHit("/deployments", rateMetricKey(key))
			r.metrics.recordTrigger("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(decision.retryAfter(time.Now())))
			r.logger.Warn("trigger rate limited", "key", key, "count", decision.count)
			r.writeError(w, http.StatusTooManyRequests, "too many deployments triggered, retry later")
			return
		}
		next(w, req)
	}
}

// triggerKey counts per authenticated operator, falling back to the client
// address when auth is off.
func triggerKey(req *http.Request) string {
	if operator, ok := operatorFromContext(req.Context()); ok {
		return triggerKeyPrefix + "operator:" + operator
	}
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return triggerKeyPrefix + "ip:" + host
}

func rateMetricKey(key string) string {
	key = strings.TrimPrefix(key, triggerKeyPrefix)
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}

func setRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.resetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.resetAt.Unix(), 10))
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
