package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedClients bounds the per-client limiter table.
const maxTrackedClients = 1024

// SlidingWindowRateLimiter admits at most maxRequests within any window.
// Rejected requests put the client into a backoff that doubles with each
// further violation, up to maxBackoff.
type SlidingWindowRateLimiter struct {
	maxRequests    int
	windowDuration time.Duration
	timestamps     []time.Time

	violations    int
	lastViolation time.Time
	backoffUntil  time.Time

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mutex sync.Mutex
	now   func() time.Time
}

// NewSlidingWindowRateLimiter creates a limiter for maxRequests per window.
func NewSlidingWindowRateLimiter(maxRequests int, window time.Duration) *SlidingWindowRateLimiter {
	return &SlidingWindowRateLimiter{
		maxRequests:    maxRequests,
		windowDuration: window,
		timestamps:     make([]time.Time, 0, maxRequests),
		baseBackoff:    time.Second,
		maxBackoff:     time.Minute,
		now:            time.Now,
	}
}

// Allow records a request and reports whether it is admitted.
func (rl *SlidingWindowRateLimiter) Allow() bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	if now.Before(rl.backoffUntil) {
		rl.recordViolation(now)
		return false
	}

	rl.cleanOldTimestamps(now)
	if len(rl.timestamps) >= rl.maxRequests {
		rl.recordViolation(now)
		return false
	}

	if rl.violations > 0 && now.Sub(rl.lastViolation) > 2*rl.windowDuration {
		rl.violations = 0
	}
	rl.timestamps = append(rl.timestamps, now)
	return true
}

// RetryAfter is how long a rejected client should wait.
func (rl *SlidingWindowRateLimiter) RetryAfter() time.Duration {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	wait := rl.backoffUntil.Sub(now)
	if len(rl.timestamps) > 0 {
		if w := rl.timestamps[0].Add(rl.windowDuration).Sub(now); w > wait {
			wait = w
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// must be called with the mutex held
func (rl *SlidingWindowRateLimiter) recordViolation(now time.Time) {
	rl.violations++
	rl.lastViolation = now

	backoff := rl.baseBackoff
	for i := 1; i < rl.violations && backoff < rl.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > rl.maxBackoff {
		backoff = rl.maxBackoff
	}
	rl.backoffUntil = now.Add(backoff)
}

// must be called with the mutex held
func (rl *SlidingWindowRateLimiter) cleanOldTimestamps(now time.Time) {
	cutoff := now.Add(-rl.windowDuration)
	valid := 0
	for valid < len(rl.timestamps) && !rl.timestamps[valid].After(cutoff) {
		valid++
	}
	if valid > 0 {
		n := copy(rl.timestamps, rl.timestamps[valid:])
		rl.timestamps = rl.timestamps[:n]
	}
}

// clientLimiters keeps one limiter per remote host.
type clientLimiters struct {
	perMinute int
	limiters  *lru.Cache[string, *SlidingWindowRateLimiter]
	mutex     sync.Mutex
}

func newClientLimiters(perMinute int) *clientLimiters {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *SlidingWindowRateLimiter](maxTrackedClients)
	return &clientLimiters{perMinute: perMinute, limiters: cache}
}

func (c *clientLimiters) get(host string) *SlidingWindowRateLimiter {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if rl, ok := c.limiters.Get(host); ok {
		return rl
	}
	rl := NewSlidingWindowRateLimiter(c.perMinute, time.Minute)
	c.limiters.Add(host, rl)
	return rl
}

// rateLimit rejects clients that exceed the configured request rate with
// 429. A zero rate disables limiting.
func (s *APIServer) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	limiters := newClientLimiters(s.cfg.RateLimit)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		rl := limiters.get(host)
		if !rl.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter().Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "too many requests",
				Code:  "ERR_RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
