package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sqlagent/sqlagent/internal/auth"
)

const sweepThreshold = 4096

// RateLimiter allows at most limit requests per key over a sliding window.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter returns nil when perMinute is not positive; a nil limiter
// admits everything.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		hits:   map[string][]time.Time{},
	}
}

// Allow records a request for key. When the key is over its limit it returns
// false and how long until the oldest request leaves the window.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if len(l.hits) > sweepThreshold {
		for k, times := range l.hits {
			if len(times) == 0 || !times[len(times)-1].After(cutoff) {
				delete(l.hits, k)
			}
		}
	}

	recent := l.hits[key]
	keep := 0
	for keep < len(recent) && !recent[keep].After(cutoff) {
		keep++
	}
	recent = recent[keep:]
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false, recent[0].Sub(cutoff)
	}
	l.hits[key] = append(recent, now)
	return true, 0
}

func rateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				key = "caller:" + strconv.FormatInt(identity.CallerID, 10)
			}
			allowed, retryAfter := limiter.Allow(key)
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", true, map[string]any{
					"limit_per_minute": limiter.limit,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
