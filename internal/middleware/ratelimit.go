package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/atellix/token-agent/internal/app/chain"
)

// RateLimiter enforces a token-bucket limit per authenticated caller.
// Unauthenticated requests share one bucket keyed by the zero address.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[chain.Address]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst per caller.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[chain.Address]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *RateLimiter) limiter(caller chain.Address) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[caller]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets[caller] = lim
	}
	return lim
}

// Middleware rejects requests exceeding the caller's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if !l.limiter(caller).Allow() {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
