package api

import (
	"net/http"
	"sync"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/config"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/logger"

	"golang.org/x/time/rate"
)

const maxLimiters = 10000

// RateLimiter keeps one token bucket per caller, keyed by user ID when
// authenticated and by remote address otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	errs     *errors.ErrorHandler
	logger   logger.Logger
}

func NewRateLimiter(cfg config.RateLimitConfig, log logger.Logger) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		errs:     errors.NewErrorHandler(log),
		logger:   log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if actor, ok := access.ActorFrom(r.Context()); ok {
			key = actor.UserID
		}

		if !rl.limiter(key).Allow() {
			rl.logger.Warn("Rate limit exceeded", map[string]interface{}{
				"key":    key,
				"method": r.Method,
				"path":   r.URL.Path,
			})
			rl.errs.WriteHTTP(w, r, errors.NewRateLimitedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}
