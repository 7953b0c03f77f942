package chat

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/task/models"
)

type userBucket struct {
	limiter   *rate.Limiter
	perMinute int
}

// UserLimiter enforces the per-user command rate. Every user gets a token
// bucket at the global rate unless their record carries an override; a
// changed override rebuilds the bucket on next use.
type UserLimiter struct {
	mu      sync.Mutex
	buckets map[string]*userBucket
	cfg     config.RateLimitConfig
}

// NewUserLimiter creates a limiter from the global rate config.
func NewUserLimiter(cfg config.RateLimitConfig) *UserLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	return &UserLimiter{
		buckets: make(map[string]*userBucket),
		cfg:     cfg,
	}
}

// Allow consumes one token from the user's bucket.
func (l *UserLimiter) Allow(user *models.User) bool {
	perMinute := l.cfg.PerMinute
	burst := l.cfg.Burst
	if user.RateLimitPerMin != nil && *user.RateLimitPerMin > 0 {
		perMinute = *user.RateLimitPerMin
		// Scale the burst with the override so a raised limit is usable
		// immediately, not a minute later.
		burst = burst * perMinute / l.cfg.PerMinute
		if burst < 1 {
			burst = 1
		}
	}

	l.mu.Lock()
	bucket, ok := l.buckets[user.ChatUserID]
	if !ok || bucket.perMinute != perMinute {
		if burst > perMinute {
			burst = perMinute
		}
		bucket = &userBucket{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
			perMinute: perMinute,
		}
		l.buckets[user.ChatUserID] = bucket
	}
	l.mu.Unlock()

	return bucket.limiter.Allow()
}
