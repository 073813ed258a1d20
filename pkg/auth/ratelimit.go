package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds the limit of one service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// InProcessLimiter counts requests per subject in fixed one-minute
// windows held in memory.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int

	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a limiter. Tiers without an entry use
// defaultRPM; a limit of zero or less disables limiting.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		counters:   make(map[string]*counter),
		now:        time.Now,
	}
}

// Allow returns ErrTooManyRequests once the subject exceeds its tier's
// limit in the current window.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := tierOf(identity)
	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowAt) >= time.Minute {
		l.counters[key] = &counter{count: 1, windowAt: now}
		l.prune(now)
		return nil
	}

	c.count++
	if c.count > rpm {
		return ErrTooManyRequests
	}
	return nil
}

// prune drops windows that ended more than a minute ago.
func (l *InProcessLimiter) prune(now time.Time) {
	for k, c := range l.counters {
		if now.Sub(c.windowAt) >= 2*time.Minute {
			delete(l.counters, k)
		}
	}
}
