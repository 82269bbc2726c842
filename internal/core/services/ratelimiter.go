package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/poyrazK/quotagate/internal/infrastructure/metrics"
)

type rateLimiter struct {
	store  ports.RateLimitStore
	clock  domain.Clock
	logger *slog.Logger
}

// NewRateLimiter enforces daily (midnight UTC aligned) and per-minute quotas on top of store.
func NewRateLimiter(store ports.RateLimitStore, clock domain.Clock, logger *slog.Logger) ports.RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &rateLimiter{store: store, clock: clock, logger: logger}
}

// CheckLimit reports whether one more request would be admitted. It never mutates the store.
func (l *rateLimiter) CheckLimit(ctx context.Context, identifier string, limits domain.RateLimitConfig) (*domain.RateLimitResult, error) {
	now := l.clock()

	if limits.RequestsPerMinute > 0 {
		res, err := l.check(ctx, identifier, domain.WindowMinute, limits.RequestsPerMinute, now.Add(time.Minute), now)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return res, nil
		}
	}

	if limits.RequestsPerDay == domain.Unlimited {
		return unlimitedResult(now), nil
	}
	return l.check(ctx, identifier, domain.WindowDaily, limits.RequestsPerDay, domain.NextMidnightUTC(now), now)
}

func (l *rateLimiter) check(ctx context.Context, identifier string, window domain.Window, limit int, freshReset, now time.Time) (*domain.RateLimitResult, error) {
	c, err := l.store.Get(ctx, identifier, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s counter: %w", window, err)
	}

	count := int64(0)
	resetAt := freshReset
	if c.Exists(now) {
		count = c.Count
		resetAt = c.ResetAt
	}

	if count >= int64(limit) {
		return &domain.RateLimitResult{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt, Window: window}, nil
	}
	return &domain.RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(count) - 1,
		Limit:     limit,
		ResetAt:   resetAt,
		Window:    window,
	}, nil
}

// IncrementUsage consumes one unit in every configured window. Callers are expected
// to have seen an allowed CheckLimit first; Consume folds both steps together.
func (l *rateLimiter) IncrementUsage(ctx context.Context, identifier string, limits domain.RateLimitConfig) error {
	now := l.clock()
	if limits.RequestsPerMinute > 0 {
		if _, err := l.store.IncrementAndExpire(ctx, identifier, domain.WindowMinute, time.Minute); err != nil {
			return fmt.Errorf("failed to increment minute counter: %w", err)
		}
	}
	if _, err := l.store.IncrementAndExpire(ctx, identifier, domain.WindowDaily, untilMidnight(now)); err != nil {
		return fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return nil
}

// Consume increments first and compares the returned count, so at most limit
// requests are admitted per window however many callers race.
func (l *rateLimiter) Consume(ctx context.Context, identifier string, limits domain.RateLimitConfig) (*domain.RateLimitResult, error) {
	now := l.clock()

	if limits.RequestsPerMinute > 0 {
		c, err := l.store.IncrementAndExpire(ctx, identifier, domain.WindowMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("failed to increment minute counter: %w", err)
		}
		if c.Count > int64(limits.RequestsPerMinute) {
			l.record(domain.WindowMinute, false)
			l.logger.Debug("minute quota exhausted", "identifier", identifier, "limit", limits.RequestsPerMinute)
			return &domain.RateLimitResult{
				Allowed:   false,
				Remaining: 0,
				Limit:     limits.RequestsPerMinute,
				ResetAt:   resetOr(c, now.Add(time.Minute)),
				Window:    domain.WindowMinute,
			}, nil
		}
		l.record(domain.WindowMinute, true)
	}

	c, err := l.store.IncrementAndExpire(ctx, identifier, domain.WindowDaily, untilMidnight(now))
	if err != nil {
		return nil, fmt.Errorf("failed to increment daily counter: %w", err)
	}
	if limits.RequestsPerDay == domain.Unlimited {
		l.record(domain.WindowDaily, true)
		return unlimitedResult(now), nil
	}

	limit := limits.RequestsPerDay
	resetAt := resetOr(c, domain.NextMidnightUTC(now))
	if c.Count > int64(limit) {
		l.record(domain.WindowDaily, false)
		l.logger.Debug("daily quota exhausted", "identifier", identifier, "limit", limit)
		return &domain.RateLimitResult{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt, Window: domain.WindowDaily}, nil
	}
	l.record(domain.WindowDaily, true)
	return &domain.RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(c.Count),
		Limit:     limit,
		ResetAt:   resetAt,
		Window:    domain.WindowDaily,
	}, nil
}

// Reset clears every window for identifier. Intended for operators and tests.
func (l *rateLimiter) Reset(ctx context.Context, identifier string) error {
	for _, w := range []domain.Window{domain.WindowDaily, domain.WindowMinute} {
		if err := l.store.Reset(ctx, identifier, w); err != nil {
			return fmt.Errorf("failed to reset %s counter: %w", w, err)
		}
	}
	return nil
}

// Usage returns the requests counted today for identifier.
func (l *rateLimiter) Usage(ctx context.Context, identifier string) (int64, error) {
	c, err := l.store.Get(ctx, identifier, domain.WindowDaily)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	if !c.Exists(l.clock()) {
		return 0, nil
	}
	return c.Count, nil
}

func (l *rateLimiter) record(window domain.Window, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(window), result).Inc()
}

func unlimitedResult(now time.Time) *domain.RateLimitResult {
	return &domain.RateLimitResult{
		Allowed:   true,
		Remaining: domain.Unlimited,
		Limit:     domain.Unlimited,
		ResetAt:   domain.NextMidnightUTC(now),
		Window:    domain.WindowDaily,
	}
}

func untilMidnight(now time.Time) time.Duration {
	return domain.NextMidnightUTC(now).Sub(now)
}

func resetOr(c domain.Counter, fallback time.Time) time.Time {
	if c.ResetAt.IsZero() {
		return fallback
	}
	return c.ResetAt
}
