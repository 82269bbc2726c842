package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poyrazK/quotagate/internal/adapters/ratelimit"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/testutil"
	"github.com/stretchr/testify/mock"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLimiter(start time.Time) (*rateLimiter, *testClock) {
	clock := &testClock{now: start}
	store := ratelimit.NewMemoryStore(clock.Now, 0)
	return NewRateLimiter(store, clock.Now, nil).(*rateLimiter), clock
}

func TestRateLimiter_CheckThenIncrement(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 5}

	for i := 0; i < 5; i++ {
		res, err := l.CheckLimit(ctx, "key1", limits)
		if err != nil {
			t.Fatalf("CheckLimit failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 5-i-1 {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 5-i-1, res.Remaining)
		}
		if err := l.IncrementUsage(ctx, "key1", limits); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	res, _ := l.CheckLimit(ctx, "key1", limits)
	if res.Allowed || res.Remaining != 0 {
		t.Errorf("6th request should be denied, got %+v", res)
	}
	if !res.ResetAt.Equal(time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected reset at next midnight UTC, got %v", res.ResetAt)
	}
}

func TestRateLimiter_CheckIsIdempotent(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 10}

	_ = l.IncrementUsage(ctx, "key1", limits)
	for i := 0; i < 20; i++ {
		res, _ := l.CheckLimit(ctx, "key1", limits)
		if res.Remaining != 8 {
			t.Fatalf("CheckLimit changed remaining to %d", res.Remaining)
		}
	}
}

func TestRateLimiter_FreshIdentifier(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)

	res, err := l.CheckLimit(context.Background(), "new", domain.RateLimitConfig{RequestsPerDay: 100})
	if err != nil {
		t.Fatalf("CheckLimit failed: %v", err)
	}
	if !res.Allowed || res.Remaining != 99 || res.Limit != 100 {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.ResetAt.Equal(domain.NextMidnightUTC(start)) {
		t.Errorf("unexpected reset %v", res.ResetAt)
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	start := time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 2}

	_ = l.IncrementUsage(ctx, "key1", limits)
	_ = l.IncrementUsage(ctx, "key1", limits)
	if res, _ := l.CheckLimit(ctx, "key1", limits); res.Allowed {
		t.Fatalf("expected quota to be exhausted")
	}

	// A window started at 23:59 still ends at midnight.
	clock.Set(time.Date(2026, 6, 2, 0, 0, 1, 0, time.UTC))
	res, _ := l.CheckLimit(ctx, "key1", limits)
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("expected fresh window after midnight, got %+v", res)
	}
}

func TestRateLimiter_Consume(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 3}

	for i := 0; i < 3; i++ {
		res, err := l.Consume(ctx, "key1", limits)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if !res.Allowed || res.Remaining != 3-i-1 {
			t.Errorf("request %d: unexpected result %+v", i+1, res)
		}
	}

	res, _ := l.Consume(ctx, "key1", limits)
	if res.Allowed || res.Window != domain.WindowDaily {
		t.Errorf("4th request should be denied on the daily window, got %+v", res)
	}

	used, _ := l.Usage(ctx, "key1")
	if used != 4 {
		t.Errorf("expected 4 attempts counted, got %d", used)
	}
}

func TestRateLimiter_ConsumeConcurrentIsExact(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 10}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Consume(ctx, "key1", limits)
			if err == nil && res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Errorf("expected exactly 10 admitted, got %d", admitted.Load())
	}
}

func TestRateLimiter_TwoPhaseOvershootIsBounded(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 1}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckLimit(ctx, "key1", limits)
			if err != nil || !res.Allowed {
				return
			}
			if err := l.IncrementUsage(ctx, "key1", limits); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := admitted.Load(); n < 1 || n > 2 {
		t.Errorf("expected 1 or 2 admitted, got %d", n)
	}
}

func TestRateLimiter_MinuteWindow(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 100, RequestsPerMinute: 2}

	for i := 0; i < 2; i++ {
		if res, _ := l.Consume(ctx, "key1", limits); !res.Allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	res, _ := l.Consume(ctx, "key1", limits)
	if res.Allowed || res.Window != domain.WindowMinute {
		t.Fatalf("expected minute denial, got %+v", res)
	}
	if !res.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("unexpected minute reset %v", res.ResetAt)
	}
	if chk, _ := l.CheckLimit(ctx, "key1", limits); chk.Allowed || chk.Window != domain.WindowMinute {
		t.Errorf("CheckLimit should agree with the minute window, got %+v", chk)
	}

	clock.Set(start.Add(61 * time.Second))
	res, _ = l.Consume(ctx, "key1", limits)
	if !res.Allowed || res.Window != domain.WindowDaily || res.Remaining != 97 {
		t.Errorf("expected admission after the minute rolled over, got %+v", res)
	}
}

func TestRateLimiter_Unlimited(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: domain.Unlimited}

	for i := 0; i < 50; i++ {
		res, err := l.Consume(ctx, "ent", limits)
		if err != nil || !res.Allowed || res.Remaining != domain.Unlimited {
			t.Fatalf("unlimited quota denied: %+v, %v", res, err)
		}
	}
	res, _ := l.CheckLimit(ctx, "ent", limits)
	if !res.Allowed || res.Limit != domain.Unlimited {
		t.Errorf("unexpected check for unlimited: %+v", res)
	}
	if used, _ := l.Usage(ctx, "ent"); used != 50 {
		t.Errorf("unlimited traffic should still be counted, got %d", used)
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 1, RequestsPerMinute: 1}

	_, _ = l.Consume(ctx, "key1", limits)
	if err := l.Reset(ctx, "key1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if res, _ := l.Consume(ctx, "key1", limits); !res.Allowed {
		t.Errorf("expected admission after reset, got %+v", res)
	}
}

func TestRateLimiter_StoreErrors(t *testing.T) {
	store := new(testutil.MockStore)
	store.On("Get", "key1", domain.WindowDaily).Return(domain.Counter{}, errors.New("connection refused"))
	store.On("IncrementAndExpire", "key1", domain.WindowDaily, mock.Anything).Return(domain.Counter{}, errors.New("connection refused"))

	l := NewRateLimiter(store, nil, nil)
	ctx := context.Background()
	limits := domain.RateLimitConfig{RequestsPerDay: 10}

	if _, err := l.CheckLimit(ctx, "key1", limits); err == nil {
		t.Errorf("expected CheckLimit to surface store error")
	}
	if err := l.IncrementUsage(ctx, "key1", limits); err == nil {
		t.Errorf("expected IncrementUsage to surface store error")
	}
	if _, err := l.Consume(ctx, "key1", limits); err == nil {
		t.Errorf("expected Consume to surface store error")
	}
	store.AssertExpectations(t)
}
