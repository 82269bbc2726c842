package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockStore implements ports.RateLimitStore for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, identifier string, window domain.Window) (domain.Counter, error) {
	args := m.Called(identifier, window)
	return args.Get(0).(domain.Counter), args.Error(1)
}

func (m *MockStore) IncrementAndExpire(ctx context.Context, identifier string, window domain.Window, ttl time.Duration) (domain.Counter, error) {
	args := m.Called(identifier, window, ttl)
	return args.Get(0).(domain.Counter), args.Error(1)
}

func (m *MockStore) Reset(ctx context.Context, identifier string, window domain.Window) error {
	args := m.Called(identifier, window)
	return args.Error(0)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStore) Close() error { return nil }

// RecordingUsage implements ports.UsageService and keeps every tracked record.
type RecordingUsage struct {
	mu        sync.Mutex
	Records   []domain.UsageRecord
	Stats     *domain.UsageStats
	Daily     []domain.DailyUsage
	FailStats bool
	Closed    bool
}

func (r *RecordingUsage) TrackUsage(rec domain.UsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, rec)
}

// Tracked returns a snapshot of the recorded usage.
func (r *RecordingUsage) Tracked() []domain.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.UsageRecord(nil), r.Records...)
}

func (r *RecordingUsage) GetStats(_ context.Context, _ string) (*domain.UsageStats, error) {
	if r.FailStats {
		return nil, errors.New("stats unavailable")
	}
	if r.Stats == nil {
		return &domain.UsageStats{StatusCodes: map[int]int64{}}, nil
	}
	return r.Stats, nil
}

func (r *RecordingUsage) GetDailyUsage(_ context.Context, _ string, _ int) ([]domain.DailyUsage, error) {
	return r.Daily, nil
}

func (r *RecordingUsage) CleanupOldRecords(_ context.Context, _ int) (int64, error) { return 0, nil }

func (r *RecordingUsage) Close(_ context.Context) error {
	r.mu.Lock()
	r.Closed = true
	r.mu.Unlock()
	return nil
}

// StaticPinger implements ports.Pinger with a fixed result.
type StaticPinger struct {
	Err error
}

func (p StaticPinger) Ping(_ context.Context) error { return p.Err }
