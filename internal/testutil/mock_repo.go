package testutil

import (
	"context"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockRepo implements ports.Repository. Expectations are set without the context argument.
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepo) CreateUser(ctx context.Context, user *domain.User) error {
	args := m.Called(user)
	return args.Error(0)
}

func (m *MockRepo) GetUser(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockRepo) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockRepo) UpdateUserPlan(ctx context.Context, id string, plan domain.Plan) error {
	args := m.Called(id, plan)
	return args.Error(0)
}

func (m *MockRepo) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockRepo) CreateAPIKeyWithinLimit(ctx context.Context, key *domain.APIKey, maxActive int) error {
	args := m.Called(key, maxActive)
	return args.Error(0)
}

func (m *MockRepo) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	args := m.Called(keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockRepo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.APIKey), args.Error(1)
}

func (m *MockRepo) CountActiveAPIKeys(ctx context.Context, userID string) (int, error) {
	args := m.Called(userID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepo) DeactivateAPIKey(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockRepo) RotateAPIKey(ctx context.Context, oldID string, replacement *domain.APIKey) error {
	args := m.Called(oldID, replacement)
	return args.Error(0)
}

func (m *MockRepo) DeleteAPIKey(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockRepo) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(id, at)
	return args.Error(0)
}

func (m *MockRepo) CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	args := m.Called(rec)
	return args.Error(0)
}

func (m *MockRepo) CountUsage(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	args := m.Called(apiKeyID, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepo) CountUsageErrors(ctx context.Context, apiKeyID string) (int64, error) {
	args := m.Called(apiKeyID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepo) LastUsage(ctx context.Context, apiKeyID string) (*time.Time, error) {
	args := m.Called(apiKeyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *MockRepo) AverageLatency(ctx context.Context, apiKeyID string) (float64, error) {
	args := m.Called(apiKeyID)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepo) TopEndpoints(ctx context.Context, apiKeyID string, limit int) ([]domain.EndpointStats, error) {
	args := m.Called(apiKeyID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.EndpointStats), args.Error(1)
}

func (m *MockRepo) StatusCodeDistribution(ctx context.Context, apiKeyID string) (map[int]int64, error) {
	args := m.Called(apiKeyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int]int64), args.Error(1)
}

func (m *MockRepo) DailyUsage(ctx context.Context, apiKeyID string, since time.Time) ([]domain.DailyUsage, error) {
	args := m.Called(apiKeyID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DailyUsage), args.Error(1)
}

func (m *MockRepo) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}
