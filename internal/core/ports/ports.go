package ports

import (
	"context"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

// Lookups return (nil, nil) when the entity does not exist.

type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUserPlan(ctx context.Context, id string, plan domain.Plan) error
}

type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	// CreateAPIKeyWithinLimit inserts key only while the owner holds fewer than
	// maxActive active keys, counting and inserting as one unit. A negative
	// maxActive means no cap. Returns domain.ErrKeyLimitReached when full.
	CreateAPIKeyWithinLimit(ctx context.Context, key *domain.APIKey, maxActive int) error
	GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error)
	CountActiveAPIKeys(ctx context.Context, userID string) (int, error)
	DeactivateAPIKey(ctx context.Context, id string) error
	// RotateAPIKey deactivates oldID and inserts replacement as one unit.
	RotateAPIKey(ctx context.Context, oldID string, replacement *domain.APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

type UsageRepository interface {
	CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord) error
	// CountUsage counts records at or after since; a zero since counts everything.
	CountUsage(ctx context.Context, apiKeyID string, since time.Time) (int64, error)
	CountUsageErrors(ctx context.Context, apiKeyID string) (int64, error)
	LastUsage(ctx context.Context, apiKeyID string) (*time.Time, error)
	AverageLatency(ctx context.Context, apiKeyID string) (float64, error)
	TopEndpoints(ctx context.Context, apiKeyID string, limit int) ([]domain.EndpointStats, error)
	StatusCodeDistribution(ctx context.Context, apiKeyID string) (map[int]int64, error)
	DailyUsage(ctx context.Context, apiKeyID string, since time.Time) ([]domain.DailyUsage, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is the full persistence surface the gateway needs.
type Repository interface {
	UserRepository
	APIKeyRepository
	UsageRepository
	Ping(ctx context.Context) error
}

// RateLimitStore holds windowed counters. IncrementAndExpire must be atomic per
// identifier/window; the expiry is only established when the counter is created.
type RateLimitStore interface {
	Get(ctx context.Context, identifier string, window domain.Window) (domain.Counter, error)
	IncrementAndExpire(ctx context.Context, identifier string, window domain.Window, ttl time.Duration) (domain.Counter, error)
	Reset(ctx context.Context, identifier string, window domain.Window) error
	Ping(ctx context.Context) error
	Close() error
}

type RateLimiter interface {
	CheckLimit(ctx context.Context, identifier string, limits domain.RateLimitConfig) (*domain.RateLimitResult, error)
	IncrementUsage(ctx context.Context, identifier string, limits domain.RateLimitConfig) error
	Consume(ctx context.Context, identifier string, limits domain.RateLimitConfig) (*domain.RateLimitResult, error)
	Reset(ctx context.Context, identifier string) error
	Usage(ctx context.Context, identifier string) (int64, error)
}

type APIKeyService interface {
	Create(ctx context.Context, userID string, req domain.CreateKeyRequest) (*domain.CreatedAPIKey, error)
	Validate(ctx context.Context, rawKey string) (*domain.ValidationResult, error)
	Get(ctx context.Context, userID, keyID string) (*domain.APIKey, error)
	List(ctx context.Context, userID string) ([]domain.APIKey, error)
	Revoke(ctx context.Context, userID, keyID string) error
	Rotate(ctx context.Context, userID, keyID string) (*domain.CreatedAPIKey, error)
	DeleteHard(ctx context.Context, userID, keyID string) error
	GetUsageStats(ctx context.Context, userID, keyID string) (*domain.UsageStats, error)
	GetDailyUsage(ctx context.Context, userID, keyID string, days int) ([]domain.DailyUsage, error)
}

type UsageService interface {
	// TrackUsage never blocks and never fails from the caller's point of view.
	TrackUsage(rec domain.UsageRecord)
	GetStats(ctx context.Context, apiKeyID string) (*domain.UsageStats, error)
	GetDailyUsage(ctx context.Context, apiKeyID string, days int) ([]domain.DailyUsage, error)
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
	Close(ctx context.Context) error
}

type AuthService interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, *domain.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	VerifyAccessToken(token string) (*domain.TokenClaims, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	ChangePlan(ctx context.Context, userID string, plan domain.Plan) (*domain.User, error)
}

// Pinger is anything the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
