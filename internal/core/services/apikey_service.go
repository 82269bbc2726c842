package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/poyrazK/quotagate/internal/infrastructure/metrics"
)

type apiKeyService struct {
	repo   ports.Repository
	usage  ports.UsageService
	clock  domain.Clock
	logger *slog.Logger
}

func NewAPIKeyService(repo ports.Repository, usage ports.UsageService, logger *slog.Logger) ports.APIKeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &apiKeyService{repo: repo, usage: usage, clock: time.Now, logger: logger}
}

// internalErr keeps typed errors from the repository and wraps everything else.
func internalErr(msg string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.NewInternalError(msg, err)
}

func (s *apiKeyService) Create(ctx context.Context, userID string, req domain.CreateKeyRequest) (*domain.CreatedAPIKey, error) {
	if err := domain.ValidateKeyName(req.Name); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	perms, err := domain.NormalizePermissions(req.Permissions)
	if err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	now := s.clock()
	if err := domain.ValidateExpiry(req.ExpiresAt, now); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}

	user, limits, err := s.ownerLimits(ctx, userID)
	if err != nil {
		return nil, err
	}

	km, err := GenerateKey()
	if err != nil {
		return nil, domain.NewInternalError("failed to generate API key", err)
	}

	key := &domain.APIKey{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        strings.TrimSpace(req.Name),
		KeyHash:     km.Hash,
		KeyPreview:  km.Preview,
		Permissions: perms,
		RateLimit:   limits.RequestsPerDay,
		Active:      true,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateAPIKeyWithinLimit(ctx, key, limits.MaxAPIKeys); err != nil {
		if errors.Is(err, domain.ErrKeyLimitReached) {
			return nil, domain.NewQuotaExceededError(
				fmt.Sprintf("API key limit reached: the %s plan allows %d active keys", user.Plan, limits.MaxAPIKeys), nil)
		}
		return nil, internalErr("failed to create API key", err)
	}

	metrics.APIKeyOperations.WithLabelValues("create").Inc()
	s.logger.Info("api key created", "key_id", key.ID, "user_id", userID, "preview", key.KeyPreview)
	return issued(key, km.Raw), nil
}

func (s *apiKeyService) ownerLimits(ctx context.Context, userID string) (*domain.User, domain.PlanLimits, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, domain.PlanLimits{}, internalErr("failed to load user", err)
	}
	if user == nil {
		return nil, domain.PlanLimits{}, domain.NewNotFoundError("user")
	}
	limits, err := domain.LimitsFor(user.Plan)
	if err != nil {
		return nil, domain.PlanLimits{}, domain.NewInternalError("user has an unusable plan", err)
	}
	return user, limits, nil
}

func issued(key *domain.APIKey, raw string) *domain.CreatedAPIKey {
	out := &domain.CreatedAPIKey{APIKey: *key, Key: raw, Message: domain.CreatedKeyMessage}
	out.KeyHash = ""
	return out
}

func (s *apiKeyService) Validate(ctx context.Context, rawKey string) (*domain.ValidationResult, error) {
	if rawKey == "" {
		return &domain.ValidationResult{Reason: domain.ReasonKeyNotFound}, nil
	}

	key, err := s.repo.GetAPIKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, internalErr("failed to look up API key", err)
	}
	if key == nil {
		return &domain.ValidationResult{Reason: domain.ReasonKeyNotFound}, nil
	}
	if !key.Active {
		return &domain.ValidationResult{Reason: domain.ReasonKeyRevoked}, nil
	}
	if key.Expired(s.clock()) {
		return &domain.ValidationResult{Reason: domain.ReasonKeyExpired}, nil
	}

	user, err := s.repo.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, internalErr("failed to load key owner", err)
	}
	if user == nil {
		return &domain.ValidationResult{Reason: domain.ReasonOwnerNotFound}, nil
	}

	key.KeyHash = ""
	return &domain.ValidationResult{Valid: true, User: user, APIKey: key}, nil
}

// owned loads keyID and checks it belongs to userID. Absent and foreign keys
// are indistinguishable to the caller.
func (s *apiKeyService) owned(ctx context.Context, userID, keyID string) (*domain.APIKey, error) {
	if _, err := uuid.Parse(keyID); err != nil {
		return nil, domain.NewNotFoundError("API key")
	}
	key, err := s.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, internalErr("failed to load API key", err)
	}
	if key == nil || key.UserID != userID {
		return nil, domain.NewNotFoundError("API key")
	}
	return key, nil
}

func (s *apiKeyService) Get(ctx context.Context, userID, keyID string) (*domain.APIKey, error) {
	key, err := s.owned(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	key.KeyHash = ""
	return key, nil
}

func (s *apiKeyService) List(ctx context.Context, userID string) ([]domain.APIKey, error) {
	keys, err := s.repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, internalErr("failed to list API keys", err)
	}
	out := make([]domain.APIKey, 0, len(keys))
	for _, k := range keys {
		k.KeyHash = ""
		out = append(out, k)
	}
	return out, nil
}

func (s *apiKeyService) Revoke(ctx context.Context, userID, keyID string) error {
	key, err := s.owned(ctx, userID, keyID)
	if err != nil {
		return err
	}
	if !key.Active {
		return nil
	}
	if err := s.repo.DeactivateAPIKey(ctx, keyID); err != nil {
		return internalErr("failed to revoke API key", err)
	}
	metrics.APIKeyOperations.WithLabelValues("revoke").Inc()
	s.logger.Info("api key revoked", "key_id", keyID, "user_id", userID)
	return nil
}

func (s *apiKeyService) Rotate(ctx context.Context, userID, keyID string) (*domain.CreatedAPIKey, error) {
	old, err := s.owned(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	if !old.Active {
		return nil, domain.NewValidationError("cannot rotate a revoked API key")
	}

	_, limits, err := s.ownerLimits(ctx, userID)
	if err != nil {
		return nil, err
	}

	km, err := GenerateKey()
	if err != nil {
		return nil, domain.NewInternalError("failed to generate API key", err)
	}

	now := s.clock()
	replacement := &domain.APIKey{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        old.Name,
		KeyHash:     km.Hash,
		KeyPreview:  km.Preview,
		Permissions: old.Permissions,
		RateLimit:   limits.RequestsPerDay,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if old.ExpiresAt != nil && old.ExpiresAt.After(now) {
		exp := *old.ExpiresAt
		replacement.ExpiresAt = &exp
	}

	if err := s.repo.RotateAPIKey(ctx, old.ID, replacement); err != nil {
		return nil, internalErr("failed to rotate API key", err)
	}

	metrics.APIKeyOperations.WithLabelValues("rotate").Inc()
	s.logger.Info("api key rotated", "old_key_id", old.ID, "new_key_id", replacement.ID, "user_id", userID)
	return issued(replacement, km.Raw), nil
}

func (s *apiKeyService) DeleteHard(ctx context.Context, userID, keyID string) error {
	if _, err := s.owned(ctx, userID, keyID); err != nil {
		return err
	}
	if err := s.repo.DeleteAPIKey(ctx, keyID); err != nil {
		return internalErr("failed to delete API key", err)
	}
	metrics.APIKeyOperations.WithLabelValues("delete").Inc()
	s.logger.Info("api key deleted", "key_id", keyID, "user_id", userID)
	return nil
}

func (s *apiKeyService) GetUsageStats(ctx context.Context, userID, keyID string) (*domain.UsageStats, error) {
	if _, err := s.owned(ctx, userID, keyID); err != nil {
		return nil, err
	}
	return s.usage.GetStats(ctx, keyID)
}

func (s *apiKeyService) GetDailyUsage(ctx context.Context, userID, keyID string, days int) ([]domain.DailyUsage, error) {
	if _, err := s.owned(ctx, userID, keyID); err != nil {
		return nil, err
	}
	return s.usage.GetDailyUsage(ctx, keyID, days)
}
