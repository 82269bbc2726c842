package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/quotagate/internal/adapters/repository"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/testutil"
	"github.com/stretchr/testify/mock"
)

func newKeyService(t *testing.T, plan domain.Plan) (*apiKeyService, *repository.MemoryRepository, *domain.User) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	user := &domain.User{ID: "user-1", Email: "owner@example.com", Name: "Owner", Plan: plan}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	svc := NewAPIKeyService(repo, &testutil.RecordingUsage{}, nil).(*apiKeyService)
	return svc, repo, user
}

func TestAPIKeyService_Create(t *testing.T) {
	svc, repo, user := newKeyService(t, domain.PlanPro)
	ctx := context.Background()

	created, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "  Production  "})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(created.Key, domain.KeyPrefix) || len(created.Key) != len(domain.KeyPrefix)+64 {
		t.Errorf("unexpected raw key format %q", created.Key)
	}
	if created.Name != "Production" {
		t.Errorf("expected trimmed name, got %q", created.Name)
	}
	if created.KeyHash != "" {
		t.Errorf("hash must not be returned to the caller")
	}
	if created.KeyPreview != PreviewKey(created.Key) {
		t.Errorf("expected preview %q, got %q", PreviewKey(created.Key), created.KeyPreview)
	}
	if created.RateLimit != 1000 {
		t.Errorf("expected pro daily limit 1000, got %d", created.RateLimit)
	}
	if len(created.Permissions) != 2 || !created.HasPermission(domain.PermRead) || !created.HasPermission(domain.PermWrite) {
		t.Errorf("expected default permissions, got %v", created.Permissions)
	}
	if created.Message != domain.CreatedKeyMessage {
		t.Errorf("unexpected message %q", created.Message)
	}

	stored, _ := repo.GetAPIKey(ctx, created.ID)
	if stored == nil || stored.KeyHash != HashKey(created.Key) {
		t.Fatalf("expected hash of raw key to be stored")
	}
	if strings.Contains(stored.KeyHash, created.Key) {
		t.Errorf("raw key leaked into storage")
	}
}

func TestAPIKeyService_CreateValidation(t *testing.T) {
	svc, _, user := newKeyService(t, domain.PlanBusiness)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  domain.CreateKeyRequest
	}{
		{"ShortName", domain.CreateKeyRequest{Name: "ab"}},
		{"LongName", domain.CreateKeyRequest{Name: strings.Repeat("x", 101)}},
		{"UnknownPermission", domain.CreateKeyRequest{Name: "valid", Permissions: []domain.Permission{"root"}}},
		{"PastExpiry", domain.CreateKeyRequest{Name: "valid", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), user.ID, tt.req)
			if !domain.IsKind(err, domain.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAPIKeyService_CreateUnknownUser(t *testing.T) {
	svc, _, _ := newKeyService(t, domain.PlanPro)
	_, err := svc.Create(context.Background(), "ghost", domain.CreateKeyRequest{Name: "valid"})
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAPIKeyService_PlanKeyLimit(t *testing.T) {
	svc, _, user := newKeyService(t, domain.PlanStarter)
	ctx := context.Background()

	first, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "first"})
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err = svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "second"})
	if !domain.IsKind(err, domain.KindQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}

	// Revoked keys no longer count toward the cap.
	if err := svc.Revoke(ctx, user.ID, first.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "second"}); err != nil {
		t.Errorf("expected Create to succeed after revoke, got %v", err)
	}
}

func TestAPIKeyService_ConcurrentCreateRespectsKeyLimit(t *testing.T) {
	for _, tc := range []struct {
		plan    domain.Plan
		callers int
		want    int
	}{
		{domain.PlanStarter, 10, 1},
		{domain.PlanPro, 20, 5},
	} {
		t.Run(string(tc.plan), func(t *testing.T) {
			svc, repo, user := newKeyService(t, tc.plan)
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				created  int
				rejected int
			)
			for i := 0; i < tc.callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "parallel"})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case domain.IsKind(err, domain.KindQuotaExceeded):
						rejected++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			if created != tc.want || rejected != tc.callers-tc.want {
				t.Errorf("expected %d created and %d rejected, got %d and %d", tc.want, tc.callers-tc.want, created, rejected)
			}
			if n, _ := repo.CountActiveAPIKeys(ctx, user.ID); n != tc.want {
				t.Errorf("active keys = %d, cap is %d", n, tc.want)
			}
		})
	}
}

func TestAPIKeyService_MalformedKeyID(t *testing.T) {
	mockRepo := new(testutil.MockRepo)
	svc := NewAPIKeyService(mockRepo, &testutil.RecordingUsage{}, nil)
	ctx := context.Background()

	for _, id := range []string{"abc", "", "k1; DROP TABLE api_keys"} {
		if _, err := svc.Get(ctx, "user-1", id); !domain.IsKind(err, domain.KindNotFound) {
			t.Errorf("Get(%q): expected not found, got %v", id, err)
		}
		if err := svc.Revoke(ctx, "user-1", id); !domain.IsKind(err, domain.KindNotFound) {
			t.Errorf("Revoke(%q): expected not found, got %v", id, err)
		}
	}
	mockRepo.AssertNotCalled(t, "GetAPIKey", mock.Anything)
}

func TestAPIKeyService_CreateRepositoryError(t *testing.T) {
	mockRepo := new(testutil.MockRepo)
	mockRepo.On("GetUser", "user-1").Return(&domain.User{ID: "user-1", Plan: domain.PlanPro}, nil)
	mockRepo.On("CreateAPIKeyWithinLimit", mock.AnythingOfType("*domain.APIKey"), 5).Return(errors.New("connection reset"))

	svc := NewAPIKeyService(mockRepo, &testutil.RecordingUsage{}, nil)
	_, err := svc.Create(context.Background(), "user-1", domain.CreateKeyRequest{Name: "valid"})
	if !domain.IsKind(err, domain.KindInternal) {
		t.Errorf("expected internal error, got %v", err)
	}
	mockRepo.AssertExpectations(t)
}

func TestAPIKeyService_Validate(t *testing.T) {
	svc, repo, user := newKeyService(t, domain.PlanPro)
	ctx := context.Background()

	created, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "validate me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, err := svc.Validate(ctx, created.Key)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid || res.User.ID != user.ID || res.APIKey.ID != created.ID {
		t.Fatalf("expected valid result for owner, got %+v", res)
	}
	if res.APIKey.KeyHash != "" {
		t.Errorf("validated key must not carry its hash")
	}

	t.Run("Unknown", func(t *testing.T) {
		res, err := svc.Validate(ctx, "sk_notakey")
		if err != nil || res.Valid || res.Reason != domain.ReasonKeyNotFound {
			t.Errorf("expected not found reason, got %+v, %v", res, err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		res, err := svc.Validate(ctx, "")
		if err != nil || res.Valid || res.Reason != domain.ReasonKeyNotFound {
			t.Errorf("expected not found reason, got %+v, %v", res, err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		svc.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }
		defer func() { svc.clock = time.Now }()

		exp := time.Now().Add(24 * time.Hour)
		key := &domain.APIKey{ID: "exp", UserID: user.ID, Name: "exp", KeyHash: HashKey("sk_expired"), Active: true, ExpiresAt: &exp}
		if err := repo.CreateAPIKey(ctx, key); err != nil {
			t.Fatalf("CreateAPIKey failed: %v", err)
		}
		res, err := svc.Validate(ctx, "sk_expired")
		if err != nil || res.Valid || res.Reason != domain.ReasonKeyExpired {
			t.Errorf("expected expired reason, got %+v, %v", res, err)
		}
	})

	t.Run("Orphaned", func(t *testing.T) {
		key := &domain.APIKey{ID: "orphan", UserID: "nobody", Name: "orphan", KeyHash: HashKey("sk_orphan"), Active: true}
		if err := repo.CreateAPIKey(ctx, key); err != nil {
			t.Fatalf("CreateAPIKey failed: %v", err)
		}
		res, err := svc.Validate(ctx, "sk_orphan")
		if err != nil || res.Valid || res.Reason != domain.ReasonOwnerNotFound {
			t.Errorf("expected owner not found reason, got %+v, %v", res, err)
		}
	})

	t.Run("Revoked", func(t *testing.T) {
		if err := svc.Revoke(ctx, user.ID, created.ID); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}
		res, err := svc.Validate(ctx, created.Key)
		if err != nil || res.Valid || res.Reason != domain.ReasonKeyRevoked {
			t.Errorf("expected revoked reason, got %+v, %v", res, err)
		}
	})
}

func TestAPIKeyService_ValidateRepositoryError(t *testing.T) {
	repo := new(testutil.MockRepo)
	repo.On("GetAPIKeyByHash", mock.Anything).Return(nil, errors.New("db down"))
	svc := NewAPIKeyService(repo, &testutil.RecordingUsage{}, nil)

	_, err := svc.Validate(context.Background(), "sk_anything")
	if !domain.IsKind(err, domain.KindInternal) {
		t.Errorf("expected internal error, got %v", err)
	}
	repo.AssertExpectations(t)
}

func TestAPIKeyService_Rotate(t *testing.T) {
	svc, repo, user := newKeyService(t, domain.PlanPro)
	ctx := context.Background()

	exp := time.Now().Add(72 * time.Hour)
	old, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{
		Name:        "rotating",
		Permissions: []domain.Permission{domain.PermRead, domain.PermDelete},
		ExpiresAt:   &exp,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rotated, err := svc.Rotate(ctx, user.ID, old.ID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated.ID == old.ID || rotated.Key == old.Key {
		t.Fatalf("rotation must issue a new key")
	}
	if rotated.Name != old.Name {
		t.Errorf("expected name %q, got %q", old.Name, rotated.Name)
	}
	if len(rotated.Permissions) != 2 || !rotated.HasPermission(domain.PermDelete) || rotated.HasPermission(domain.PermWrite) {
		t.Errorf("permissions not carried over: %v", rotated.Permissions)
	}
	if rotated.ExpiresAt == nil || !rotated.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry to carry over")
	}

	res, _ := svc.Validate(ctx, old.Key)
	if res.Valid || res.Reason != domain.ReasonKeyRevoked {
		t.Errorf("old key should be revoked, got %+v", res)
	}
	res, _ = svc.Validate(ctx, rotated.Key)
	if !res.Valid {
		t.Errorf("new key should validate, got %+v", res)
	}

	n, _ := repo.CountActiveAPIKeys(ctx, user.ID)
	if n != 1 {
		t.Errorf("expected exactly one active key after rotation, got %d", n)
	}

	_, err = svc.Rotate(ctx, user.ID, old.ID)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("rotating a revoked key should fail validation, got %v", err)
	}
}

func TestAPIKeyService_Ownership(t *testing.T) {
	svc, repo, user := newKeyService(t, domain.PlanPro)
	ctx := context.Background()
	other := &domain.User{ID: "user-2", Email: "other@example.com", Name: "Other", Plan: domain.PlanPro}
	if err := repo.CreateUser(ctx, other); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	created, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "private"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	checks := map[string]func() error{
		"Get":    func() error { _, err := svc.Get(ctx, other.ID, created.ID); return err },
		"Revoke": func() error { return svc.Revoke(ctx, other.ID, created.ID) },
		"Rotate": func() error { _, err := svc.Rotate(ctx, other.ID, created.ID); return err },
		"Delete": func() error { return svc.DeleteHard(ctx, other.ID, created.ID) },
		"Stats":  func() error { _, err := svc.GetUsageStats(ctx, other.ID, created.ID); return err },
		"Daily":  func() error { _, err := svc.GetDailyUsage(ctx, other.ID, created.ID, 7); return err },
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !domain.IsKind(err, domain.KindNotFound) {
				t.Errorf("expected not found for foreign key, got %v", err)
			}
		})
	}

	stored, _ := repo.GetAPIKey(ctx, created.ID)
	if stored == nil || !stored.Active {
		t.Errorf("foreign operations must not touch the key")
	}
}

func TestAPIKeyService_ListAndDelete(t *testing.T) {
	svc, repo, user := newKeyService(t, domain.PlanPro)
	ctx := context.Background()

	keys, err := svc.List(ctx, user.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if keys == nil || len(keys) != 0 {
		t.Errorf("expected empty non-nil list, got %v", keys)
	}

	a, _ := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "alpha"})
	b, _ := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "beta"})

	keys, _ = svc.List(ctx, user.ID)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.KeyHash != "" {
			t.Errorf("list must not expose hashes")
		}
	}

	if err := svc.Revoke(ctx, user.ID, a.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := svc.Revoke(ctx, user.ID, a.ID); err != nil {
		t.Errorf("second revoke should be a no-op, got %v", err)
	}

	if err := svc.DeleteHard(ctx, user.ID, b.ID); err != nil {
		t.Fatalf("DeleteHard failed: %v", err)
	}
	if k, _ := repo.GetAPIKey(ctx, b.ID); k != nil {
		t.Errorf("key should be gone after hard delete")
	}
	if _, err := svc.Get(ctx, user.ID, b.ID); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestAPIKeyService_UsageDelegation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	user := &domain.User{ID: "u", Email: "u@example.com", Name: "U", Plan: domain.PlanPro}
	_ = repo.CreateUser(ctx, user)

	usage := &testutil.RecordingUsage{
		Stats: &domain.UsageStats{TotalRequests: 42, StatusCodes: map[int]int64{200: 42}},
		Daily: []domain.DailyUsage{{Date: "2026-06-01", Requests: 42}},
	}
	svc := NewAPIKeyService(repo, usage, nil)
	created, err := svc.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "stats"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stats, err := svc.GetUsageStats(ctx, user.ID, created.ID)
	if err != nil || stats.TotalRequests != 42 {
		t.Errorf("expected delegated stats, got %+v, %v", stats, err)
	}
	daily, err := svc.GetDailyUsage(ctx, user.ID, created.ID, 7)
	if err != nil || len(daily) != 1 {
		t.Errorf("expected delegated daily usage, got %v, %v", daily, err)
	}

	usage.FailStats = true
	if _, err := svc.GetUsageStats(ctx, user.ID, created.ID); err == nil {
		t.Errorf("expected stats error to propagate")
	}
}
