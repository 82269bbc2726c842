package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
)

// seedTenants creates n users on plan, one key each, and writes the raw keys to out.
// Passwords are unusable placeholders; seeded users authenticate by key only.
func seedTenants(ctx context.Context, repo ports.UserRepository, keys ports.APIKeyService, n int, plan domain.Plan, out io.Writer) error {
	if !plan.Valid() {
		return fmt.Errorf("unknown plan %q", plan)
	}
	for i := 0; i < n; i++ {
		now := time.Now()
		user := &domain.User{
			ID:           uuid.New().String(),
			Email:        fmt.Sprintf("bench-%d-%s@example.com", i, uuid.New().String()[:8]),
			Name:         fmt.Sprintf("Bench Tenant %d", i),
			PasswordHash: "!",
			Plan:         plan,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := repo.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("create user %d: %w", i, err)
		}
		created, err := keys.Create(ctx, user.ID, domain.CreateKeyRequest{Name: "bench key"})
		if err != nil {
			return fmt.Errorf("create key for user %d: %w", i, err)
		}
		fmt.Fprintln(out, created.Key)
	}
	return nil
}
