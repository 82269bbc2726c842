package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenIssuer      = "quotagate"
)

// Same message for unknown email and wrong password.
const errInvalidCredentials = "Invalid credentials"

type AuthConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BcryptCost int
}

type tokenClaims struct {
	Email string `json:"email"`
	Plan  string `json:"plan"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

type authService struct {
	repo   ports.Repository
	config AuthConfig
	clock  domain.Clock
	logger *slog.Logger
}

func NewAuthService(repo ports.Repository, config AuthConfig, logger *slog.Logger) ports.AuthService {
	if config.AccessTTL <= 0 {
		config.AccessTTL = time.Hour
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 7 * 24 * time.Hour
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = 12
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &authService{repo: repo, config: config, clock: time.Now, logger: logger}
}

func (s *authService) Register(ctx context.Context, req domain.RegisterRequest) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := domain.ValidateEmail(email); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	if err := domain.ValidatePassword(req.Password); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.NewValidationError("name is required")
	}
	plan := req.Plan
	if plan == "" {
		plan = domain.PlanStarter
	}
	if !plan.Valid() {
		return nil, domain.NewValidationError("unknown plan '%s'", plan)
	}

	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, internalErr("failed to look up user", err)
	}
	if existing != nil {
		return nil, domain.NewConflictError("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BcryptCost)
	if err != nil {
		return nil, domain.NewInternalError("failed to hash password", err)
	}

	now := s.clock()
	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		Plan:         plan,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, internalErr("failed to create user", err)
	}
	s.logger.Info("user registered", "user_id", user.ID, "plan", plan)
	return user, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (*domain.User, *domain.TokenPair, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, nil, internalErr("failed to look up user", err)
	}
	if user == nil {
		return nil, nil, domain.NewAuthenticationError(errInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, domain.NewAuthenticationError(errInvalidCredentials)
	}

	pair, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, internalErr("failed to load user", err)
	}
	if user == nil {
		return nil, domain.NewAuthenticationError("Invalid refresh token")
	}
	return s.issue(user)
}

func (s *authService) VerifyAccessToken(token string) (*domain.TokenClaims, error) {
	claims, err := s.parse(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return &domain.TokenClaims{UserID: claims.Subject, Email: claims.Email, Plan: domain.Plan(claims.Plan)}, nil
}

func (s *authService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, internalErr("failed to load user", err)
	}
	if user == nil {
		return nil, domain.NewNotFoundError("user")
	}
	return user, nil
}

// ChangePlan moves the user to plan. Downgrades that would leave more active
// keys than the new plan allows are rejected.
func (s *authService) ChangePlan(ctx context.Context, userID string, plan domain.Plan) (*domain.User, error) {
	limits, err := domain.LimitsFor(plan)
	if err != nil {
		return nil, domain.NewValidationError("unknown plan '%s'", plan)
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Plan == plan {
		return user, nil
	}

	if limits.MaxAPIKeys != domain.Unlimited {
		active, errCount := s.repo.CountActiveAPIKeys(ctx, userID)
		if errCount != nil {
			return nil, internalErr("failed to count API keys", errCount)
		}
		if active > limits.MaxAPIKeys {
			return nil, domain.NewValidationError("the %s plan allows %d active keys, revoke %d first",
				plan, limits.MaxAPIKeys, active-limits.MaxAPIKeys)
		}
	}

	if err := s.repo.UpdateUserPlan(ctx, userID, plan); err != nil {
		return nil, internalErr("failed to change plan", err)
	}
	s.logger.Info("plan changed", "user_id", userID, "from", user.Plan, "to", plan)
	user.Plan = plan
	user.UpdatedAt = s.clock()
	return user, nil
}

func (s *authService) issue(user *domain.User) (*domain.TokenPair, error) {
	now := s.clock()
	access, err := s.sign(user, tokenTypeAccess, now, s.config.AccessTTL)
	if err != nil {
		return nil, domain.NewInternalError("failed to sign access token", err)
	}
	refresh, err := s.sign(user, tokenTypeRefresh, now, s.config.RefreshTTL)
	if err != nil {
		return nil, domain.NewInternalError("failed to sign refresh token", err)
	}
	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.config.AccessTTL),
		TokenType:    "Bearer",
	}, nil
}

func (s *authService) sign(user *domain.User, typ string, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		Email: user.Email,
		Plan:  string(user.Plan),
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

func (s *authService) parse(tokenString, typ string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.clock))
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewAuthenticationError("Token has expired")
		}
		return nil, domain.NewAuthenticationError("Invalid token")
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, domain.NewAuthenticationError("Invalid token")
	}
	return claims, nil
}
