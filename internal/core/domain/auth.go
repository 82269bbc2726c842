package domain

import (
	"time"
)

// KeyPrefix marks every issued API key so leaked secrets are easy to spot.
const KeyPrefix = "sk_"

type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermAdmin  Permission = "admin" // implies every other permission
)

// DefaultPermissions are granted when a key is created without an explicit set.
var DefaultPermissions = []Permission{PermRead, PermWrite}

type APIKey struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`        // Human-readable label, e.g. "ci-deploy-key"
	KeyHash     string       `json:"-"`           // SHA-256 hex digest of the key (never store raw)
	KeyPreview  string       `json:"key_preview"` // "sk_abcd...wxyz"
	Permissions []Permission `json:"permissions"`
	RateLimit   int          `json:"rate_limit"` // requests per day, -1 for unlimited
	Active      bool         `json:"is_active"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasPermission reports whether the key grants perm. Admin grants everything.
func (k *APIKey) HasPermission(perm Permission) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// CreatedAPIKey is returned exactly once, at creation or rotation. Key holds the plaintext secret.
type CreatedAPIKey struct {
	APIKey
	Key     string `json:"key"`
	Message string `json:"message"`
}

// CreatedKeyMessage is shown alongside a freshly issued plaintext key.
const CreatedKeyMessage = "Store this API key securely. It will not be shown again."

// ValidationResult is the outcome of presenting a raw key to the registry.
// When Valid is false, Reason explains why and User/APIKey are nil.
type ValidationResult struct {
	Valid  bool
	User   *User
	APIKey *APIKey
	Reason string
}

// Reasons reported by key validation.
const (
	ReasonKeyNotFound   = "API key not found"
	ReasonKeyRevoked    = "API key has been revoked"
	ReasonKeyExpired    = "API key has expired"
	ReasonOwnerNotFound = "API key owner not found"
)

// CreateKeyRequest carries the owner-supplied attributes of a new key.
type CreateKeyRequest struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Plan         Plan      `json:"plan"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenPair is issued on login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// TokenClaims is what a verified access token tells us about the caller.
type TokenClaims struct {
	UserID string
	Email  string
	Plan   Plan
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Plan     Plan   `json:"plan,omitempty"`
}
