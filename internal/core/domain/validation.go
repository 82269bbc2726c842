package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minKeyNameLen  = 3
	maxKeyNameLen  = 100
	minPasswordLen = 8
)

var (
	emailRegex   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	upperRegex   = regexp.MustCompile(`[A-Z]`)
	lowerRegex   = regexp.MustCompile(`[a-z]`)
	digitRegex   = regexp.MustCompile(`[0-9]`)
	specialRegex = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// ValidateKeyName checks the human-readable label of an API key.
func ValidateKeyName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < minKeyNameLen || n > maxKeyNameLen {
		return fmt.Errorf("name must be between %d and %d characters", minKeyNameLen, maxKeyNameLen)
	}
	return nil
}

// NormalizePermissions validates perms and returns them de-duplicated in first-seen order.
// An empty input yields DefaultPermissions.
func NormalizePermissions(perms []Permission) ([]Permission, error) {
	if len(perms) == 0 {
		return append([]Permission(nil), DefaultPermissions...), nil
	}
	seen := make(map[Permission]bool, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		switch p {
		case PermRead, PermWrite, PermDelete, PermAdmin:
		default:
			return nil, fmt.Errorf("invalid permission '%s'", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// ValidateExpiry requires a supplied expiry to lie strictly after now.
func ValidateExpiry(expiresAt *time.Time, now time.Time) error {
	if expiresAt == nil {
		return nil
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("expiration date must be in the future")
	}
	return nil
}

func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidatePassword enforces at least 8 characters mixing upper, lower, digit and special.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	if !upperRegex.MatchString(password) || !lowerRegex.MatchString(password) ||
		!digitRegex.MatchString(password) || !specialRegex.MatchString(password) {
		return fmt.Errorf("password must contain uppercase, lowercase, number and special character")
	}
	return nil
}

// ParsePermissions splits the comma-separated storage form.
func ParsePermissions(s string) []Permission {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Permission, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Permission(p))
		}
	}
	return out
}

// JoinPermissions is the inverse of ParsePermissions.
func JoinPermissions(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
