package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

// keyEntropyBytes is the amount of randomness behind each issued key.
const keyEntropyBytes = 32

// KeyMaterial is a freshly generated key. Raw must only ever reach the owner.
type KeyMaterial struct {
	Raw     string
	Hash    string
	Preview string
}

// GenerateKey draws a new random key from crypto/rand.
func GenerateKey() (KeyMaterial, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return KeyMaterial{}, fmt.Errorf("failed to read random bytes: %w", err)
	}
	raw := domain.KeyPrefix + hex.EncodeToString(buf)
	return KeyMaterial{
		Raw:     raw,
		Hash:    HashKey(raw),
		Preview: PreviewKey(raw),
	}, nil
}

// HashKey returns the hex SHA-256 digest used to look keys up.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PreviewKey keeps the first 7 and last 4 characters, e.g. "sk_1a2b...9f0e".
func PreviewKey(raw string) string {
	if len(raw) <= 11 {
		return raw
	}
	return raw[:7] + "..." + raw[len(raw)-4:]
}
