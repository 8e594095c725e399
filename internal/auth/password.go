package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinKeyLength is the minimum operator API key length
	MinKeyLength = 16

	// MaxKeyLength is bcrypt's input limit
	MaxKeyLength = 72
)

// HashKey hashes an operator API key with bcrypt
func HashKey(key string, cost int) (string, error) {
	if len(key) < MinKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters", MinKeyLength)
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("api key must be at most %d characters", MaxKeyLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}

	return string(bytes), nil
}

// VerifyKey verifies an API key against a bcrypt hash
func VerifyKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
