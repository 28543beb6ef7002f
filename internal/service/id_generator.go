package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// IDGenerator produces row identifiers, family ids and opaque secrets.
type IDGenerator struct{}

// NewIDGenerator constructs an IDGenerator.
func NewIDGenerator() IDGenerator {
	return IDGenerator{}
}

// NewID returns prefix + "_" + 28 hex characters.
func (IDGenerator) NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:28]
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewFamily returns a fresh refresh token family id.
func (IDGenerator) NewFamily() string {
	return uuid.NewString()
}

// NewSecret returns 32 random bytes as hex.
func (IDGenerator) NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func hashPrefix(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
