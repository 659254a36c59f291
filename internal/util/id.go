package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a short random id with an optional prefix ("ses_3f9a...").
// Used for ephemeral identities such as collaboration sessions and request ids.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewEntityID returns a UUID for persisted entities and entity versions.
func NewEntityID() string {
	return uuid.NewString()
}

// IsEntityID reports whether value parses as an entity id.
func IsEntityID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
