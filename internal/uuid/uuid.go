// Package uuid generates and validates the identifiers used as idempotency
// keys for offline sales.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new random (v4) identifier in canonical lower-case form.
func New() string {
	return uuid.New().String()
}

// Normalize parses s and returns its canonical lower-case v4 form.
// Braced, URN and upper-case spellings are accepted; other versions are not.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("unexpected UUID variant %s", id.Variant())
	}
	return id.String(), nil
}

// IsValid reports whether s is a canonical v4 identifier as produced by New.
func IsValid(s string) bool {
	norm, err := Normalize(s)
	return err == nil && norm == s
}

// Validate returns an error if s is not a canonical v4 identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
