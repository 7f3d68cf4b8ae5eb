// Package idgen generates the identifiers used throughout the envelope,
// saga, and blockchain-record types.
package idgen

import "github.com/google/uuid"

// New generates a new random (v4) identifier as a string.
func New() string {
	return uuid.New().String()
}

// Parse validates that s is a well-formed UUID.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
