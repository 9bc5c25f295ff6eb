// Package uuidutil generates identifiers for kernel transactions.
package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// Short returns the first eight hex digits of id, used in log correlation.
func Short(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
