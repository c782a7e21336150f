package util

import (
	"strings"

	"github.com/google/uuid"
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeCode trims whitespace and upper-cases a user-typed pairing code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
