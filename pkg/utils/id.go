package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID generates a run ID with a timestamp prefix
func GenerateRunID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("run-%s-%s", timestamp, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
}

// ValidRunID reports whether id is safe to use as a file name component.
func ValidRunID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return id != "." && id != ".."
}
