package storage

import (
	"strings"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

// normalizeID returns the canonical form of id, or false when it cannot name
// a stored record.
func normalizeID(id string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
