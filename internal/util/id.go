package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, prefixed with prefix and an underscore
// when prefix is not empty.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
