package jobs

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque short job identifier: the first 12 hex
// characters of a random UUIDv4 with separators stripped, which is
// ample to avoid collision among the small number of jobs a single
// process handles concurrently while staying short in URLs and log
// lines.
func NewID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return raw[:12]
}
