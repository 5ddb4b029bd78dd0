// Package idgen generates dispatch identifiers: 26-character, Crockford
// base-32, lexicographically sortable ULIDs, with a monotonic entropy
// source so identifiers minted within the same millisecond still sort
// chronologically.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewDispatchID returns a new 26-character ULID string. Safe for
// concurrent use.
func NewDispatchID() string {
	return New()
}

// New returns a new 26-character ULID string. Safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Valid reports whether s parses as a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
