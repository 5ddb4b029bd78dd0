// Package memsecrets implements secretstore.Store as an in-memory
// registry of known secret paths, hashed for presence-checking with
// crypto/sha256 so test fixtures never carry literal values through the
// same code paths production secrets would. It exists so the secret
// injector always validates against a real, exercised secret store
// instead of an untested stub.
package memsecrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/zeroechelon/outpost-dispatcher/internal/secretstore"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
)

// Store is an in-memory secretstore.Store.
type Store struct {
	mu    sync.RWMutex
	known map[string]string // path -> sha256 hex of a registration token
}

// New creates an empty in-memory secret store.
func New() *Store {
	return &Store{known: make(map[string]string)}
}

// Register marks path as present, independent of any value. Production
// secret stores are populated out-of-band; tests use this to seed
// fixtures.
func (s *Store) Register(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256([]byte(path))
	s.known[path] = hex.EncodeToString(sum[:])
}

func (s *Store) DescribeSecret(ctx context.Context, path string) (secretstore.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versionID, ok := s.known[path]
	if !ok {
		return secretstore.Metadata{}, apierrors.NewNotFound("secret %s not found", path)
	}
	return secretstore.Metadata{Path: path, VersionID: versionID[:12]}, nil
}
