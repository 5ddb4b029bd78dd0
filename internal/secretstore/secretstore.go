// Package secretstore defines the abstract secret-store contract: a
// metadata-only describe. Secret values are never read by the control
// plane; they are consumed inside the worker container via the runtime's
// own secret binding.
package secretstore

import "context"

// Metadata is what DescribeSecret exposes. It deliberately carries no
// secret value.
type Metadata struct {
	Path       string
	VersionID  string
	LastRotated int64 // unix millis, 0 if unknown
}

// Store is the abstract secret store the secret injector validates
// secret existence against.
type Store interface {
	DescribeSecret(ctx context.Context, path string) (Metadata, error)
}
