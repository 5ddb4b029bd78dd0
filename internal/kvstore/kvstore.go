// Package kvstore defines the abstract key/value store contract every
// persistence-backed component (dispatch repository, pool repository,
// workspace records, audit log) is built against: conditional put,
// conditional update with an expected version, strongly consistent
// get-by-key, secondary-index query, paginated scan, and TTL-driven
// expiry.
package kvstore

import (
	"context"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
)

// Item is a single primary-table row: an opaque key, its JSON-encoded
// value, and the optimistic-concurrency version it was written with.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Page is one page of a forward-cursor scan or index query.
type Page struct {
	Items  []Item
	Cursor string // empty when the scan is exhausted
}

// Engine is the abstract store every repository is built against. A
// "table" is a logical namespace (dispatches, pool-entries, workspaces,
// audit-events, and their secondary indexes); concrete implementations
// may map a table to a bbolt bucket, a DynamoDB table, or similar.
type Engine interface {
	// PutIfAbsent writes value under key at version 1, failing with
	// apierrors.Conflict if the key already exists.
	PutIfAbsent(ctx context.Context, table, key string, value []byte) error

	// PutIfAbsentTTL is PutIfAbsent with an expiry after which the item
	// is no longer visible to Get/Scan/Query.
	PutIfAbsentTTL(ctx context.Context, table, key string, value []byte, expiresAt time.Time) error

	// Update replaces value under key only if the stored version equals
	// expectedVersion, bumping the stored version by one. Fails with
	// apierrors.Conflict on a version mismatch and apierrors.NotFound if
	// key does not exist.
	Update(ctx context.Context, table, key string, expectedVersion int64, value []byte) error

	// Upsert writes value under key unconditionally, initializing the
	// version at 1 if the key is new and leaving it unchanged otherwise.
	// Used for best-effort mappings (idempotency keys, index rows) where
	// optimistic concurrency is not required.
	Upsert(ctx context.Context, table, key string, value []byte) error

	// Get returns the value stored under key, or apierrors.NotFound if
	// absent or expired.
	Get(ctx context.Context, table, key string) (Item, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, table, key string) error

	// Scan returns up to limit items from table in key order, starting
	// after cursor (empty cursor starts from the beginning).
	Scan(ctx context.Context, table, cursor string, limit int) (Page, error)

	// IndexPut records a secondary-index entry: indexKey (e.g.
	// "tenantA#2026-07-31T00:00:00Z") maps to primaryKey within table's
	// index namespace.
	IndexPut(ctx context.Context, table, indexKey, primaryKey string) error

	// IndexDelete removes a secondary-index entry.
	IndexDelete(ctx context.Context, table, indexKey string) error

	// IndexQuery returns primary keys whose index key has the given
	// prefix, in index-key order, starting after cursor.
	IndexQuery(ctx context.Context, table, prefix, cursor string, limit int) (Page, error)
}

// NotFound is a convenience constructor used by Engine implementations.
func NotFound(table, key string) error {
	return apierrors.NewNotFound("%s: key %q not found", table, key)
}

// Conflict is a convenience constructor used by Engine implementations.
func Conflict(table, key string, reason string) error {
	return apierrors.NewConflict("%s: key %q: %s", table, key, reason)
}
