// Package objectstore defines the abstract object-store contract used
// for artifact upload and audit export: put, list, and batch delete
// against a bucket/key namespace.
package objectstore

import "context"

// Object is a single stored object's metadata, returned by List.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
}

// Store is the abstract object store the workspace and audit components
// write through.
type Store interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	DeleteMany(ctx context.Context, bucket string, keys []string) error
}
