// Package localfs implements objectstore.Store on the local filesystem:
// each bucket is a root directory, each key a relative path beneath it.
// It exists so artifact upload and audit export always run against a
// real, exercised object store instead of an untested stub.
package localfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeroechelon/outpost-dispatcher/internal/objectstore"
)

// Store is a filesystem-backed objectstore.Store rooted at a base
// directory; each bucket name becomes a subdirectory of root.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	p := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, body, 0644)
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]objectstore.Object, error) {
	bucketDir := filepath.Join(s.root, bucket)
	var out []objectstore.Object

	err := filepath.Walk(bucketDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		out = append(out, objectstore.Object{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		if err := os.Remove(s.path(bucket, key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
