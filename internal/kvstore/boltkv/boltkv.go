// Package boltkv implements kvstore.Engine on top of BoltDB, following
// the bucket-per-table layout the control plane's storage layer has
// always used: one bucket per logical table, JSON-encoded values, and a
// dedicated "<table>__idx" bucket per table holding secondary-index
// rows.
package boltkv

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
)

// envelope wraps every stored value with the metadata the conditional
// operations and TTL expiry need.
type envelope struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Store is a BoltDB-backed kvstore.Engine. Buckets are created lazily on
// first use of a table name.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a BoltDB file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "outpost.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outpost db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(table string) []byte    { return []byte(table) }
func idxBucketName(table string) []byte { return []byte(table + "__idx") }

func ensureBucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists(name)
}

func (s *Store) PutIfAbsent(ctx context.Context, table, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucketName(table))
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return kvstore.Conflict(table, key, "already exists")
		}
		env := envelope{Version: 1, Data: value}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

func (s *Store) PutIfAbsentTTL(ctx context.Context, table, key string, value []byte, expiresAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucketName(table))
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return kvstore.Conflict(table, key, "already exists")
		}
		env := envelope{Version: 1, Data: value, ExpiresAt: &expiresAt}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

func (s *Store) Update(ctx context.Context, table, key string, expectedVersion int64, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucketName(table))
		if err != nil {
			return err
		}
		existing := b.Get([]byte(key))
		if existing == nil {
			return kvstore.NotFound(table, key)
		}
		var env envelope
		if err := json.Unmarshal(existing, &env); err != nil {
			return apierrors.NewInternal(err, "%s: corrupt record %q", table, key)
		}
		if env.Version != expectedVersion {
			return kvstore.Conflict(table, key, fmt.Sprintf("expected version %d, found %d", expectedVersion, env.Version))
		}
		env.Version++
		env.Data = value
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

func (s *Store) Upsert(ctx context.Context, table, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucketName(table))
		if err != nil {
			return err
		}
		version := int64(1)
		if existing := b.Get([]byte(key)); existing != nil {
			var env envelope
			if err := json.Unmarshal(existing, &env); err == nil {
				version = env.Version
			}
		}
		env := envelope{Version: version, Data: value}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

func (s *Store) Get(ctx context.Context, table, key string) (kvstore.Item, error) {
	var item kvstore.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(table))
		if b == nil {
			return kvstore.NotFound(table, key)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return kvstore.NotFound(table, key)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return apierrors.NewInternal(err, "%s: corrupt record %q", table, key)
		}
		if env.ExpiresAt != nil && time.Now().After(*env.ExpiresAt) {
			return kvstore.NotFound(table, key)
		}
		item = kvstore.Item{Key: key, Value: env.Data, Version: env.Version}
		return nil
	})
	return item, err
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, bucketName(table))
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) Scan(ctx context.Context, table, cursor string, limit int) (kvstore.Page, error) {
	var page kvstore.Page
	if limit <= 0 {
		limit = 100
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			c.Seek([]byte(cursor))
			k, v = c.Next()
		}
		for ; k != nil; k, v = c.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			if env.ExpiresAt != nil && time.Now().After(*env.ExpiresAt) {
				continue
			}
			page.Items = append(page.Items, kvstore.Item{Key: string(k), Value: env.Data, Version: env.Version})
			if len(page.Items) == limit {
				next, _ := c.Next()
				if next != nil {
					page.Cursor = string(k)
				}
				break
			}
		}
		return nil
	})
	return page, err
}

func (s *Store) IndexPut(ctx context.Context, table, indexKey, primaryKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, idxBucketName(table))
		if err != nil {
			return err
		}
		return b.Put([]byte(indexKey), []byte(primaryKey))
	})
}

func (s *Store) IndexDelete(ctx context.Context, table, indexKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureBucket(tx, idxBucketName(table))
		if err != nil {
			return err
		}
		return b.Delete([]byte(indexKey))
	})
}

func (s *Store) IndexQuery(ctx context.Context, table, prefix, cursor string, limit int) (kvstore.Page, error) {
	var page kvstore.Page
	if limit <= 0 {
		limit = 100
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(idxBucketName(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		seekFrom := prefix
		if cursor != "" {
			seekFrom = cursor
		}
		var k, v []byte
		if cursor == "" {
			k, v = c.Seek([]byte(seekFrom))
		} else {
			c.Seek([]byte(seekFrom))
			k, v = c.Next()
		}
		for ; k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			page.Items = append(page.Items, kvstore.Item{Key: string(v)})
			if len(page.Items) == limit {
				next, _ := c.Next()
				if next != nil && strings.HasPrefix(string(next), prefix) {
					page.Cursor = string(k)
				}
				break
			}
		}
		return nil
	})
	return page, err
}
