package localfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutListDelete(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "artifacts", "artifacts/d1/src/main.go", []byte("package main"), "text/plain", nil))
	require.NoError(t, store.Put(ctx, "artifacts", "artifacts/d1/README.md", []byte("# hi"), "text/markdown", nil))
	require.NoError(t, store.Put(ctx, "artifacts", "artifacts/d2/other.txt", []byte("x"), "", nil))

	objects, err := store.List(ctx, "artifacts", "artifacts/d1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)

	keys := []string{objects[0].Key, objects[1].Key}
	assert.ElementsMatch(t, []string{"artifacts/d1/src/main.go", "artifacts/d1/README.md"}, keys)

	require.NoError(t, store.DeleteMany(ctx, "artifacts", []string{"artifacts/d1/README.md", "artifacts/d1/missing"}))

	objects, err = store.List(ctx, "artifacts", "artifacts/d1/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "artifacts/d1/src/main.go", objects[0].Key)
}

func TestListMissingBucketReturnsEmpty(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	objects, err := store.List(context.Background(), "no-such-bucket", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
