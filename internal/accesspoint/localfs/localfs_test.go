package localfs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccessPointCreatesDirectory(t *testing.T) {
	prov, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := prov.CreateAccessPoint(context.Background(), "/users/u1/ws1", 1000, 1000, 0755)
	require.NoError(t, err)
	assert.Contains(t, id, "fsap-")

	path, ok := prov.PathFor(id)
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDeleteAccessPointKeepsData(t *testing.T) {
	prov, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := prov.CreateAccessPoint(ctx, "/users/u1/ws1", 1000, 1000, 0755)
	require.NoError(t, err)
	path, _ := prov.PathFor(id)

	require.NoError(t, prov.DeleteAccessPoint(ctx, id))

	_, ok := prov.PathFor(id)
	assert.False(t, ok)

	// Underlying data stays; reclaimed out-of-band.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
