package workspacerepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore/boltkv"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	store, err := boltkv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := types.WorkspaceRecord{
		UserID:        "u1",
		WorkspaceID:   "ws1",
		AccessPointID: "fsap-123",
		CreatedAt:     time.Now(),
		RepoURL:       "https://example.com/repo.git",
	}
	require.NoError(t, repo.Create(ctx, record))

	got, err := repo.Get(ctx, "u1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, "fsap-123", got.AccessPointID)
	assert.Equal(t, "https://example.com/repo.git", got.RepoURL)
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := types.WorkspaceRecord{UserID: "u1", WorkspaceID: "ws1", AccessPointID: "fsap-a"}
	require.NoError(t, repo.Create(ctx, record))

	record.AccessPointID = "fsap-b"
	err := repo.Create(ctx, record)
	assert.True(t, apierrors.Is(err, apierrors.Conflict))

	// One access point per workspace: the original binding survives.
	got, err := repo.Get(ctx, "u1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, "fsap-a", got.AccessPointID)
}

func TestGetIsScopedToOwner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, types.WorkspaceRecord{UserID: "tenant-a", WorkspaceID: "ws1"}))

	_, err := repo.Get(ctx, "tenant-b", "ws1")
	assert.True(t, apierrors.Is(err, apierrors.NotFound))
}

func TestTouchAccessUpdatesSizeAndTimestamp(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, types.WorkspaceRecord{
		UserID:         "u1",
		WorkspaceID:    "ws1",
		CreatedAt:      created,
		LastAccessedAt: created,
	}))

	require.NoError(t, repo.TouchAccess(ctx, "u1", "ws1", 4096))

	got, err := repo.Get(ctx, "u1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.SizeBytes)
	assert.True(t, got.LastAccessedAt.After(created))
}

func TestDeleteRemovesRecord(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, types.WorkspaceRecord{UserID: "u1", WorkspaceID: "ws1"}))
	require.NoError(t, repo.Delete(ctx, "u1", "ws1"))

	_, err := repo.Get(ctx, "u1", "ws1")
	assert.True(t, apierrors.Is(err, apierrors.NotFound))

	// Deleting an absent record is not an error.
	require.NoError(t, repo.Delete(ctx, "u1", "ws1"))
}
