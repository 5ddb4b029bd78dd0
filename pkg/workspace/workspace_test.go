package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	objectfs "github.com/zeroechelon/outpost-dispatcher/internal/objectstore/localfs"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

type fakeProvisioner struct {
	createdRoot string
	createdUID  int
	createdGID  int
	createdPerm os.FileMode
	deletedID   string
}

func (f *fakeProvisioner) CreateAccessPoint(ctx context.Context, rootPath string, uid, gid int, perm os.FileMode) (string, error) {
	f.createdRoot = rootPath
	f.createdUID = uid
	f.createdGID = gid
	f.createdPerm = perm
	return "fsap-test", nil
}

func (f *fakeProvisioner) DeleteAccessPoint(ctx context.Context, accessPointID string) error {
	f.deletedID = accessPointID
	return nil
}

func TestCreatePersistentWorkspaceSanitizesPath(t *testing.T) {
	prov := &fakeProvisioner{}
	record, err := CreatePersistentWorkspace(context.Background(), prov, PersistentConfig{
		UserID:      "user@example.com",
		WorkspaceID: "my ws/1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/users/user-example.com/my-ws-1", prov.createdRoot)
	assert.Equal(t, 1000, prov.createdUID)
	assert.Equal(t, 1000, prov.createdGID)
	assert.Equal(t, os.FileMode(0755), prov.createdPerm)

	assert.Equal(t, "fsap-test", record.AccessPointID)
	assert.Equal(t, "user@example.com", record.UserID)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestDeleteWorkspaceTearsDownAccessPoint(t *testing.T) {
	prov := &fakeProvisioner{}
	record, err := CreatePersistentWorkspace(context.Background(), prov, PersistentConfig{
		UserID: "u1", WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	require.NoError(t, DeleteWorkspace(context.Background(), prov, record))
	assert.Equal(t, "fsap-test", prov.deletedID)
}

func TestCreateEphemeralWorkspaceNoneMode(t *testing.T) {
	root := t.TempDir()
	ws, err := CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		UserID:     "u1",
		InitMode:   types.WorkspaceInitNone,
		Root:       root,
	})
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(ws.Path))
	assert.Contains(t, filepath.Base(ws.Path), "01ARZ3NDEKTSV4RRFFQ69G5FAV-")

	// none mode still initializes a fresh local repo for the identity.
	_, err = os.Stat(filepath.Join(ws.Path, ".git"))
	require.NoError(t, err)
}

func TestUploadArtifactsExcludesAndUploads(t *testing.T) {
	wsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wsDir, "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(wsDir, ".git"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(wsDir, "node_modules", "dep"), 0755))

	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "README.md"), []byte("# readme"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "src", "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, ".git", "HEAD"), []byte("ref: x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wsDir, "node_modules", "dep", "index.js"), []byte("x"), 0644))

	store, err := objectfs.New(t.TempDir())
	require.NoError(t, err)
	svc := New(store)

	result, err := svc.UploadArtifacts(context.Background(), "artifacts-bucket", "d1", wsDir)
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesUploaded)
	assert.Equal(t, 0, result.FilesSkipped)

	objects, err := store.List(context.Background(), "artifacts-bucket", "artifacts/d1/")
	require.NoError(t, err)

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	assert.ElementsMatch(t, []string{
		"artifacts/d1/README.md",
		"artifacts/d1/src/main.go",
	}, keys)
}
