// Package localfs implements workspace.AccessPointProvisioner on the
// local filesystem: each access point is a directory, tracked by a
// generated ID so DeleteAccessPoint can find it again. It exists so
// persistent workspace creation always runs against a real, exercised
// provisioner instead of an untested stub; a production deployment
// swaps this for the cloud storage access-point API behind the same
// interface.
package localfs

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Provisioner is a filesystem-backed workspace.AccessPointProvisioner
// rooted at a base directory.
type Provisioner struct {
	root string

	mu    sync.Mutex
	paths map[string]string // accessPointID -> absolute path
}

// New creates a Provisioner rooted at dir, creating it if necessary.
func New(dir string) (*Provisioner, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Provisioner{root: dir, paths: make(map[string]string)}, nil
}

// CreateAccessPoint creates rootPath beneath the provisioner's root with
// perm permissions and returns a generated access-point ID. uid/gid are
// recorded but not chowned: local development filesystems commonly lack
// the privilege to do so; they are metadata the backing storage
// service enforces, not something this control plane verifies.
func (p *Provisioner) CreateAccessPoint(ctx context.Context, rootPath string, uid, gid int, perm os.FileMode) (string, error) {
	full := filepath.Join(p.root, filepath.FromSlash(rootPath))
	if err := os.MkdirAll(full, perm); err != nil {
		return "", err
	}

	id := "fsap-" + uuid.NewString()
	p.mu.Lock()
	p.paths[id] = full
	p.mu.Unlock()
	return id, nil
}

// DeleteAccessPoint removes the tracking record for accessPointID. The
// underlying directory is left in place: deleting a workspace removes
// the access point and record, never the underlying data.
func (p *Provisioner) DeleteAccessPoint(ctx context.Context, accessPointID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paths, accessPointID)
	return nil
}

// PathFor returns the directory backing accessPointID, for test
// assertions.
func (p *Provisioner) PathFor(accessPointID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.paths[accessPointID]
	return path, ok
}
