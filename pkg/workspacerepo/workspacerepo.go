// Package workspacerepo is the persistence layer for persistent
// workspace records, keyed by (userId, workspaceId): one access point
// per workspace, with a reported (not enforced) size measurement.
package workspacerepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const table = "workspaces"

// Repository is the workspace-record store.
type Repository struct {
	engine kvstore.Engine
}

// New creates a Repository backed by engine.
func New(engine kvstore.Engine) *Repository {
	return &Repository{engine: engine}
}

func key(userID, workspaceID string) string {
	return userID + "#" + workspaceID
}

// Create writes a new workspace record, failing with Conflict if
// (userId, workspaceId) already has one.
func (r *Repository) Create(ctx context.Context, record types.WorkspaceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apierrors.NewInternal(err, "marshal workspace record")
	}
	return r.engine.PutIfAbsent(ctx, table, key(record.UserID, record.WorkspaceID), data)
}

// Get fetches a workspace record, failing with NotFound when absent.
// Records are keyed by (userID, workspaceID), so a lookup under another
// user's ID finds nothing and fails with NotFound as well.
func (r *Repository) Get(ctx context.Context, userID, workspaceID string) (types.WorkspaceRecord, error) {
	item, err := r.engine.Get(ctx, table, key(userID, workspaceID))
	if err != nil {
		return types.WorkspaceRecord{}, err
	}
	var record types.WorkspaceRecord
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return types.WorkspaceRecord{}, apierrors.NewInternal(err, "unmarshal workspace record")
	}
	return record, nil
}

// TouchAccess updates lastAccessedAt and the reported sizeBytes.
func (r *Repository) TouchAccess(ctx context.Context, userID, workspaceID string, sizeBytes int64) error {
	item, err := r.engine.Get(ctx, table, key(userID, workspaceID))
	if err != nil {
		return err
	}
	var record types.WorkspaceRecord
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return apierrors.NewInternal(err, "unmarshal workspace record")
	}
	record.LastAccessedAt = time.Now()
	record.SizeBytes = sizeBytes

	data, err := json.Marshal(record)
	if err != nil {
		return apierrors.NewInternal(err, "marshal workspace record")
	}
	return r.engine.Update(ctx, table, key(userID, workspaceID), item.Version, data)
}

// Delete removes a workspace record. The caller is responsible for
// tearing down the backing access point first.
func (r *Repository) Delete(ctx context.Context, userID, workspaceID string) error {
	return r.engine.Delete(ctx, table, key(userID, workspaceID))
}
