// Package poolrepo is the atomic state-transition store for warm-pool
// entries: create, mark idle/in-use/terminating, delete, and query by
// agent kind and status.
package poolrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const (
	tablePoolEntries = "pool-entries"
	entryTTL         = 30 * time.Minute
)

// Repository is the pool-entry store.
type Repository struct {
	engine kvstore.Engine
}

// New creates a Repository backed by engine.
func New(engine kvstore.Engine) *Repository {
	return &Repository{engine: engine}
}

func entryKey(agent types.AgentKind, handle string) string {
	return string(agent) + "#" + handle
}

// Create writes a new idle pool entry, with a TTL safety net so a
// control-plane crash mid-transition does not leave a stale entry alive
// forever.
func (r *Repository) Create(ctx context.Context, entry types.PoolEntry) error {
	now := time.Now()
	entry.Status = types.PoolIdle
	entry.CreatedAt = now
	entry.LastUsedAt = now
	entry.ExpiresAt = now.Add(entryTTL)

	data, err := json.Marshal(entry)
	if err != nil {
		return apierrors.NewInternal(err, "marshal pool entry")
	}
	return r.engine.PutIfAbsentTTL(ctx, tablePoolEntries, entryKey(entry.Agent, entry.WorkerHandle), data, entry.ExpiresAt)
}

func (r *Repository) get(ctx context.Context, agent types.AgentKind, handle string) (types.PoolEntry, int64, error) {
	item, err := r.engine.Get(ctx, tablePoolEntries, entryKey(agent, handle))
	if err != nil {
		return types.PoolEntry{}, 0, err
	}
	var entry types.PoolEntry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return types.PoolEntry{}, 0, apierrors.NewInternal(err, "unmarshal pool entry")
	}
	return entry, item.Version, nil
}

func (r *Repository) transition(ctx context.Context, agent types.AgentKind, handle string, from, to types.PoolStatus, touchLastUsed bool) error {
	entry, version, err := r.get(ctx, agent, handle)
	if err != nil {
		return err
	}
	if entry.Status != from {
		// At-most-one-winner semantics: the loser observes NotFound
		// because the winner already moved the entry out of `from`.
		return apierrors.NewNotFound("pool entry %s/%s is not %s", agent, handle, from)
	}

	entry.Status = to
	if touchLastUsed {
		entry.LastUsedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return apierrors.NewInternal(err, "marshal pool entry")
	}
	if err := r.engine.Update(ctx, tablePoolEntries, entryKey(agent, handle), version, data); err != nil {
		// A concurrent winner already bumped the version; surface the
		// same NotFound the losing caller would see on a status mismatch.
		if apierrors.Is(err, apierrors.Conflict) {
			return apierrors.NewNotFound("pool entry %s/%s is not %s", agent, handle, from)
		}
		return err
	}
	return nil
}

// MarkInUse atomically transitions an idle entry to in_use. At most one
// concurrent caller succeeds per (agent, handle); the loser observes
// NotFound.
func (r *Repository) MarkInUse(ctx context.Context, agent types.AgentKind, handle string) error {
	return r.transition(ctx, agent, handle, types.PoolIdle, types.PoolInUse, true)
}

// MarkIdle transitions an in_use entry back to idle.
func (r *Repository) MarkIdle(ctx context.Context, agent types.AgentKind, handle string) error {
	return r.transition(ctx, agent, handle, types.PoolInUse, types.PoolIdle, true)
}

// MarkTerminating transitions any non-terminating entry to terminating.
func (r *Repository) MarkTerminating(ctx context.Context, agent types.AgentKind, handle string) error {
	entry, version, err := r.get(ctx, agent, handle)
	if err != nil {
		return err
	}
	if entry.Status == types.PoolTerminating {
		return nil
	}
	entry.Status = types.PoolTerminating
	data, err := json.Marshal(entry)
	if err != nil {
		return apierrors.NewInternal(err, "marshal pool entry")
	}
	return r.engine.Update(ctx, tablePoolEntries, entryKey(agent, handle), version, data)
}

// Delete removes a pool entry.
func (r *Repository) Delete(ctx context.Context, agent types.AgentKind, handle string) error {
	return r.engine.Delete(ctx, tablePoolEntries, entryKey(agent, handle))
}

// ListByAgent returns every entry for an agent kind, regardless of
// status.
func (r *Repository) ListByAgent(ctx context.Context, agent types.AgentKind) ([]types.PoolEntry, error) {
	page, err := r.engine.Scan(ctx, tablePoolEntries, "", 10000)
	if err != nil {
		return nil, err
	}
	var entries []types.PoolEntry
	for _, item := range page.Items {
		var entry types.PoolEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			continue
		}
		if entry.Agent == agent {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// GetIdleTasks returns up to n idle entries for an agent kind.
func (r *Repository) GetIdleTasks(ctx context.Context, agent types.AgentKind, n int) ([]types.PoolEntry, error) {
	all, err := r.ListByAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	var idle []types.PoolEntry
	for _, e := range all {
		if e.Status == types.PoolIdle {
			idle = append(idle, e)
			if n > 0 && len(idle) == n {
				break
			}
		}
	}
	return idle, nil
}

// CountByAgent counts entries for an agent kind, optionally filtered by
// status (empty status counts all).
func (r *Repository) CountByAgent(ctx context.Context, agent types.AgentKind, status types.PoolStatus) (int, error) {
	all, err := r.ListByAgent(ctx, agent)
	if err != nil {
		return 0, err
	}
	if status == "" {
		return len(all), nil
	}
	count := 0
	for _, e := range all {
		if e.Status == status {
			count++
		}
	}
	return count, nil
}
