// Package dispatchrepo is the versioned, idempotent persistence layer
// for dispatch records: creation, optimistic-concurrency status updates,
// and tenant-scoped listing.
package dispatchrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore"
	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const (
	tableDispatches = "dispatches"
	tableIdempotency = "dispatch-idempotency"
)

// Repository is the dispatch record store.
type Repository struct {
	engine kvstore.Engine
}

// New creates a Repository backed by engine.
func New(engine kvstore.Engine) *Repository {
	return &Repository{engine: engine}
}

// CreateInput is the input to Create.
type CreateInput struct {
	TenantID          string
	UserID            string
	Agent             types.AgentKind
	ModelID           string
	Tier              types.Tier
	Task              string
	IdempotencyKey    string
	Tags              map[string]string
	WorkspaceMode     types.WorkspaceMode
	RepoURL           string
	TimeoutSeconds    int
}

// Create writes a new PENDING dispatch row keyed by dispatchID (caller
// supplies the ULID). If IdempotencyKey is set, it also writes a best-
// effort (tenantId, idempotencyKey) -> dispatchId mapping; a failure of
// that mapping write is logged and does not fail Create.
func (r *Repository) Create(ctx context.Context, dispatchID string, input CreateInput) (types.DispatchRecord, error) {
	now := time.Now()
	record := types.DispatchRecord{
		DispatchID:     dispatchID,
		TenantID:       input.TenantID,
		UserID:         input.UserID,
		Agent:          input.Agent,
		ModelID:        input.ModelID,
		Tier:           input.Tier,
		Task:           input.Task,
		Status:         types.DispatchPending,
		StartedAt:      now,
		Version:        1,
		IdempotencyKey: input.IdempotencyKey,
		Tags:           input.Tags,
		WorkspaceMode:  input.WorkspaceMode,
		RepoURL:        input.RepoURL,
		TimeoutSeconds: input.TimeoutSeconds,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return types.DispatchRecord{}, apierrors.NewInternal(err, "marshal dispatch record")
	}
	if err := r.engine.PutIfAbsent(ctx, tableDispatches, dispatchID, data); err != nil {
		return types.DispatchRecord{}, err
	}

	indexKey := fmt.Sprintf("%s#%s", input.TenantID, now.Format(time.RFC3339Nano))
	_ = r.engine.IndexPut(ctx, tableDispatches, indexKey, dispatchID)
	_ = r.engine.IndexPut(ctx, tableDispatches, statusAgentIndexKey(types.DispatchPending, input.Agent, dispatchID), dispatchID)

	if input.IdempotencyKey != "" {
		mappingKey := idempotencyMappingKey(input.TenantID, input.IdempotencyKey)
		idData, _ := json.Marshal(dispatchID)
		if err := r.engine.Upsert(ctx, tableIdempotency, mappingKey, idData); err != nil {
			logger := obslog.WithComponent("dispatchrepo")
			logger.Warn().Err(err).Str("dispatchId", dispatchID).Msg("failed to write idempotency mapping")
		}
	}

	return record, nil
}

// FindByIdempotencyKey returns the dispatch referred to by the
// (tenantId, key) mapping, or (zero, false, nil) if absent. A failure in
// the mapping store degrades gracefully to "not found" rather than
// erroring, so a mapping-store outage never blackholes new dispatches.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (types.DispatchRecord, bool, error) {
	item, err := r.engine.Get(ctx, tableIdempotency, idempotencyMappingKey(tenantID, key))
	if err != nil {
		return types.DispatchRecord{}, false, nil
	}
	var dispatchID string
	if err := json.Unmarshal(item.Value, &dispatchID); err != nil {
		return types.DispatchRecord{}, false, nil
	}

	record, err := r.GetByID(ctx, dispatchID)
	if err != nil {
		return types.DispatchRecord{}, false, nil
	}
	return record, true, nil
}

// GetByID fetches a dispatch record, failing with NotFound when absent.
func (r *Repository) GetByID(ctx context.Context, dispatchID string) (types.DispatchRecord, error) {
	item, err := r.engine.Get(ctx, tableDispatches, dispatchID)
	if err != nil {
		return types.DispatchRecord{}, err
	}
	var record types.DispatchRecord
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return types.DispatchRecord{}, apierrors.NewInternal(err, "unmarshal dispatch record %s", dispatchID)
	}
	record.Version = item.Version
	return record, nil
}

// UpdateExtras carries the optional fields a status transition may set
// alongside the new status.
type UpdateExtras struct {
	TaskHandle   string
	ArtifactsURL string
	ErrorMessage string
}

// UpdateStatus transitions dispatchID to newStatus, succeeding only if
// the stored version equals expectedVersion. Returns the updated record.
func (r *Repository) UpdateStatus(ctx context.Context, dispatchID string, newStatus types.DispatchStatus, expectedVersion int64, extras UpdateExtras) (types.DispatchRecord, error) {
	record, err := r.GetByID(ctx, dispatchID)
	if err != nil {
		return types.DispatchRecord{}, err
	}
	if record.Status.Terminal() {
		return types.DispatchRecord{}, apierrors.NewConflict("dispatch %s is already in terminal state %s", dispatchID, record.Status)
	}
	oldStatus := record.Status

	record.Status = newStatus
	if extras.TaskHandle != "" {
		record.TaskHandle = extras.TaskHandle
	}
	if extras.ArtifactsURL != "" {
		record.ArtifactsURL = extras.ArtifactsURL
	}
	if extras.ErrorMessage != "" {
		record.ErrorMessage = extras.ErrorMessage
	}
	if newStatus.Terminal() {
		now := time.Now()
		record.EndedAt = &now
	}

	data, err := json.Marshal(record)
	if err != nil {
		return types.DispatchRecord{}, apierrors.NewInternal(err, "marshal dispatch record")
	}
	if err := r.engine.Update(ctx, tableDispatches, dispatchID, expectedVersion, data); err != nil {
		return types.DispatchRecord{}, err
	}
	record.Version = expectedVersion + 1

	_ = r.engine.IndexDelete(ctx, tableDispatches, statusAgentIndexKey(oldStatus, record.Agent, dispatchID))
	_ = r.engine.IndexPut(ctx, tableDispatches, statusAgentIndexKey(newStatus, record.Agent, dispatchID), dispatchID)

	return record, nil
}

// CountPendingByAgent counts PENDING dispatches for agent via the
// (status, agent) secondary index, used by the autoscaler's real
// queue-depth path.
func (r *Repository) CountPendingByAgent(ctx context.Context, agent types.AgentKind) (int, error) {
	prefix := statusAgentPrefix(types.DispatchPending, agent)
	count := 0
	cursor := ""
	for {
		page, err := r.engine.IndexQuery(ctx, tableDispatches, prefix, cursor, 1000)
		if err != nil {
			return 0, err
		}
		count += len(page.Items)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return count, nil
}

func statusAgentPrefix(status types.DispatchStatus, agent types.AgentKind) string {
	return fmt.Sprintf("status#%s#%s#", status, agent)
}

func statusAgentIndexKey(status types.DispatchStatus, agent types.AgentKind, dispatchID string) string {
	return statusAgentPrefix(status, agent) + dispatchID
}

// MarkCompleted transitions dispatchID to COMPLETED, setting artifactsURL.
func (r *Repository) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, artifactsURL string) (types.DispatchRecord, error) {
	return r.UpdateStatus(ctx, dispatchID, types.DispatchCompleted, expectedVersion, UpdateExtras{ArtifactsURL: artifactsURL})
}

// MarkFailed transitions dispatchID to FAILED, setting errorMessage.
func (r *Repository) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, errorMessage string) (types.DispatchRecord, error) {
	return r.UpdateStatus(ctx, dispatchID, types.DispatchFailed, expectedVersion, UpdateExtras{ErrorMessage: errorMessage})
}

// ListFilter narrows ListByTenant results.
type ListFilter struct {
	Status types.DispatchStatus
	Agent  types.AgentKind
	Tags   map[string]string
	Cursor string
	Limit  int
}

// ListResult is a page of ListByTenant.
type ListResult struct {
	Records []types.DispatchRecord
	Cursor  string
}

// ListByTenant returns a paginated, tag-filtered (conjunctive) view of a
// tenant's dispatches, most recent first.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, filter ListFilter) (ListResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	page, err := r.engine.IndexQuery(ctx, tableDispatches, tenantID+"#", filter.Cursor, 1000)
	if err != nil {
		return ListResult{}, err
	}

	var records []types.DispatchRecord
	for _, item := range page.Items {
		record, err := r.GetByID(ctx, item.Key)
		if err != nil {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.Agent != "" && record.Agent != filter.Agent {
			continue
		}
		if !matchesTags(record.Tags, filter.Tags) {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if len(records) > limit {
		records = records[:limit]
	}

	return ListResult{Records: records, Cursor: page.Cursor}, nil
}

func matchesTags(stored, wanted map[string]string) bool {
	for k, v := range wanted {
		if stored[k] != v {
			return false
		}
	}
	return true
}

func idempotencyMappingKey(tenantID, key string) string {
	return fmt.Sprintf("%s#%s", tenantID, key)
}
