// Package dispatcher is the dispatch orchestrator (C14): it validates a
// dispatch request, resolves idempotency, selects a task definition,
// validates secrets, writes the PENDING record, launches the worker (or
// acquires one from the warm pool), transitions the record to RUNNING,
// emits a best-effort cost event, and returns without waiting for the
// worker to finish.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/zeroechelon/outpost-dispatcher/internal/eventbus"
	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/audit"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/idgen"
	"github.com/zeroechelon/outpost-dispatcher/pkg/launcher"
	"github.com/zeroechelon/outpost-dispatcher/pkg/logstream"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/secrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/statustracker"
	"github.com/zeroechelon/outpost-dispatcher/pkg/taskselect"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
	"github.com/zeroechelon/outpost-dispatcher/pkg/warmpool"
	"github.com/zeroechelon/outpost-dispatcher/pkg/workspace"
	"github.com/zeroechelon/outpost-dispatcher/pkg/workspacerepo"
)

// tierStartOffset is the estimated time-to-running the dispatcher quotes
// to callers, per tier.
var tierStartOffset = map[types.Tier]time.Duration{
	types.TierFlagship: 30 * time.Second,
	types.TierBalanced: 20 * time.Second,
	types.TierFast:     15 * time.Second,
}

// ResourceConstraints mirrors launcher.ResourceConstraints at the
// request boundary, validated against the launcher's bounds.
type ResourceConstraints struct {
	MaxMemoryMb int `validate:"omitempty,min=512,max=30720"`
	MaxCPUUnits int `validate:"omitempty,min=256,max=4096"`
	MaxDiskGb   int `validate:"omitempty,min=21,max=200"`
}

// DispatchRequest is the validated input to Dispatch.
type DispatchRequest struct {
	TenantID             string                `validate:"required"`
	UserID               string                `validate:"required,min=1,max=64"`
	Agent                types.AgentKind       `validate:"required,agentkind"`
	Task                 string                `validate:"required,min=10,max=50000"`
	ModelID              string                `validate:"omitempty"`
	RepoURL              string                `validate:"omitempty,url"`
	WorkspaceMode        types.WorkspaceMode   `validate:"omitempty,oneof=ephemeral persistent"`
	WorkspaceID          string                `validate:"required_if=WorkspaceMode persistent,omitempty,max=64"`
	WorkspaceInitMode    types.WorkspaceInitMode `validate:"omitempty,oneof=full minimal none"`
	TimeoutSeconds       int                   `validate:"omitempty,min=30,max=86400"`
	ContextLevel         string                `validate:"omitempty,oneof=minimal standard full"`
	IdempotencyKey       string                `validate:"omitempty,max=128"`
	Tags                 map[string]string
	ResourceConstraints  ResourceConstraints
	// AdditionalSecrets are caller-supplied key/value entries for the
	// worker environment; GITHUB_TOKEN gets git-credentials treatment.
	AdditionalSecrets    map[string]string
	SourceIP             string
	UserAgent            string
}

// DispatchResult is the output of Dispatch.
type DispatchResult struct {
	DispatchID        string
	Status            string
	Agent             types.AgentKind
	ModelID           string
	EstimatedStartTime time.Time
	Tags              map[string]string
	Idempotent        bool
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("agentkind", func(fl validator.FieldLevel) bool {
		switch types.AgentKind(fl.Field().String()) {
		case types.AgentClaude, types.AgentCodex, types.AgentGemini, types.AgentAider, types.AgentGrok:
			return true
		default:
			return false
		}
	})
	return v
}

// Dispatcher coordinates the secret injector, task selector, dispatch
// repository, launcher, and warm pool per request, and fronts the
// status/log/pool-health read paths that run independently of it.
type Dispatcher struct {
	repo        *dispatchrepo.Repository
	poolRepo    *poolrepo.Repository
	launcher    *launcher.Launcher
	pool        *warmpool.Manager
	tracker     *statustracker.Tracker
	streamer    *logstream.Streamer
	bus         eventbus.Bus
	auditLog    *audit.Logger
	wsRepo      *workspacerepo.Repository
	provisioner workspace.AccessPointProvisioner
	logger      zerolog.Logger
}

// New creates a Dispatcher wired to its collaborators.
func New(repo *dispatchrepo.Repository, poolRepo *poolrepo.Repository, l *launcher.Launcher, pool *warmpool.Manager, tracker *statustracker.Tracker, streamer *logstream.Streamer, bus eventbus.Bus, auditLog *audit.Logger, wsRepo *workspacerepo.Repository, provisioner workspace.AccessPointProvisioner) *Dispatcher {
	return &Dispatcher{
		repo: repo, poolRepo: poolRepo, launcher: l, pool: pool, tracker: tracker, streamer: streamer,
		bus: bus, auditLog: auditLog, wsRepo: wsRepo, provisioner: provisioner,
		logger: obslog.WithComponent("dispatcher"),
	}
}

func normalize(req *DispatchRequest) {
	if req.WorkspaceMode == "" {
		req.WorkspaceMode = types.WorkspaceEphemeral
	}
	if req.WorkspaceInitMode == "" {
		req.WorkspaceInitMode = types.WorkspaceInitFull
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 600
	}
	if req.ContextLevel == "" {
		req.ContextLevel = "standard"
	}
}

// Dispatch runs the full orchestration flow: idempotency replay,
// validation, task selection, secret validation, record creation,
// worker acquisition or launch, and cost-event emission.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	normalize(&req)

	if req.IdempotencyKey != "" {
		if existing, ok, err := d.repo.FindByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err == nil && ok {
			return DispatchResult{
				DispatchID: existing.DispatchID,
				Status:     idempotentStatus(existing.Status),
				Agent:      existing.Agent,
				ModelID:    existing.ModelID,
				Tags:       existing.Tags,
				Idempotent: true,
			}, nil
		}
	}

	if err := validate.Struct(req); err != nil {
		return DispatchResult{}, apierrors.Wrap(apierrors.Validation, err, "dispatch request failed validation")
	}
	if err := secrets.ValidateAdditionalSecrets(req.AdditionalSecrets); err != nil {
		return DispatchResult{}, err
	}

	dispatchID := idgen.NewDispatchID()
	logger := obslog.WithDispatchID(dispatchID)

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, string(req.Agent))

	def, err := taskselect.SelectTaskDefinition(req.Agent, req.ModelID)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "rejected").Inc()
		return DispatchResult{}, err
	}

	if req.WorkspaceMode == types.WorkspacePersistent {
		if err := d.ensurePersistentWorkspace(ctx, req); err != nil {
			metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "rejected").Inc()
			return DispatchResult{}, err
		}
	}

	record, err := d.repo.Create(ctx, dispatchID, dispatchrepo.CreateInput{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		Agent:          req.Agent,
		ModelID:        def.ModelID,
		Tier:           def.Tier,
		Task:           req.Task,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           req.Tags,
		WorkspaceMode:  req.WorkspaceMode,
		RepoURL:        req.RepoURL,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "rejected").Inc()
		return DispatchResult{}, err
	}

	workerHandle, startedAt, err := d.acquireWorker(ctx, dispatchID, req, def)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "failed").Inc()
		if _, markErr := d.repo.MarkFailed(ctx, dispatchID, record.Version, fmt.Sprintf("worker launch failed: %v", err)); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark dispatch failed after launch error")
		}
		return DispatchResult{}, err
	}

	if _, err := d.repo.UpdateStatus(ctx, dispatchID, types.DispatchRunning, record.Version, dispatchrepo.UpdateExtras{TaskHandle: workerHandle}); err != nil {
		// Best-effort: failure here is logged, never
		// surfaced, because the worker is already running.
		logger.Warn().Err(err).Msg("failed to transition dispatch to RUNNING")
	}

	go d.emitCostEvent(dispatchID, req, def, startedAt)

	d.auditLog.LogDispatch(ctx, req.TenantID, dispatchID, "dispatch", types.OutcomeSuccess, map[string]any{
		"agent": string(req.Agent), "modelId": def.ModelID, "tier": string(def.Tier),
	})

	metrics.DispatchesTotal.WithLabelValues(string(req.Agent), "ok").Inc()

	return DispatchResult{
		DispatchID:         dispatchID,
		Status:             "provisioning",
		Agent:              req.Agent,
		ModelID:            def.ModelID,
		EstimatedStartTime: time.Now().Add(tierStartOffset[def.Tier]),
		Tags:               req.Tags,
	}, nil
}

// acquireWorker either acquires an idle warm-pool entry for req.Agent or,
// when the pool has none available, launches a fresh worker. A warm-pool
// entry is only used when the request needs nothing a placeholder worker
// doesn't already have (no repo URL, no non-default resource
// constraints, no persistent workspace, no additional secrets); anything
// more specific always launches fresh.
func (d *Dispatcher) acquireWorker(ctx context.Context, dispatchID string, req DispatchRequest, def taskselect.TaskDefinition) (workerHandle string, startedAt time.Time, err error) {
	if d.pool != nil && req.RepoURL == "" && req.ResourceConstraints == (ResourceConstraints{}) &&
		req.WorkspaceMode != types.WorkspacePersistent && len(req.AdditionalSecrets) == 0 {
		entry, poolErr := d.pool.AcquireTask(ctx, req.Agent)
		if poolErr == nil && entry != nil {
			metrics.LaunchAttemptsTotal.WithLabelValues(string(req.Agent), "pool_hit").Inc()
			return entry.WorkerHandle, time.Now(), nil
		}
		if poolErr != nil {
			d.logger.Warn().Err(poolErr).Str("dispatchId", dispatchID).Msg("warm pool acquire failed, falling back to fresh launch")
		}
	}

	launchResult, err := d.launcher.LaunchTask(ctx, launcher.LaunchRequest{
		DispatchID:        dispatchID,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Agent:             req.Agent,
		ModelID:           def.ModelID,
		Task:              req.Task,
		WorkspaceMode:     req.WorkspaceMode,
		WorkspaceID:       req.WorkspaceID,
		WorkspaceInitMode: req.WorkspaceInitMode,
		TimeoutSeconds:    req.TimeoutSeconds,
		RepoURL:           req.RepoURL,
		AdditionalSecrets: req.AdditionalSecrets,
		Resources: launcher.ResourceConstraints{
			MaxMemoryMb: req.ResourceConstraints.MaxMemoryMb,
			MaxCPUUnits: req.ResourceConstraints.MaxCPUUnits,
			MaxDiskGb:   req.ResourceConstraints.MaxDiskGb,
		},
	})
	if err != nil {
		metrics.LaunchAttemptsTotal.WithLabelValues(string(req.Agent), "failed").Inc()
		return "", time.Time{}, err
	}
	metrics.LaunchAttemptsTotal.WithLabelValues(string(req.Agent), "ok").Inc()
	return launchResult.WorkerHandle, launchResult.StartedAt, nil
}

// ensurePersistentWorkspace resolves the tenant's named workspace,
// creating its access point and record on first use. Workspaces are
// owned per (tenant, workspaceId); a concurrent first dispatch may win
// the create, in which case the loser's access point is torn down and
// the winner's record is used.
func (d *Dispatcher) ensurePersistentWorkspace(ctx context.Context, req DispatchRequest) error {
	existing, err := d.wsRepo.Get(ctx, req.TenantID, req.WorkspaceID)
	if err == nil {
		if touchErr := d.wsRepo.TouchAccess(ctx, req.TenantID, req.WorkspaceID, existing.SizeBytes); touchErr != nil {
			d.logger.Warn().Err(touchErr).Str("workspaceId", req.WorkspaceID).Msg("failed to touch workspace access time")
		}
		d.auditLog.LogWorkspaceOperation(ctx, req.TenantID, req.WorkspaceID, "attach_workspace", types.OutcomeSuccess)
		return nil
	}
	if !apierrors.Is(err, apierrors.NotFound) {
		return err
	}

	record, err := workspace.CreatePersistentWorkspace(ctx, d.provisioner, workspace.PersistentConfig{
		UserID:      req.TenantID,
		WorkspaceID: req.WorkspaceID,
		RepoURL:     req.RepoURL,
	})
	if err != nil {
		d.auditLog.LogWorkspaceOperation(ctx, req.TenantID, req.WorkspaceID, "create_workspace", types.OutcomeFailure)
		return err
	}
	if err := d.wsRepo.Create(ctx, record); err != nil {
		if apierrors.Is(err, apierrors.Conflict) {
			_ = workspace.DeleteWorkspace(ctx, d.provisioner, record)
			return nil
		}
		return err
	}
	d.auditLog.LogWorkspaceOperation(ctx, req.TenantID, req.WorkspaceID, "create_workspace", types.OutcomeSuccess)
	return nil
}

func idempotentStatus(status types.DispatchStatus) string {
	if status == types.DispatchPending {
		return "pending"
	}
	return "provisioning"
}

// costEventDetail is the opaque JSON body of the LedgerCostEvent emitted
// after a successful launch.
type costEventDetail struct {
	DispatchID    string            `json:"dispatchId"`
	UserID        string            `json:"userId"`
	Agent         types.AgentKind   `json:"agent"`
	ModelID       string            `json:"modelId"`
	Tier          types.Tier        `json:"tier"`
	ResourceLimits ResourceConstraints `json:"resourceLimits"`
	StartedAt     time.Time         `json:"startedAt"`
	WorkspaceMode types.WorkspaceMode `json:"workspaceMode"`
}

func (d *Dispatcher) emitCostEvent(dispatchID string, req DispatchRequest, def taskselect.TaskDefinition, startedAt time.Time) {
	detail := costEventDetail{
		DispatchID: dispatchID, UserID: req.UserID, Agent: req.Agent, ModelID: def.ModelID, Tier: def.Tier,
		ResourceLimits: req.ResourceConstraints, StartedAt: startedAt, WorkspaceMode: req.WorkspaceMode,
	}
	body, err := json.Marshal(detail)
	if err != nil {
		d.logger.Error().Err(err).Str("dispatchId", dispatchID).Msg("failed to marshal cost event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = d.bus.PutEvents(ctx, []eventbus.Entry{{
		Source:     "outpost.dispatcher",
		DetailType: "LedgerCostEvent",
		Time:       time.Now(),
		Detail:     string(body),
	}})
	if err != nil {
		// Best-effort: logged, not surfaced.
		d.logger.Warn().Err(err).Str("dispatchId", dispatchID).Msg("failed to emit cost event")
	}
}

// CancelDispatch refuses a dispatch owned by another tenant or already
// in a terminal state, otherwise best-effort stops the runtime task and
// writes CANCELLED via optimistic update.
func (d *Dispatcher) CancelDispatch(ctx context.Context, tenantID, dispatchID, reason string) (types.DispatchRecord, error) {
	record, err := d.repo.GetByID(ctx, dispatchID)
	if err != nil {
		return types.DispatchRecord{}, err
	}
	if record.TenantID != tenantID {
		// Refused as NotFound so the call does not reveal the
		// dispatch's existence to another tenant.
		return types.DispatchRecord{}, apierrors.NewNotFound("dispatch %s not found", dispatchID)
	}
	if record.Status.Terminal() {
		return types.DispatchRecord{}, apierrors.NewConflict("dispatch %s is already in terminal state %s", dispatchID, record.Status)
	}

	if record.TaskHandle != "" {
		if err := d.launcher.StopTask(ctx, record.TaskHandle, reason); err != nil {
			d.logger.Warn().Err(err).Str("dispatchId", dispatchID).Msg("failed to stop runtime task during cancellation")
		}
	}

	updated, err := d.repo.UpdateStatus(ctx, dispatchID, types.DispatchCancelled, record.Version, dispatchrepo.UpdateExtras{ErrorMessage: reason})
	if err != nil {
		return types.DispatchRecord{}, err
	}
	return updated, nil
}

// ListDispatches is a thin pass-through to the dispatch repository's
// tenant-scoped listing.
func (d *Dispatcher) ListDispatches(ctx context.Context, tenantID string, filter dispatchrepo.ListFilter) (dispatchrepo.ListResult, error) {
	return d.repo.ListByTenant(ctx, tenantID, filter)
}

// GetDispatchStatus is a tenant-scoped pass-through to the status
// tracker's merged view, auditing the read. The tracker refuses the
// read as NotFound when tenantID does not own the dispatch.
func (d *Dispatcher) GetDispatchStatus(ctx context.Context, tenantID string, req statustracker.StatusRequest) (statustracker.DispatchStatus, error) {
	req.TenantID = tenantID
	status, err := d.tracker.GetStatus(ctx, req)
	outcome := types.OutcomeSuccess
	if err != nil {
		outcome = types.OutcomeFailure
	}
	d.auditLog.LogStatusQuery(ctx, tenantID, req.DispatchID, outcome)
	return status, err
}

// Subscribe is a thin pass-through to the log streamer's polling
// subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, dispatchID string, agent types.AgentKind, callback logstream.Callback) {
	d.streamer.Subscribe(ctx, dispatchID, agent, callback)
}

// Unsubscribe is a thin pass-through to the log streamer.
func (d *Dispatcher) Unsubscribe(dispatchID string) {
	d.streamer.Unsubscribe(dispatchID)
}

// PoolHealth is one agent's warm-pool snapshot, returned by GetPoolHealth.
type PoolHealth struct {
	Agent  types.AgentKind
	Idle   int
	InUse  int
	Target int
}

// GetPoolHealth summarizes every agent's warm pool: idle count, in-use
// count, and current autoscale target.
func (d *Dispatcher) GetPoolHealth(ctx context.Context) ([]PoolHealth, error) {
	var out []PoolHealth
	for _, agent := range types.AllAgentKinds() {
		idle, err := d.poolRepo.CountByAgent(ctx, agent, types.PoolIdle)
		if err != nil {
			return nil, err
		}
		inUse, err := d.poolRepo.CountByAgent(ctx, agent, types.PoolInUse)
		if err != nil {
			return nil, err
		}
		out = append(out, PoolHealth{Agent: agent, Idle: idle, InUse: inUse, Target: d.pool.TargetSize(agent)})
	}
	return out, nil
}

// QueryAuditLog is a thin pass-through to the audit logger's tenant-scoped
// query.
func (d *Dispatcher) QueryAuditLog(ctx context.Context, tenantID string, filter audit.QueryFilter) (audit.QueryResult, error) {
	return d.auditLog.QueryByUser(ctx, tenantID, filter)
}

// ExportAuditLog is a thin pass-through to the audit logger's S3 export.
func (d *Dispatcher) ExportAuditLog(ctx context.Context, bucket, prefix string, start, end time.Time, nowMs int64) (string, error) {
	return d.auditLog.ExportToS3(ctx, bucket, prefix, start, end, nowMs)
}
