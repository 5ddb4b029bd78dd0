// Package statustracker merges a dispatch record's persisted status with
// a live container-runtime poll into a single cached status view, with
// incremental log fetching and a progress heuristic scanning recent log
// output for checkpoint markers.
package statustracker

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/runtime"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/logstream"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const (
	cacheTTL           = 5 * time.Second
	progressScanLines  = 50
	maxNonTerminalProgress = 95
)

// ExposedStatus is the status value returned to callers, distinct from
// the persisted DispatchStatus: it additionally distinguishes
// provisioning/completing transients the runtime reports mid-flight.
type ExposedStatus string

const (
	StatusProvisioning ExposedStatus = "provisioning"
	StatusPending      ExposedStatus = "pending"
	StatusRunning      ExposedStatus = "running"
	StatusCompleting   ExposedStatus = "completing"
	StatusCompleted    ExposedStatus = "success"
	StatusFailed       ExposedStatus = "failed"
	StatusTimeout      ExposedStatus = "timeout"
	StatusCancelled    ExposedStatus = "cancelled"
)

// LogEntry is one log line surfaced on the status view.
type LogEntry struct {
	Timestamp int64
	Message   string
	Level     logstream.LogLevel
}

// DispatchStatus is the merged status view returned by GetStatus.
type DispatchStatus struct {
	DispatchID   string
	Status       ExposedStatus
	Progress     int
	ArtifactsURL string
	ErrorMessage string
	StartedAt    time.Time
	EndedAt      *time.Time
	Logs         []LogEntry
	NextLogToken string
	HasMoreLogs  bool
}

// StatusRequest is the input to GetStatus. TenantID must match the
// dispatch record's owning tenant; a mismatch is refused as NotFound so
// the read does not reveal the dispatch's existence.
type StatusRequest struct {
	TenantID   string
	DispatchID string
	LogOffset  string
	LogLimit   int
	SkipLogs   bool
}

type cacheEntry struct {
	value    DispatchStatus
	tenantID string
	cachedAt time.Time
}

// Tracker is the status/log view over a dispatch repository, container
// runtime, and log streamer.
type Tracker struct {
	repo      *dispatchrepo.Repository
	rt        runtime.Runtime
	streamer  *logstream.Streamer
	cluster   string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Tracker backed by repo, rt, and streamer, talking to the
// runtime's cluster handle.
func New(repo *dispatchrepo.Repository, rt runtime.Runtime, streamer *logstream.Streamer, cluster string) *Tracker {
	return &Tracker{repo: repo, rt: rt, streamer: streamer, cluster: cluster, cache: make(map[string]cacheEntry)}
}

// GetStatus fetches, merges, and (when eligible) caches a dispatch's
// status view.
func (t *Tracker) GetStatus(ctx context.Context, req StatusRequest) (DispatchStatus, error) {
	cacheable := req.LogOffset == "" && !req.SkipLogs

	if cacheable {
		if cached, ok := t.cached(req.DispatchID, req.TenantID); ok {
			metrics.StatusCacheHitTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
	}
	metrics.StatusCacheHitTotal.WithLabelValues("miss").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StatusPollDuration)

	record, err := t.repo.GetByID(ctx, req.DispatchID)
	if err != nil {
		return DispatchStatus{}, err
	}
	if record.TenantID != req.TenantID {
		return DispatchStatus{}, apierrors.NewNotFound("dispatch %s not found", req.DispatchID)
	}

	status := exposedStatusFor(record.Status)
	if record.TaskHandle != "" && !record.Status.Terminal() {
		if polled, ok := t.pollRuntimeStatus(ctx, record.TaskHandle); ok {
			status = polled
		}
	}

	view := DispatchStatus{
		DispatchID:   record.DispatchID,
		Status:       status,
		ArtifactsURL: record.ArtifactsURL,
		ErrorMessage: record.ErrorMessage,
		StartedAt:    record.StartedAt,
		EndedAt:      record.EndedAt,
	}

	var logs []logstream.Line
	if !req.SkipLogs {
		limit := req.LogLimit
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}
		fetchReq := logstream.FetchRequest{DispatchID: record.DispatchID, AgentKind: record.Agent, Limit: limit}
		if req.LogOffset != "" {
			fetchReq.NextToken = req.LogOffset
		}
		result, err := t.streamer.FetchLogs(ctx, fetchReq)
		if err == nil {
			logs = result.Logs
			view.NextLogToken = result.NextToken
			view.HasMoreLogs = result.HasMore
		}
		for _, l := range logs {
			view.Logs = append(view.Logs, LogEntry{Timestamp: l.Timestamp, Message: l.Message, Level: l.Level})
		}
	}

	view.Progress = computeProgress(status, logs, record.StartedAt, record.TimeoutSeconds)

	if cacheable {
		t.setCached(req.DispatchID, req.TenantID, view)
	}
	return view, nil
}

// cached returns a fresh cache entry only when tenantID matches the
// tenant the entry was cached for; a mismatched tenant falls through to
// the uncached path, where the ownership check refuses the read.
func (t *Tracker) cached(dispatchID, tenantID string) (DispatchStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[dispatchID]
	if !ok || entry.tenantID != tenantID || time.Since(entry.cachedAt) > cacheTTL {
		return DispatchStatus{}, false
	}
	return entry.value, true
}

func (t *Tracker) setCached(dispatchID, tenantID string, value DispatchStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[dispatchID] = cacheEntry{value: value, tenantID: tenantID, cachedAt: time.Now()}
}

// pollRuntimeStatus describes the worker task on the runtime and maps
// its status to an ExposedStatus. Returns ok=false if the task is
// missing from the runtime (callers fall back to the persisted status).
func (t *Tracker) pollRuntimeStatus(ctx context.Context, taskHandle string) (ExposedStatus, bool) {
	descriptions, err := t.rt.DescribeTasks(ctx, t.cluster, []string{taskHandle})
	if err != nil || len(descriptions) == 0 {
		return "", false
	}
	return mapRuntimeStatus(descriptions[0]), true
}

func mapRuntimeStatus(desc runtime.TaskDescription) ExposedStatus {
	switch desc.LastStatus {
	case "PROVISIONING", "ACTIVATING":
		return StatusProvisioning
	case "PENDING":
		return StatusPending
	case "RUNNING":
		return StatusRunning
	case "STOPPING", "DEACTIVATING", "DEPROVISIONING":
		return StatusCompleting
	case "STOPPED":
		return mapStoppedReason(desc)
	default:
		return StatusRunning
	}
}

func mapStoppedReason(desc runtime.TaskDescription) ExposedStatus {
	reason := strings.ToLower(desc.StoppedReason)
	if strings.Contains(reason, "timeout") || strings.Contains(reason, "essential container") {
		return StatusTimeout
	}
	if strings.Contains(reason, "error") || strings.Contains(reason, "failed") {
		return StatusFailed
	}
	for _, c := range desc.Containers {
		if c.ExitCode != nil && *c.ExitCode != 0 {
			return StatusFailed
		}
	}
	return StatusCompleted
}

func exposedStatusFor(status types.DispatchStatus) ExposedStatus {
	switch status {
	case types.DispatchPending:
		return StatusPending
	case types.DispatchRunning:
		return StatusRunning
	case types.DispatchCompleted:
		return StatusCompleted
	case types.DispatchFailed:
		return StatusFailed
	case types.DispatchTimeout:
		return StatusTimeout
	case types.DispatchCancelled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func isTerminalExposed(status ExposedStatus) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// computeProgress scores [0,100]: terminal states score 100, pending
// scores 0, provisioning scores 2; otherwise the highest checkpoint
// marker found across the most recent progressScanLines log lines is
// combined (by maximum) with an elapsed-time fraction, capped at 95 for
// non-terminal states.
func computeProgress(status ExposedStatus, logs []logstream.Line, startedAt time.Time, timeoutSeconds int) int {
	if isTerminalExposed(status) {
		return 100
	}
	if status == StatusPending {
		return 0
	}
	if status == StatusProvisioning {
		return 2
	}

	markerScore := 0
	scanStart := 0
	if len(logs) > progressScanLines {
		scanStart = len(logs) - progressScanLines
	}
	for _, line := range logs[scanStart:] {
		if v := markerValue(line.Message); v > markerScore {
			markerScore = v
		}
	}

	elapsedScore := 0.0
	if timeoutSeconds > 0 {
		elapsed := time.Since(startedAt).Seconds()
		elapsedScore = math.Min(elapsed/float64(timeoutSeconds)*100*0.3, 95)
	}

	score := math.Max(float64(markerScore), elapsedScore)
	if score > maxNonTerminalProgress {
		score = maxNonTerminalProgress
	}
	return int(score)
}

func markerValue(message string) int {
	best := 0
	for _, marker := range types.ProgressMarkers() {
		if marker.Pattern.MatchString(message) && marker.Value > best {
			best = marker.Value
		}
	}
	return best
}
