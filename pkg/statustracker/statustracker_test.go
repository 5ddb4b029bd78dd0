package statustracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore/boltkv"
	"github.com/zeroechelon/outpost-dispatcher/internal/logsvc/membuf"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime/simrt"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/logstream"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, *dispatchrepo.Repository, *simrt.Runtime, *membuf.Service) {
	t.Helper()
	engine, err := boltkv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	repo := dispatchrepo.New(engine)
	rt := simrt.New()
	logSvc := membuf.New()
	streamer := logstream.New(logSvc, logstream.RateLimiterConfig{Requests: 1000, Window: time.Second}, time.Millisecond)
	tracker := New(repo, rt, streamer, "test-cluster")
	return tracker, repo, rt, logSvc
}

func TestGetStatusFallsBackToPersistedStatusWhenNoTaskHandle(t *testing.T) {
	tracker, repo, _, _ := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	status, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
	assert.Equal(t, 0, status.Progress)
}

func TestGetStatusPollsRuntimeWhenTaskHandlePresent(t *testing.T) {
	tracker, repo, rt, _ := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	result, err := rt.RunTask(ctx, runtime.RunTaskRequest{Cluster: "test-cluster"})
	require.NoError(t, err)

	updated, err := repo.UpdateStatus(ctx, record.DispatchID, types.DispatchRunning, record.Version, dispatchrepo.UpdateExtras{TaskHandle: result.WorkerHandle})
	require.NoError(t, err)
	_ = updated

	status, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)
}

func TestGetStatusCachesWithinTTL(t *testing.T) {
	tracker, repo, _, _ := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	first, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID})
	require.NoError(t, err)

	_, err = repo.MarkFailed(ctx, record.DispatchID, record.Version, "boom")
	require.NoError(t, err)

	second, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID})
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status, "cached read should not observe the just-made change")
}

func TestGetStatusReportsCompletedAsFullProgress(t *testing.T) {
	tracker, repo, _, _ := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	_, err = repo.MarkCompleted(ctx, record.DispatchID, record.Version, "s3://bucket/artifacts")
	require.NoError(t, err)

	status, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, "s3://bucket/artifacts", status.ArtifactsURL)
}

func TestGetStatusFetchesLogsUnlessSkipped(t *testing.T) {
	tracker, repo, _, logSvc := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)
	logSvc.Append("/outpost/agents/"+string(types.AgentClaude), record.DispatchID, time.Now().UnixMilli(), "hello from worker")

	withLogs, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID, LogOffset: "x"})
	require.NoError(t, err)
	require.Len(t, withLogs.Logs, 1)

	skipped, err := tracker.GetStatus(ctx, StatusRequest{TenantID: "t1", DispatchID: record.DispatchID, SkipLogs: true})
	require.NoError(t, err)
	assert.Empty(t, skipped.Logs)
}

func TestGetStatusRefusesCrossTenantRead(t *testing.T) {
	tracker, repo, _, _ := newTestTracker(t)
	ctx := context.Background()

	record, err := repo.Create(ctx, "d1", dispatchrepo.CreateInput{
		TenantID: "tenant-a", UserID: "u1", Agent: types.AgentClaude, Task: "run tests", TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	_, err = tracker.GetStatus(ctx, StatusRequest{TenantID: "tenant-b", DispatchID: record.DispatchID})
	assert.True(t, apierrors.Is(err, apierrors.NotFound))

	// A cached view from the owner must not leak to another tenant.
	_, err = tracker.GetStatus(ctx, StatusRequest{TenantID: "tenant-a", DispatchID: record.DispatchID})
	require.NoError(t, err)
	_, err = tracker.GetStatus(ctx, StatusRequest{TenantID: "tenant-b", DispatchID: record.DispatchID})
	assert.True(t, apierrors.Is(err, apierrors.NotFound))
}
