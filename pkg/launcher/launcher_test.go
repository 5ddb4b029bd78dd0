package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/config"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime/simrt"
	"github.com/zeroechelon/outpost-dispatcher/internal/secretstore/memsecrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/secrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

func newTestLauncher(t *testing.T) (*Launcher, *simrt.Runtime) {
	t.Helper()
	store := memsecrets.New()
	descriptor, _ := types.SecretDescriptorForAgent(types.AgentClaude)
	store.Register(descriptor.Path)
	for _, p := range types.CommonSecretPaths() {
		store.Register(p)
	}

	rt := simrt.New()
	cfg := config.Load()
	cfg.WorkerSubnets = []string{"s1", "s2", "s3"}

	l := New(rt, secrets.New(store, nil), cfg)
	l.sleep = func(time.Duration) {} // skip real back-off in tests
	return l, rt
}

func TestLaunchTaskSucceedsOnFirstAttempt(t *testing.T) {
	l, rt := newTestLauncher(t)

	result, err := l.LaunchTask(context.Background(), LaunchRequest{
		DispatchID:        "d1",
		TenantID:          "t1",
		Agent:             types.AgentClaude,
		Task:              "run tests",
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.WorkspaceInitFull,
		TimeoutSeconds:    600,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.WorkerHandle)
	assert.Equal(t, types.TierFlagship, result.Tier)
	assert.Equal(t, int64(1), rt.LaunchCount())
}

func TestLaunchTaskRetriesCapacityFailuresWithSubnetRotation(t *testing.T) {
	l, rt := newTestLauncher(t)
	rt.FailNextLaunches(2)

	result, err := l.LaunchTask(context.Background(), LaunchRequest{
		DispatchID:        "d1",
		TenantID:          "t1",
		Agent:             types.AgentClaude,
		Task:              "run tests",
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.WorkspaceInitFull,
		TimeoutSeconds:    600,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), rt.LaunchCount())
	assert.Equal(t, "s3", rt.SubnetFor(result.WorkerHandle))
}

func TestLaunchTaskExhaustsRetriesAsServiceUnavailable(t *testing.T) {
	l, rt := newTestLauncher(t)
	rt.FailNextLaunches(10)

	_, err := l.LaunchTask(context.Background(), LaunchRequest{
		DispatchID:        "d1",
		TenantID:          "t1",
		Agent:             types.AgentClaude,
		Task:              "run tests",
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.WorkspaceInitFull,
		TimeoutSeconds:    600,
	})

	assert.True(t, apierrors.Is(err, apierrors.ServiceUnavailable))
	assert.Equal(t, int64(3), rt.LaunchCount())
}

func TestVerifyTaskRunning(t *testing.T) {
	l, rt := newTestLauncher(t)
	result, err := l.LaunchTask(context.Background(), LaunchRequest{
		DispatchID:        "d1",
		TenantID:          "t1",
		Agent:             types.AgentClaude,
		Task:              "run tests",
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.WorkspaceInitFull,
		TimeoutSeconds:    600,
	})
	require.NoError(t, err)

	alive, err := l.VerifyTaskRunning(context.Background(), result.WorkerHandle)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, l.StopTask(context.Background(), result.WorkerHandle, "test stop"))

	alive, err = l.VerifyTaskRunning(context.Background(), result.WorkerHandle)
	require.NoError(t, err)
	assert.False(t, alive)

	_ = rt
}
