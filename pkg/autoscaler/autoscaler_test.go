package autoscaler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost-dispatcher/internal/config"
	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore/boltkv"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime/simrt"
	"github.com/zeroechelon/outpost-dispatcher/internal/secretstore/memsecrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/launcher"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/secrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
	"github.com/zeroechelon/outpost-dispatcher/pkg/warmpool"
)

func newTestAutoscaler(t *testing.T, cfg Config) (*Autoscaler, *warmpool.Manager, *poolrepo.Repository, *dispatchrepo.Repository) {
	t.Helper()
	engine, err := boltkv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	store := memsecrets.New()
	for _, agent := range types.AllAgentKinds() {
		descriptor, ok := types.SecretDescriptorForAgent(agent)
		if ok {
			store.Register(descriptor.Path)
		}
	}
	for _, p := range types.CommonSecretPaths() {
		store.Register(p)
	}

	rt := simrt.New()
	lcfg := config.Load()
	lcfg.WorkerSubnets = []string{"s1", "s2"}
	l := launcher.New(rt, secrets.New(store, nil), lcfg)

	poolRepo := poolrepo.New(engine)
	pool := warmpool.New(poolRepo, l, warmpool.Config{PoolSizePerAgent: 1})
	dispatchRepo := dispatchrepo.New(engine)

	a := New(pool, poolRepo, dispatchRepo, cfg)
	return a, pool, poolRepo, dispatchRepo
}

func TestEvaluateScalesUpOnRealQueueDepth(t *testing.T) {
	a, pool, _, dispatchRepo := newTestAutoscaler(t, Config{
		QueueDepthSource: QueueDepthReal,
		ScaleUpThreshold: 0.5,
		MinPoolSize:      1,
		MaxPoolSize:      10,
	})
	ctx := context.Background()

	pool.WarmPool(ctx, []types.AgentKind{types.AgentClaude})

	for i := 0; i < 5; i++ {
		_, err := dispatchRepo.Create(ctx, "dispatch-"+string(rune('a'+i)), dispatchrepo.CreateInput{
			TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests",
		})
		require.NoError(t, err)
	}

	before := pool.TargetSize(types.AgentClaude)
	a.Evaluate(ctx)
	after := pool.TargetSize(types.AgentClaude)

	assert.Greater(t, after, before)

	history := a.History()
	require.NotEmpty(t, history)
	claudeIdx := -1
	for i, h := range history {
		if h.Agent == types.AgentClaude {
			claudeIdx = i
		}
	}
	require.GreaterOrEqual(t, claudeIdx, 0)
	last := history[claudeIdx]
	assert.Equal(t, "scale_up", last.Action)
	assert.Equal(t, 5, last.QueueDepth)
}

func TestEvaluateNoopsWithinCooldown(t *testing.T) {
	a, pool, _, dispatchRepo := newTestAutoscaler(t, Config{
		QueueDepthSource: QueueDepthReal,
		ScaleUpThreshold: 0.5,
		CooldownMinutes:  30,
	})
	ctx := context.Background()
	pool.WarmPool(ctx, []types.AgentKind{types.AgentClaude})

	for i := 0; i < 5; i++ {
		_, err := dispatchRepo.Create(ctx, "dispatch-"+string(rune('a'+i)), dispatchrepo.CreateInput{
			TenantID: "t1", UserID: "u1", Agent: types.AgentClaude, Task: "run tests",
		})
		require.NoError(t, err)
	}

	a.Evaluate(ctx)
	scaledTo := pool.TargetSize(types.AgentClaude)

	a.Evaluate(ctx)
	assert.Equal(t, scaledTo, pool.TargetSize(types.AgentClaude), "second evaluation within cooldown should not scale again")

	history := a.History()
	require.Len(t, history, 2*len(types.AllAgentKinds()))
}

func TestEvaluateNoopsWithNoDemand(t *testing.T) {
	a, pool, _, _ := newTestAutoscaler(t, Config{QueueDepthSource: QueueDepthReal})
	ctx := context.Background()
	pool.WarmPool(ctx, []types.AgentKind{types.AgentClaude})

	before := pool.TargetSize(types.AgentClaude)
	a.Evaluate(ctx)
	assert.Equal(t, before, pool.TargetSize(types.AgentClaude))
}
