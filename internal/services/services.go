// Package services wires every control-plane component into a single
// process-wide registry. The registry is created lazily on first use
// and is safe to initialize concurrently: one caller wins, everyone
// else observes the same instance. No tenant-visible state lives here;
// all authoritative state stays in the kv and object stores.
package services

import (
	"fmt"
	"path/filepath"
	"sync"

	accesspointfs "github.com/zeroechelon/outpost-dispatcher/internal/accesspoint/localfs"
	"github.com/zeroechelon/outpost-dispatcher/internal/config"
	"github.com/zeroechelon/outpost-dispatcher/internal/eventbus/membus"
	"github.com/zeroechelon/outpost-dispatcher/internal/kvstore/boltkv"
	"github.com/zeroechelon/outpost-dispatcher/internal/logsvc/membuf"
	objectfs "github.com/zeroechelon/outpost-dispatcher/internal/objectstore/localfs"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime/simrt"
	"github.com/zeroechelon/outpost-dispatcher/internal/secretstore/memsecrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/audit"
	"github.com/zeroechelon/outpost-dispatcher/pkg/autoscaler"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatcher"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/launcher"
	"github.com/zeroechelon/outpost-dispatcher/pkg/logstream"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poollifecycle"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/secrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/statustracker"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
	"github.com/zeroechelon/outpost-dispatcher/pkg/warmpool"
	"github.com/zeroechelon/outpost-dispatcher/pkg/workspace"
	"github.com/zeroechelon/outpost-dispatcher/pkg/workspacerepo"
)

// Registry holds every wired service instance for the process.
type Registry struct {
	Cfg config.Config

	KV          *boltkv.Store
	Runtime     *simrt.Runtime
	LogSvc      *membuf.Service
	ObjectStore *objectfs.Store
	SecretStore *memsecrets.Store
	Bus         *membus.Bus
	Provisioner *accesspointfs.Provisioner

	DispatchRepo  *dispatchrepo.Repository
	PoolRepo      *poolrepo.Repository
	WorkspaceRepo *workspacerepo.Repository
	Audit         *audit.Logger
	Injector      *secrets.Injector
	Launcher      *launcher.Launcher
	Workspace     *workspace.Service
	Pool          *warmpool.Manager
	Lifecycle     *poollifecycle.Lifecycle
	Autoscaler    *autoscaler.Autoscaler
	Streamer      *logstream.Streamer
	Tracker       *statustracker.Tracker
	Dispatcher    *dispatcher.Dispatcher
}

var (
	mu      sync.Mutex
	current *Registry
)

// Get returns the process-wide registry, building it from cfg on first
// call. Later callers get the already-built instance regardless of the
// cfg they pass; use Reset (tests only) to rebuild with a different
// configuration.
func Get(cfg config.Config) (*Registry, error) {
	mu.Lock()
	defer mu.Unlock()

	if current != nil {
		return current, nil
	}

	reg, err := build(cfg)
	if err != nil {
		return nil, err
	}
	current = reg
	return current, nil
}

// Reset tears down the registry, closing its KV store, so the next Get
// rebuilds it. Tests use it between cases, and the serve command calls
// it at shutdown.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return
	}
	current.Bus.Stop()
	current.Streamer.StopAll()
	_ = current.KV.Close()
	current = nil
}

func build(cfg config.Config) (*Registry, error) {
	kv, err := boltkv.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	objStore, err := objectfs.New(filepath.Join(cfg.DataDir, "objects"))
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open object store: %w", err)
	}

	provisioner, err := accesspointfs.New(filepath.Join(cfg.DataDir, "access-points"))
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open access-point provisioner: %w", err)
	}

	rt := simrt.New()
	logSvc := membuf.New()
	secretStore := memsecrets.New()
	bus := membus.New()

	// The simulated secret store ships with every compile-time
	// descriptor registered so pool warming and dispatches succeed out
	// of the box; a real secret store is populated out-of-band.
	for _, agent := range types.AllAgentKinds() {
		if d, ok := types.SecretDescriptorForAgent(agent); ok {
			secretStore.Register(d.Path)
		}
	}
	for _, p := range types.CommonSecretPaths() {
		secretStore.Register(p)
	}

	dispatchRepo := dispatchrepo.New(kv)
	poolRepo := poolrepo.New(kv)
	workspaceRepo := workspacerepo.New(kv)
	auditLog := audit.New(kv, objStore)
	injector := secrets.New(secretStore, auditLog)
	l := launcher.New(rt, injector, cfg)
	ws := workspace.New(objStore)

	pool := warmpool.New(poolRepo, l, warmpool.Config{
		PoolSizePerAgent:         cfg.PoolSizePerAgent,
		IdleTimeoutMinutes:       cfg.IdleTimeoutMinutes,
		ScaleUpThreshold:         0.8,
		ScaleDownThreshold:       0.2,
		SurfaceNotFoundOnRelease: cfg.SurfaceNotFoundOnRelease,
	})
	lifecycle := poollifecycle.New(pool, poolRepo, rt, poollifecycle.Config{
		HealthCheckIntervalSeconds: cfg.HealthCheckIntervalSeconds,
		WarmOnStart:                cfg.WarmOnStart,
		IdleTimeoutMinutes:         cfg.IdleTimeoutMinutes,
		ClusterHandle:              cfg.ClusterHandle,
	})

	queueDepthSource := autoscaler.QueueDepthHeuristic
	if cfg.UseQueueDepthMetric {
		queueDepthSource = autoscaler.QueueDepthReal
	}
	scaler := autoscaler.New(pool, poolRepo, dispatchRepo, autoscaler.Config{
		EvaluationIntervalSeconds: cfg.AutoscaleEvaluationIntervalSeconds,
		CooldownMinutes:           cfg.AutoscaleCooldownMinutes,
		ScaleUpThreshold:          cfg.AutoscaleScaleUpThreshold,
		ScaleDownThreshold:        cfg.AutoscaleScaleDownThreshold,
		ScaleDownDelayMinutes:     cfg.AutoscaleScaleDownDelayMinutes,
		MinPoolSize:               cfg.AutoscaleMinPoolSize,
		MaxPoolSize:               cfg.AutoscaleMaxPoolSize,
		QueueDepthSource:          queueDepthSource,
	})

	streamer := logstream.New(logSvc, logstream.RateLimiterConfig{
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
	}, cfg.LogPollingInterval)
	tracker := statustracker.New(dispatchRepo, rt, streamer, cfg.ClusterHandle)

	disp := dispatcher.New(dispatchRepo, poolRepo, l, pool, tracker, streamer, bus, auditLog, workspaceRepo, provisioner)

	return &Registry{
		Cfg:           cfg,
		KV:            kv,
		Runtime:       rt,
		LogSvc:        logSvc,
		ObjectStore:   objStore,
		SecretStore:   secretStore,
		Bus:           bus,
		Provisioner:   provisioner,
		DispatchRepo:  dispatchRepo,
		PoolRepo:      poolRepo,
		WorkspaceRepo: workspaceRepo,
		Audit:         auditLog,
		Injector:      injector,
		Launcher:      l,
		Workspace:     ws,
		Pool:          pool,
		Lifecycle:     lifecycle,
		Autoscaler:    scaler,
		Streamer:      streamer,
		Tracker:       tracker,
		Dispatcher:    disp,
	}, nil
}
