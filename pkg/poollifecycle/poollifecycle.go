// Package poollifecycle runs the warm pool's background health-check
// loop: pre-warming on startup, periodically checking every non-
// terminating entry's idle TTL and runtime health, replacing anything
// unhealthy, and topping each agent's pool back up to its target size.
package poollifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
	"github.com/zeroechelon/outpost-dispatcher/pkg/warmpool"
)

// Config is the lifecycle loop's timing surface.
type Config struct {
	HealthCheckIntervalSeconds int
	WarmOnStart                bool
	IdleTimeoutMinutes         int
	ClusterHandle              string
}

// Lifecycle owns the pool's periodic health-check cycle.
type Lifecycle struct {
	pool   *warmpool.Manager
	repo   *poolrepo.Repository
	rt     runtime.Runtime
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	shuttingDown bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New creates a Lifecycle driving pool through repo and rt.
func New(pool *warmpool.Manager, repo *poolrepo.Repository, rt runtime.Runtime, cfg Config) *Lifecycle {
	if cfg.HealthCheckIntervalSeconds <= 0 {
		cfg.HealthCheckIntervalSeconds = 60
	}
	return &Lifecycle{pool: pool, repo: repo, rt: rt, cfg: cfg, logger: obslog.WithComponent("poollifecycle")}
}

// Start pre-warms (if configured) and launches the background health
// loop on its own ticker.
func (l *Lifecycle) Start(ctx context.Context) {
	if l.cfg.WarmOnStart {
		l.pool.WarmPool(ctx, nil)
	}

	l.mu.Lock()
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()

	go l.run(stopCh, doneCh)
}

func (l *Lifecycle) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(time.Duration(l.cfg.HealthCheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.healthCheckCycle(context.Background())
		case <-stopCh:
			return
		}
	}
}

// DrainPool sets shuttingDown, stops the health interval, and terminates
// every idle entry across every agent. In-use entries are left alone to
// complete their current dispatch.
func (l *Lifecycle) DrainPool(ctx context.Context) {
	l.mu.Lock()
	l.shuttingDown = true
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	for _, agent := range types.AllAgentKinds() {
		entries, err := l.repo.ListByAgent(ctx, agent)
		if err != nil {
			l.logger.Error().Err(err).Str("agent", string(agent)).Msg("drain: failed to list pool entries")
			continue
		}
		for _, entry := range entries {
			if entry.Status != types.PoolIdle {
				continue
			}
			if err := l.pool.TerminateTask(ctx, agent, entry.WorkerHandle, "pool draining"); err != nil {
				l.logger.Error().Err(err).Str("agent", string(agent)).Str("handle", entry.WorkerHandle).Msg("drain: failed to terminate idle entry")
			}
		}
	}
}

// ShuttingDown reports whether DrainPool has been invoked.
func (l *Lifecycle) ShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuttingDown
}

func (l *Lifecycle) healthCheckCycle(ctx context.Context) {
	for _, agent := range types.AllAgentKinds() {
		l.healthCheckAgent(ctx, agent)
		l.pool.EnsurePoolSize(ctx, agent)
	}
}

func (l *Lifecycle) healthCheckAgent(ctx context.Context, agent types.AgentKind) {
	entries, err := l.repo.ListByAgent(ctx, agent)
	if err != nil {
		l.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to list pool entries")
		return
	}

	idleTimeout := time.Duration(l.cfg.IdleTimeoutMinutes) * time.Minute
	now := time.Now()

	for _, entry := range entries {
		if entry.Status == types.PoolTerminating {
			continue
		}

		if entry.Status == types.PoolIdle && now.Sub(entry.LastUsedAt) > idleTimeout {
			l.replace(ctx, agent, entry.WorkerHandle, "idle timeout exceeded")
			continue
		}

		healthy, reason := l.describeHealth(ctx, entry.WorkerHandle)
		if !healthy {
			l.replace(ctx, agent, entry.WorkerHandle, reason)
		}
	}
}

func (l *Lifecycle) replace(ctx context.Context, agent types.AgentKind, handle, reason string) {
	if err := l.pool.TerminateTask(ctx, agent, handle, reason); err != nil {
		l.logger.Error().Err(err).Str("agent", string(agent)).Str("handle", handle).Msg("failed to terminate pool entry during health check")
	}
}

// describeHealth polls the runtime for handle's current status and maps
// it to a healthy/unhealthy verdict. RUNNING/PENDING/PROVISIONING with no
// stopped container are healthy; a stopped container, a stopped task, or
// a task missing from the runtime are unhealthy.
func (l *Lifecycle) describeHealth(ctx context.Context, handle string) (bool, string) {
	descriptions, err := l.rt.DescribeTasks(ctx, l.cfg.ClusterHandle, []string{handle})
	if err != nil {
		return false, "describe failed: " + err.Error()
	}
	if len(descriptions) == 0 {
		return false, "Task not found"
	}

	task := descriptions[0]
	for _, c := range task.Containers {
		if strings.EqualFold(c.LastStatus, "STOPPED") {
			return false, "container stopped: " + c.Reason
		}
	}

	switch task.LastStatus {
	case "RUNNING", "PENDING", "PROVISIONING":
		return true, ""
	default:
		return false, "unhealthy task status: " + task.LastStatus
	}
}
