// Package warmpool manages the per-agent warm pool of pre-provisioned
// workers: atomic acquire/release against the pool repository, idle-TTL
// recycling, and the placeholder launches that keep each agent's pool at
// its configured target size. The pool lifecycle loop and autoscaler
// build on top of Manager rather than touching the pool repository
// directly.
package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/launcher"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

// poolWarmSentinel is the literal task text worker init scripts
// recognize as "stand by, do not pick up real work".
const poolWarmSentinel = "pool-warm"

const maxWaitSamples = 64

// Config is the warm pool's sizing and threshold surface.
type Config struct {
	PoolSizePerAgent         int
	IdleTimeoutMinutes       int
	ScaleUpThreshold         float64
	ScaleDownThreshold       float64
	SurfaceNotFoundOnRelease bool
}

// Manager is the warm pool for every agent kind.
type Manager struct {
	repo     *poolrepo.Repository
	launcher *launcher.Launcher
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	targets map[types.AgentKind]int
	samples map[types.AgentKind]*agentSamples
}

type agentSamples struct {
	waitMs         []float64
	acquireTimes   []time.Time
	failedAcquires int64
}

// New creates a Manager backed by repo and launcher, with every agent
// kind's target initialized to cfg.PoolSizePerAgent.
func New(repo *poolrepo.Repository, l *launcher.Launcher, cfg Config) *Manager {
	if cfg.PoolSizePerAgent <= 0 {
		cfg.PoolSizePerAgent = 2
	}
	if cfg.IdleTimeoutMinutes <= 0 {
		cfg.IdleTimeoutMinutes = 15
	}
	m := &Manager{
		repo:     repo,
		launcher: l,
		cfg:      cfg,
		logger:   obslog.WithComponent("warmpool"),
		targets:  make(map[types.AgentKind]int),
		samples:  make(map[types.AgentKind]*agentSamples),
	}
	for _, agent := range types.AllAgentKinds() {
		m.targets[agent] = cfg.PoolSizePerAgent
	}
	return m
}

// TargetSize returns the agent's current target pool size.
func (m *Manager) TargetSize(agent types.AgentKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[agent]
}

// SetTargetSize sets the agent's target pool size, clamped to >= 0.
func (m *Manager) SetTargetSize(agent types.AgentKind, size int) {
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	m.targets[agent] = size
	m.mu.Unlock()
	metrics.PoolTarget.WithLabelValues(string(agent)).Set(float64(size))
}

// AcquireTask pulls one idle entry for agent, atomically marks it
// in_use, and returns it. Returns (nil, nil) when no idle entry is
// available. On a losing race against another acquirer it retries
// exactly once before giving up.
func (m *Manager) AcquireTask(ctx context.Context, agent types.AgentKind) (*types.PoolEntry, error) {
	start := time.Now()
	entry, err := m.acquireAttempt(ctx, agent, 0)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		m.recordFailedAcquire(agent)
		metrics.PoolAcquireTotal.WithLabelValues(string(agent), "miss").Inc()
		return nil, nil
	}
	m.recordWaitSample(agent, time.Since(start))
	metrics.PoolAcquireTotal.WithLabelValues(string(agent), "hit").Inc()
	return entry, nil
}

func (m *Manager) acquireAttempt(ctx context.Context, agent types.AgentKind, attempt int) (*types.PoolEntry, error) {
	idle, err := m.repo.GetIdleTasks(ctx, agent, 1)
	if err != nil {
		return nil, err
	}
	if len(idle) == 0 {
		return nil, nil
	}
	candidate := idle[0]

	if err := m.repo.MarkInUse(ctx, agent, candidate.WorkerHandle); err != nil {
		if apierrors.Is(err, apierrors.NotFound) {
			if attempt < 1 {
				metrics.PoolAcquireTotal.WithLabelValues(string(agent), "contended").Inc()
				return m.acquireAttempt(ctx, agent, attempt+1)
			}
			return nil, nil
		}
		return nil, err
	}

	candidate.Status = types.PoolInUse
	candidate.LastUsedAt = time.Now()
	return &candidate, nil
}

// ReleaseTask returns a worker to the pool: if the agent already has at
// least its target number of idle entries, the released worker is
// terminated instead of kept idle. A not-found condition (the handle was
// already recycled, e.g. by TTL expiry) is swallowed, or surfaced as a
// warning when Config.SurfaceNotFoundOnRelease is set.
func (m *Manager) ReleaseTask(ctx context.Context, agent types.AgentKind, handle string) error {
	idleCount, err := m.repo.CountByAgent(ctx, agent, types.PoolIdle)
	if err != nil {
		return err
	}

	target := m.TargetSize(agent)
	var releaseErr error
	if idleCount >= target {
		releaseErr = m.TerminateTask(ctx, agent, handle, "pool at target idle size")
	} else {
		releaseErr = m.repo.MarkIdle(ctx, agent, handle)
	}

	if releaseErr != nil && apierrors.Is(releaseErr, apierrors.NotFound) {
		if m.cfg.SurfaceNotFoundOnRelease {
			m.logger.Warn().Str("agent", string(agent)).Str("handle", handle).Msg("release observed a missing pool entry")
		} else {
			m.logger.Debug().Str("agent", string(agent)).Str("handle", handle).Msg("release observed a missing pool entry; swallowed")
		}
		return nil
	}
	return releaseErr
}

// TerminateTask marks an entry terminating, stops its worker on the
// runtime (best effort), and deletes the entry.
func (m *Manager) TerminateTask(ctx context.Context, agent types.AgentKind, handle, reason string) error {
	if err := m.repo.MarkTerminating(ctx, agent, handle); err != nil {
		return err
	}
	if err := m.launcher.StopTask(ctx, handle, reason); err != nil {
		m.logger.Warn().Err(err).Str("agent", string(agent)).Str("handle", handle).Msg("failed to stop worker during pool termination")
	}
	if err := m.repo.Delete(ctx, agent, handle); err != nil {
		return err
	}
	metrics.PoolRecycledTotal.WithLabelValues(string(agent), reasonLabel(reason)).Inc()
	return nil
}

// RecycleIdleTasks terminates every idle entry, across every agent, that
// has exceeded the configured idle timeout.
func (m *Manager) RecycleIdleTasks(ctx context.Context) {
	timeout := time.Duration(m.cfg.IdleTimeoutMinutes) * time.Minute
	now := time.Now()

	for _, agent := range types.AllAgentKinds() {
		entries, err := m.repo.ListByAgent(ctx, agent)
		if err != nil {
			m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to list pool entries for recycling")
			continue
		}
		for _, entry := range entries {
			if entry.Status != types.PoolIdle {
				continue
			}
			if now.Sub(entry.LastUsedAt) <= timeout {
				continue
			}
			if err := m.TerminateTask(ctx, agent, entry.WorkerHandle, "idle timeout exceeded"); err != nil {
				m.logger.Error().Err(err).Str("agent", string(agent)).Str("handle", entry.WorkerHandle).Msg("failed to terminate idle entry")
			}
		}
	}
}

// WarmPool provisions max(0, target-idle) placeholder workers for each
// of the given agents (every supported agent when agents is empty).
func (m *Manager) WarmPool(ctx context.Context, agents []types.AgentKind) {
	if len(agents) == 0 {
		agents = types.AllAgentKinds()
	}
	for _, agent := range agents {
		m.ensurePoolSize(ctx, agent, m.TargetSize(agent))
	}
}

// ensurePoolSize tops the agent's idle count up to target by launching
// placeholder workers. Used by WarmPool; the lifecycle loop's
// post-health-check pass uses EnsurePoolSize, which sizes against
// idle+in_use.
func (m *Manager) ensurePoolSize(ctx context.Context, agent types.AgentKind, target int) {
	idle, err := m.repo.CountByAgent(ctx, agent, types.PoolIdle)
	if err != nil {
		m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to count idle pool entries")
		return
	}
	need := target - idle
	for i := 0; i < need; i++ {
		if err := m.provisionOne(ctx, agent); err != nil {
			m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to provision pool placeholder")
		}
	}
}

func (m *Manager) provisionOne(ctx context.Context, agent types.AgentKind) error {
	result, err := m.launcher.LaunchTask(ctx, launcher.LaunchRequest{
		DispatchID:        "pool-warm-" + string(agent),
		Agent:             agent,
		Task:              poolWarmSentinel,
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.WorkspaceInitNone,
		TimeoutSeconds:    3600,
	})
	if err != nil {
		return err
	}
	return m.repo.Create(ctx, types.PoolEntry{
		Agent:        agent,
		WorkerHandle: result.WorkerHandle,
		InstanceType: string(result.Tier),
	})
}

// EnsurePoolSize sizes agent against idle+in_use, used by the lifecycle
// loop after its health-check pass.
func (m *Manager) EnsurePoolSize(ctx context.Context, agent types.AgentKind) {
	idle, err := m.repo.CountByAgent(ctx, agent, types.PoolIdle)
	if err != nil {
		m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to count idle pool entries")
		return
	}
	inUse, err := m.repo.CountByAgent(ctx, agent, types.PoolInUse)
	if err != nil {
		m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to count in-use pool entries")
		return
	}
	target := m.TargetSize(agent)
	need := target - (idle + inUse)
	for i := 0; i < need; i++ {
		if err := m.provisionOne(ctx, agent); err != nil {
			m.logger.Error().Err(err).Str("agent", string(agent)).Msg("failed to provision pool replacement")
		}
	}
}

// AutoScale evaluates and applies the demand-driven scaling rule for
// every agent: scale up on high utilization or acquire rate, scale down
// on low utilization with idle entries above the configured size.
func (m *Manager) AutoScale(ctx context.Context) {
	for _, agent := range types.AllAgentKinds() {
		m.autoScaleAgent(ctx, agent)
	}
}

func (m *Manager) autoScaleAgent(ctx context.Context, agent types.AgentKind) {
	idle, err := m.repo.CountByAgent(ctx, agent, types.PoolIdle)
	if err != nil {
		return
	}
	inUse, err := m.repo.CountByAgent(ctx, agent, types.PoolInUse)
	if err != nil {
		return
	}
	total := idle + inUse
	target := m.TargetSize(agent)

	utilization := 0.0
	if total > 0 {
		utilization = float64(inUse) / float64(total)
	}
	acquireRate := m.recentAcquireRatePerMinute(agent)

	switch {
	case utilization > m.cfg.ScaleUpThreshold || acquireRate > float64(target):
		maxTarget := m.cfg.PoolSizePerAgent * 2
		newTarget := target + 1
		if newTarget > maxTarget {
			newTarget = maxTarget
		}
		if newTarget != target {
			m.SetTargetSize(agent, newTarget)
			metrics.AutoscaleActionsTotal.WithLabelValues(string(agent), "scale_up").Inc()
			m.resetAcquireTracking(agent)
			m.WarmPool(ctx, []types.AgentKind{agent})
		}
	case utilization < m.cfg.ScaleDownThreshold && idle > m.cfg.PoolSizePerAgent:
		excess := idle - m.cfg.PoolSizePerAgent
		m.terminateExcessIdle(ctx, agent, excess)
		metrics.AutoscaleActionsTotal.WithLabelValues(string(agent), "scale_down").Inc()
	}

	metrics.PoolIdle.WithLabelValues(string(agent)).Set(float64(idle))
	metrics.PoolInUse.WithLabelValues(string(agent)).Set(float64(inUse))
}

func (m *Manager) terminateExcessIdle(ctx context.Context, agent types.AgentKind, count int) {
	if count <= 0 {
		return
	}
	entries, err := m.repo.GetIdleTasks(ctx, agent, count)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := m.TerminateTask(ctx, agent, e.WorkerHandle, "autoscale scale-down"); err != nil {
			m.logger.Error().Err(err).Str("agent", string(agent)).Str("handle", e.WorkerHandle).Msg("failed to terminate excess idle entry")
		}
	}
}

func (m *Manager) recordWaitSample(agent types.AgentKind, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.agentSamplesLocked(agent)
	s.waitMs = appendCapped(s.waitMs, float64(d.Milliseconds()), maxWaitSamples)
	s.acquireTimes = append(s.acquireTimes, time.Now())
	if len(s.acquireTimes) > maxWaitSamples {
		s.acquireTimes = s.acquireTimes[len(s.acquireTimes)-maxWaitSamples:]
	}
}

func (m *Manager) recordFailedAcquire(agent types.AgentKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.agentSamplesLocked(agent)
	s.failedAcquires++
}

func (m *Manager) resetAcquireTracking(agent types.AgentKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.agentSamplesLocked(agent)
	s.acquireTimes = nil
}

func (m *Manager) agentSamplesLocked(agent types.AgentKind) *agentSamples {
	s, ok := m.samples[agent]
	if !ok {
		s = &agentSamples{}
		m.samples[agent] = s
	}
	return s
}

// AverageWaitMs returns the average acquire wait time, in milliseconds,
// across the most recent samples for agent (0 if none recorded yet).
func (m *Manager) AverageWaitMs(agent types.AgentKind) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.samples[agent]
	if s == nil || len(s.waitMs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.waitMs {
		sum += v
	}
	return sum / float64(len(s.waitMs))
}

func (m *Manager) recentAcquireRatePerMinute(agent types.AgentKind) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.samples[agent]
	if s == nil || len(s.acquireTimes) == 0 {
		return 0
	}
	cutoff := time.Now().Add(-time.Minute)
	count := 0
	for _, t := range s.acquireTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count)
}

func appendCapped(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func reasonLabel(reason string) string {
	switch reason {
	case "idle timeout exceeded":
		return "idle_timeout"
	case "autoscale scale-down":
		return "scale_down"
	case "pool at target idle size":
		return "release_excess"
	default:
		return "health_check"
	}
}
