// Package autoscaler runs the pool's independent demand-driven scaling
// tick: per agent, it estimates queue depth, applies a cooldown, and
// scales the warm pool's target size up immediately or down after a
// sustained low-utilization delay.
package autoscaler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/dispatchrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
	"github.com/zeroechelon/outpost-dispatcher/pkg/poolrepo"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
	"github.com/zeroechelon/outpost-dispatcher/pkg/warmpool"
)

const maxHistory = 100

// QueueDepthSource selects how the autoscaler estimates demand.
type QueueDepthSource string

const (
	// QueueDepthReal counts PENDING dispatch records for the agent.
	QueueDepthReal QueueDepthSource = "real"
	// QueueDepthHeuristic falls back to ceil(avgWaitMs/1000) when the
	// pool is fully saturated (idle=0, in_use=total).
	QueueDepthHeuristic QueueDepthSource = "heuristic"
)

// Config is the autoscaler's tuning surface.
type Config struct {
	EvaluationIntervalSeconds int
	CooldownMinutes           int
	ScaleUpThreshold          float64
	ScaleDownThreshold        float64
	ScaleDownDelayMinutes     int
	MinPoolSize               int
	MaxPoolSize               int

	// QueueDepthSource picks the real-counter path or the in-process
	// wait-time heuristic as a floor. Both paths are implemented and
	// selected explicitly by configuration.
	QueueDepthSource QueueDepthSource
}

// Outcome is one recorded autoscale decision, kept in a rolling history.
type Outcome struct {
	Agent     types.AgentKind
	Action    string // scale_up, scale_down, noop
	OldTarget int
	NewTarget int
	QueueDepth int
	Utilization float64
	At        time.Time
}

// Autoscaler evaluates and applies the scaling rule on its own tick,
// independent of the pool lifecycle's health-check loop.
type Autoscaler struct {
	pool        *warmpool.Manager
	poolRepo    *poolrepo.Repository
	dispatchRepo *dispatchrepo.Repository
	cfg         Config
	logger      zerolog.Logger

	mu             sync.Mutex
	lastAction     map[types.AgentKind]time.Time
	scaleDownSince map[types.AgentKind]time.Time
	history        []Outcome

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Autoscaler driving pool's target sizes.
func New(pool *warmpool.Manager, poolRepo *poolrepo.Repository, dispatchRepo *dispatchrepo.Repository, cfg Config) *Autoscaler {
	if cfg.EvaluationIntervalSeconds <= 0 {
		cfg.EvaluationIntervalSeconds = 30
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 5
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = 2.0
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = 0.5
	}
	if cfg.ScaleDownDelayMinutes <= 0 {
		cfg.ScaleDownDelayMinutes = 10
	}
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = 1
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 10
	}
	if cfg.QueueDepthSource == "" {
		cfg.QueueDepthSource = QueueDepthHeuristic
	}
	return &Autoscaler{
		pool:           pool,
		poolRepo:       poolRepo,
		dispatchRepo:   dispatchRepo,
		cfg:            cfg,
		logger:         obslog.WithComponent("autoscaler"),
		lastAction:     make(map[types.AgentKind]time.Time),
		scaleDownSince: make(map[types.AgentKind]time.Time),
	}
}

// Start launches the evaluation tick on its own ticker.
func (a *Autoscaler) Start() {
	a.mu.Lock()
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	stopCh := a.stopCh
	doneCh := a.doneCh
	a.mu.Unlock()

	go a.run(stopCh, doneCh)
}

// Stop halts the evaluation tick.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	stopCh := a.stopCh
	doneCh := a.doneCh
	a.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

func (a *Autoscaler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(time.Duration(a.cfg.EvaluationIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Evaluate(context.Background())
		case <-stopCh:
			return
		}
	}
}

// Evaluate runs one scaling pass over every agent kind.
func (a *Autoscaler) Evaluate(ctx context.Context) {
	for _, agent := range types.AllAgentKinds() {
		a.evaluateAgent(ctx, agent)
	}
}

func (a *Autoscaler) evaluateAgent(ctx context.Context, agent types.AgentKind) {
	idle, err := a.poolRepo.CountByAgent(ctx, agent, types.PoolIdle)
	if err != nil {
		return
	}
	inUse, err := a.poolRepo.CountByAgent(ctx, agent, types.PoolInUse)
	if err != nil {
		return
	}
	total := idle + inUse
	current := a.pool.TargetSize(agent)

	utilization := 0.0
	if total > 0 {
		utilization = float64(inUse) / float64(total)
	}

	queueDepth := a.queueDepth(ctx, agent, idle, inUse, total)

	if a.inCooldown(agent) {
		a.record(agent, "noop", current, current, queueDepth, utilization)
		return
	}

	denom := total
	if denom < 1 {
		denom = 1
	}
	if float64(queueDepth)/float64(denom) > a.cfg.ScaleUpThreshold {
		newTarget := clamp(maxInt(ceilDiv(queueDepth, int(math.Max(a.cfg.ScaleUpThreshold, 1))), current+1), a.cfg.MinPoolSize, a.cfg.MaxPoolSize)
		a.applyScaleUp(ctx, agent, current, newTarget, queueDepth, utilization)
		return
	}

	if total > 0 && float64(idle)/float64(total) > a.cfg.ScaleDownThreshold && current > a.cfg.MinPoolSize {
		a.mu.Lock()
		since, tracking := a.scaleDownSince[agent]
		if !tracking {
			a.scaleDownSince[agent] = time.Now()
			a.mu.Unlock()
			a.record(agent, "noop", current, current, queueDepth, utilization)
			return
		}
		held := time.Since(since)
		a.mu.Unlock()

		if held >= time.Duration(a.cfg.ScaleDownDelayMinutes)*time.Minute {
			newTarget := current - 1
			a.mu.Lock()
			delete(a.scaleDownSince, agent)
			a.mu.Unlock()
			a.applyScaleDown(ctx, agent, current, newTarget, idle, queueDepth, utilization)
			return
		}
		a.record(agent, "noop", current, current, queueDepth, utilization)
		return
	}

	a.mu.Lock()
	delete(a.scaleDownSince, agent)
	a.mu.Unlock()
	a.record(agent, "noop", current, current, queueDepth, utilization)
}

func (a *Autoscaler) applyScaleUp(ctx context.Context, agent types.AgentKind, current, newTarget, queueDepth int, utilization float64) {
	a.pool.SetTargetSize(agent, newTarget)
	a.pool.WarmPool(ctx, []types.AgentKind{agent})
	a.touchCooldown(agent)
	a.mu.Lock()
	delete(a.scaleDownSince, agent)
	a.mu.Unlock()
	metrics.AutoscaleActionsTotal.WithLabelValues(string(agent), "scale_up").Inc()
	a.record(agent, "scale_up", current, newTarget, queueDepth, utilization)
}

func (a *Autoscaler) applyScaleDown(ctx context.Context, agent types.AgentKind, current, newTarget, idle, queueDepth int, utilization float64) {
	a.pool.SetTargetSize(agent, newTarget)
	excess := idle - newTarget
	if excess > 0 {
		entries, err := a.poolRepo.GetIdleTasks(ctx, agent, excess)
		if err == nil {
			for _, e := range entries {
				if err := a.poolRepo.MarkTerminating(ctx, agent, e.WorkerHandle); err != nil {
					a.logger.Error().Err(err).Str("agent", string(agent)).Str("handle", e.WorkerHandle).Msg("failed to mark excess idle entry terminating")
				}
			}
		}
	}
	a.touchCooldown(agent)
	metrics.AutoscaleActionsTotal.WithLabelValues(string(agent), "scale_down").Inc()
	a.record(agent, "scale_down", current, newTarget, queueDepth, utilization)
}

func (a *Autoscaler) queueDepth(ctx context.Context, agent types.AgentKind, idle, inUse, total int) int {
	if a.cfg.QueueDepthSource == QueueDepthReal && a.dispatchRepo != nil {
		if count, err := a.dispatchRepo.CountPendingByAgent(ctx, agent); err == nil {
			return count
		}
	}
	if idle == 0 && total > 0 && inUse == total {
		avgWaitMs := a.pool.AverageWaitMs(agent)
		return int(math.Ceil(avgWaitMs / 1000))
	}
	return 0
}

func (a *Autoscaler) inCooldown(agent types.AgentKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastAction[agent]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(a.cfg.CooldownMinutes)*time.Minute
}

func (a *Autoscaler) touchCooldown(agent types.AgentKind) {
	a.mu.Lock()
	a.lastAction[agent] = time.Now()
	a.mu.Unlock()
}

func (a *Autoscaler) record(agent types.AgentKind, action string, oldTarget, newTarget, queueDepth int, utilization float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, Outcome{
		Agent: agent, Action: action, OldTarget: oldTarget, NewTarget: newTarget,
		QueueDepth: queueDepth, Utilization: utilization, At: time.Now(),
	})
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
}

// History returns a copy of the rolling outcome history (most recent
// last), capped at 100 entries.
func (a *Autoscaler) History() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Outcome, len(a.history))
	copy(out, a.history)
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		b = 1
	}
	return int(math.Ceil(float64(a) / float64(b)))
}
