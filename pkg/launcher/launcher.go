// Package launcher launches workers on the container runtime, retrying
// capacity failures with linear back-off and subnet rotation, and
// exposes liveness checks and graceful stop.
package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/zeroechelon/outpost-dispatcher/internal/config"
	"github.com/zeroechelon/outpost-dispatcher/internal/runtime"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/secrets"
	"github.com/zeroechelon/outpost-dispatcher/pkg/taskselect"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const maxLaunchAttempts = 3

// ResourceConstraints are the caller-supplied overrides bounding worker
// resources; zero values mean "use the tier default".
type ResourceConstraints struct {
	MaxMemoryMb int
	MaxCPUUnits int
	MaxDiskGb   int
}

// LaunchRequest is the input to LaunchTask.
type LaunchRequest struct {
	DispatchID        string
	TenantID          string
	UserID            string
	Agent             types.AgentKind
	ModelID           string
	Task              string
	WorkspaceMode     types.WorkspaceMode
	WorkspaceID       string
	WorkspaceInitMode types.WorkspaceInitMode
	TimeoutSeconds    int
	RepoURL           string
	Resources         ResourceConstraints
	ExtraSecretPaths  []string
	// AdditionalSecrets are caller-supplied key/value entries processed
	// through the injector: GITHUB_TOKEN becomes git credentials, the
	// rest become worker environment entries.
	AdditionalSecrets map[string]string
}

// LaunchResult is the output of a successful LaunchTask.
type LaunchResult struct {
	WorkerHandle string
	StartedAt    time.Time
	ModelID      string
	Tier         types.Tier
}

// Launcher launches and stops workers on a container runtime.
type Launcher struct {
	rt       runtime.Runtime
	injector *secrets.Injector
	cfg      config.Config
	sleep    func(time.Duration) // overridable for tests
}

// New creates a Launcher backed by rt and injector, using cfg for the
// cluster handle, region, output bucket, and worker subnet list.
func New(rt runtime.Runtime, injector *secrets.Injector, cfg config.Config) *Launcher {
	return &Launcher{rt: rt, injector: injector, cfg: cfg, sleep: time.Sleep}
}

// LaunchTask selects a task definition, validates secrets, builds the
// environment, and issues a RunTask request against the container
// runtime, retrying capacity failures up to 3 times with linear back-off
// (2s * attempt) and cyclic subnet rotation.
func (l *Launcher) LaunchTask(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	def, err := taskselect.SelectTaskDefinition(req.Agent, req.ModelID)
	if err != nil {
		return LaunchResult{}, err
	}

	if _, err := l.injector.BuildContainerSecrets(ctx, req.Agent, req.TenantID, req.ExtraSecretPaths); err != nil {
		return LaunchResult{}, err
	}

	env := l.buildEnv(req, def)
	if len(req.AdditionalSecrets) > 0 {
		// The workspace lives inside the worker container, so no path is
		// available at launch time; git credentials travel as an env
		// entry the worker init places on disk.
		processed, err := l.injector.ProcessAdditionalSecrets(ctx, req.DispatchID, req.TenantID, req.AdditionalSecrets, "")
		if err != nil {
			return LaunchResult{}, err
		}
		for k, v := range processed.Env {
			env[k] = v
		}
	}
	cpu, memMb, _ := effectiveResources(req.Resources, def)

	subnets := l.cfg.WorkerSubnets
	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		runReq := runtime.RunTaskRequest{
			TaskDefinition: def.TaskDefHandle,
			Cluster:        l.cfg.ClusterHandle,
			Network: runtime.NetworkConfig{
				Subnets:        rotate(subnets, attempt-1),
				SecurityGroups: []string{l.cfg.WorkerSecurityGroup},
				AssignPublicIP: false,
			},
			Container: runtime.ContainerOverride{
				Env:         env,
				CPUUnits:    cpu,
				MemoryMb:    memMb,
				EphemeralGb: req.Resources.MaxDiskGb,
			},
			Tags: map[string]string{
				"dispatchId":  req.DispatchID,
				"agent":       string(req.Agent),
				"tenantId":    req.TenantID,
				"environment": "production",
			},
		}

		result, err := l.rt.RunTask(ctx, runReq)
		if err == nil {
			return LaunchResult{
				WorkerHandle: result.WorkerHandle,
				StartedAt:    time.Now(),
				ModelID:      def.ModelID,
				Tier:         def.Tier,
			}, nil
		}

		lastErr = err
		if !runtime.IsCapacityFailure(err.Error()) {
			return LaunchResult{}, apierrors.NewServiceUnavailable("worker launch failed: %v", err)
		}

		if attempt < maxLaunchAttempts {
			l.sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	return LaunchResult{}, apierrors.NewServiceUnavailable("worker launch exhausted retries").
		WithField("attempts", maxLaunchAttempts).
		WithField("lastReason", fmt.Sprint(lastErr))
}

// VerifyTaskRunning reports whether the runtime considers workerHandle
// alive (PROVISIONING, PENDING, or RUNNING).
func (l *Launcher) VerifyTaskRunning(ctx context.Context, workerHandle string) (bool, error) {
	descriptions, err := l.rt.DescribeTasks(ctx, l.cfg.ClusterHandle, []string{workerHandle})
	if err != nil {
		return false, err
	}
	if len(descriptions) == 0 {
		return false, nil
	}
	switch descriptions[0].LastStatus {
	case "PROVISIONING", "PENDING", "RUNNING":
		return true, nil
	default:
		return false, nil
	}
}

// StopTask stops workerHandle on the container runtime with reason.
func (l *Launcher) StopTask(ctx context.Context, workerHandle, reason string) error {
	return l.rt.StopTask(ctx, l.cfg.ClusterHandle, workerHandle, reason)
}

func (l *Launcher) buildEnv(req LaunchRequest, def taskselect.TaskDefinition) map[string]string {
	env := map[string]string{
		"DISPATCH_ID":         req.DispatchID,
		"AGENT_TYPE":          string(req.Agent),
		"MODEL_ID":            def.ModelID,
		"TASK":                req.Task,
		"WORKSPACE_MODE":      string(req.WorkspaceMode),
		"WORKSPACE_INIT_MODE": string(req.WorkspaceInitMode),
		"TIMEOUT_SECONDS":     fmt.Sprint(req.TimeoutSeconds),
		"OUTPUT_BUCKET":       l.cfg.OutputBucket,
		"USER_ID":             req.UserID,
		"REGION":              l.cfg.Region,
		"ENVIRONMENT":         "production",
	}
	if req.RepoURL != "" {
		env["REPO_URL"] = req.RepoURL
	}
	if req.WorkspaceID != "" {
		env["WORKSPACE_ID"] = req.WorkspaceID
	}
	return env
}

func effectiveResources(c ResourceConstraints, def taskselect.TaskDefinition) (cpu, memMb, diskGb int) {
	cpu = def.CPUUnits
	if c.MaxCPUUnits > 0 {
		cpu = c.MaxCPUUnits
	}
	memMb = def.MemoryMb
	if c.MaxMemoryMb > 0 {
		memMb = c.MaxMemoryMb
	}
	diskGb = c.MaxDiskGb
	return
}

// rotate cyclically shifts subnets left by n positions so each retry
// attempt targets a different leading availability zone.
func rotate(subnets []string, n int) []string {
	if len(subnets) == 0 {
		return subnets
	}
	n = n % len(subnets)
	out := make([]string, len(subnets))
	copy(out, subnets[n:])
	copy(out[len(subnets)-n:], subnets[:n])
	return out
}
