// Package runtime defines the abstract container-runtime contract the
// worker launcher and pool lifecycle poll: run a task, describe its
// current status, and stop it. Capacity exhaustion is reported through a
// structured reason string rather than a distinct error type, mirroring
// how the underlying orchestrators report it.
package runtime

import (
	"context"
	"strings"
)

// NetworkConfig restricts a launched worker to private subnets with no
// public IP, rotated across retries for capacity-failure avoidance.
type NetworkConfig struct {
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// ContainerOverride carries the per-launch environment and resource
// overrides applied to the worker's single container.
type ContainerOverride struct {
	Env         map[string]string
	CPUUnits    int
	MemoryMb    int
	EphemeralGb int
}

// RunTaskRequest is the input to RunTask.
type RunTaskRequest struct {
	TaskDefinition string
	Cluster        string
	Network        NetworkConfig
	Container      ContainerOverride
	Tags           map[string]string
	EnableExec     bool
}

// RunTaskResult is the output of a successful RunTask.
type RunTaskResult struct {
	WorkerHandle string
	ClusterID    string
}

// ContainerStatus is the last-observed status of a single container
// within a task.
type ContainerStatus struct {
	Name       string
	LastStatus string
	ExitCode   *int
	Reason     string
}

// TaskDescription is the last-observed status of a worker task.
type TaskDescription struct {
	Handle        string
	LastStatus    string
	Containers    []ContainerStatus
	StoppedReason string
}

// Runtime is the abstract container orchestrator the control plane
// launches, polls, and stops workers through.
type Runtime interface {
	RunTask(ctx context.Context, req RunTaskRequest) (RunTaskResult, error)
	DescribeTasks(ctx context.Context, cluster string, handles []string) ([]TaskDescription, error)
	StopTask(ctx context.Context, cluster, handle, reason string) error
}

// IsCapacityFailure reports whether a runtime error reason indicates a
// transient capacity shortfall that the launcher should retry (with
// subnet rotation) rather than fail immediately.
func IsCapacityFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range []string{
		"resource:capacity",
		"insufficient capacity",
		"capacity is unavailable",
		"capacity_not_available",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
