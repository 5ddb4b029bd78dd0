// Package simrt is an in-memory simulated container runtime: it mints
// worker handles, tracks their lifecycle in memory, and lets tests
// inject capacity failures and inspect which subnet a launch targeted.
// It exists so the control plane always runs against a real, exercised
// runtime.Runtime instead of a stub; a production deployment swaps this
// for the cloud container orchestrator behind the same interface.
package simrt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zeroechelon/outpost-dispatcher/internal/runtime"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
)

type task struct {
	handle        string
	cluster       string
	lastStatus    string
	stoppedReason string
	subnet        string
}

// Runtime is a simulated runtime.Runtime backed by an in-memory map.
type Runtime struct {
	mu    sync.Mutex
	tasks map[string]*task

	// capacityFailuresRemaining, when > 0, makes the next RunTask calls
	// fail with a capacity reason and decrements the counter. Tests use
	// this to exercise the launcher's capacity-retry-with-subnet-rotation
	// path.
	capacityFailuresRemaining int32

	launchCount int64
}

// New creates an empty simulated runtime.
func New() *Runtime {
	return &Runtime{tasks: make(map[string]*task)}
}

// FailNextLaunches makes the next n RunTask calls fail with a capacity
// reason, after which launches succeed normally.
func (r *Runtime) FailNextLaunches(n int) {
	atomic.StoreInt32(&r.capacityFailuresRemaining, int32(n))
}

// LaunchCount reports how many RunTask calls have been attempted,
// including ones that failed with a capacity reason.
func (r *Runtime) LaunchCount() int64 {
	return atomic.LoadInt64(&r.launchCount)
}

func (r *Runtime) RunTask(ctx context.Context, req runtime.RunTaskRequest) (runtime.RunTaskResult, error) {
	atomic.AddInt64(&r.launchCount, 1)

	if atomic.LoadInt32(&r.capacityFailuresRemaining) > 0 {
		atomic.AddInt32(&r.capacityFailuresRemaining, -1)
		return runtime.RunTaskResult{}, fmt.Errorf("RESOURCE:CAPACITY: insufficient capacity in subnet %s", firstSubnet(req.Network.Subnets))
	}

	handle := "task/" + req.Cluster + "/" + uuid.NewString()

	r.mu.Lock()
	r.tasks[handle] = &task{
		handle:     handle,
		cluster:    req.Cluster,
		lastStatus: "RUNNING",
		subnet:     firstSubnet(req.Network.Subnets),
	}
	r.mu.Unlock()

	return runtime.RunTaskResult{WorkerHandle: handle, ClusterID: req.Cluster}, nil
}

func (r *Runtime) DescribeTasks(ctx context.Context, cluster string, handles []string) ([]runtime.TaskDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]runtime.TaskDescription, 0, len(handles))
	for _, h := range handles {
		t, ok := r.tasks[h]
		if !ok {
			continue
		}
		out = append(out, runtime.TaskDescription{
			Handle:        t.handle,
			LastStatus:    t.lastStatus,
			StoppedReason: t.stoppedReason,
			Containers: []runtime.ContainerStatus{
				{Name: "agent", LastStatus: t.lastStatus},
			},
		})
	}
	return out, nil
}

func (r *Runtime) StopTask(ctx context.Context, cluster, handle, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[handle]
	if !ok {
		return apierrors.NewNotFound("task %s not found in cluster %s", handle, cluster)
	}
	t.lastStatus = "STOPPED"
	t.stoppedReason = reason
	return nil
}

// SubnetFor returns the subnet a given handle was launched into, for
// test assertions about subnet rotation.
func (r *Runtime) SubnetFor(handle string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[handle]; ok {
		return t.subnet
	}
	return ""
}

func firstSubnet(subnets []string) string {
	if len(subnets) == 0 {
		return ""
	}
	return subnets[0]
}
