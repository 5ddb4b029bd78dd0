package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "outpost-cluster", cfg.ClusterHandle)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, cfg.WorkerSubnets)
	assert.Equal(t, 2, cfg.PoolSizePerAgent)
	assert.Equal(t, 15, cfg.IdleTimeoutMinutes)
	assert.True(t, cfg.WarmOnStart)
	assert.Equal(t, 60, cfg.HealthCheckIntervalSeconds)
	assert.Equal(t, 30, cfg.AutoscaleEvaluationIntervalSeconds)
	assert.Equal(t, 5, cfg.AutoscaleCooldownMinutes)
	assert.Equal(t, 2.0, cfg.AutoscaleScaleUpThreshold)
	assert.Equal(t, 0.5, cfg.AutoscaleScaleDownThreshold)
	assert.Equal(t, 10, cfg.AutoscaleScaleDownDelayMinutes)
	assert.Equal(t, 1, cfg.AutoscaleMinPoolSize)
	assert.Equal(t, 10, cfg.AutoscaleMaxPoolSize)
	assert.False(t, cfg.UseQueueDepthMetric)
	assert.False(t, cfg.SurfaceNotFoundOnRelease)
	assert.Equal(t, 10, cfg.RateLimitRequests)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 1500*time.Millisecond, cfg.LogPollingInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTPOST_REGION", "eu-west-1")
	t.Setenv("OUTPOST_WORKER_SUBNETS", "subnet-x, subnet-y ,")
	t.Setenv("OUTPOST_POOL_SIZE_PER_AGENT", "5")
	t.Setenv("OUTPOST_WARM_ON_START", "false")
	t.Setenv("OUTPOST_AUTOSCALE_SCALE_UP_THRESHOLD", "3.5")
	t.Setenv("OUTPOST_USE_QUEUE_DEPTH_METRIC", "true")
	t.Setenv("OUTPOST_LOG_RATE_LIMIT_WINDOW_MS", "2000")

	cfg := Load()

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, []string{"subnet-x", "subnet-y"}, cfg.WorkerSubnets)
	assert.Equal(t, 5, cfg.PoolSizePerAgent)
	assert.False(t, cfg.WarmOnStart)
	assert.Equal(t, 3.5, cfg.AutoscaleScaleUpThreshold)
	assert.True(t, cfg.UseQueueDepthMetric)
	assert.Equal(t, 2*time.Second, cfg.RateLimitWindow)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("OUTPOST_POOL_SIZE_PER_AGENT", "not-a-number")
	t.Setenv("OUTPOST_WARM_ON_START", "maybe")
	t.Setenv("OUTPOST_WORKER_SUBNETS", " , ,")

	cfg := Load()

	assert.Equal(t, 2, cfg.PoolSizePerAgent)
	assert.True(t, cfg.WarmOnStart)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, cfg.WorkerSubnets)
}
