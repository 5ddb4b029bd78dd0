package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_dispatches_total",
			Help: "Total number of dispatch requests by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_dispatch_duration_seconds",
			Help:    "Time taken to service a dispatch request, from validation to return",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	DispatchStateTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_dispatch_state_total",
			Help: "Number of known dispatch records by terminal/non-terminal status",
		},
		[]string{"status"},
	)

	// Launch metrics
	LaunchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_launch_attempts_total",
			Help: "Total worker launch attempts by agent and result",
		},
		[]string{"agent", "result"},
	)

	LaunchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_launch_retries_total",
			Help: "Total capacity-triggered launch retries by agent",
		},
		[]string{"agent"},
	)

	LaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_launch_duration_seconds",
			Help:    "Time taken to launch a worker task, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Warm pool metrics
	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_pool_idle",
			Help: "Idle warm-pool entries by agent",
		},
		[]string{"agent"},
	)

	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_pool_in_use",
			Help: "In-use warm-pool entries by agent",
		},
		[]string{"agent"},
	)

	PoolTarget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_pool_target",
			Help: "Current autoscaler target pool size by agent",
		},
		[]string{"agent"},
	)

	PoolAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_pool_acquire_total",
			Help: "Pool acquire attempts by agent and outcome (hit, miss, contended)",
		},
		[]string{"agent", "outcome"},
	)

	PoolRecycledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_pool_recycled_total",
			Help: "Pool entries recycled (TTL, unhealthy, scale-down) by agent and reason",
		},
		[]string{"agent", "reason"},
	)

	AutoscaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_autoscale_actions_total",
			Help: "Autoscaler decisions by agent and action (scale_up, scale_down, noop)",
		},
		[]string{"agent", "action"},
	)

	// Status / log streaming metrics
	StatusPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_status_poll_duration_seconds",
			Help:    "Time taken to refresh a dispatch status view from the runtime",
			Buckets: prometheus.DefBuckets,
		},
	)

	StatusCacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_status_cache_total",
			Help: "Status-tracker cache outcomes (hit, miss)",
		},
		[]string{"outcome"},
	)

	LogFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_log_fetch_total",
			Help: "Log fetch calls by outcome (ok, throttled, empty)",
		},
		[]string{"outcome"},
	)

	// Audit metrics
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_audit_events_total",
			Help: "Audit events written by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchesTotal,
		DispatchDuration,
		DispatchStateTotal,
		LaunchAttemptsTotal,
		LaunchRetriesTotal,
		LaunchDuration,
		PoolIdle,
		PoolInUse,
		PoolTarget,
		PoolAcquireTotal,
		PoolRecycledTotal,
		AutoscaleActionsTotal,
		StatusPollDuration,
		StatusCacheHitTotal,
		LogFetchTotal,
		AuditEventsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
