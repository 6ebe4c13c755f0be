// Package metrics exposes Prometheus collectors for deploy jobs, schema sync
// and migrations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "cms"
	subsystem = "deployer"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	jobsEnqueued      prometheus.Counter
	jobsClaimed       prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	staleReaped       prometheus.Counter
	releaseDuration   *prometheus.HistogramVec
	schemaOperations  *prometheus.CounterVec
	migrationsApplied prometheus.Counter
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of deploy jobs queued.",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_claimed_total",
			Help:      "Total number of queued deploy jobs claimed by a worker.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_finished_total",
			Help:      "Total number of deploy jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		staleReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_jobs_reaped_total",
			Help:      "Total number of running jobs failed by the stale reaper.",
		}),
		releaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "release_duration_seconds",
			Help:      "Wall-clock duration of release script and backend deploy runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"job_type", "mode"}),
		schemaOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "schema_operations_total",
			Help:      "Schema sync operations executed, by type and result.",
		}, []string{"type", "result"}),
		migrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "migrations_applied_total",
			Help:      "Total number of migration files applied.",
		}),
	}

	m.registry.MustRegister(
		m.jobsEnqueued,
		m.jobsClaimed,
		m.jobsFinished,
		m.staleReaped,
		m.releaseDuration,
		m.schemaOperations,
		m.migrationsApplied,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobEnqueued() {
	if m == nil {
		return
	}
	m.jobsEnqueued.Inc()
}

func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}
	m.jobsClaimed.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) StaleReaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleReaped.Add(float64(n))
}

func (m *Metrics) ObserveRelease(jobType, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.releaseDuration.WithLabelValues(jobType, mode).Observe(d.Seconds())
}

func (m *Metrics) SchemaOperation(opType, result string) {
	if m == nil {
		return
	}
	m.schemaOperations.WithLabelValues(opType, result).Inc()
}

func (m *Metrics) MigrationApplied() {
	if m == nil {
		return
	}
	m.migrationsApplied.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway under job, for short-lived
// processes such as the worker. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if m == nil || url == "" {
		return nil
	}

	pusher := push.New(url, job).Gatherer(m.registry)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
