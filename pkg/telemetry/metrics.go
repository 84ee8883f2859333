package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the TwinSync engine.
type Metrics struct {
	config MetricsConfig

	// Snapshot metrics
	snapshotsTotal     *prometheus.CounterVec
	collectFailures    *prometheus.CounterVec
	collectDuration    *prometheus.HistogramVec
	fragmentsCollected *prometheus.GaugeVec

	// Plan metrics
	plansGenerated  prometheus.Counter
	planActions     *prometheus.GaugeVec
	schemaFailures  *prometheus.CounterVec
	stalenessErrors prometheus.Counter

	// Apply metrics
	actionsApplied *prometheus.CounterVec
	backupsTaken   *prometheus.CounterVec
	backupFailures *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runsCompleted  *prometheus.CounterVec

	// Version store metrics
	commitsTotal prometheus.Counter
	pushFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; all record methods nil-check the registry.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshot runs",
			},
			[]string{"outcome"},
		),
		collectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collect_failures_total",
				Help:      "Total number of per-domain collection failures",
			},
			[]string{"domain"},
		),
		collectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collect_duration_seconds",
				Help:      "Duration of per-domain collection",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"domain"},
		),
		fragmentsCollected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fragment_items",
				Help:      "Number of items in the last observed fragment",
			},
			[]string{"domain"},
		),
		plansGenerated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_generated_total",
				Help:      "Total number of plans generated",
			},
		),
		planActions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plan_actions",
				Help:      "Number of actions in the last generated plan",
			},
			[]string{"domain"},
		),
		schemaFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_failures_total",
				Help:      "Total number of desired-fragment schema rejections",
			},
			[]string{"domain"},
		),
		stalenessErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_staleness_errors_total",
				Help:      "Total number of plans refused because their provenance commit was stale",
			},
		),
		actionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_applied_total",
				Help:      "Total number of actions applied by verb and outcome",
			},
			[]string{"domain", "verb", "outcome"},
		),
		backupsTaken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_taken_total",
				Help:      "Total number of pre-mutation backups taken",
			},
			[]string{"domain"},
		),
		backupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_failures_total",
				Help:      "Total number of backup failures (mutation skipped)",
			},
			[]string{"domain"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs by final status",
			},
			[]string{"status"},
		),
		commitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of version store commits",
			},
		),
		pushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_failures_total",
				Help:      "Total number of best-effort remote push failures",
			},
		),
	}

	registry.MustRegister(
		m.snapshotsTotal,
		m.collectFailures,
		m.collectDuration,
		m.fragmentsCollected,
		m.plansGenerated,
		m.planActions,
		m.schemaFailures,
		m.stalenessErrors,
		m.actionsApplied,
		m.backupsTaken,
		m.backupFailures,
		m.runDuration,
		m.runsCompleted,
		m.commitsTotal,
		m.pushFailures,
	)

	return m, nil
}

// RecordSnapshot records a completed snapshot run.
func (m *Metrics) RecordSnapshot(outcome string) {
	if m.registry == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(outcome).Inc()
}

// RecordCollect records one plugin collection pass.
func (m *Metrics) RecordCollect(domain string, items int, duration time.Duration, failed bool) {
	if m.registry == nil {
		return
	}
	m.collectDuration.WithLabelValues(domain).Observe(duration.Seconds())
	if failed {
		m.collectFailures.WithLabelValues(domain).Inc()
		return
	}
	m.fragmentsCollected.WithLabelValues(domain).Set(float64(items))
}

// RecordPlan records a generated plan and its per-domain action counts.
func (m *Metrics) RecordPlan(actionsByDomain map[string]int) {
	if m.registry == nil {
		return
	}
	m.plansGenerated.Inc()
	for domain, n := range actionsByDomain {
		m.planActions.WithLabelValues(domain).Set(float64(n))
	}
}

// RecordSchemaFailure records a rejected desired fragment.
func (m *Metrics) RecordSchemaFailure(domain string) {
	if m.registry == nil {
		return
	}
	m.schemaFailures.WithLabelValues(domain).Inc()
}

// RecordStaleness records a plan refused for stale provenance.
func (m *Metrics) RecordStaleness() {
	if m.registry == nil {
		return
	}
	m.stalenessErrors.Inc()
}

// RecordAction records one applied action.
func (m *Metrics) RecordAction(domain, verb, outcome string) {
	if m.registry == nil {
		return
	}
	m.actionsApplied.WithLabelValues(domain, verb, outcome).Inc()
}

// RecordBackup records a pre-mutation backup attempt.
func (m *Metrics) RecordBackup(domain string, failed bool) {
	if m.registry == nil {
		return
	}
	if failed {
		m.backupFailures.WithLabelValues(domain).Inc()
		return
	}
	m.backupsTaken.WithLabelValues(domain).Inc()
}

// RecordRun records a completed apply run.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordCommit records a version store commit.
func (m *Metrics) RecordCommit() {
	if m.registry == nil {
		return
	}
	m.commitsTotal.Inc()
}

// RecordPushFailure records a best-effort remote push failure.
func (m *Metrics) RecordPushFailure() {
	if m.registry == nil {
		return
	}
	m.pushFailures.Inc()
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test inspection.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
