package telemetry

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Pyrite.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// Sync planning metrics
	plans            *prometheus.CounterVec
	validationIssues *prometheus.CounterVec
	conflicts        *prometheus.CounterVec

	// Transaction metrics
	transactions    *prometheus.CounterVec
	stagingDuration *prometheus.HistogramVec
	rollbacks       *prometheus.CounterVec

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// System metrics
	activeSyncs         prometheus.Gauge
	environmentsManaged *prometheus.GaugeVec

	registry *prometheus.Registry

	// perf accumulates the running averages behind PerformanceSnapshot.
	// Kept separately because Prometheus histograms are write-only from
	// the application's point of view.
	perf struct {
		mu           sync.Mutex
		installTotal time.Duration
		installCount int64
		syncTotal    time.Duration
		syncCount    int64
		cacheHits    int64
		cacheMisses  int64
	}
}

// PerformanceSnapshot summarizes daemon performance for status reporting.
type PerformanceSnapshot struct {
	// AvgInstallTime is the mean duration of package install operations.
	AvgInstallTime time.Duration `json:"avg_install_time"`

	// AvgSyncTime is the mean end-to-end duration of sync transactions.
	AvgSyncTime time.Duration `json:"avg_sync_time"`

	// CacheHitRate is the fraction of resolution cache lookups that hit.
	CacheHitRate float64 `json:"cache_hit_rate"`

	// CacheLookups is the number of resolution cache lookups observed.
	CacheLookups int64 `json:"cache_lookups"`

	// SyncCount is the number of sync transactions observed.
	SyncCount int64 `json:"sync_count"`
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Resolution metrics
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of dependency resolutions by outcome",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of dependency resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		// Cache metrics
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of resolution cache lookups by result",
			},
			[]string{"result"},
		),

		// Sync planning metrics
		plans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_plans_total",
				Help:      "Total number of sync plans by outcome",
			},
			[]string{"outcome"},
		),
		validationIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_issues_total",
				Help:      "Total number of plan validation issues by severity",
			},
			[]string{"severity"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_conflicts_total",
				Help:      "Total number of sync conflicts by type",
			},
			[]string{"type"},
		),

		// Transaction metrics
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of sync transactions by final status",
			},
			[]string{"status"},
		),
		stagingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "End-to-end duration of sync transactions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by outcome",
			},
			[]string{"outcome"},
		),

		// Operation metrics
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of package operations by kind and status",
			},
			[]string{"kind", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of package operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		// System metrics
		activeSyncs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_syncs",
				Help:      "Current number of environments holding a sync slot",
			},
		),
		environmentsManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "environments_managed",
				Help:      "Current number of managed environments by status",
			},
			[]string{"status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.resolutions,
		m.resolutionDuration,
		m.cacheLookups,
		m.plans,
		m.validationIssues,
		m.conflicts,
		m.transactions,
		m.stagingDuration,
		m.rollbacks,
		m.operations,
		m.operationDuration,
		m.activeSyncs,
		m.environmentsManaged,
	)

	return m, nil
}

// Resolution Metrics

// RecordResolution records a completed resolution with its outcome and duration.
func (m *Metrics) RecordResolution(outcome string, duration time.Duration) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolutionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCacheLookup records a resolution cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	m.perf.mu.Lock()
	if hit {
		m.perf.cacheHits++
	} else {
		m.perf.cacheMisses++
	}
	m.perf.mu.Unlock()

	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Sync Planning Metrics

// RecordPlan records a completed sync plan with its outcome.
func (m *Metrics) RecordPlan(outcome string) {
	if m.plans == nil {
		return
	}
	m.plans.WithLabelValues(outcome).Inc()
}

// RecordValidationIssue records a plan validation issue by severity.
func (m *Metrics) RecordValidationIssue(severity string) {
	if m.validationIssues == nil {
		return
	}
	m.validationIssues.WithLabelValues(severity).Inc()
}

// RecordConflict records a detected sync conflict by type.
func (m *Metrics) RecordConflict(conflictType string) {
	if m.conflicts == nil {
		return
	}
	m.conflicts.WithLabelValues(conflictType).Inc()
}

// Transaction Metrics

// RecordTransaction records a finished transaction with its final status and duration.
func (m *Metrics) RecordTransaction(status string, duration time.Duration) {
	m.perf.mu.Lock()
	m.perf.syncTotal += duration
	m.perf.syncCount++
	m.perf.mu.Unlock()

	if m.transactions == nil {
		return
	}
	m.transactions.WithLabelValues(status).Inc()
	m.stagingDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRollback records a rollback attempt by outcome.
func (m *Metrics) RecordRollback(outcome string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

// Operation Metrics

// RecordOperation records an executed package operation.
func (m *Metrics) RecordOperation(kind, status string, duration time.Duration) {
	if kind == "install" || kind == "upgrade" || kind == "downgrade" {
		m.perf.mu.Lock()
		m.perf.installTotal += duration
		m.perf.installCount++
		m.perf.mu.Unlock()
	}

	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(kind, status).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// System Metrics

// SyncStarted increments the active-sync gauge.
func (m *Metrics) SyncStarted() {
	if m.activeSyncs == nil {
		return
	}
	m.activeSyncs.Inc()
}

// SyncFinished decrements the active-sync gauge.
func (m *Metrics) SyncFinished() {
	if m.activeSyncs == nil {
		return
	}
	m.activeSyncs.Dec()
}

// SetEnvironmentCount sets the managed-environment gauge for a status.
func (m *Metrics) SetEnvironmentCount(status string, count float64) {
	if m.environmentsManaged == nil {
		return
	}
	m.environmentsManaged.WithLabelValues(status).Set(count)
}

// Snapshot returns the current performance summary.
func (m *Metrics) Snapshot() PerformanceSnapshot {
	m.perf.mu.Lock()
	defer m.perf.mu.Unlock()

	var snap PerformanceSnapshot
	if m.perf.installCount > 0 {
		snap.AvgInstallTime = m.perf.installTotal / time.Duration(m.perf.installCount)
	}
	if m.perf.syncCount > 0 {
		snap.AvgSyncTime = m.perf.syncTotal / time.Duration(m.perf.syncCount)
	}
	snap.SyncCount = m.perf.syncCount
	if lookups := m.perf.cacheHits + m.perf.cacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(m.perf.cacheHits) / float64(lookups)
		snap.CacheLookups = lookups
	}
	return snap
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
