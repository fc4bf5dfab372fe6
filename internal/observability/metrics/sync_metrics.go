// Package metrics exposes the Prometheus instruments the sync engine
// reports while reconciling marketplace transactions.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeCommitted = "committed"
	OutcomeSkipped   = "skipped"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
)

const (
	DeferReasonMissingRate     = "missing_rate"
	DeferReasonOriginalMissing = "original_missing"

	FailReasonRejected    = "rejected"
	FailReasonExhausted   = "retries_exhausted"
	FailReasonCircuitOpen = "circuit_open"
	FailReasonConflict    = "idempotency_conflict"
	FailReasonInternal    = "internal"
)

// Config carries the constant labels stamped onto every series.
type Config struct {
	ServiceName string
	Environment string
}

// SyncMetrics captures sync run health signals.
type SyncMetrics struct {
	runs           prometheus.Counter
	runDuration    prometheus.Observer
	outcomes       *prometheus.CounterVec
	deferred       *prometheus.CounterVec
	failed         *prometheus.CounterVec
	submitAttempts *prometheus.CounterVec
	circuitState   *prometheus.CounterVec
	staleReleased  prometheus.Counter
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton sync metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton sync metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest resets the sync metrics singleton for tests.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "booksync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "booksync_sync_runs_total",
		Help:        "Sync runs started.",
		ConstLabels: constLabels,
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "booksync_sync_run_duration_seconds",
		Help:        "Sync run latency to protect reconciliation freshness.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "booksync_sync_transactions_total",
		Help:        "Transactions processed by terminal outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	deferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "booksync_sync_deferred_total",
		Help:        "Transaction deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "booksync_sync_failed_total",
		Help:        "Transaction failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	submitAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "booksync_submit_attempts_total",
		Help:        "Ledger submission attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	circuitState := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "booksync_submit_circuit_transitions_total",
		Help:        "Circuit breaker state transitions on the accounting backend.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	staleReleased := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "booksync_idempotency_stale_released_total",
		Help:        "Stale pending reservations swept back for retry.",
		ConstLabels: constLabels,
	})

	collectors := []prometheus.Collector{
		runs, runDuration, outcomes, deferred,
		failed, submitAttempts, circuitState, staleReleased,
	}
	for _, collector := range collectors {
		_ = registerer.Register(collector)
	}

	return &SyncMetrics{
		runs:           runs,
		runDuration:    runDuration,
		outcomes:       outcomes,
		deferred:       deferred,
		failed:         failed,
		submitAttempts: submitAttempts,
		circuitState:   circuitState,
		staleReleased:  staleReleased,
	}
}

// ObserveRun records one completed run and its duration.
func (m *SyncMetrics) ObserveRun(duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordOutcome counts one transaction reaching a terminal outcome.
func (m *SyncMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RecordDeferred counts a deferral with its reason.
func (m *SyncMetrics) RecordDeferred(reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(OutcomeDeferred).Inc()
	m.deferred.WithLabelValues(reason).Inc()
}

// RecordFailed counts a failure with its reason.
func (m *SyncMetrics) RecordFailed(reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(OutcomeFailed).Inc()
	m.failed.WithLabelValues(reason).Inc()
}

// RecordSubmitAttempt counts one submission attempt by result.
func (m *SyncMetrics) RecordSubmitAttempt(result string) {
	if m == nil {
		return
	}
	m.submitAttempts.WithLabelValues(result).Inc()
}

// RecordCircuitTransition counts a breaker state change.
func (m *SyncMetrics) RecordCircuitTransition(from, to string) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(from, to).Inc()
}

// RecordStaleReleased counts swept reservations.
func (m *SyncMetrics) RecordStaleReleased(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.staleReleased.Add(float64(count))
}
