package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics tracks billing-event reconciliation outcomes and
// optimistic-lock contention.
type ReconcileMetrics struct {
	outcomes   *prometheus.CounterVec
	attempts   prometheus.Histogram
	contention prometheus.Counter
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitle"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "entitle_reconcile_outcomes_total",
			Help:        "Billing event applications by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome", "origin"}, // applied | skipped_stale | exhausted
	)

	attempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:        "entitle_reconcile_attempts",
			Help:        "Compare-and-swap attempts needed per accepted billing event.",
			Buckets:     []float64{1, 2, 3, 4, 5},
			ConstLabels: constLabels,
		},
	)

	contention := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "entitle_reconcile_version_conflicts_total",
			Help:        "Optimistic-lock conflicts observed during billing event application.",
			ConstLabels: constLabels,
		},
	)

	registerer.MustRegister(outcomes, attempts, contention)

	return &ReconcileMetrics{
		outcomes:   outcomes,
		attempts:   attempts,
		contention: contention,
	}
}

func (m *ReconcileMetrics) IncOutcome(outcome, origin string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome, origin).Inc()
}

func (m *ReconcileMetrics) ObserveAttempts(attempts int) {
	if m == nil {
		return
	}
	m.attempts.Observe(float64(attempts))
}

func (m *ReconcileMetrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.contention.Inc()
}
