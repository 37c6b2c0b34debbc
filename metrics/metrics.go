package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "billing_"

	resultSuccess = "success"
	resultError   = "error"
)

// Result labels shared by the billing observers.
const (
	ResultGenerated = "generated"
	ResultSkipped   = "skipped"
	ResultConflict  = "conflict"
	ResultFailed    = "failed"
)

var (
	registerOnce sync.Once

	statementGenerateTotal   *prometheus.CounterVec
	statementGenerateLatency *prometheus.HistogramVec

	batchRunTotal   *prometheus.CounterVec
	batchRunLatency prometheus.Histogram

	discountTotal *prometheus.CounterVec

	recalcTotal   *prometheus.CounterVec
	recalcUpdated prometheus.Counter

	idempotencyHits *prometheus.CounterVec
	movementsPosted *prometheus.CounterVec
)

// Init registers billing metrics and DB-backed gauges on the default
// registry. Safe to call more than once.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		statementGenerateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_generate_total",
				Help: "Statement generation attempts by result",
			},
			[]string{"result"},
		)
		statementGenerateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "statement_generate_latency_seconds",
				Help:    "Statement generation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		batchRunTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_runs_total",
				Help: "Batch generation passes by result",
			},
			[]string{"result"},
		)
		batchRunLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "batch_run_latency_seconds",
				Help:    "Duration of a generation pass over all eligible companies",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		)
		discountTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discount_operations_total",
				Help: "Discount apply/reverse operations by result",
			},
			[]string{"action", "result"},
		)
		recalcTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recalculations_total",
				Help: "Running-balance recalculations by result",
			},
			[]string{"result"},
		)
		recalcUpdated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "recalculation_updated_movements_total",
				Help: "Movement balances rewritten by recalculation",
			},
		)
		idempotencyHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "idempotency_hits_total",
				Help: "Duplicate statements or references detected, by kind",
			},
			[]string{"kind"},
		)
		movementsPosted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "movements_posted_total",
				Help: "Ledger movements posted by kind",
			},
			[]string{"kind"},
		)

		prometheus.MustRegister(
			statementGenerateTotal,
			statementGenerateLatency,
			batchRunTotal,
			batchRunLatency,
			discountTotal,
			recalcTotal,
			recalcUpdated,
			idempotencyHits,
			movementsPosted,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveStatementGenerate records one company's generation outcome.
func ObserveStatementGenerate(result string, duration time.Duration) {
	if result == "" {
		result = ResultGenerated
	}
	if statementGenerateTotal != nil {
		statementGenerateTotal.WithLabelValues(result).Inc()
	}
	if statementGenerateLatency != nil {
		statementGenerateLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveBatchRun records a pass over all eligible companies.
func ObserveBatchRun(failed bool, duration time.Duration) {
	result := resultSuccess
	if failed {
		result = resultError
	}
	if batchRunTotal != nil {
		batchRunTotal.WithLabelValues(result).Inc()
	}
	if batchRunLatency != nil {
		batchRunLatency.Observe(duration.Seconds())
	}
}

// IncDiscount counts a discount apply or reverse.
func IncDiscount(action string, err error) {
	if discountTotal != nil {
		discountTotal.WithLabelValues(action, errorResult(err)).Inc()
	}
}

// ObserveRecalculation records a replay and the balances it rewrote.
func ObserveRecalculation(updated int, err error) {
	if recalcTotal != nil {
		recalcTotal.WithLabelValues(errorResult(err)).Inc()
	}
	if recalcUpdated != nil && updated > 0 {
		recalcUpdated.Add(float64(updated))
	}
}

// IncIdempotencyHit counts a duplicate statement or movement.
func IncIdempotencyHit(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if idempotencyHits != nil {
		idempotencyHits.WithLabelValues(kind).Inc()
	}
}

// IncMovementPosted counts a movement written to the ledger.
func IncMovementPosted(kind string) {
	if movementsPosted != nil {
		movementsPosted.WithLabelValues(kind).Inc()
	}
}

func errorResult(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}
