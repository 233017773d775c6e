// Package metrics registers the Prometheus collectors shared by the
// verification, cache, answer and aggregation paths.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the docverify collectors. All names are prefixed with
// "docverify_".
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheInvalidations prometheus.Counter
	CacheEvictions     prometheus.Counter
	CacheStaleSets     prometheus.Counter

	Verifications *prometheus.CounterVec // decision, outcome
	Regenerations *prometheus.CounterVec // kind, outcome

	GeneratorLatency *prometheus.HistogramVec // outcome
	GeneratorErrors  *prometheus.CounterVec   // kind

	AggregationDuration *prometheus.HistogramVec // operation
	AggregationRows     *prometheus.HistogramVec // operation
}

// Get returns the process-wide collectors, registering them on first use.
//
// Metrics:
//   - docverify_cache_hits_total / docverify_cache_misses_total
//   - docverify_cache_invalidations_total - entries dropped by document invalidation
//   - docverify_cache_evictions_total - entries dropped by TTL or LRU pressure
//   - docverify_cache_stale_sets_total - writes refused by a newer generation
//   - docverify_verifications_total{decision,outcome}
//   - docverify_regenerations_total{kind,outcome}
//   - docverify_generator_latency_seconds{outcome}
//   - docverify_generator_errors_total{kind}
//   - docverify_aggregation_duration_seconds{operation}
//   - docverify_aggregation_documents{operation}
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docverify_cache_hits_total",
				Help: "Answer cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docverify_cache_misses_total",
				Help: "Answer cache misses",
			}),
			CacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docverify_cache_invalidations_total",
				Help: "Answer cache entries removed because a contributing document changed",
			}),
			CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docverify_cache_evictions_total",
				Help: "Answer cache entries removed by TTL expiry or LRU pressure",
			}),
			CacheStaleSets: promauto.NewCounter(prometheus.CounterOpts{
				Name: "docverify_cache_stale_sets_total",
				Help: "Answer cache writes skipped because a document was invalidated mid-flight",
			}),

			Verifications: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docverify_verifications_total",
					Help: "Field verifications by decision and outcome",
				},
				[]string{"decision", "outcome"}, // outcome: applied, noop, conflict, not_found, invalid, error
			),
			Regenerations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docverify_regenerations_total",
					Help: "Answer regenerations after verification",
				},
				[]string{"kind", "outcome"},
			),

			GeneratorLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docverify_generator_latency_seconds",
					Help:    "Answer generator call latency",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
				[]string{"outcome"},
			),
			GeneratorErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docverify_generator_errors_total",
					Help: "Answer generator failures by error kind",
				},
				[]string{"kind"},
			),

			AggregationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docverify_aggregation_duration_seconds",
					Help:    "Full-set aggregation latency",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
				},
				[]string{"operation"},
			),
			AggregationRows: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docverify_aggregation_documents",
					Help:    "Documents scanned per aggregation",
					Buckets: prometheus.ExponentialBuckets(1, 4, 10),
				},
				[]string{"operation"},
			),
		}
	})
	return global
}

// ObserveVerification counts one verification item.
func (m *Metrics) ObserveVerification(decision, outcome string) {
	m.Verifications.WithLabelValues(decision, outcome).Inc()
}

// ObserveRegeneration counts one regenerated answer.
func (m *Metrics) ObserveRegeneration(kind, outcome string) {
	m.Regenerations.WithLabelValues(kind, outcome).Inc()
}

// ObserveGenerator records a generator call.
func (m *Metrics) ObserveGenerator(start time.Time, errKind string) {
	outcome := "ok"
	if errKind != "" {
		outcome = "error"
		m.GeneratorErrors.WithLabelValues(errKind).Inc()
	}
	m.GeneratorLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// ObserveAggregation records a completed aggregation.
func (m *Metrics) ObserveAggregation(op string, start time.Time, documents int) {
	m.AggregationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.AggregationRows.WithLabelValues(op).Observe(float64(documents))
}
