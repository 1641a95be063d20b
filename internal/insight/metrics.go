package insight

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	IngestTotal        *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	PromotionsTotal    *prometheus.CounterVec
	SweepTransitions   *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	SideChannelFailure *prometheus.CounterVec
}

// NewMetrics registers the collectors with the default registry once per
// process and returns the shared instance.
//
// Metrics:
//   - insightd_ingest_total{outcome}
//   - insightd_ingest_duration_seconds
//   - insightd_promotions_total{path}
//   - insightd_sweep_transitions_total{to}
//   - insightd_retries_total{op}
//   - insightd_side_channel_failures_total{channel}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IngestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "insightd_ingest_total",
				Help: "Reflections ingested, by outcome",
			}, []string{"outcome"}),
			IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "insightd_ingest_duration_seconds",
				Help:    "Latency of a reflection ingest including retries",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
			PromotionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "insightd_promotions_total",
				Help: "Transitions into promoted, by path",
			}, []string{"path"}),
			SweepTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "insightd_sweep_transitions_total",
				Help: "Cooldown sweep transitions, by target status",
			}, []string{"to"}),
			RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "insightd_retries_total",
				Help: "Transactions retried after storage contention",
			}, []string{"op"}),
			SideChannelFailure: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "insightd_side_channel_failures_total",
				Help: "Swallowed failures of event publishing and audit writes",
			}, []string{"channel"}),
		}
	})
	return globalMetrics
}

func (m *Metrics) observeIngest(outcome string, d time.Duration) {
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(d.Seconds())
}
