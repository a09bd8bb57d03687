package vektor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Compile time check to ensure PrometheusCollector satisfies the interface.
var _ MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusCollector exports operation metrics to a Prometheus registry.
type PrometheusCollector struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	searchK    *prometheus.HistogramVec
}

// NewPrometheusCollector registers the engine metrics with the given
// registerer, typically prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vektor",
			Name:      "operations_total",
			Help:      "Total operations by collection and type.",
		}, []string{"collection", "op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vektor",
			Name:      "operation_errors_total",
			Help:      "Failed operations by collection and type.",
		}, []string{"collection", "op"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vektor",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by collection and type.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"collection", "op"}),
		searchK: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vektor",
			Name:      "search_k",
			Help:      "Requested neighbor counts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500},
		}, []string{"collection"}),
	}

	for _, col := range []prometheus.Collector{c.operations, c.errors, c.durations, c.searchK} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *PrometheusCollector) record(collection, op string, duration time.Duration, err error) {
	c.operations.WithLabelValues(collection, op).Inc()
	c.durations.WithLabelValues(collection, op).Observe(duration.Seconds())
	if err != nil {
		c.errors.WithLabelValues(collection, op).Inc()
	}
}

func (c *PrometheusCollector) RecordInsert(collection string, duration time.Duration, err error) {
	c.record(collection, "insert", duration, err)
}

func (c *PrometheusCollector) RecordSearch(collection string, k int, duration time.Duration, err error) {
	c.record(collection, "search", duration, err)
	c.searchK.WithLabelValues(collection).Observe(float64(k))
}

func (c *PrometheusCollector) RecordDelete(collection string, duration time.Duration, err error) {
	c.record(collection, "delete", duration, err)
}

func (c *PrometheusCollector) RecordUpdate(collection string, duration time.Duration, err error) {
	c.record(collection, "update", duration, err)
}

func (c *PrometheusCollector) RecordCheckpoint(collection string, duration time.Duration, err error) {
	c.record(collection, "checkpoint", duration, err)
}

func (c *PrometheusCollector) RecordRebuild(collection string, duration time.Duration, err error) {
	c.record(collection, "rebuild", duration, err)
}
