package vektor

import (
	"time"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/quantization"
	"github.com/vektordb/vektor/wal"
)

type options struct {
	logger              *Logger
	metrics             MetricsCollector
	walOptions          []func(o *wal.Options)
	maintenanceInterval time.Duration
	rebuildsPerMinute   float64
	loadConcurrency     int64
}

// Option configures a VectorStore.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:              NewLogger(nil),
		metrics:             NoopMetricsCollector{},
		maintenanceInterval: 30 * time.Second,
		rebuildsPerMinute:   2,
		loadConcurrency:     4,
	}
}

// WithLogger sets the structured logger. Defaults to text logging on stderr.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics sink. Defaults to a no-op collector.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *options) {
		if collector != nil {
			o.metrics = collector
		}
	}
}

// WithWALOptions forwards options to every collection WAL, e.g. durability
// mode and auto-checkpoint thresholds.
func WithWALOptions(optFns ...func(o *wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, optFns...)
	}
}

// WithMaintenanceInterval sets how often the background loop polls
// collections for due checkpoints and rebuilds. 0 disables the loop.
func WithMaintenanceInterval(interval time.Duration) Option {
	return func(o *options) {
		o.maintenanceInterval = interval
	}
}

// WithRebuildRate caps how many index rebuilds per minute the maintenance
// loop may start across all collections.
func WithRebuildRate(perMinute float64) Option {
	return func(o *options) {
		if perMinute > 0 {
			o.rebuildsPerMinute = perMinute
		}
	}
}

// CollectionConfig describes a collection at creation time.
type CollectionConfig struct {
	// Name identifies the collection. It becomes the directory name on
	// disk and must be non-empty.
	Name string `json:"name"`

	// Dimension is the fixed vector dimensionality. All inserted and
	// queried vectors must match it exactly.
	Dimension int `json:"dimension"`

	// Metric selects the distance function. Defaults to cosine.
	Metric distance.Metric `json:"metric"`

	// Normalize L2-normalizes vectors and queries before storage and
	// search. Useful with cosine, where only direction matters.
	Normalize bool `json:"normalize,omitempty"`

	// M is the HNSW connectivity. 0 means the engine default.
	M int `json:"m,omitempty"`

	// EFConstruction is the HNSW build beam width. 0 means the engine
	// default.
	EFConstruction int `json:"ef_construction,omitempty"`

	// Seed makes index construction deterministic when non-zero.
	Seed int64 `json:"seed,omitempty"`

	// RebuildThreshold is the dirty ratio that triggers a batched index
	// rebuild. 0 means the engine default of 0.25.
	RebuildThreshold float64 `json:"rebuild_threshold,omitempty"`

	// Quantization, when non-nil, is trained and applied once the
	// collection has enough vectors and the quality gate passes.
	Quantization *quantization.Config `json:"quantization,omitempty"`
}

func (c *CollectionConfig) applyDefaults() {
	if c.M == 0 {
		c.M = 16
	}
	if c.EFConstruction == 0 {
		c.EFConstruction = 200
	}
	if c.RebuildThreshold == 0 {
		c.RebuildThreshold = 0.25
	}
}
