package vektor

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics. Implement it to integrate
// with monitoring systems; PrometheusCollector is the bundled
// implementation.
type MetricsCollector interface {
	// RecordInsert is called after each insert. err is nil on success.
	RecordInsert(collection string, duration time.Duration, err error)

	// RecordSearch is called after each search with the requested k.
	RecordSearch(collection string, k int, duration time.Duration, err error)

	// RecordDelete is called after each delete.
	RecordDelete(collection string, duration time.Duration, err error)

	// RecordUpdate is called after each update.
	RecordUpdate(collection string, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint attempt.
	RecordCheckpoint(collection string, duration time.Duration, err error)

	// RecordRebuild is called after each index rebuild.
	RecordRebuild(collection string, duration time.Duration, err error)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(string, time.Duration, error)     {}
func (NoopMetricsCollector) RecordSearch(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(string, time.Duration, error)     {}
func (NoopMetricsCollector) RecordUpdate(string, time.Duration, error)     {}
func (NoopMetricsCollector) RecordCheckpoint(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordRebuild(string, time.Duration, error)    {}

// BasicMetricsCollector keeps simple in-memory counters. Useful for tests
// and debugging without an external monitoring system.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	UpdateCount      atomic.Int64
	UpdateErrors     atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	RebuildCount     atomic.Int64
	RebuildErrors    atomic.Int64
}

func (b *BasicMetricsCollector) RecordInsert(_ string, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordSearch(_ string, _ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordDelete(_ string, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordUpdate(_ string, _ time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordCheckpoint(_ string, _ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordRebuild(_ string, _ time.Duration, err error) {
	b.RebuildCount.Add(1)
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}
