// Package metrics exposes upload and queue instruments through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPassesTotal  = "stumbler.upload.passes.total"
	metricBatchesTotal = "stumbler.upload.batches.total"
	metricBytesTotal   = "stumbler.upload.bytes.total"
	metricPassDuration = "stumbler.upload.pass.duration.seconds"
	metricPendingRecs  = "stumbler.queue.pending.records"
	metricDroppedRecs  = "stumbler.queue.dropped.records"
	metricDiskBytes    = "stumbler.store.disk.bytes"
	metricDiskFiles    = "stumbler.store.disk.files"
	metricOldestAge    = "stumbler.store.oldest.batch.age.seconds"

	attrResult  = "result"
	attrOutcome = "outcome"

	// MeterName is the instrumentation scope of every instrument here.
	MeterName = "github.com/illmade-knight/go-stumbler"
)

var passDurationBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

// builder accumulates instrument creation errors so construction needs a
// single error check.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)
	return c
}

func (b *builder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.setErr(name, err)
	return h
}

func (b *builder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)
	return g
}

func (b *builder) floatGauge(name, desc, unit string) metric.Float64ObservableGauge {
	g, err := b.meter.Float64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)
	return g
}

func (b *builder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}

// PassStats summarizes one upload pass, decoupled from uploader types.
type PassStats struct {
	// Result is "completed", or the reason the pass was skipped.
	Result    string
	Succeeded int
	Rejected  int
	Retried   int
	Dropped   int
	Empty     int
	Bytes     int64
	Duration  time.Duration
}

// UploadMetrics holds the upload pass instruments.
type UploadMetrics struct {
	passes   metric.Int64Counter
	batches  metric.Int64Counter
	bytes    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewUploadMetrics creates upload instruments from the given meter.
func NewUploadMetrics(mt metric.Meter) (*UploadMetrics, error) {
	b := &builder{meter: mt}
	um := &UploadMetrics{
		passes:   b.counter(metricPassesTotal, "Upload passes by result", "{pass}"),
		batches:  b.counter(metricBatchesTotal, "Batches handled by outcome", "{batch}"),
		bytes:    b.counter(metricBytesTotal, "Bytes accepted by the collector", "By"),
		duration: b.histogram(metricPassDuration, "Upload pass duration in seconds", "s", passDurationBuckets...),
	}
	if b.err != nil {
		return nil, b.err
	}
	return um, nil
}

// RecordPass records one pass. Safe to call on a nil receiver (no-op).
func (um *UploadMetrics) RecordPass(ctx context.Context, s PassStats) {
	if um == nil {
		return
	}
	um.passes.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, s.Result)))
	if s.Result != "completed" {
		return
	}
	for outcome, n := range map[string]int{
		"success":  s.Succeeded,
		"rejected": s.Rejected,
		"retried":  s.Retried,
		"dropped":  s.Dropped,
		"empty":    s.Empty,
	} {
		if n > 0 {
			um.batches.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrOutcome, outcome)))
		}
	}
	um.bytes.Add(ctx, s.Bytes)
	um.duration.Record(ctx, s.Duration.Seconds())
}

// QueueSource is what the queue gauges observe.
type QueueSource interface {
	Pending() int
	Dropped() int64
	DiskBytes() int64
	DiskFiles() int
	OldestBatchAge() time.Duration
}

// QueueMetrics observes queue and store state on every collection.
type QueueMetrics struct {
	source  QueueSource
	pending metric.Int64ObservableGauge
	dropped metric.Int64ObservableGauge
	bytes   metric.Int64ObservableGauge
	files   metric.Int64ObservableGauge
	oldest  metric.Float64ObservableGauge
}

// NewQueueMetrics registers gauges reading from source.
func NewQueueMetrics(mt metric.Meter, source QueueSource) (*QueueMetrics, error) {
	b := &builder{meter: mt}
	qm := &QueueMetrics{
		source:  source,
		pending: b.gauge(metricPendingRecs, "Records held in memory", "{record}"),
		dropped: b.gauge(metricDroppedRecs, "Records dropped since start", "{record}"),
		bytes:   b.gauge(metricDiskBytes, "Bytes of batch files on disk", "By"),
		files:   b.gauge(metricDiskFiles, "Batch files on disk", "{file}"),
		oldest:  b.floatGauge(metricOldestAge, "Age of the oldest batch file", "s"),
	}
	if b.err != nil {
		return nil, b.err
	}
	if _, err := mt.RegisterCallback(qm.observe, qm.pending, qm.dropped, qm.bytes, qm.files, qm.oldest); err != nil {
		return nil, fmt.Errorf("register queue metrics callback: %w", err)
	}
	return qm, nil
}

func (qm *QueueMetrics) observe(_ context.Context, obs metric.Observer) error {
	obs.ObserveInt64(qm.pending, int64(qm.source.Pending()))
	obs.ObserveInt64(qm.dropped, qm.source.Dropped())
	obs.ObserveInt64(qm.bytes, qm.source.DiskBytes())
	obs.ObserveInt64(qm.files, int64(qm.source.DiskFiles()))
	obs.ObserveFloat64(qm.oldest, qm.source.OldestBatchAge().Seconds())
	return nil
}
