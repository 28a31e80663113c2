// Package metrics provides a standardized, one-stop-shop for setting
// up OpenTelemetry metrics for btreestore, exported via Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls whether and how metrics are exported.
type Config struct {
	// Enabled toggles instrumentation on or off.
	Enabled bool
	// ServiceName labels the meter.
	ServiceName string
	// PrometheusPort is the port the /metrics endpoint is served on.
	PrometheusPort int
}

// ShutdownFunc gracefully shuts down the metrics provider.
type ShutdownFunc func(ctx context.Context) error

// Metrics holds every instrument btreestore's storage and transaction
// layers record against. All methods are nil-receiver safe so callers
// can pass a nil *Metrics when instrumentation isn't wanted.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	bufferPoolFetches   metric.Int64Counter
	bufferPoolEvictions metric.Int64Counter
	bufferPoolPinned    metric.Int64UpDownCounter
	bufferPoolPinnedLast atomic.Int64 // last count passed to SetBufferPoolPinned
	btreeSplits        metric.Int64Counter
	btreeMerges         metric.Int64Counter
	lockWaitDuration     metric.Float64Histogram
	deadlocksDetected   metric.Int64Counter
}

// New initializes the OpenTelemetry SDK with a Prometheus exporter and
// builds every instrument btreestore's components record against. If
// config.Enabled is false, all instruments are no-ops.
func New(config Config) (*Metrics, ShutdownFunc, error) {
	var meter metric.Meter
	var provider *sdkmetric.MeterProvider

	if !config.Enabled {
		meter = noop.NewMeterProvider().Meter("")
	} else {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		meter = provider.Meter(config.ServiceName)

		go func() {
			addr := fmt.Sprintf(":%d", config.PrometheusPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(addr, mux)
		}()
	}

	m, err := newInstruments(meter, provider)
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		if provider == nil {
			return nil
		}
		return provider.Shutdown(ctx)
	}
	return m, shutdown, nil
}

func newInstruments(meter metric.Meter, provider *sdkmetric.MeterProvider) (*Metrics, error) {
	bufferPoolFetches, err := meter.Int64Counter(
		"buffer_pool.fetch_total",
		metric.WithDescription("Total FetchPage calls, labeled by hit/miss."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	bufferPoolEvictions, err := meter.Int64Counter(
		"buffer_pool.evictions_total",
		metric.WithDescription("Total frames evicted to make room for a new page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	bufferPoolPinned, err := meter.Int64UpDownCounter(
		"buffer_pool.pages_pinned",
		metric.WithDescription("Current number of pinned frames."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	btreeSplits, err := meter.Int64Counter(
		"btree.split_total",
		metric.WithDescription("Total node splits performed during insert."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	btreeMerges, err := meter.Int64Counter(
		"btree.merge_total",
		metric.WithDescription("Total node merges/redistributions performed during delete."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	lockWaitDuration, err := meter.Float64Histogram(
		"lock_manager.wait_duration",
		metric.WithDescription("Time a transaction spent waiting to acquire a lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	deadlocksDetected, err := meter.Int64Counter(
		"lock_manager.deadlocks_detected_total",
		metric.WithDescription("Total deadlocks found by cycle detection."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:            provider,
		bufferPoolFetches:   bufferPoolFetches,
		bufferPoolEvictions: bufferPoolEvictions,
		bufferPoolPinned:    bufferPoolPinned,
		btreeSplits:         btreeSplits,
		btreeMerges:         btreeMerges,
		lockWaitDuration:    lockWaitDuration,
		deadlocksDetected:   deadlocksDetected,
	}, nil
}

// RecordBufferPoolFetch records a FetchPage call's outcome.
func (m *Metrics) RecordBufferPoolFetch(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.bufferPoolFetches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", label)))
}

// RecordBufferPoolEviction records a frame eviction.
func (m *Metrics) RecordBufferPoolEviction() {
	if m == nil {
		return
	}
	m.bufferPoolEvictions.Add(context.Background(), 1)
}

// SetBufferPoolPinned reports the current pinned-frame count.
func (m *Metrics) SetBufferPoolPinned(n int) {
	if m == nil {
		return
	}
	prev := m.bufferPoolPinnedLast.Swap(int64(n))
	m.bufferPoolPinned.Add(context.Background(), int64(n)-prev)
}

// RecordBTreeSplit records a node split.
func (m *Metrics) RecordBTreeSplit() {
	if m == nil {
		return
	}
	m.btreeSplits.Add(context.Background(), 1)
}

// RecordBTreeMerge records a node merge or redistribution.
func (m *Metrics) RecordBTreeMerge() {
	if m == nil {
		return
	}
	m.btreeMerges.Add(context.Background(), 1)
}

// RecordLockWait records how long a transaction waited for a lock.
func (m *Metrics) RecordLockWait(ms float64) {
	if m == nil {
		return
	}
	m.lockWaitDuration.Record(context.Background(), ms)
}

// RecordDeadlockDetected records a deadlock cycle found and broken.
func (m *Metrics) RecordDeadlockDetected() {
	if m == nil {
		return
	}
	m.deadlocksDetected.Add(context.Background(), 1)
}
