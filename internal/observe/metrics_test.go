package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "miss")

	rm := collect(t, reader)
	metric := findMetric(rm, "overvoice.cache.requests")
	if metric == nil {
		t.Fatal("overvoice.cache.requests not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("cache lookups recorded: want 3, got %d", total)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendRequest(ctx, "http://tts-1", "ok", 120*time.Millisecond)

	rm := collect(t, reader)
	if findMetric(rm, "overvoice.tts.backend.requests") == nil {
		t.Error("overvoice.tts.backend.requests not found")
	}
	if findMetric(rm, "overvoice.tts.backend.duration") == nil {
		t.Error("overvoice.tts.backend.duration not found")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// All helpers must be nil-receiver safe.
	m.RecordCacheLookup(ctx, "hit")
	m.RecordEviction(ctx, "lru", 1)
	m.RecordBackendRequest(ctx, "http://x", "ok", time.Millisecond)
	m.RecordSynthesis(ctx, "ok", time.Millisecond)
	m.AddPending(ctx, 1)
	m.AddSentences(ctx, 1)
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
