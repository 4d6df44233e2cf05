// Package observe provides application-wide observability primitives for
// Overvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Overvoice metrics.
const meterName = "github.com/overvoice/overvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. All Record/Add helpers are nil-receiver safe so
// components can run without metrics wired (tests, tools).
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks one TTS synthesis call end to end, including
	// backend acquisition and retries. Attributes: status.
	SynthesisDuration metric.Float64Histogram

	// BackendRequestDuration tracks a single HTTP request to one TTS backend.
	// Attributes: backend, status.
	BackendRequestDuration metric.Float64Histogram

	// ChatStreamDuration tracks a full upstream chat stream, from request to
	// final event.
	ChatStreamDuration metric.Float64Histogram

	// CacheWaitDuration tracks how long speech requests waited on a pending
	// cache entry.
	CacheWaitDuration metric.Float64Histogram

	// --- Counters ---

	// CacheRequests counts cache lookups. Attributes: outcome (hit | miss).
	CacheRequests metric.Int64Counter

	// CacheEvictions counts evicted entries. Attributes: reason (lru | ttl | clear | failed).
	CacheEvictions metric.Int64Counter

	// BackendRequests counts TTS backend calls. Attributes: backend, status.
	BackendRequests metric.Int64Counter

	// SentencesSegmented counts sentences emitted by the segmenter during
	// chat streaming.
	SentencesSegmented metric.Int64Counter

	// --- Gauges ---

	// PendingSyntheses tracks the number of in-flight cache synthesis tasks.
	PendingSyntheses metric.Int64UpDownCounter

	// ActiveChatStreams tracks the number of live chat proxy streams.
	ActiveChatStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("overvoice.tts.synthesis.duration",
		metric.WithDescription("Latency of one TTS synthesis including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendRequestDuration, err = m.Float64Histogram("overvoice.tts.backend.duration",
		metric.WithDescription("Latency of a single TTS backend HTTP request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatStreamDuration, err = m.Float64Histogram("overvoice.chat.stream.duration",
		metric.WithDescription("Duration of a full upstream chat completion stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheWaitDuration, err = m.Float64Histogram("overvoice.cache.wait.duration",
		metric.WithDescription("Time speech requests spent waiting on a pending cache entry."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheRequests, err = m.Int64Counter("overvoice.cache.requests",
		metric.WithDescription("Cache lookups by outcome (hit or miss)."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("overvoice.cache.evictions",
		metric.WithDescription("Cache entries evicted by reason."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("overvoice.tts.backend.requests",
		metric.WithDescription("TTS backend requests by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.SentencesSegmented, err = m.Int64Counter("overvoice.segment.sentences",
		metric.WithDescription("Sentences emitted by the streaming segmenter."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingSyntheses, err = m.Int64UpDownCounter("overvoice.cache.pending",
		metric.WithDescription("Number of in-flight cache synthesis tasks."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChatStreams, err = m.Int64UpDownCounter("overvoice.chat.active_streams",
		metric.WithDescription("Number of live chat proxy streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("overvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCacheLookup records one cache lookup with its outcome ("hit" or
// "miss").
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CacheRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEviction records n evicted cache entries with the given reason.
func (m *Metrics) RecordEviction(ctx context.Context, reason string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictions.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBackendRequest records one TTS backend request with its duration and
// terminal status ("ok", "bad_request", "retryable").
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	)
	m.BackendRequests.Add(ctx, 1, attrs)
	m.BackendRequestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSynthesis records one complete synthesis (including retries) with
// its terminal status.
func (m *Metrics) RecordSynthesis(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCacheWait records how long a speech request waited on a pending
// cache entry.
func (m *Metrics) RecordCacheWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.CacheWaitDuration.Record(ctx, d.Seconds())
}

// AddPending adjusts the pending-synthesis gauge by delta.
func (m *Metrics) AddPending(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingSyntheses.Add(ctx, delta)
}

// AddChatStreams adjusts the active-chat-streams gauge by delta.
func (m *Metrics) AddChatStreams(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveChatStreams.Add(ctx, delta)
}

// RecordChatStream records the duration of one full upstream chat stream.
func (m *Metrics) RecordChatStream(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ChatStreamDuration.Record(ctx, d.Seconds())
}

// AddSentences records sentences emitted by the segmenter.
func (m *Metrics) AddSentences(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.SentencesSegmented.Add(ctx, n)
}
