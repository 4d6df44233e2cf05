package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs test-local meter and tracer providers and returns the
// pieces needed for assertions. Global providers are restored on cleanup.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	prevTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prevTP) })

	return m, reader, exporter
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	cid := rec.Header().Get("X-Correlation-ID")
	if cid == "" {
		t.Fatal("X-Correlation-ID header not set")
	}
	if len(cid) != 32 {
		t.Errorf("correlation ID length: want 32 hex chars, got %d (%q)", len(cid), cid)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: want 204, got %d", rec.Code)
	}
}

func TestMiddleware_CreatesSpan(t *testing.T) {
	m, _, exporter := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans exported: want 1, got %d", len(spans))
	}
	if want := "HTTP POST /v1/audio/speech"; spans[0].Name != want {
		t.Errorf("span name: want %q, got %q", want, spans[0].Name)
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	m, reader, _ := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rm := collect(t, reader)
	if findMetric(rm, "overvoice.http.request.duration") == nil {
		t.Error("overvoice.http.request.duration not recorded")
	}
}

func TestStatusRecorder_FlushPassesThrough(t *testing.T) {
	m, _, _ := testSetup(t)

	var flushed bool
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer does not implement http.Flusher")
		}
		f.Flush()
		flushed = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !flushed {
		t.Error("handler could not flush through the middleware")
	}
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}
