package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newInstrumentedHandler wraps a stub query handler in the middleware,
// backed by a manual metric reader and an in-memory span exporter.
func newInstrumentedHandler(t *testing.T, status int) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := swapTracerProvider(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	return handler, reader, exp
}

func TestMiddlewareCorrelatesQueryRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := swapTracerProvider(t)

	var inHandler string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/query", nil))

	if len(inHandler) != 32 {
		t.Errorf("handler saw correlation ID %q, want 32 hex digits", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /v1/query" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP POST /v1/query")
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	handler, reader, _ := newInstrumentedHandler(t, http.StatusOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/stats", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicepipe.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("histogram has no data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/v1/stats" {
		t.Errorf("attributes = %s %s, want GET /v1/stats", method, path)
	}
}

func TestMiddlewareTagsSpanWithStatusCode(t *testing.T) {
	handler, _, exp := newInstrumentedHandler(t, http.StatusBadRequest)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/query", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	var got int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			got = a.Value.AsInt64()
		}
	}
	if got != 400 {
		t.Errorf("span status code attribute = %d, want 400", got)
	}
}

func TestMiddlewareJoinsIncomingTrace(t *testing.T) {
	// A client that already carries a W3C trace context must see its own
	// trace ID echoed back, not a fresh one.
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	handler, _, _ := newInstrumentedHandler(t, http.StatusOK)

	req := httptest.NewRequest("POST", "/v1/query", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
