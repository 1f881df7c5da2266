package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareFixture wires metrics and tracing backends that can be inspected
// after a request has been served.
func middlewareFixture(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	return m, reader, exp
}

// serve runs one request through the middleware-wrapped handler.
func serve(m *Metrics, path string, inner http.HandlerFunc, mutate func(*http.Request)) *httptest.ResponseRecorder {
	handler := Middleware(m)(inner)
	req := httptest.NewRequest("GET", path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCorrelationIDAndSpan(t *testing.T) {
	m, _, exp := middlewareFixture(t)

	var cid string
	rec := serve(m, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, nil)

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want a 32 hex char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /healthz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /healthz")
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	m, reader, _ := middlewareFixture(t)

	serve(m, "/ws/chat", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("parley.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected metric shape: %#v", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	wantAttrs := map[string]string{"method": "GET", "path": "/ws/chat"}
	for _, kv := range dp.Attributes.ToSlice() {
		if want, ok := wantAttrs[string(kv.Key)]; ok && kv.Value.AsString() == want {
			delete(wantAttrs, string(kv.Key))
		}
	}
	for k, v := range wantAttrs {
		t.Errorf("missing attribute %s=%s", k, v)
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	m, _, exp := middlewareFixture(t)

	rec := serve(m, "/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

func TestMiddlewareHonoursIncomingTraceparent(t *testing.T) {
	m, _, _ := middlewareFixture(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	rec := serve(m, "/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, func(req *http.Request) {
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	})

	if cid != traceID {
		t.Errorf("correlation ID = %q, want the inbound trace ID %q", cid, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddlewareExposesUnderlyingWriter(t *testing.T) {
	m, _, _ := middlewareFixture(t)

	// WebSocket upgrades reach the raw connection through
	// http.ResponseController, which depends on Unwrap.
	var flushErr error
	serve(m, "/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		flushErr = http.NewResponseController(w).Flush()
	}, nil)

	if flushErr != nil {
		t.Fatalf("Flush through middleware: %v", flushErr)
	}
}
