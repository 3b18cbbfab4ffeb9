package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/doorhub/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tc.cfg, "doorhub", "test")
			if tc.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestStartSpan_refreshHierarchy(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, refresh := StartSpan(context.Background(), "lifecycle.refresh",
		AttrInstanceID.String("inst-1"),
		AttrTrigger.String("manual"),
	)
	_, fetch := StartSpan(ctx, "binding.fetch", AttrHost.String("api.example.com"))
	fetch.End()
	refresh.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("binding.fetch is not a child of lifecycle.refresh")
	}
	attrs := spanAttrMap(parent)
	if attrs["doorhub.instance_id"] != "inst-1" || attrs["doorhub.trigger"] != "manual" {
		t.Errorf("refresh attributes = %v", attrs)
	}
	if got := spanAttrMap(child)["doorhub.upstream_host"]; got != "api.example.com" {
		t.Errorf("upstream host = %q", got)
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "package.load")
	EndSpanWithError(failed, errors.New("manifest missing"))
	_, ok := StartSpan(context.Background(), "package.load")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "manifest missing" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error was not recorded as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("nil error marked the span as failed")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "render")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext = %q, want %q", got, want)
	}
}

func TestTracingMiddleware(t *testing.T) {
	exporter := setupTestTracer(t)

	const (
		traceID  = "0af7651916cd43dd8448eb211c80319c"
		parentID = "b7ad6b7169203331"
	)
	status := http.StatusCreated
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceIDFromContext(r.Context()) != traceID {
			t.Errorf("handler trace id = %q", TraceIDFromContext(r.Context()))
		}
		w.WriteHeader(status)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/instances", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentID+"-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Traceparent") == "" {
		t.Error("response has no Traceparent header")
	}
	s := exporter.GetSpans()[0]
	if s.Name != "POST /api/instances" || s.SpanKind != trace.SpanKindServer {
		t.Errorf("span = %q (%v)", s.Name, s.SpanKind)
	}
	if s.Parent.SpanID().String() != parentID {
		t.Errorf("parent span = %s, want %s", s.Parent.SpanID(), parentID)
	}
	if got := spanAttrMap(s)["http.response.status_code"]; got != "201" {
		t.Errorf("status attribute = %q, want 201", got)
	}
	if s.Status.Code == codes.Error {
		t.Error("201 marked the span as failed")
	}

	exporter.Reset()
	status = http.StatusBadGateway
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got := exporter.GetSpans()[0].Status.Code; got != codes.Error {
		t.Errorf("502 span status = %v, want Error", got)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "binding.fetch")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if !strings.Contains(headers.Get("Traceparent"), span.SpanContext().TraceID().String()) {
		t.Errorf("Traceparent = %q, want the active trace", headers.Get("Traceparent"))
	}
}

func TestNewSampler_rate(t *testing.T) {
	cases := map[float64]string{
		0:   "TraceIDRatioBased{0.1}",
		0.5: "TraceIDRatioBased{0.5}",
		1:   "AlwaysOnSampler",
		2:   "AlwaysOnSampler",
	}
	for rate, want := range cases {
		desc := newSampler(config.TracingConfig{SamplingRate: rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, want) {
			t.Errorf("newSampler(%v) = %q, want parent-based %s", rate, desc, want)
		}
	}
}
