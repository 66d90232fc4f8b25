package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 7}
	cfg.applyDefaults()
	if cfg.ServiceName != "assistant-server" {
		t.Errorf("expected assistant-server, got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestPipelineCounters(t *testing.T) {
	p := newTestProvider(t)
	p.RecordOutcome("patient", "completed")
	p.RecordOutcome("patient", "completed")
	p.RecordOutcome("hospital", "blocked")
	p.GuardRedactions(3)
	p.GuardRedactions(0)
	p.ClassifierFallback(true)
	p.ObserveStage("generate", "completed", 120*time.Millisecond)

	if got := testutil.ToFloat64(p.outcomes.WithLabelValues("patient", "completed")); got != 2 {
		t.Errorf("expected 2 completed patient requests, got %v", got)
	}
	if got := testutil.ToFloat64(p.redactions); got != 3 {
		t.Errorf("expected 3 redactions, got %v", got)
	}
	if got := testutil.ToFloat64(p.fallbacks.WithLabelValues("unavailable")); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
	if n := testutil.CollectAndCount(p.stages); n != 1 {
		t.Errorf("expected 1 stage series, got %d", n)
	}
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	p := newTestProvider(t)
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/chat/prompts", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/fail", func(c echo.Context) error { return echo.NewHTTPError(http.StatusForbidden) })

	for _, path := range []string{"/api/v1/chat/prompts", "/fail"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(p.httpRequests.WithLabelValues("GET", "/api/v1/chat/prompts", "200")); got != 1 {
		t.Errorf("expected 1 request for prompts, got %v", got)
	}
	if got := testutil.ToFloat64(p.httpRequests.WithLabelValues("GET", "/fail", "403")); got != 1 {
		t.Errorf("expected 1 forbidden request, got %v", got)
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	p := newTestProvider(t)
	p.RecordOutcome("doctor", "failed")

	e := echo.New()
	e.GET("/metrics", p.PrometheusHandler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `assistant_requests_total{outcome="failed",role="doctor"} 1`) {
		t.Errorf("expected outcome series in exposition, got:\n%s", rec.Body.String())
	}
}

func TestTracing_SpansRecorded(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(Config{TracingEnabled: true}, exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Shutdown(context.Background())

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/boom", func(c echo.Context) error {
		_, span := p.StartSpan(c.Request().Context(), "stage.generate", attribute.String("assistant.role", "patient"))
		EndSpan(span, "generation_error")
		return c.NoContent(http.StatusBadGateway)
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	stage, server := spans[0], spans[1]
	if stage.Name != "stage.generate" || stage.Status.Code != codes.Error {
		t.Errorf("unexpected stage span %s %v", stage.Name, stage.Status)
	}
	if stage.Parent.SpanID() != server.SpanContext.SpanID() {
		t.Error("expected stage span to be a child of the server span")
	}
	if server.Name != "HTTP GET /boom" || server.Status.Code != codes.Error {
		t.Errorf("unexpected server span %s %v", server.Name, server.Status)
	}
}

func TestTracing_DisabledIsNoop(t *testing.T) {
	p := newTestProvider(t)
	_, span := p.StartSpan(context.Background(), "x")
	if span.SpanContext().IsValid() {
		t.Error("expected noop span when tracing is disabled")
	}
	EndSpan(span, "")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
