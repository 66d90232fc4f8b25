// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the assistant server. Labels and span attributes carry roles, intents,
// categories, stages and outcomes only; never record values or text.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TracingEnabled bool
	SampleRate     float64 // 0.0 to 1.0
	// TraceWriter, when set, receives spans from the stdout exporter.
	TraceWriter io.Writer
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "assistant-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

var stageBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Provider owns the metric registry and the tracer.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer

	outcomes     *prometheus.CounterVec
	stages       *prometheus.HistogramVec
	redactions   prometheus.Counter
	fallbacks    *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	inflight     prometheus.Gauge
}

// NewProvider builds metrics and, when enabled, an SDK tracer provider that
// is also installed as the global one.
func NewProvider(cfg Config, exporters ...sdktrace.SpanExporter) (*Provider, error) {
	cfg.applyDefaults()
	p := &Provider{cfg: cfg, registry: prometheus.NewRegistry()}

	p.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_requests_total",
		Help: "Chat pipeline requests by role and outcome",
	}, []string{"role", "outcome"})
	p.stages = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assistant_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: stageBuckets,
	}, []string{"stage", "outcome"})
	p.redactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assistant_guard_redactions_total",
		Help: "Spans redacted by the response guard",
	})
	p.fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_classifier_fallback_total",
		Help: "Classifications served by the keyword heuristic",
	}, []string{"reason"})
	p.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status_code"})
	p.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	p.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_server_active_requests",
		Help: "In-flight HTTP requests",
	})

	p.registry.MustRegister(
		p.outcomes, p.stages, p.redactions, p.fallbacks,
		p.httpRequests, p.httpDuration, p.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if !cfg.TracingEnabled {
		p.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.TraceWriter != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithSyncer(exp))
	}
	p.tp = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = p.tp.Tracer(cfg.ServiceName)
	return p, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// StartSpan starts a span under ctx.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span as failed when kind is non-empty and ends it.
func EndSpan(span trace.Span, kind string) {
	if kind != "" {
		span.SetStatus(codes.Error, kind)
		span.SetAttributes(attribute.String("assistant.error_kind", kind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (p *Provider) RecordOutcome(role, outcome string) {
	p.outcomes.WithLabelValues(role, outcome).Inc()
}

func (p *Provider) ObserveStage(stage, outcome string, d time.Duration) {
	p.stages.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (p *Provider) GuardRedactions(n int) {
	if n > 0 {
		p.redactions.Add(float64(n))
	}
}

// ClassifierFallback counts heuristic classifications; unavailable means
// the model failed rather than answered with low confidence.
func (p *Provider) ClassifierFallback(unavailable bool) {
	reason := "low_confidence"
	if unavailable {
		reason = "unavailable"
	}
	p.fallbacks.WithLabelValues(reason).Inc()
}

// TracingMiddleware opens a server span per request, continuing any trace
// context found in the headers.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(req.Method),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if v, ok := c.Get("tenant_id").(string); ok && v != "" {
				span.SetAttributes(attribute.String("tenant.id", v))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts and latency by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.inflight.Inc()
			start := time.Now()

			err := next(c)

			p.inflight.Dec()
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			p.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
