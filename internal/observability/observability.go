// Package observability installs a global otel tracer provider and
// builds prometheus counters/histograms for iteration count, call
// latency, and error count, per spec §2 ("core implementation") and
// DESIGN.md's grounding note. No component opens trace spans; the
// provider and Tracer are the only tracing surface.
//
// Grounded on kadirpekel-hector/pkg/observability/tracer.go (tracer
// provider construction, no-op when disabled) and
// pkg/observability/metrics.go (CounterVec/HistogramVec grouping),
// trimmed to this system's own metric surface and swapped to the
// stdout span exporter since this module's go.mod carries
// go.opentelemetry.io/otel/exporters/stdout/stdouttrace rather than
// an OTLP exporter (no collector endpoint is part of this spec).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig tunes InitTracer.
type TracerConfig struct {
	Enabled     bool
	ServiceName string
}

// InitTracer installs a global TracerProvider. When disabled, it
// installs a no-op provider so callers never need a nil check.
func InitTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("observability: building stdout exporter: %w", err)
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "orchestratord"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// Tracer returns the named tracer off the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Metrics holds the prometheus instruments the spec names: iteration
// count, call latency, and error count (spec §2 "core implementation"
// relative-share note on the observability surface).
type Metrics struct {
	Registry *prometheus.Registry

	Iterations      *prometheus.CounterVec
	SupervisorCalls *prometheus.CounterVec
	SupervisorSecs  *prometheus.HistogramVec
	WorkerCalls     *prometheus.CounterVec
	WorkerSecs      *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPSeconds     *prometheus.HistogramVec
}

// NewMetrics builds and registers every instrument against a fresh
// registry, mirroring hector's per-concern CounterVec/HistogramVec
// grouping but scoped to this system's own surface.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_iterations_total",
			Help: "Supervisor decision steps taken, labeled by session id.",
		}, []string{"session_id"}),
		SupervisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_supervisor_calls_total",
			Help: "Supervisor LLM routing decisions, labeled by result.",
		}, []string{"result"}),
		SupervisorSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_supervisor_decision_seconds",
			Help:    "Wall-clock latency of one supervisor routing decision.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		WorkerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_worker_calls_total",
			Help: "Orchestrator tool calls dispatched to workers, labeled by server and outcome.",
		}, []string{"server", "tool", "outcome"}),
		WorkerSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_worker_call_seconds",
			Help:    "Wall-clock latency of one worker tool call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Error records appended to workflow state, labeled by the component that recorded them.",
		}, []string{"category"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_sessions_active",
			Help: "Sessions currently awaiting a node or human response.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Requests served by the client-facing streamserver, labeled by route and status.",
		}, []string{"route", "status"}),
		HTTPSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_seconds",
			Help:    "Wall-clock latency of one streamserver HTTP request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.Iterations, m.SupervisorCalls, m.SupervisorSecs, m.WorkerCalls, m.WorkerSecs,
		m.Errors, m.SessionsActive, m.HTTPRequests, m.HTTPSeconds)
	return m
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps an http.Handler, recording a request counter and
// latency histogram per route, mirroring hector's
// pkg/observability/middleware.go HTTP instrumentation shape.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
