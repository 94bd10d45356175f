// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/slotgate/internal/upstream"
)

// Attempt outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,operation,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,operation}
	upstreamDuration *prometheus.HistogramVec

	// gateway_slot_invocations_total{slot_type,outcome}
	slotInvocations *prometheus.CounterVec

	// gateway_failover_served_total{slot_type,provider}
	failoverServed *prometheus.CounterVec

	// gateway_failover_exhausted_total{slot_type}
	failoverExhausted *prometheus.CounterVec

	// gateway_probe_results_total{test_type,status}
	probeResults *prometheus.CounterVec

	// gateway_build_info{version,commit}
	buildInfo *prometheus.GaugeVec
}

// NewRegistry builds a Registry with Go and process collectors attached.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "HTTP requests currently being served.",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled, by route and status code.",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"route"}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream attempts, by provider, operation, and outcome.",
		}, []string{"provider", "operation", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt latency, by provider and operation.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "operation"}),

		slotInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_slot_invocations_total",
			Help: "Slot invocations, by slot type and outcome.",
		}, []string{"slot_type", "outcome"}),

		failoverServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failover_served_total",
			Help: "Requests answered by a fallback-chain provider after the primary failed.",
		}, []string{"slot_type", "provider"}),

		failoverExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failover_exhausted_total",
			Help: "Slot invocations where every candidate in the chain failed.",
		}, []string{"slot_type"}),

		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_probe_results_total",
			Help: "Provider connectivity probes, by test type and status.",
		}, []string{"test_type", "status"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build metadata; the value is always 1.",
		}, []string{"version", "commit"}),
	}

	r.reg.MustRegister(prometheus.NewGoCollector())
	r.reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	r.reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.slotInvocations,
		r.failoverServed,
		r.failoverExhausted,
		r.probeResults,
		r.buildInfo,
	)

	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

// IncInFlight marks one request entering the handler chain.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }

// DecInFlight marks one request leaving the handler chain.
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one completed request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one attempt against a provider.
func (r *Registry) ObserveUpstreamAttempt(provider, operation, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, operation, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, operation).Observe(dur.Seconds())
}

// ObserveSlotInvocation records one slot invocation outcome.
func (r *Registry) ObserveSlotInvocation(slotType, outcome string) {
	r.slotInvocations.WithLabelValues(slotType, outcome).Inc()
}

// RecordFailoverServed records a request answered by a fallback provider.
func (r *Registry) RecordFailoverServed(slotType, provider string) {
	r.failoverServed.WithLabelValues(slotType, provider).Inc()
}

// RecordFailoverExhausted records a fully failed chain.
func (r *Registry) RecordFailoverExhausted(slotType string) {
	r.failoverExhausted.WithLabelValues(slotType).Inc()
}

// ObserveProbe records one connectivity probe result.
func (r *Registry) ObserveProbe(testType, status string) {
	r.probeResults.WithLabelValues(testType, status).Inc()
}

// SetBuildInfo publishes build metadata.
func (r *Registry) SetBuildInfo(version, commit string) {
	r.buildInfo.WithLabelValues(version, commit).Set(1)
}

// instrumentedClient decorates an upstream client with per-attempt metrics.
type instrumentedClient struct {
	next upstream.Client
	reg  *Registry
}

// InstrumentClient wraps c so every upstream attempt is counted and timed.
func InstrumentClient(c upstream.Client, reg *Registry) upstream.Client {
	return &instrumentedClient{next: c, reg: reg}
}

func (m *instrumentedClient) observe(provider, operation string, start time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.reg.ObserveUpstreamAttempt(provider, operation, outcome, time.Since(start))
}

func (m *instrumentedClient) Chat(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (*upstream.ChatResult, error) {
	start := time.Now()
	res, err := m.next.Chat(ctx, t, req)
	m.observe(t.ProviderName, "chat", start, err)
	return res, err
}

// ChatStream times only stream establishment; wall time of the stream itself
// is dominated by model generation and tracked at the HTTP layer.
func (m *instrumentedClient) ChatStream(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	start := time.Now()
	events, err := m.next.ChatStream(ctx, t, req)
	m.observe(t.ProviderName, "chat_stream", start, err)
	return events, err
}

func (m *instrumentedClient) Embed(ctx context.Context, t upstream.Target, req upstream.EmbeddingRequest) (*upstream.EmbeddingResult, error) {
	start := time.Now()
	res, err := m.next.Embed(ctx, t, req)
	m.observe(t.ProviderName, "embedding", start, err)
	return res, err
}

func (m *instrumentedClient) Rerank(ctx context.Context, t upstream.Target, req upstream.RerankRequest) (*upstream.RerankResult, error) {
	start := time.Now()
	res, err := m.next.Rerank(ctx, t, req)
	m.observe(t.ProviderName, "rerank", start, err)
	return res, err
}

func (m *instrumentedClient) ListModels(ctx context.Context, t upstream.Target) ([]upstream.ModelInfo, error) {
	start := time.Now()
	res, err := m.next.ListModels(ctx, t)
	m.observe(t.ProviderName, "list_models", start, err)
	return res, err
}
