// Package proxy is the HTTP boundary of the gateway: routing, middleware,
// authentication, and the JSON/SSE encoding of every service result. All
// responses wrap in the uniform {data, error, meta} envelope.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/auth"
	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/internal/metrics"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Registry *gateway.Registry
	Slots    *gateway.Slots
	Router   *gateway.Router
	Prober   *gateway.Prober
	Direct   *gateway.Direct
	Verifier *auth.Verifier
	Metrics  *metrics.Registry

	// Ready reports backing-store reachability; consulted by /readiness.
	Ready func(ctx context.Context) error

	CORSOrigins []string
	Log         *slog.Logger
}

// Server is the fasthttp front of the gateway.
type Server struct {
	registry *gateway.Registry
	slots    *gateway.Slots
	router   *gateway.Router
	prober   *gateway.Prober
	direct   *gateway.Direct
	verifier *auth.Verifier
	metrics  *metrics.Registry
	ready    func(ctx context.Context) error
	cors     []string
	log      *slog.Logger

	srv *fasthttp.Server
}

// NewServer assembles the HTTP layer. It does not listen until Start.
func NewServer(d Deps) *Server {
	return &Server{
		registry: d.Registry,
		slots:    d.Slots,
		router:   d.Router,
		prober:   d.Prober,
		direct:   d.Direct,
		verifier: d.Verifier,
		metrics:  d.Metrics,
		ready:    d.Ready,
		cors:     d.CORSOrigins,
		log:      d.Log,
	}
}

// Handler builds the full routed and middleware-wrapped request handler.
// Exposed separately from Start so tests can drive it in-process.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Public surface.
	r.GET("/api/llm/providers/presets", s.named("presets.list", s.handleListPresets))
	r.GET("/health", s.named("health", s.handleHealth))
	r.GET("/readiness", s.named("readiness", s.handleReadiness))
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	// Provider management (admin).
	r.POST("/api/llm/providers", s.requireAdmin(s.named("providers.create", s.handleCreateProvider)))
	r.GET("/api/llm/providers", s.requireAdmin(s.named("providers.list", s.handleListProviders)))
	r.GET("/api/llm/providers/{id}", s.requireAdmin(s.named("providers.get", s.handleGetProvider)))
	r.PUT("/api/llm/providers/{id}", s.requireAdmin(s.named("providers.update", s.handleUpdateProvider)))
	r.DELETE("/api/llm/providers/{id}", s.requireAdmin(s.named("providers.delete", s.handleDeleteProvider)))
	r.GET("/api/llm/providers/{id}/models", s.requireAdmin(s.named("providers.models", s.handleProviderModels)))
	r.POST("/api/llm/providers/{id}/test", s.requireAdmin(s.named("providers.test", s.handleProviderTest)))

	// Slot management (admin) and invocation (any authenticated user).
	r.GET("/api/llm/slots", s.requireAdmin(s.named("slots.list", s.handleListSlots)))
	r.GET("/api/llm/slots/{slot_type}", s.requireAdmin(s.named("slots.get", s.handleGetSlot)))
	r.PUT("/api/llm/slots/{slot_type}", s.requireAdmin(s.named("slots.configure", s.handleConfigureSlot)))
	r.POST("/api/llm/slots/{slot_type}/invoke", s.requireUser(s.named("slots.invoke", s.handleInvokeSlot)))

	// Direct (non-slot) inference (admin).
	r.POST("/api/llm/completions", s.requireAdmin(s.named("direct.completions", s.handleDirectCompletions)))
	r.POST("/api/llm/embeddings", s.requireAdmin(s.named("direct.embeddings", s.handleDirectEmbeddings)))
	r.POST("/api/llm/rerank", s.requireAdmin(s.named("direct.rerank", s.handleDirectRerank)))

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.WriteError(ctx, apierr.NotFound("route not found"))
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		s.observe,
		corsHandler(s.cors),
		securityHeaders,
	)
}

// named tags the request with a stable route label for metrics.
func (s *Server) named(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetUserValue("route", route)
		h(ctx)
	}
}

// observe records HTTP metrics per request. Unrouted requests count under
// their raw method so path cardinality stays bounded.
func (s *Server) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.metrics == nil {
			next(ctx)
			return
		}
		s.metrics.IncInFlight()
		start := time.Now()
		next(ctx)
		s.metrics.DecInFlight()

		route, _ := ctx.UserValue("route").(string)
		if route == "" {
			route = "unrouted"
		}
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

// Start listens on addr and serves until Shutdown. Write timeout stays
// unset: streaming responses are bounded by the client, not the server.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:         s.Handler(),
		ReadTimeout:     60 * time.Second,
		IdleTimeout:     120 * time.Second,
		CloseOnShutdown: true,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			apierr.WriteData(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}
