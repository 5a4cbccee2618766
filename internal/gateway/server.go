// Package gateway is the HTTP ingress: authentication, request validation,
// and the OpenAI-compatible wire surface over the dispatch engine.
package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/relaypoint/llm-gateway/internal/auth"
	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/dispatch"
	"github.com/relaypoint/llm-gateway/internal/metrics"
	"github.com/relaypoint/llm-gateway/internal/ratelimit"
)

// Options holds optional Server dependencies. All fields are nil-safe.
type Options struct {
	// Logger is the structured logger for request events.
	Logger *slog.Logger

	// Metrics enables the /metrics endpoint and per-request metrics.
	Metrics *metrics.Registry

	// RPMLimiter enforces per-org request rates when set.
	RPMLimiter *ratelimit.RPMLimiter

	// CORSOrigins is the allowed CORS origins. Empty or ["*"] means open.
	CORSOrigins []string

	// CacheReady is the readiness probe for the cache backend.
	CacheReady func() bool

	// Version is reported by /health.
	Version string
}

// Server is the HTTP front of the gateway.
type Server struct {
	engine *dispatch.Engine
	cat    *catalog.Catalog
	tokens auth.TokenStore
	log    *slog.Logger

	metrics    *metrics.Registry
	rpmLimiter *ratelimit.RPMLimiter
	cacheReady func() bool

	corsOrigins []string
	version     string

	srv *fasthttp.Server
}

// New creates a Server over the engine, catalog, and token store.
func New(engine *dispatch.Engine, cat *catalog.Catalog, tokens auth.TokenStore, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		engine:      engine,
		cat:         cat,
		tokens:      tokens,
		log:         log,
		metrics:     opts.Metrics,
		rpmLimiter:  opts.RPMLimiter,
		cacheReady:  opts.CacheReady,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

// Handler builds the routed handler with the full middleware chain.
// Exposed separately from Start so tests can serve it on an in-memory
// listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams can be long-lived
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	providerStates := map[string]string{}
	for _, name := range s.engine.Adapters() {
		providerStates[name] = s.engine.BreakerState(name)
	}
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"providers": providerStates,
	})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.cacheReady == nil || s.cacheReady() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
