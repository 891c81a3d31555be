package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-os/veritas/internal/auth"
	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/ratelimit"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
)

// Server is the Veritas HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Minter, MCPServer.
type Config struct {
	// Required dependencies.
	Pipeline *pipeline.Pipeline
	Policy   *fuji.Manager
	TrustLog *trustlog.Log
	Memory   *memory.Store
	Values   *values.Core
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Minter    *auth.TokenMinter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Addr         string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	MaxBodyBytes int64
	Manifest     model.Manifest

	// Debug surfaces internal error detail in responses. Off in production.
	Debug bool
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) (*Server, error) {
	h := &Handlers{
		Pipeline:     cfg.Pipeline,
		Policy:       cfg.Policy,
		TrustLog:     cfg.TrustLog,
		Memory:       cfg.Memory,
		Values:       cfg.Values,
		Broker:       cfg.Broker,
		Minter:       cfg.Minter,
		Manifest:     cfg.Manifest,
		Version:      cfg.Version,
		maxBodyBytes: cfg.MaxBodyBytes,
		debug:        cfg.Debug,
		started:      time.Now(),
		logger:       cfg.Logger,
	}

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestID(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	authn, err := newAuthenticator(cfg.APIKey, cfg.Minter, cfg.Limiter, cfg.Logger)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Decide.
	mux.Handle("POST /v1/decide", rl(http.HandlerFunc(h.HandleDecide)))

	// Governance.
	mux.Handle("POST /v1/fuji/validate", rl(http.HandlerFunc(h.HandleFujiValidate)))
	mux.Handle("GET /v1/governance/policy", rl(http.HandlerFunc(h.HandleGetPolicy)))
	mux.Handle("PUT /v1/governance/policy", rl(http.HandlerFunc(h.HandlePutPolicy)))
	mux.Handle("GET /v1/governance/value-drift", rl(http.HandlerFunc(h.HandleValueDrift)))

	// Memory.
	mux.Handle("PUT /v1/memory/put", rl(http.HandlerFunc(h.HandleMemoryPut)))
	mux.Handle("GET /v1/memory/get/{id}", rl(http.HandlerFunc(h.HandleMemoryGet)))
	mux.Handle("POST /v1/memory/search", rl(http.HandlerFunc(h.HandleMemorySearch)))

	// Trust log.
	mux.Handle("GET /v1/trust/logs", rl(http.HandlerFunc(h.HandleTrustLogs)))
	mux.Handle("GET /v1/trust/logs/by-request/{request_id}", rl(http.HandlerFunc(h.HandleTrustByRequest)))
	mux.Handle("GET /v1/trust/verify", rl(http.HandlerFunc(h.HandleTrustVerify)))

	// SSE events (no rate limit; long-lived connection).
	if cfg.Broker != nil {
		mux.Handle("GET /v1/events", http.HandlerFunc(h.HandleEvents))
	}

	// Stream token issuance (rate limited; failed mints are cheap to spam).
	mux.Handle("POST /v1/auth/stream-token", rl(http.HandlerFunc(h.HandleStreamToken)))

	// MCP StreamableHTTP transport (auth required via the shared chain).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authn.middleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
