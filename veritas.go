// Package veritas is the public API for embedding the Veritas decision server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := veritas.New(
//	    veritas.WithVersion(version),
//	    veritas.WithLogger(logger),
//	    veritas.WithChatCompleter(myBackend),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph has one rule: this package imports internal/*, and
// internal/* never imports it back. Public types (Message, SearchResult) are
// standalone structs, and the adapters converting them to internal types
// live here, the only file that sees both sides of the boundary.
package veritas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/veritas-os/veritas/internal/auth"
	"github.com/veritas-os/veritas/internal/config"
	"github.com/veritas-os/veritas/internal/embedding"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/llm"
	"github.com/veritas-os/veritas/internal/mcp"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/ratelimit"
	"github.com/veritas-os/veritas/internal/server"
	"github.com/veritas-os/veritas/internal/telemetry"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
	"github.com/veritas-os/veritas/internal/websearch"
)

// App is the Veritas server lifecycle. Construct with New(), run with Run().
// App has no public fields; configuration happens through New() options.
type App struct {
	cfg          *config.Config
	srv          *server.Server
	policy       *fuji.Manager
	trustLog     *trustlog.Log
	memory       *memory.Store
	limiter      *ratelimit.MemoryLimiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Veritas server: loads configuration, the FUJI policy,
// and the persisted stores, and wires all subsystems. It does not start any
// goroutines or accept HTTP connections; call Run() for that.
//
// A missing or invalid policy file is fatal; use the init-policy command to
// create one.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		// The policy follows the data dir unless pinned explicitly.
		cfg.PolicyPath = filepath.Join(o.dataDir, "fuji_policy.json")
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg)
	}
	logger.Info("veritas starting", "version", version, "port", cfg.Port, "data_dir", cfg.DataDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("data dir: %w", err)
	}

	broker := server.NewBroker()
	hooks := o.eventHooks
	emit := func(name string, data map[string]any) {
		broker.Publish(name, data)
		for _, h := range hooks {
			h(name, data)
		}
	}

	policyMgr, err := fuji.NewManager(cfg.PolicyPath, logger, emit)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("fuji policy: %w", err)
	}

	log, err := trustlog.New(filepath.Join(cfg.DataDir, "trust"), policyMgr, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("trust log: %w", err)
	}

	var embedder embedding.Embedder
	if o.embedder != nil {
		embedder = o.embedder
	} else {
		embedder = embedding.New(cfg)
	}

	store, err := memory.New(filepath.Join(cfg.DataDir, "memory"), cfg.MemoryMaxRecords, embedder, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("memory store: %w", err)
	}

	core, err := values.NewCore(filepath.Join(cfg.DataDir, "values"), logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("value core: %w", err)
	}

	var completer llm.ChatCompleter
	plannerModel := ""
	if o.completer != nil {
		completer = &completerAdapter{c: o.completer}
		plannerModel = "external"
	} else if completer = llm.New(cfg, logger); completer != nil {
		plannerModel = cfg.LLMModel
	}

	var searcher websearch.Searcher
	if o.searcher != nil {
		searcher = &searcherAdapter{s: o.searcher}
	} else if cfg.WebSearchURL != "" {
		searcher = websearch.NewHTTP(cfg.WebSearchURL, cfg.WebSearchAPIKey)
	}

	gate := fuji.NewGate(policyMgr, o.safetyHead, logger)

	pipe, err := pipeline.New(pipeline.Deps{
		Completer:    completer,
		Memory:       store,
		Searcher:     searcher,
		Gate:         gate,
		Policy:       policyMgr,
		Values:       core,
		TrustLog:     log,
		Logger:       logger,
		Version:      version,
		OnEvent:      emit,
		PlannerModel: plannerModel,
	})
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	limiter := ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitBurst)
	minter := auth.NewTokenMinter(cfg.APISecret, cfg.StreamTokenTTL)
	if minter == nil {
		logger.Warn("no API secret configured, stream token issuance disabled")
	}

	manifest := model.Manifest{
		ChatCompleter: completer != nil,
		Embedder:      embedder != nil,
		WebSearch:     searcher != nil,
		SafetyHead:    o.safetyHead != nil,
		MCP:           cfg.MCPEnabled,
	}

	var mcpSrv *mcp.Server
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(pipe, store, log, policyMgr, logger)
	}

	// No WriteTimeout: it would sever long-lived SSE connections.
	srvCfg := server.Config{
		Pipeline:     pipe,
		Policy:       policyMgr,
		TrustLog:     log,
		Memory:       store,
		Values:       core,
		Logger:       logger,
		Limiter:      limiter,
		Broker:       broker,
		Minter:       minter,
		Addr:         cfg.Addr(),
		APIKey:       cfg.APIKey,
		ReadTimeout:  cfg.ReadTimeout,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Manifest:     manifest,
		Debug:        cfg.Debug,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("server: %w", err)
	}

	return &App{
		cfg:          cfg,
		srv:          srv,
		policy:       policyMgr,
		trustLog:     log,
		memory:       store,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Policy file watcher; mtime polling in Current() remains the backstop.
	go a.policy.Watch(ctx)

	// Re-embed records persisted without vectors (best-effort).
	go func() {
		if err := a.memory.RebuildAll(ctx); err != nil {
			a.logger.Warn("memory index rebuild failed", "error", err)
		}
	}()

	a.registerGauges()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, stops the rate limiter's
// cleanup goroutine, and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("veritas shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("veritas stopped")
	return nil
}

// VerifyChain re-verifies the trust log hash chain, for the verify command.
func (a *App) VerifyChain() (model.VerifyResult, error) {
	return a.trustLog.VerifyChain()
}

// registerGauges wires observable metrics that read live state on scrape.
func (a *App) registerGauges() {
	meter := telemetry.Meter("github.com/veritas-os/veritas")
	_, err := meter.Int64ObservableGauge("veritas.trustlog.bytes",
		otelmetric.WithDescription("Size of the active trust log segment"),
		otelmetric.WithInt64Callback(func(_ context.Context, obs otelmetric.Int64Observer) error {
			obs.Observe(a.trustLog.Size())
			return nil
		}),
	)
	if err != nil {
		a.logger.Warn("trust log gauge registration failed", "error", err)
	}
	_, err = meter.Int64ObservableGauge("veritas.memory.records",
		otelmetric.WithDescription("Records across loaded memory indexes"),
		otelmetric.WithInt64Callback(func(_ context.Context, obs otelmetric.Int64Observer) error {
			obs.Observe(int64(a.memory.TotalCount()))
			return nil
		}),
	)
	if err != nil {
		a.logger.Warn("memory gauge registration failed", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// completerAdapter bridges the public ChatCompleter to the internal llm
// interface, converting message types at the boundary.
type completerAdapter struct {
	c ChatCompleter
}

func (a *completerAdapter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	pub := make([]Message, len(messages))
	for i, m := range messages {
		pub[i] = Message{Role: m.Role, Content: m.Content}
	}
	return a.c.Complete(ctx, pub)
}

// searcherAdapter bridges the public WebSearcher to the internal websearch
// interface.
type searcherAdapter struct {
	s WebSearcher
}

func (a *searcherAdapter) Search(ctx context.Context, query string, maxResults int) ([]websearch.Result, error) {
	results, err := a.s.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	out := make([]websearch.Result, len(results))
	for i, r := range results {
		out[i] = websearch.Result{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Snippet,
			Reliability: r.Reliability,
		}
	}
	return out, nil
}
