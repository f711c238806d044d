// ABOUTME: Gateway orchestrator that wires the tool table, agent loop and history pipeline
// ABOUTME: Owns the inbound HTTP server, its routes and the graceful shutdown sequence

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/beamlit/agent-runtime/internal/agent"
	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/controlplane"
	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/mcp"
	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/store"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// Version is reported by the MCP server and the startup banner.
var Version = "dev"

// finalizeTimeout bounds how long a response waits for its history to drain.
const finalizeTimeout = 5 * time.Second

// Gateway serves one agent: the run entrypoint, introspection APIs and MCP.
type Gateway struct {
	config     *config.Config
	auth       *auth.Context
	tools      *tools.Table
	model      agent.Model
	loop       *agent.Loop
	correlator *history.Correlator
	publisher  *history.Publisher
	store      store.Store
	mcpServer  *mcp.Server
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	httpServer *http.Server
	logger     *slog.Logger

	// background tracks usage writes that outlive their request
	background conc.WaitGroup
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	model      agent.Model
	store      store.Store
	remote     history.Remote
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	toolClient *http.Client
}

// WithModel replaces the model gateway client.
func WithModel(m agent.Model) Option { return func(o *options) { o.model = m } }

// WithStore replaces the SQLite ledger.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithRemote replaces the control-plane history sink.
func WithRemote(r history.Remote) Option { return func(o *options) { o.remote = r } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithToolClient sets the HTTP client used by tool adapters.
func WithToolClient(c *http.Client) Option { return func(o *options) { o.toolClient = c } }

// initStore opens the SQLite ledger when a database path is configured.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.History.DatabasePath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.History.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a Gateway for the resolved descriptors.
func New(cfg *config.Config, a *auth.Context, resolved *controlplane.Resolved, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil && cfg.Metrics.Enabled {
		o.metrics = observability.NewMetrics()
	}
	if o.tracer == nil {
		o.tracer = observability.NoopTracer()
	}

	toolOpts := []tools.Option{
		tools.WithMetrics(o.metrics),
		tools.WithTracer(o.tracer),
		tools.WithLogger(logger),
	}
	if o.toolClient != nil {
		toolOpts = append(toolOpts, tools.WithHTTPClient(o.toolClient))
	}
	table, err := tools.Generate(a, resolved.Functions, resolved.Chains, toolOpts...)
	if err != nil {
		return nil, err
	}

	model := o.model
	if model == nil {
		model, err = agent.NewModel(a, cfg.Agent.Model, o.metrics, logger)
		if err != nil {
			return nil, err
		}
	}

	s := o.store
	if s == nil {
		if s, err = initStore(cfg, logger); err != nil {
			return nil, err
		}
	}

	remote := o.remote
	if remote == nil {
		remote = controlplane.NewClient(a, cfg.Name, nil, o.tracer, logger)
	}
	var ledger history.Ledger
	if s != nil {
		ledger = s
	}

	g := &Gateway{
		config: cfg,
		auth:   a,
		tools:  table,
		model:  model,
		loop: agent.NewLoop(model, table, agent.LoopOptions{
			SystemPrompt: cfg.Agent.Model.SystemPrompt,
			MaxSteps:     cfg.Agent.Model.MaxSteps,
			Tracer:       o.tracer,
			Logger:       logger,
		}),
		correlator: history.NewCorrelator(history.Info{
			Agent:       cfg.Name,
			Workspace:   cfg.Workspace,
			Environment: cfg.Environment,
		}, history.Options{
			Resolver:     table,
			FinalizedTTL: cfg.History.DedupeTTL,
			Metrics:      o.metrics,
			Logger:       logger,
		}),
		publisher: history.NewPublisher(remote, ledger, cfg.Server.RequestTimeout, o.metrics, o.tracer, logger),
		store:     s,
		metrics:   o.metrics,
		tracer:    o.tracer,
		logger:    logger.With("component", "gateway"),
	}

	if cfg.MCP.Enabled {
		g.mcpServer, err = mcp.NewServer(mcp.Config{
			Tools:   table,
			Tokens:  mcp.NewTokenStore(cfg.MCP.Tokens),
			Name:    cfg.Name,
			Version: Version,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating MCP server: %w", err)
		}
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g.logger.Info("gateway configured",
		"agent", cfg.Name,
		"tools", table.Len(),
		"origin", resolved.Origin,
		"model", model.Name(),
		"provider", model.Provider(),
		"ledger", s != nil,
		"mcp", g.mcpServer != nil,
	)
	return g, nil
}

// Tools returns the generated adapter table.
func (g *Gateway) Tools() *tools.Table { return g.tools }

// Handler builds the routed and wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints are never rate limited
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	limit := rateLimit(g.config.Server.RateLimit)
	timeout := requestTimeout(g.config.Server.RequestTimeout)

	mux.Handle("POST /{$}", limit(timeout(http.HandlerFunc(g.handleRun))))
	mux.Handle("GET /api/tools", limit(http.HandlerFunc(g.handleListTools)))
	mux.Handle("GET /api/history", limit(http.HandlerFunc(g.handleListHistories)))
	mux.Handle("GET /api/history/{id}", limit(http.HandlerFunc(g.handleGetHistory)))
	mux.Handle("GET /api/usage", limit(http.HandlerFunc(g.handleUsageStats)))

	if g.mcpServer != nil {
		mcpMux := http.NewServeMux()
		g.mcpServer.RegisterRoutes(mcpMux)
		mux.Handle("/mcp", limit(timeout(mcpMux)))
		mux.Handle("/mcp/", limit(timeout(mcpMux)))
	}

	return chain(mux,
		g.recoverPanics,
		g.correlate,
		g.accessLog,
	)
}

// Run listens on the configured address and blocks until ctx is cancelled.
// It returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled or the server fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the serving context is already done.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, waits for in-flight histories and
// background writes, then closes the ledger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.correlator.Close()

	drained := make(chan struct{})
	go func() {
		g.publisher.Wait()
		g.background.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background writes: %w", ctx.Err()))
	}

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady returns 200 once a usable credential is held.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if _, err := g.auth.Headers(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"tools":     g.tools.Len(),
		"in_flight": g.correlator.InFlight(),
	})
}
