// ABOUTME: The serve command: startup sequence and supervision of the server and token refresher
// ABOUTME: A refresh failure under the exit policy stops the server

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/sourcegraph/conc/pool"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/controlplane"
	"github.com/beamlit/agent-runtime/internal/gateway"
	"github.com/beamlit/agent-runtime/internal/observability"
)

// tracerFlushTimeout bounds the final span export on exit.
const tracerFlushTimeout = 5 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	printStartup(configPath, cfg)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	tracer, flushTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Name,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Workspace:      cfg.Workspace,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracerFlushTimeout)
		defer cancel()
		if err := flushTracer(flushCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	authCtx, err := auth.New(auth.SettingsFromConfig(cfg), nil, logger)
	if err != nil {
		return fmt.Errorf("configuring credentials: %w", err)
	}
	if err := authCtx.Init(ctx); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	client := controlplane.NewClient(authCtx, cfg.Name, nil, tracer, logger)
	resolved, err := controlplane.Resolve(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg, authCtx, resolved, logger,
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
		gateway.WithRemote(client),
	)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	logger.Info("starting agent-runtime",
		"agent", cfg.Name,
		"workspace", cfg.Workspace,
		"environment", cfg.Environment,
		"http_addr", cfg.Server.HTTPAddr,
		"auth_mode", authCtx.Mode(),
	)

	refresher := auth.NewRefresher(authCtx, cfg.Auth.RefreshFailure, cfg.Auth.RetryInterval, metrics, tracer, logger)

	// The first failure cancels the other task: a dead refresher under the
	// exit policy shuts the server down, and a server error stops refreshing.
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(refresher.Run)
	p.Go(gw.Run)
	return p.Wait()
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	source := configPath
	if source == "" {
		source = "environment"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("Agent:       %s (%s/%s)\n", cfg.Name, cfg.Workspace, cfg.Environment)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Model:       %s/%s\n", cfg.Agent.Model.Provider, cfg.Agent.Model.Model)
	if cfg.History.DatabasePath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:      %s\n", cfg.History.DatabasePath)
	}
	if cfg.MCP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("MCP:         /mcp")
		if len(cfg.MCP.Tokens) == 0 {
			yellow.Print(" [open]")
		}
		fmt.Println()
	}
	if cfg.IsDev() {
		yellow.Println("    ! dev run mode: error responses include stack traces")
	}
	fmt.Println()
}
