// ABOUTME: Run functions for the tools, history and health commands
// ABOUTME: Output is colorized text, or JSON where a flag asks for it

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/controlplane"
	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/store"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// healthTimeout bounds the health probe.
const healthTimeout = 5 * time.Second

// quietLogger keeps command output readable: only warnings and errors.
func quietLogger() *slog.Logger {
	return setupLogger(config.LoggingConfig{Level: "warn"})
}

type toolRow struct {
	Name         string          `json:"name"`
	Kind         tools.Kind      `json:"kind"`
	Endpoint     string          `json:"endpoint"`
	Description  string          `json:"description,omitempty"`
	ReturnDirect bool            `json:"return_direct,omitempty"`
	Parameters   json.RawMessage `json:"parameters"`
}

func runTools(ctx context.Context, out io.Writer, configPath string, jsonOutput bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := quietLogger()

	authCtx, err := auth.New(auth.SettingsFromConfig(cfg), nil, logger)
	if err != nil {
		return fmt.Errorf("configuring credentials: %w", err)
	}
	if err := authCtx.Init(ctx); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	client := controlplane.NewClient(authCtx, cfg.Name, nil, nil, logger)
	resolved, err := controlplane.Resolve(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	table, err := tools.Generate(authCtx, resolved.Functions, resolved.Chains, tools.WithLogger(logger))
	if err != nil {
		return err
	}

	adapters := table.Adapters()
	rows := make([]toolRow, len(adapters))
	for i, a := range adapters {
		rows[i] = toolRow{
			Name:         a.ID(),
			Kind:         a.Kind(),
			Endpoint:     a.EndpointPath(),
			Description:  a.Description(),
			ReturnDirect: a.ReturnDirect(),
			Parameters:   a.JSONSchema(),
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No tools configured.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(out, "%d tools (descriptors from %s)\n\n", len(rows), resolved.Origin)
	for _, r := range rows {
		cyan.Fprint(out, "  "+r.Name)
		gray.Fprintf(out, "  [%s] %s", r.Kind, r.Endpoint)
		if r.ReturnDirect {
			yellow.Fprint(out, " (return direct)")
		}
		fmt.Fprintln(out)
		if r.Description != "" {
			fmt.Fprintf(out, "      %s\n", r.Description)
		}
	}
	return nil
}

func runHistory(ctx context.Context, out io.Writer, configPath, requestID string, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.History.DatabasePath == "" {
		return fmt.Errorf("%w: history.database_path is not set", config.ErrConfiguration)
	}

	s, err := store.NewSQLiteStore(cfg.History.DatabasePath, quietLogger())
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer s.Close()

	if requestID != "" {
		return printHistory(ctx, out, s, requestID)
	}

	summaries, err := s.ListHistories(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing histories: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No histories recorded.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, h := range summaries {
		statusColor(h.Status).Fprintf(out, "  %-8s", h.Status)
		fmt.Fprintf(out, " %s", h.RequestID)
		gray.Fprintf(out, "  %s  %d events", h.Start.Local().Format(time.DateTime), h.EventCount)
		if h.End != nil {
			gray.Fprintf(out, "  %s", h.End.Sub(h.Start).Round(time.Millisecond))
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printHistory(ctx context.Context, out io.Writer, s store.Store, requestID string) error {
	h, err := s.GetHistory(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no history for request %s", requestID)
	}
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	usage, err := s.GetRequestUsage(ctx, requestID)
	if err != nil {
		return fmt.Errorf("reading usage: %w", err)
	}

	doc := struct {
		*history.History
		Usage []*store.TokenUsage `json:"usage,omitempty"`
	}{History: h, Usage: usage}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func statusColor(s history.Status) *color.Color {
	switch s {
	case history.StatusSuccess:
		return color.New(color.FgGreen)
	case history.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func runHealth(ctx context.Context, out io.Writer, configPath, addr string, ready bool) error {
	if addr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		addr = cfg.Server.HTTPAddr
	}

	path := "/health"
	if ready {
		path = "/health/ready"
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+dialAddr(addr)+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if ready {
		fmt.Fprintln(out, strings.TrimSpace(string(body)))
		return nil
	}
	color.New(color.FgGreen).Fprintln(out, "healthy")
	return nil
}

// dialAddr turns a listen address into one a client can connect to.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
