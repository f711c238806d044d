// ABOUTME: Entry point for agent-runtime, the tool-calling agent server
// ABOUTME: Builds the cobra command tree and the colorized slog handler

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _                          _   _
  __ _  __ _  ___ _ __ | |_      _ __ _   _ _ __ | |_(_)_ __ ___   ___
 / _' |/ _' |/ _ \ '_ \| __|____| '__| | | | '_ \| __| | '_ ' _ \ / _ \
| (_| | (_| |  __/ | | | ||_____| |  | |_| | | | | |_| | | | | | |  __/
 \__,_|\__, |\___|_| |_|\__|    |_|   \__,_|_| |_|\__|_|_| |_| |_|\___|
       |___/
`

// defaultConfigName is looked up in the working directory when neither
// --config nor BL_CONFIG is given.
const defaultConfigName = "agent-runtime.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	gateway.Version = version

	rootCmd := &cobra.Command{
		Use:   "agent-runtime",
		Short: "Serve an agent that calls remote functions and chained agents as tools",
		Long: `agent-runtime turns function and agent descriptors into callable tools,
runs a tool-calling agent over them and records a history of every call.

Configuration comes from a YAML or TOML file, overridden by BL_* variables.
Without a file the runtime is configured from the environment alone.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML or TOML configuration file (or set BL_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildHistoryCmd(),
		buildHealthCmd(),
	)
	return rootCmd
}

// resolveConfigPath returns the config file to load, or "" to configure from
// the environment. Priority: --config > BL_CONFIG > ./agent-runtime.yaml.
func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("BL_CONFIG")); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// loadConfig loads path, or the environment when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return nil, fmt.Errorf("loading config from environment: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	// mu is shared by every handler derived from the root one
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(color.Output, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{mu: h.mu, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: newGroups}
}
