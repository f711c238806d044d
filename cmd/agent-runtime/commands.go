// ABOUTME: Cobra command definitions for agent-runtime
// ABOUTME: Each builder wires flags to a run function in handlers.go or serve.go

package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the agent server.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		Long: `Start the agent server.

The server will:
1. Load configuration from the file or the environment
2. Authenticate, exchanging client credentials when configured
3. Resolve function and agent descriptors
4. Generate one tool per function, kit operation and chained agent
5. Serve POST / and the introspection endpoints until SIGINT/SIGTERM`,
		Example: `  # Start with a config file
  agent-runtime serve --config agent.yaml

  # Start from BL_* environment variables only
  BL_WORKSPACE=acme BL_API_KEY=... agent-runtime serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildToolsCmd creates the "tools" command that prints the generated tool table.
func buildToolsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Resolve descriptors and print the generated tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(cmd), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print tools as JSON")
	return cmd
}

// buildHistoryCmd creates the "history" command that reads the local ledger.
func buildHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [request-id]",
		Short: "List recent histories, or print one, from the local ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID := ""
			if len(args) == 1 {
				requestID = args[0]
			}
			return runHistory(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(cmd), requestID, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of histories to list")
	return cmd
}

// buildHealthCmd creates the "health" command that probes a running server.
func buildHealthCmd() *cobra.Command {
	var (
		addr  string
		ready bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(cmd), addr, ready)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: server.http_addr)")
	cmd.Flags().BoolVar(&ready, "ready", false, "Check readiness instead of liveness")
	return cmd
}
