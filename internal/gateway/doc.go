// Package gateway serves one agent over HTTP.
//
// # Overview
//
// The Gateway owns every runtime component: the generated tool table, the
// model client and agent loop, the history correlator and publisher, the
// optional SQLite ledger and the optional MCP server.
//
//	type Gateway struct {
//	    tools      *tools.Table
//	    loop       *agent.Loop
//	    correlator *history.Correlator
//	    publisher  *history.Publisher
//	    store      store.Store
//	    mcpServer  *mcp.Server
//	    // ... and more
//	}
//
// # HTTP API
//
//   - POST / - Run the agent. Body {"input": "..."} ("inputs" is accepted too)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (503 without a usable credential)
//   - GET /metrics - Prometheus metrics, when enabled
//   - GET /api/tools - Generated tools with their JSON schemas
//   - GET /api/history - Recent histories from the ledger
//   - GET /api/history/{id} - One history with its token usage
//   - GET /api/usage - Aggregated token usage (agent, since, until filters)
//   - /mcp - Model Context Protocol endpoint, when enabled
//
// The run endpoint answers with the final text as text/plain. With
// ?debug=true it returns a JSON document carrying the loop steps, the model
// conversation and the finalized history.
//
// # Correlation
//
// Every request carries a correlation id taken from X-Request-Id or
// generated. It is echoed back, forwarded to every tool call and used as the
// history request id. A second run with an id that is still in flight gets
// 409 Conflict.
//
// # Error Responses
//
// Configuration and validation failures are 400. Timeouts are 504. Any
// other failure is 500 with {"error": "Internal server error"}; in dev run
// mode the body also carries "detail" and "traceback".
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, authCtx, resolved, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown stops the HTTP server, then waits for queued histories and usage
// writes before closing the ledger.
package gateway
