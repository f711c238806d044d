// Package mcp exposes the generated tool table over the Model Context Protocol.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over the Streamable HTTP transport on a
// single endpoint:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call and notifications
//   - DELETE /mcp - terminate a session (Mcp-Session-Id header)
//
// initialize returns an Mcp-Session-Id header that every later request must
// carry. Server-initiated streams (GET) are not supported.
//
// # Authentication
//
// When mcp.tokens is configured, initialize requires one of the tokens, given
// as /mcp/<token>, ?token=<token> or "Authorization: Bearer <token>". Each
// token may list the tools it can see and call:
//
//	mcp:
//	  enabled: true
//	  tokens:
//	    - token: ${MCP_TOKEN}
//	      tools: [beamlit_math, beamlit_list_branches]
//
// Without tokens the endpoint is open and every tool is visible.
//
// # Tool Execution
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {"name": "beamlit_math", "arguments": {"query": "2+2"}},
//	  "id": 2
//	}
//
// Failures of the tool itself (validation, non-2xx responses) come back as a
// result with isError set so the calling model can read them. Unknown tools
// and transport problems are JSON-RPC errors.
package mcp
