// Package agent is the reference agent loop that drives the tool table.
//
// # Models
//
// Model is a single chat turn: messages and tool definitions in, one
// assistant message out. Two implementations talk to the platform model
// gateway at {run_url}/{workspace}/models/{model}:
//
//   - OpenAIModel uses go-openai (also used for mistral, which speaks the same protocol)
//   - AnthropicModel uses anthropic-sdk-go
//
// Both send requests through auth.Context.SignedClient so the gateway sees
// the same credential as tool calls, refreshed tokens included.
//
// # Loop
//
// Loop.Run is a ReAct loop bounded by max_steps:
//
//	model turn -> tool calls? -> emit CallsInitiated -> invoke all -> emit CallsCompleted -> repeat
//
// Tool failures are fed back to the model as error results; they never end
// the loop. A loop without tools calls the model once. When a called tool
// is marked return_direct its output becomes the final answer.
package agent
