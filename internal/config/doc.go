// Package config handles configuration loading for agent-runtime.
//
// # Overview
//
// Configuration is loaded from a beamlit.yaml (or .toml) file, after which
// BL_* environment variables override individual fields. A runtime may also
// start from the environment alone via LoadFromEnv.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  client_credentials: "${BEAMLIT_CREDENTIALS}"
//
// # Overrides
//
// The following variables take precedence over the file:
//
//	BL_NAME, BL_WORKSPACE, BL_ENVIRONMENT, BL_TYPE, BL_BASE_URL, BL_RUN_URL,
//	BL_RUN_MODE, BL_API_KEY, BL_JWT, BL_JWT_EXPIRES_IN, BL_CLIENT_CREDENTIALS,
//	BL_AGENT_FUNCTIONS, BL_AGENT_CHAIN, BL_FUNCTIONS (comma separated), ...
//
// # Defaults
//
//	name:        dev-name
//	environment: production
//	base_url:    https://api.beamlit.dev/v0
//	run_url:     https://run.beamlit.dev
//
// workspace, environment, name and type are required. Every validation
// failure wraps ErrConfiguration and is fatal at startup.
//
// # Inline Descriptors
//
// agent.agent_functions and agent.agent_chain may be given as a JSON string
// (the usual form when set through BL_AGENT_FUNCTIONS) or as native YAML/TOML
// structure; both are normalized to JSON text.
package config
