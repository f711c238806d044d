// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for agent-runtime.
//
// Metrics live on a private registry so tests and multiple runtimes in one
// process never collide on the default registerer. Every recording method is
// safe to call on a nil *Metrics, which lets components accept an optional
// metrics sink without branching.
//
// Tracing exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise.
package observability
