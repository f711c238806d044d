// Package history reconstructs what happened during one request.
//
// # Steps
//
// The agent loop reports two kinds of Step: CallsInitiated (the model asked
// for one or more tool calls) and CallsCompleted (results came back). Step is
// a closed union; the correlator never inspects ad hoc keys.
//
// # Correlator
//
// Begin registers a History for a correlation id and starts a worker that
// owns it. Ingest appends a step to that worker's queue and returns at once,
// so the response path never waits on telemetry. Steps for one id are applied
// in the order they were ingested; different ids proceed independently.
//
// Finalize drains the queue, orders events by start time (ties keep arrival
// order), derives the status and evicts the entry:
//
//	no events          -> success
//	otherwise          -> status of the last event
//	cancelled request  -> failed
//
// Finalizing the same id again returns ErrAlreadyFinalized while the id is
// remembered, ErrUnknownRequest afterwards.
//
// # Anomalies
//
// A completion for a call that was never initiated is logged, counted and
// dropped. Events still running at finalize are logged and counted; they stay
// in the history as running.
//
// # Publishing
//
// Publisher writes a finalized History to the local ledger and the control
// plane. Both are best effort: failures are logged and counted, never retried
// and never surfaced to the client.
package history
