// Package store keeps a local ledger of finalized request histories and
// model token usage using SQLite.
//
// The ledger complements the control-plane history upload: it is written
// for every published history, survives restarts and backs the
// /api/history endpoints and the "history" CLI command.
//
// # Schema
//
//   - histories: one row per request id (status, agent, start, end)
//   - history_events: the ordered events of a history, keyed by position
//   - request_usage: model tokens consumed by a request
//
// Timestamps are stored as fixed-width UTC strings so ORDER BY on them is
// chronological.
//
// MockStore is an in-memory implementation for tests.
package store
