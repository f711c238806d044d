// ABOUTME: Store interfaces and data types for the local history ledger
// ABOUTME: Finalized histories and per-request model token usage

package store

import (
	"context"
	"errors"
	"time"

	"github.com/beamlit/agent-runtime/internal/history"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// List limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// HistorySummary is one row of a history listing, without events
type HistorySummary struct {
	RequestID  string
	Agent      string
	Status     history.Status
	Start      time.Time
	End        *time.Time
	EventCount int
}

// TokenUsage is the model token consumption of one request
type TokenUsage struct {
	ID           string
	RequestID    string
	Agent        string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	ModelCalls   int
	CreatedAt    time.Time
}

// UsageFilter narrows usage statistics
type UsageFilter struct {
	Agent *string
	Since *time.Time
	Until *time.Time
}

// UsageStats aggregates TokenUsage rows
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	RequestCount int64
}

// HistoryStore persists finalized histories
type HistoryStore interface {
	// SaveHistory writes h, replacing a previous history with the same request id
	SaveHistory(ctx context.Context, h *history.History) error
	GetHistory(ctx context.Context, requestID string) (*history.History, error)
	// ListHistories returns the newest histories first
	ListHistories(ctx context.Context, limit int) ([]HistorySummary, error)
}

// UsageStore tracks model token usage
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetRequestUsage(ctx context.Context, requestID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is everything the runtime persists locally
type Store interface {
	HistoryStore
	UsageStore

	// Close releases any resources held by the store
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
