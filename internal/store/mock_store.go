// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamlit/agent-runtime/internal/history"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	histories map[string]*history.History // keyed by request ID
	usage     []*TokenUsage

	// SaveErr, when set, is returned by SaveHistory.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		histories: make(map[string]*history.History),
	}
}

func copyHistory(h *history.History) *history.History {
	cp := *h
	cp.Events = append([]history.Event{}, h.Events...)
	return &cp
}

// SaveHistory stores a copy of h.
func (m *MockStore) SaveHistory(ctx context.Context, h *history.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.histories[h.RequestID] = copyHistory(h)
	return nil
}

// GetHistory returns a copy of the stored history.
func (m *MockStore) GetHistory(ctx context.Context, requestID string) (*history.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyHistory(h), nil
}

// ListHistories returns summaries newest first.
func (m *MockStore) ListHistories(ctx context.Context, limit int) ([]HistorySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]HistorySummary, 0, len(m.histories))
	for _, h := range m.histories {
		summaries = append(summaries, HistorySummary{
			RequestID:  h.RequestID,
			Agent:      h.Agent,
			Status:     h.Status,
			Start:      h.Start,
			End:        h.End,
			EventCount: len(h.Events),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Start.After(summaries[j].Start)
	})

	if limit = clampLimit(limit); len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// SaveUsage stores a copy of usage.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage == nil {
		return errors.New("nil usage")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// GetRequestUsage returns the usage rows of one request.
func (m *MockStore) GetRequestUsage(ctx context.Context, requestID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TokenUsage
	for _, u := range m.usage {
		if u.RequestID == requestID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUsageStats aggregates the stored usage rows.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	requests := map[string]struct{}{}
	for _, u := range m.usage {
		if filter.Agent != nil && u.Agent != *filter.Agent {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalInput += u.InputTokens
		stats.TotalOutput += u.OutputTokens
		requests[u.RequestID] = struct{}{}
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	stats.RequestCount = int64(len(requests))
	return &stats, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
