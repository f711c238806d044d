// ABOUTME: SQLite implementation for per-request model token usage
// ABOUTME: Stores and aggregates token consumption reported by the agent loop

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a token usage record. An empty ID is filled with a new UUID.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_usage (
			id, request_id, agent, provider, model,
			input_tokens, output_tokens, model_calls, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		usage.ID,
		usage.RequestID,
		usage.Agent,
		usage.Provider,
		usage.Model,
		usage.InputTokens,
		usage.OutputTokens,
		usage.ModelCalls,
		usage.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"request_id", usage.RequestID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetRequestUsage retrieves all usage records for a request.
func (s *SQLiteStore) GetRequestUsage(ctx context.Context, requestID string) ([]*TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, agent, provider, model,
		       input_tokens, output_tokens, model_calls, created_at
		FROM request_usage
		WHERE request_id = ?
		ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying request usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(DISTINCT request_id)
		FROM request_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.Agent != nil {
		query += " AND agent = ?"
		args = append(args, *filter.Agent)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}

	var stats UsageStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.TotalInput, &stats.TotalOutput, &stats.RequestCount); err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

// scanUsage scans a single usage row into a TokenUsage struct.
func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.RequestID,
		&usage.Agent,
		&usage.Provider,
		&usage.Model,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.ModelCalls,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	usage.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &usage, nil
}
