// ABOUTME: SQLite persistence of finalized request histories
// ABOUTME: A history row plus one history_events row per event, written in one transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/beamlit/agent-runtime/internal/history"
)

// SaveHistory writes h and its events. A history already stored under the
// same request id is replaced.
func (s *SQLiteStore) SaveHistory(ctx context.Context, h *history.History) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM histories WHERE request_id = ?`, h.RequestID); err != nil {
		return fmt.Errorf("replacing history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO histories (request_id, agent, workspace, environment, status, started_at, ended_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.RequestID,
		h.Agent,
		h.Workspace,
		h.Environment,
		string(h.Status),
		h.Start.UTC().Format(timeLayout),
		nullTime(h.End),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}

	for i, ev := range h.Events {
		var params any
		if len(ev.Parameters) > 0 {
			raw, err := json.Marshal(ev.Parameters)
			if err != nil {
				return fmt.Errorf("encoding parameters of event %s: %w", ev.ID, err)
			}
			params = string(raw)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO history_events (
				request_id, position, event_id, name, type, sub_function, parameters_json,
				started_at, ended_at, status, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			h.RequestID,
			i,
			ev.ID,
			ev.Name,
			string(ev.Type),
			nullString(ev.SubFunction),
			params,
			ev.Start.UTC().Format(timeLayout),
			nullTime(ev.End),
			string(ev.Status),
			nullString(ev.Error),
		)
		if err != nil {
			return fmt.Errorf("inserting event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history: %w", err)
	}

	s.logger.Debug("saved history",
		"request_id", h.RequestID,
		"status", h.Status,
		"events", len(h.Events),
	)
	return nil
}

// GetHistory loads a history with its events in stored order.
// Returns ErrNotFound if no history exists for requestID.
func (s *SQLiteStore) GetHistory(ctx context.Context, requestID string) (*history.History, error) {
	h := &history.History{Events: []history.Event{}}
	var status, startStr string
	var endStr sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, agent, workspace, environment, status, started_at, ended_at
		FROM histories
		WHERE request_id = ?
	`, requestID).Scan(
		&h.RequestID,
		&h.Agent,
		&h.Workspace,
		&h.Environment,
		&status,
		&startStr,
		&endStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}

	h.Status = history.Status(status)
	if h.Start, err = time.Parse(timeLayout, startStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if h.End, err = parseNullTime(endStr); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, name, type, sub_function, parameters_json, started_at, ended_at, status, error
		FROM history_events
		WHERE request_id = ?
		ORDER BY position ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying history events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		h.Events = append(h.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return h, nil
}

func scanEvent(rows *sql.Rows) (history.Event, error) {
	var ev history.Event
	var typ, status, startStr string
	var sub, params, endStr, errText sql.NullString

	if err := rows.Scan(&ev.ID, &ev.Name, &typ, &sub, &params, &startStr, &endStr, &status, &errText); err != nil {
		return ev, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Type = history.EventType(typ)
	ev.Status = history.Status(status)
	ev.SubFunction = sub.String
	ev.Error = errText.String

	var err error
	if ev.Start, err = time.Parse(timeLayout, startStr); err != nil {
		return ev, fmt.Errorf("parsing event started_at: %w", err)
	}
	if ev.End, err = parseNullTime(endStr); err != nil {
		return ev, fmt.Errorf("parsing event ended_at: %w", err)
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &ev.Parameters); err != nil {
			return ev, fmt.Errorf("decoding event parameters: %w", err)
		}
	}
	return ev, nil
}

// ListHistories returns summaries of the most recent histories, newest first.
func (s *SQLiteStore) ListHistories(ctx context.Context, limit int) ([]HistorySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.request_id, h.agent, h.status, h.started_at, h.ended_at,
		       (SELECT COUNT(*) FROM history_events e WHERE e.request_id = h.request_id)
		FROM histories h
		ORDER BY h.started_at DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing histories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []HistorySummary{}
	for rows.Next() {
		var sum HistorySummary
		var status, startStr string
		var endStr sql.NullString
		if err := rows.Scan(&sum.RequestID, &sum.Agent, &status, &startStr, &endStr, &sum.EventCount); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		sum.Status = history.Status(status)
		if sum.Start, err = time.Parse(timeLayout, startStr); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if sum.End, err = parseNullTime(endStr); err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return summaries, nil
}
