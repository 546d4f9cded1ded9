package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresSink writes events to the audit_events table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, e Event) error {
	e = prepare(e, time.Now().UTC())
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (intent_id, name, payload, created_at)
		VALUES ($1, $2, $3::JSONB, $4)
	`, e.IntentID, e.Name, string(payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PostgresSink) Query(ctx context.Context, intentID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, name, COALESCE(payload::TEXT, '{}'), created_at
		FROM audit_events
		WHERE intent_id = $1
		ORDER BY id ASC
	`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			raw string
		)
		if err := rows.Scan(&e.ID, &e.IntentID, &e.Name, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("audit: decode payload of event %d: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
