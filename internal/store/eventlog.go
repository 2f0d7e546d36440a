package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent appends one audit event with the next per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventsTx(ctx, tx, event.ExecutionID, []*Event{event}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// appendEventsTx writes events inside the caller's transaction so the audit
// row commits (or rolls back) with the state change it describes.
// Sequences are contiguous per execution, starting at 1.
func appendEventsTx(ctx context.Context, tx *sql.Tx, executionID string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	for _, event := range events {
		if event == nil {
			continue
		}
		seq++
		event.ExecutionID = executionID
		event.Sequence = seq
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		var payload any
		if len(event.Payload) > 0 {
			payload = string(event.Payload)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			executionID, nullStr(event.StepID), event.Type, payload, toMillis(event.Timestamp), seq,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
	}
	return nil
}

// ListEvents returns an execution's events with sequence > since, in order.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Timestamp = fromMillis(ts)
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
