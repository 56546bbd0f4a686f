package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}
	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		user_id VARCHAR(255),
		data JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts an event. Re-inserting the same ID is a no-op.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		dataJSON, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	userID := sql.NullString{String: event.UserID(), Valid: event.UserID() != ""}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, event_type, user_id, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.Timestamp, string(event.EventType), userID, dataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search returns matching events, newest first.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := `SELECT id, timestamp, event_type, data FROM audit_events WHERE 1=1`

	args := []interface{}{}
	argCount := 1

	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, filter.Since)
		argCount++
	}

	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, filter.Until)
		argCount++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		args = append(args, pq.Array(types))
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event := &Event{}
		var eventType string
		var dataJSON []byte

		if err := rows.Scan(&event.ID, &event.Timestamp, &eventType, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.EventType = EventType(eventType)

		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Cleanup deletes events recorded before cutoff and reports how many went.
func (l *DBLogger) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the database handle is owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}
