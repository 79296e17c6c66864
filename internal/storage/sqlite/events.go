package sqlite

import (
	"context"
	"database/sql"

	"maestro/internal/domain/task"
)

// AppendTaskEvent appends to the audit log. Events are immutable once
// written.
func (s *Store) AppendTaskEvent(ctx context.Context, e *task.Event) error {
	details, err := marshalJSON(e.Details)
	if err != nil {
		return fault("append task event", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, event_type, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, string(e.Type), nullStr(e.UserID), nullStr(details), fmtTime(created))
	if err != nil {
		return fault("append task event", err)
	}
	return nil
}

// TaskEvents returns the audit log for one task, most recent first.
func (s *Store) TaskEvents(ctx context.Context, taskID string, limit int) ([]*task.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `
		SELECT id, task_id, event_type, user_id, details, created_at
		FROM task_events WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, taskID, limit)
}

// RecentEvents returns the latest events across all tasks, most recent
// first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*task.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `
		SELECT id, task_id, event_type, user_id, details, created_at
		FROM task_events
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*task.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query task events", err)
	}
	defer rows.Close()

	var out []*task.Event
	for rows.Next() {
		var e task.Event
		var eventType, created string
		var userID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &eventType, &userID, &details, &created); err != nil {
			return nil, fault("scan task event", err)
		}
		e.Type = task.EventType(eventType)
		e.UserID = userID.String
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fault("scan task event", err)
		}
		if e.Details, err = unmarshalMap(details); err != nil {
			return nil, fault("scan task event", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
