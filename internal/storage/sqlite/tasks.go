package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maestro/internal/domain/task"
)

const taskColumns = `id, name, description, service, payload, priority, status,
	dependencies, metadata, created_at, started_at, completed_at, result,
	error, retry_count, project_id, created_by, version`

// SaveTask upserts the task by id, overwriting all fields.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return fault("save task", err)
	}
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return fault("save task", err)
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return fault("save task", err)
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return fault("save task", err)
	}

	version := t.Version
	if version <= 0 {
		version = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			service = excluded.service,
			payload = excluded.payload,
			priority = excluded.priority,
			status = excluded.status,
			dependencies = excluded.dependencies,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error,
			retry_count = excluded.retry_count,
			project_id = excluded.project_id,
			created_by = excluded.created_by,
			version = excluded.version`,
		t.ID, t.Name, t.Description, t.Service, nullStr(payload), t.Priority, string(t.Status),
		nullStr(deps), nullStr(meta), fmtTime(t.CreatedAt), fmtNullTime(t.StartedAt),
		fmtNullTime(t.CompletedAt), nullStr(result), nullStr(t.Error), t.RetryCount,
		nullStr(t.ProjectID), nullStr(t.CreatedBy), version,
	)
	if err != nil {
		return fault("save task", err)
	}
	return nil
}

// GetTask returns a snapshot of the task, or task.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fault("get task", err)
	}
	return t, nil
}

// ListTasks returns every task, ordered by (priority, created_at, id).
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY priority, created_at, id`)
}

// TasksByStatus returns tasks in the given status ordered by
// (priority, created_at, id).
func (s *Store) TasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY priority, created_at, id`,
		string(status))
}

// TasksByProject returns tasks belonging to a project, newest first.
func (s *Store) TasksByProject(ctx context.Context, projectID string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		projectID, limit)
}

// UpdateTaskStatus moves the task into status and returns the post-update
// snapshot. The first transition into running stamps started_at; any
// transition into a terminal state stamps completed_at. Result and errText
// overwrite the stored result/error when non-zero.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, result map[string]any, errText string) (*task.Task, error) {
	now := fmtTime(s.now())

	resultJSON, err := marshalJSON(result)
	if err != nil {
		return nil, fault("update task status", err)
	}

	err = s.inTx(ctx, "update task status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?,
				started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
				completed_at = CASE WHEN ? IN ('completed','failed','cancelled') THEN ? ELSE completed_at END
			 WHERE id = ?`,
			string(status), string(status), now, string(status), now, id)
		if err != nil {
			return fault("update task status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fault("update task status", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
		}
		if resultJSON != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET result = ? WHERE id = ?`, resultJSON, id); err != nil {
				return fault("update task result", err)
			}
		}
		if errText != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET error = ? WHERE id = ?`, errText, id); err != nil {
				return fault("update task error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// BumpTaskVersion atomically increments the task's version and returns the
// new value, for optimistic compare-and-swap flows.
func (s *Store) BumpTaskVersion(ctx context.Context, id string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET version = version + 1 WHERE id = ? RETURNING version`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return 0, fault("bump task version", err)
	}
	return version, nil
}

// DeleteTask removes a task and, via cascade, its events.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fault("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fault("count tasks", err)
	}
	defer rows.Close()

	out := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fault("count tasks", err)
		}
		out[task.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query tasks", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault("scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var payload, deps, meta, result, errText, started, completed, projectID, createdBy sql.NullString
	var status, created string

	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Service, &payload, &t.Priority,
		&status, &deps, &meta, &created, &started, &completed, &result, &errText,
		&t.RetryCount, &projectID, &createdBy, &t.Version)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.ProjectID = projectID.String
	t.CreatedBy = createdBy.String
	t.Error = errText.String

	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if t.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if t.Result, err = unmarshalMap(result); err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalStringMap(meta); err != nil {
		return nil, err
	}
	if t.Dependencies, err = unmarshalStrings(deps); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
