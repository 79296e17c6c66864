package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maestro/internal/domain/task"
	"maestro/internal/domain/tenant"
)

// ErrWebhookNotFound indicates the referenced webhook id does not exist.
var ErrWebhookNotFound = errors.New("webhook not found")

// CreateWebhook registers a webhook subscription for a workspace.
func (s *Store) CreateWebhook(ctx context.Context, w *tenant.Webhook) error {
	events, err := marshalJSON(w.Events)
	if err != nil {
		return fault("create webhook", err)
	}
	created := w.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, workspace_id, service, url, events, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WorkspaceID, string(w.Service), w.URL, nullStr(events), boolInt(w.Active), fmtTime(created))
	if err != nil {
		return fault("create webhook", err)
	}
	return nil
}

// GetWebhook returns the webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*tenant.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, service, url, events, active, created_at
		FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	if err != nil {
		return nil, fault("get webhook", err)
	}
	return w, nil
}

// ListWebhooks returns a workspace's webhooks, oldest first.
func (s *Store) ListWebhooks(ctx context.Context, workspaceID string) ([]*tenant.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, workspace_id, service, url, events, active, created_at
		FROM webhooks WHERE workspace_id = ? ORDER BY created_at, id`, workspaceID)
}

// ActiveWebhooks returns a workspace's active webhooks, oldest first. The
// notifier filters these by subscribed event type.
func (s *Store) ActiveWebhooks(ctx context.Context, workspaceID string) ([]*tenant.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, workspace_id, service, url, events, active, created_at
		FROM webhooks WHERE workspace_id = ? AND active = 1 ORDER BY created_at, id`, workspaceID)
}

// SetWebhookActive toggles delivery for a webhook.
func (s *Store) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fault("set webhook active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return nil
}

// DeleteWebhook removes a webhook subscription.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fault("delete webhook", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrWebhookNotFound)
	}
	return nil
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]*tenant.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query webhooks", err)
	}
	defer rows.Close()

	var out []*tenant.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fault("scan webhook", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (*tenant.Webhook, error) {
	var w tenant.Webhook
	var service, created string
	var events sql.NullString
	var active int
	if err := row.Scan(&w.ID, &w.WorkspaceID, &service, &w.URL, &events, &active, &created); err != nil {
		return nil, err
	}
	w.Service = tenant.WebhookService(service)
	w.Active = active != 0
	var err error
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	raw, err := unmarshalStrings(events)
	if err != nil {
		return nil, err
	}
	for _, e := range raw {
		w.Events = append(w.Events, task.EventType(e))
	}
	return &w, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
