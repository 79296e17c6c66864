// Package webhook delivers task lifecycle events to external chat services.
// Slack and Discord payload shapes are supported; delivery retries a fixed
// number of times with a per-attempt timeout.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"maestro/internal/async"
	"maestro/internal/domain/task"
	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

const (
	DefaultAttempts       = 3
	DefaultAttemptTimeout = 10 * time.Second

	retryPause = 2 * time.Second
)

// Store lists the webhook targets for a workspace.
type Store interface {
	ActiveWebhooks(ctx context.Context, workspaceID string) ([]*tenant.Webhook, error)
}

// Notifier fans one event out to every subscribed webhook of a workspace.
type Notifier struct {
	store   Store
	client  *http.Client
	logger  logging.Logger
	pool    *async.Pool
	metrics *metrics.Metrics

	attempts       int
	attemptTimeout time.Duration
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithClient overrides the HTTP client, for tests.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithAttempts sets how many delivery attempts each target gets.
func WithAttempts(attempts int) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
	}
}

// WithAttemptTimeout bounds each individual delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.attemptTimeout = d
		}
	}
}

// WithPool overrides the background delivery pool, for tests.
func WithPool(pool *async.Pool) Option {
	return func(n *Notifier) { n.pool = pool }
}

// WithMetrics records delivery outcomes per service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier builds a notifier over the given store.
func NewNotifier(store Store, logger logging.Logger, opts ...Option) *Notifier {
	logger = logging.OrNop(logger)
	n := &Notifier{
		store:          store,
		client:         &http.Client{},
		logger:         logger,
		attempts:       DefaultAttempts,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.pool == nil {
		n.pool = async.NewPool("webhooks", 4, 256, logger)
	}
	return n
}

// Close drains in-flight background deliveries.
func (n *Notifier) Close() {
	n.pool.Close()
}

// Notify schedules background delivery to every active, subscribed webhook of
// the workspace and returns a dispatch id for correlating the resulting log
// lines. Delivery failures never propagate to the caller.
func (n *Notifier) Notify(ctx context.Context, workspaceID, projectName string, e *task.Event, t *task.Task) string {
	dispatchID := uuid.NewString()
	event := e.Clone()
	snapshot := t.Clone()
	if !n.pool.Submit(func() {
		n.deliverAll(context.Background(), dispatchID, workspaceID, projectName, event, snapshot)
	}) {
		n.logger.Warn("webhook dispatch %s dropped: pool saturated", dispatchID)
	}
	return dispatchID
}

// NotifySync delivers to every target and waits, returning the first error.
// Targets are attempted concurrently.
func (n *Notifier) NotifySync(ctx context.Context, workspaceID, projectName string, e *task.Event, t *task.Task) error {
	targets, err := n.targets(ctx, workspaceID, e.Type)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range targets {
		w := w
		g.Go(func() error {
			return n.deliver(ctx, w, projectName, e, t)
		})
	}
	return g.Wait()
}

// Test sends a synthetic event to a single webhook so operators can verify
// the URL before enabling it.
func (n *Notifier) Test(ctx context.Context, w *tenant.Webhook) error {
	now := time.Now().UTC()
	e := &task.Event{
		ID:        uuid.NewString(),
		TaskID:    "test",
		Type:      task.EventComment,
		Details:   map[string]any{"message": "webhook connectivity test"},
		CreatedAt: now,
	}
	t := &task.Task{
		ID:        "test",
		Name:      "Webhook connectivity test",
		Status:    task.StatusCompleted,
		CreatedAt: now,
	}
	return n.deliver(ctx, w, "", e, t)
}

func (n *Notifier) deliverAll(ctx context.Context, dispatchID, workspaceID, projectName string, e *task.Event, t *task.Task) {
	targets, err := n.targets(ctx, workspaceID, e.Type)
	if err != nil {
		n.logger.Error("dispatch %s: listing webhooks for workspace %s: %v", dispatchID, workspaceID, err)
		return
	}
	for _, w := range targets {
		if err := n.deliver(ctx, w, projectName, e, t); err != nil {
			n.logger.Error("dispatch %s: webhook %s (%s): %v", dispatchID, w.ID, w.Service, err)
		} else {
			n.logger.Debug("dispatch %s: webhook %s delivered", dispatchID, w.ID)
		}
	}
}

func (n *Notifier) targets(ctx context.Context, workspaceID string, eventType task.EventType) ([]*tenant.Webhook, error) {
	hooks, err := n.store.ActiveWebhooks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := hooks[:0]
	for _, w := range hooks {
		if w.Subscribed(eventType) {
			out = append(out, w)
		}
	}
	return out, nil
}

// deliver posts the service-specific payload, retrying on any failure with a
// short pause between attempts.
func (n *Notifier) deliver(ctx context.Context, w *tenant.Webhook, projectName string, e *task.Event, t *task.Task) (err error) {
	defer func() { n.record(string(w.Service), err) }()

	var payload []byte
	switch w.Service {
	case tenant.WebhookSlack:
		payload, err = slackPayload(e, t, projectName)
	case tenant.WebhookDiscord:
		payload, err = discordPayload(e, t, projectName)
	default:
		return fmt.Errorf("unsupported webhook service %q", w.Service)
	}
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
		if lastErr = n.post(ctx, w.URL, payload); lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook %s attempt %d/%d failed: %v", w.ID, attempt, n.attempts, lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", n.attempts, lastErr)
}

func (n *Notifier) record(service string, err error) {
	if n.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	n.metrics.WebhookDelivery(service, result)
}

func (n *Notifier) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
