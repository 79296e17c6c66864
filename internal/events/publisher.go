// Package events implements the lifecycle event pipeline: a synchronous
// append to the audit log followed by asynchronous fan-out to registered
// handlers, the realtime broadcast sink, and the webhook notifier.
//
// Fan-out runs on bounded worker pools. A slow or failing consumer can delay
// or drop its own deliveries but never blocks the state change that produced
// the event.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"maestro/internal/async"
	"maestro/internal/domain/task"
	"maestro/internal/logging"
)

// Store persists events before any fan-out happens.
type Store interface {
	AppendTaskEvent(ctx context.Context, e *task.Event) error
}

// Directory resolves a project id to its display name and owning workspace.
// Lookups are cached; a stale name after a project rename is acceptable.
type Directory interface {
	ProjectRef(ctx context.Context, projectID string) (name, workspaceID string, err error)
}

// Handler consumes events by name. Handlers run on the pool; a panic inside
// one is recovered and logged without affecting the others.
type Handler func(ctx context.Context, e *task.Event, t *task.Task)

// Broadcast pushes an event to realtime subscribers of a project. The
// publisher depends on this narrow function type rather than on the
// connection hub itself.
type Broadcast func(projectID string, msg *Message)

// Notifier delivers events to external webhook targets for a workspace. The
// resolved project display name rides along so payloads need no store read.
type Notifier interface {
	Notify(ctx context.Context, workspaceID, projectName string, e *task.Event, t *task.Task) string
}

// Message is the envelope pushed to realtime subscribers.
type Message struct {
	Type        string         `json:"type"`
	TaskID      string         `json:"task_id"`
	TaskName    string         `json:"task_name,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	Status      string         `json:"status,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type projectRef struct {
	name        string
	workspaceID string
}

// Publisher fans lifecycle events out to handlers, the broadcast sink, and
// the notifier.
type Publisher struct {
	store     Store
	directory Directory
	notifier  Notifier
	logger    logging.Logger

	pool  *async.Pool
	cache *lru.Cache[string, projectRef]
	now   func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	broadcast Broadcast
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithNotifier attaches the webhook notifier.
func WithNotifier(n Notifier) Option {
	return func(p *Publisher) { p.notifier = n }
}

// WithPool overrides the fan-out pool, for tests.
func WithPool(pool *async.Pool) Option {
	return func(p *Publisher) { p.pool = pool }
}

// NewPublisher builds a publisher over the given store and directory.
func NewPublisher(store Store, directory Directory, logger logging.Logger, opts ...Option) *Publisher {
	logger = logging.OrNop(logger)
	cache, _ := lru.New[string, projectRef](512)
	p := &Publisher{
		store:     store,
		directory: directory,
		logger:    logger,
		cache:     cache,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pool == nil {
		p.pool = async.NewPool("events", 4, 512, logger)
	}
	return p
}

// RegisterHandler adds or replaces a named handler.
func (p *Publisher) RegisterHandler(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// UnregisterHandler removes a named handler.
func (p *Publisher) UnregisterHandler(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, name)
}

// RegisterBroadcast sets the realtime broadcast sink.
func (p *Publisher) RegisterBroadcast(b Broadcast) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = b
}

// Close drains the fan-out pool. Publish must not be called afterwards.
func (p *Publisher) Close() {
	p.pool.Close()
}

// Publish appends the event to the audit log synchronously, then schedules
// fan-out. An append failure aborts publication; fan-out failures are logged
// and dropped.
func (p *Publisher) Publish(ctx context.Context, eventType task.EventType, t *task.Task, userID string, details map[string]any) error {
	e := &task.Event{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Type:      eventType,
		UserID:    userID,
		Details:   details,
		CreatedAt: p.now(),
	}
	if err := p.store.AppendTaskEvent(ctx, e); err != nil {
		return fmt.Errorf("publish %s for %s: %w", eventType, t.ID, err)
	}

	snapshot := t.Clone()
	frozen := e.Clone()

	p.mu.RLock()
	handlers := make(map[string]Handler, len(p.handlers))
	for name, h := range p.handlers {
		handlers[name] = h
	}
	broadcast := p.broadcast
	p.mu.RUnlock()

	for name, h := range handlers {
		h := h
		p.submit("handler "+name, func() {
			h(context.Background(), frozen.Clone(), snapshot.Clone())
		})
	}

	if broadcast != nil && snapshot.ProjectID != "" {
		p.submit("broadcast", func() {
			name, _, err := p.lookupProject(snapshot.ProjectID)
			if err != nil {
				p.logger.Warn("broadcast: project %s lookup failed: %v", snapshot.ProjectID, err)
			}
			broadcast(snapshot.ProjectID, &Message{
				Type:        string(frozen.Type),
				TaskID:      snapshot.ID,
				TaskName:    snapshot.Name,
				ProjectID:   snapshot.ProjectID,
				ProjectName: name,
				Status:      string(snapshot.Status),
				Details:     frozen.Details,
				Timestamp:   frozen.CreatedAt,
			})
		})
	}

	if p.notifier != nil && snapshot.ProjectID != "" {
		p.submit("notify", func() {
			name, workspaceID, err := p.lookupProject(snapshot.ProjectID)
			if err != nil {
				p.logger.Warn("notify: project %s lookup failed: %v", snapshot.ProjectID, err)
				return
			}
			id := p.notifier.Notify(context.Background(), workspaceID, name, frozen.Clone(), snapshot.Clone())
			p.logger.Debug("event %s dispatched to webhooks as %s", frozen.ID, id)
		})
	}
	return nil
}

func (p *Publisher) submit(name string, fn func()) {
	if !p.pool.Submit(fn) {
		p.logger.Warn("event fan-out %s dropped: pool saturated", name)
	}
}

func (p *Publisher) lookupProject(id string) (name, workspaceID string, err error) {
	if ref, ok := p.cache.Get(id); ok {
		return ref.name, ref.workspaceID, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name, workspaceID, err = p.directory.ProjectRef(ctx, id)
	if err != nil {
		return "", "", err
	}
	p.cache.Add(id, projectRef{name: name, workspaceID: workspaceID})
	return name, workspaceID, nil
}

// Lifecycle helpers used by the queue. Failures are logged, not returned:
// the state change has already committed by the time these run.

func (p *Publisher) TaskCreated(ctx context.Context, t *task.Task) {
	p.publishLogged(ctx, task.EventCreated, t, t.CreatedBy, nil)
}

func (p *Publisher) TaskStarted(ctx context.Context, t *task.Task) {
	p.publishLogged(ctx, task.EventStarted, t, "", nil)
}

func (p *Publisher) TaskCompleted(ctx context.Context, t *task.Task, result map[string]any) {
	var details map[string]any
	if len(result) > 0 {
		details = map[string]any{"result": result}
	}
	p.publishLogged(ctx, task.EventCompleted, t, "", details)
}

func (p *Publisher) TaskFailed(ctx context.Context, t *task.Task) {
	var details map[string]any
	if t.Error != "" {
		details = map[string]any{"error": t.Error}
	}
	p.publishLogged(ctx, task.EventFailed, t, "", details)
}

func (p *Publisher) TaskCancelled(ctx context.Context, t *task.Task, userID string) {
	var details map[string]any
	if userID != "" {
		details = map[string]any{"user": userID}
	}
	p.publishLogged(ctx, task.EventCancelled, t, userID, details)
}

func (p *Publisher) TaskUpdated(ctx context.Context, t *task.Task, details map[string]any) {
	p.publishLogged(ctx, task.EventUpdated, t, "", details)
}

func (p *Publisher) publishLogged(ctx context.Context, eventType task.EventType, t *task.Task, userID string, details map[string]any) {
	if err := p.Publish(ctx, eventType, t, userID, details); err != nil {
		p.logger.Error("publish %s for %s: %v", eventType, t.ID, err)
	}
}
