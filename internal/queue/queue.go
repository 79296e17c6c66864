// Package queue implements the dependency-aware task scheduler: admission,
// ready-set dispatch under a concurrency cap, retry-with-requeue on failure,
// and crash recovery on startup.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain/task"
	"maestro/internal/graph"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// recoveredAtKey marks tasks demoted from running back to queued during
// startup recovery so operators can spot interrupted work.
const recoveredAtKey = "recovered_from_running_at"

// Store is the persistence the queue drives.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, result map[string]any, errText string) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CountTasksByStatus(ctx context.Context) (map[task.Status]int, error)
}

// Publisher receives lifecycle notifications after state changes commit.
// Implementations must not block the caller.
type Publisher interface {
	TaskCreated(ctx context.Context, t *task.Task)
	TaskStarted(ctx context.Context, t *task.Task)
	TaskCompleted(ctx context.Context, t *task.Task, result map[string]any)
	TaskFailed(ctx context.Context, t *task.Task)
	TaskCancelled(ctx context.Context, t *task.Task, userID string)
	TaskUpdated(ctx context.Context, t *task.Task, details map[string]any)
}

// Config bounds scheduler behavior.
type Config struct {
	// MaxConcurrent caps tasks in running state at once. Zero or negative
	// falls back to 4.
	MaxConcurrent int
	// DefaultPriority is stamped on registered tasks with priority zero.
	DefaultPriority int
	// MaxRetries bounds automatic requeue on failure. Zero means fail
	// terminally on the first error.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 5
	}
	return c
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	ByStatus map[task.Status]int `json:"by_status"`
	Running  int                 `json:"running"`
	InGraph  int                 `json:"in_graph"`
	Ready    int                 `json:"ready"`
}

// Queue coordinates the graph, the store, and the publisher under one mutex
// so that admission, dispatch, and completion interleave safely.
type Queue struct {
	cfg    Config
	store  Store
	graph  *graph.Graph
	pub    Publisher
	logger logging.Logger

	mu      chan struct{} // acquired with context awareness
	running int
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option customises a Queue.
type Option func(*Queue)

// WithMetrics attaches collectors updated on every scheduler transition.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New builds a queue. Initialize must be called before scheduling.
func New(cfg Config, store Store, pub Publisher, logger logging.Logger, opts ...Option) *Queue {
	q := &Queue{
		cfg:    cfg.withDefaults(),
		store:  store,
		graph:  graph.New(),
		pub:    pub,
		logger: logging.OrNop(logger),
		mu:     make(chan struct{}, 1),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// observe records a transition into status and refreshes the scheduler
// gauges. Callers hold the queue mutex.
func (q *Queue) observe(status task.Status) {
	if q.metrics == nil {
		return
	}
	q.metrics.TaskTransition(string(status))
	q.metrics.SetGraphSize(q.graph.Len(), q.running)
}

func (q *Queue) observeDuration(t *task.Task) {
	if q.metrics == nil || t.StartedAt == nil {
		return
	}
	q.metrics.ObserveTaskDuration(q.now().Sub(*t.StartedAt))
}

// SetClock overrides the time source, for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) lock(ctx context.Context) error {
	select {
	case q.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) unlock() { <-q.mu }

// Initialize rebuilds scheduler state from the store after a restart:
// completed tasks seed the satisfaction set, pending/queued/failed tasks
// re-enter the graph, and tasks found running are demoted to queued with a
// recovery marker since their workers did not survive the restart.
func (q *Queue) Initialize(ctx context.Context) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	tasks, err := q.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("queue initialize: %w", err)
	}

	q.graph = graph.New()
	q.running = 0

	var recovered, admitted int
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			q.graph.MarkComplete(t.ID)
		case task.StatusCancelled:
			// terminal and removed; dependents see the id as externally
			// satisfied
		case task.StatusRunning:
			demoted := t.Clone()
			demoted.Status = task.StatusQueued
			if demoted.Metadata == nil {
				demoted.Metadata = make(map[string]string, 1)
			}
			demoted.Metadata[recoveredAtKey] = q.now().Format(time.RFC3339Nano)
			if err := q.store.SaveTask(ctx, demoted); err != nil {
				return fmt.Errorf("queue initialize: demote %s: %w", t.ID, err)
			}
			if err := q.graph.Add(demoted); err != nil {
				q.logger.Warn("recovered task %s not admitted: %v", t.ID, err)
				continue
			}
			recovered++
			admitted++
		default:
			if err := q.graph.Add(t); err != nil {
				q.logger.Warn("task %s not admitted during recovery: %v", t.ID, err)
				continue
			}
			admitted++
		}
	}

	if q.metrics != nil {
		q.metrics.SetGraphSize(q.graph.Len(), q.running)
	}
	q.logger.Info("queue initialized: %d tasks admitted, %d recovered from running", admitted, recovered)
	return nil
}

// Register admits a batch of tasks atomically: either every task enters the
// graph and the store, or none do. Returns ErrCycle when the batch (together
// with existing tasks) would close a dependency cycle.
func (q *Queue) Register(ctx context.Context, tasks ...*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	prepared := make([]*task.Task, 0, len(tasks))
	for _, in := range tasks {
		t := in.Clone()
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Priority == 0 {
			t.Priority = q.cfg.DefaultPriority
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = q.now()
		}
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		if t.Version <= 0 {
			t.Version = 1
		}
		prepared = append(prepared, t)
	}

	// Graph-validate the whole batch before touching the store. A batch entry
	// may carry the id of a node already in the graph; its prior snapshot is
	// captured so a later admission failure restores it instead of erasing it.
	prior := make([]*task.Task, len(prepared))
	for i, t := range prepared {
		prior[i] = q.graph.Snapshot(t.ID)
	}
	for i, t := range prepared {
		if err := q.graph.Add(t); err != nil {
			q.restoreGraph(prepared, prior, i)
			return fmt.Errorf("register %s: %w", t.ID, err)
		}
	}

	for i, t := range prepared {
		if err := q.store.SaveTask(ctx, t); err != nil {
			q.restoreGraph(prepared, prior, len(prepared))
			for _, saved := range prepared[:i] {
				if derr := q.store.DeleteTask(ctx, saved.ID); derr != nil {
					q.logger.Error("rollback of %s failed: %v", saved.ID, derr)
				}
			}
			return fmt.Errorf("register %s: %w", t.ID, err)
		}
	}

	for _, t := range prepared {
		q.pub.TaskCreated(ctx, t)
		q.observe(t.Status)
	}
	return nil
}

// restoreGraph undoes the first n admissions of a failed batch: entries that
// replaced an existing node get that node back, the rest are removed.
func (q *Queue) restoreGraph(prepared, prior []*task.Task, n int) {
	for i := n - 1; i >= 0; i-- {
		if prior[i] != nil {
			if err := q.graph.Add(prior[i]); err != nil {
				q.logger.Error("rollback of %s could not restore prior node: %v", prepared[i].ID, err)
				q.graph.Remove(prepared[i].ID)
			}
			continue
		}
		q.graph.Remove(prepared[i].ID)
	}
}

// GetNext pops the highest-priority ready task, transitions it to running,
// and returns its snapshot. Returns nil when nothing is ready or the
// concurrency cap is reached.
func (q *Queue) GetNext(ctx context.Context) (*task.Task, error) {
	if err := q.lock(ctx); err != nil {
		return nil, err
	}
	defer q.unlock()

	if q.running >= q.cfg.MaxConcurrent {
		return nil, nil
	}
	ready := q.graph.Ready()
	if len(ready) == 0 {
		return nil, nil
	}
	next := ready[0]

	updated, err := q.store.UpdateTaskStatus(ctx, next.ID, task.StatusRunning, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", next.ID, err)
	}
	q.graph.SetStatus(next.ID, task.StatusRunning)
	q.running++
	q.observe(task.StatusRunning)

	q.pub.TaskStarted(ctx, updated)
	return updated, nil
}

// Complete finishes a task, records its result, and unblocks dependents.
// Normally the task is running; a worker may also report completion for a
// task the scheduler no longer sees as running — typically after a restart
// demoted it back to queued — in which case the anomaly is logged and the
// completion is honored anyway.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("complete %s from %s: %w", id, current.Status, task.ErrInvalidTransition)
	}
	wasRunning := current.Status == task.StatusRunning
	if !wasRunning {
		q.logger.Warn("completing task %s from %s, not running", id, current.Status)
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, task.StatusCompleted, result, "")
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	q.graph.MarkComplete(id)
	q.graph.Remove(id)
	if wasRunning && q.running > 0 {
		q.running--
	}
	q.observe(task.StatusCompleted)
	q.observeDuration(updated)

	q.pub.TaskCompleted(ctx, updated, result)
	return nil
}

// Fail records a task failure. Below the retry budget the task is requeued
// with an incremented retry count; at the budget it fails terminally and its
// node stays in the graph so dependents remain blocked.
func (q *Queue) Fail(ctx context.Context, id string, errText string) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != task.StatusRunning {
		return fmt.Errorf("fail %s from %s: %w", id, current.Status, task.ErrInvalidTransition)
	}
	if q.running > 0 {
		q.running--
	}

	if current.RetryCount < q.cfg.MaxRetries {
		requeued := current.Clone()
		requeued.RetryCount++
		requeued.Status = task.StatusQueued
		requeued.Error = errText
		if err := q.store.SaveTask(ctx, requeued); err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		q.graph.SetStatus(id, task.StatusQueued)
		q.observe(task.StatusQueued)
		q.logger.Info("task %s requeued after failure (attempt %d of %d): %s",
			id, requeued.RetryCount, q.cfg.MaxRetries, errText)
		q.pub.TaskUpdated(ctx, requeued, map[string]any{
			"reason":      "retry",
			"retry_count": requeued.RetryCount,
			"error":       errText,
		})
		return nil
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, task.StatusFailed, nil, errText)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	// The node stays in the graph in failed state: dependents must not run.
	q.graph.SetStatus(id, task.StatusFailed)
	q.observe(task.StatusFailed)
	q.observeDuration(updated)

	q.pub.TaskFailed(ctx, updated)
	return nil
}

// Cancel withdraws a task that has not started. Running and terminal tasks
// reject with ErrInvalidTransition. The node leaves the graph, so dependents
// treat the id as externally satisfied.
func (q *Queue) Cancel(ctx context.Context, id, userID string) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != task.StatusPending && current.Status != task.StatusQueued {
		return fmt.Errorf("cancel %s from %s: %w", id, current.Status, task.ErrInvalidTransition)
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, task.StatusCancelled, nil, "")
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	q.graph.Remove(id)
	q.observe(task.StatusCancelled)

	q.pub.TaskCancelled(ctx, updated, userID)
	return nil
}

// Get returns a snapshot of the task by id.
func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	return q.store.GetTask(ctx, id)
}

// ExecutionOrder returns a topological order over the tasks currently in the
// graph.
func (q *Queue) ExecutionOrder(ctx context.Context) ([]string, error) {
	if err := q.lock(ctx); err != nil {
		return nil, err
	}
	defer q.unlock()
	return q.graph.TopoSort()
}

// Stats reports counts by status plus live scheduler gauges.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	if err := q.lock(ctx); err != nil {
		return nil, err
	}
	defer q.unlock()

	byStatus, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &Stats{
		ByStatus: byStatus,
		Running:  q.running,
		InGraph:  q.graph.Len(),
		Ready:    len(q.graph.Ready()),
	}, nil
}
