// Package task defines the task domain model shared by the queue, the store,
// and the event pipeline.
//
// A Task is an immutable snapshot once handed out by a store: callers receive
// value copies of all nested maps and slices and never share mutable state
// with the persistence layer.
package task

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. A task in a
// terminal state is never re-scheduled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventType classifies entries in the per-task audit log.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventUpdated   EventType = "updated"
	EventAssigned  EventType = "assigned"
	EventComment   EventType = "comment"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventStarted, EventCompleted, EventFailed,
		EventCancelled, EventUpdated, EventAssigned, EventComment:
		return true
	default:
		return false
	}
}

// Domain sentinel errors. Services wrap these with context; the transport
// maps them to HTTP statuses with errors.Is.
var (
	// ErrNotFound indicates the referenced task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the state machine rejected the move.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Task is the unit of schedulable work.
//
// Lower Priority values schedule first. Dependencies holds ids of tasks that
// must complete before this one becomes ready; it never contains the task's
// own id.
type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Service     string         `json:"service"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	Status      Status         `json:"status"`

	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	RetryCount int    `json:"retry_count"`
	Version    int    `json:"version"`
	CreatedBy  string `json:"created_by,omitempty"`
}

// Clone returns a deep copy of the task. Nested maps and slices are copied so
// the receiver and the result never alias.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = cloneAnyMap(t.Payload)
	out.Result = cloneAnyMap(t.Result)
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.Dependencies != nil {
		out.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// DependsOn reports whether id appears in the task's dependency set.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Event records a single lifecycle event in the append-only audit log.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      EventType      `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Details = cloneAnyMap(e.Details)
	return &out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
