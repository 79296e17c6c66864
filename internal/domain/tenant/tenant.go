// Package tenant defines the tenancy domain model: users, workspaces,
// workspace membership, projects, and per-workspace webhook subscriptions.
//
// Tenancy is hierarchical: users belong to workspaces, workspaces contain
// projects, projects contain tasks.
package tenant

import (
	"time"

	"maestro/internal/domain/task"
)

// Reserved identifiers created by the initial migration. Neither can be
// deleted.
const (
	DefaultWorkspaceID = "default"
	DefaultProjectID   = "default"
)

// Role is the authorization level of a user, globally or within a workspace.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	default:
		return false
	}
}

// CanWrite reports whether the role may create or mutate resources.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleMember
}

// User is a registered account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Workspace is the top-level tenancy container.
//
// Invariant: the owner is always a member and cannot be removed.
type Workspace struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// Member records a user's role within a workspace.
type Member struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectDeleted  ProjectStatus = "deleted"
)

// Project groups tasks within a workspace. Projects are soft-deleted by
// setting Status to ProjectDeleted.
type Project struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      ProjectStatus  `json:"status"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

// WebhookService identifies the outbound payload format for a webhook.
type WebhookService string

const (
	WebhookSlack   WebhookService = "slack"
	WebhookDiscord WebhookService = "discord"
)

// Valid reports whether s is a supported webhook service.
func (s WebhookService) Valid() bool {
	return s == WebhookSlack || s == WebhookDiscord
}

// Webhook is a per-workspace subscription to task lifecycle events.
type Webhook struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	Service     WebhookService   `json:"service"`
	URL         string           `json:"url"`
	Events      []task.EventType `json:"events"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Subscribed reports whether the webhook listens for the given event type.
func (w *Webhook) Subscribed(et task.EventType) bool {
	for _, e := range w.Events {
		if e == et {
			return true
		}
	}
	return false
}
