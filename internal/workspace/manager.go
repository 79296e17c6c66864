// Package workspace enforces tenancy rules on top of the store: membership
// checks, role-gated writes, and protection of the reserved defaults.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
)

// ErrAccessDenied indicates the principal lacks membership or role for the
// operation.
var ErrAccessDenied = errors.New("access denied")

// Principal identifies the caller of a manager operation.
type Principal struct {
	UserID string
	Role   tenant.Role
}

// Store is the tenancy persistence the manager drives.
type Store interface {
	CreateUser(ctx context.Context, u *tenant.User) error
	GetUser(ctx context.Context, id string) (*tenant.User, error)
	GetUserByEmail(ctx context.Context, email string) (*tenant.User, error)

	CreateWorkspace(ctx context.Context, w *tenant.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*tenant.Workspace, error)
	ListWorkspacesForUser(ctx context.Context, userID string) ([]*tenant.Workspace, error)
	UpdateWorkspaceSettings(ctx context.Context, id string, settings map[string]any) (*tenant.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	AddMember(ctx context.Context, m *tenant.Member) error
	RemoveMember(ctx context.Context, workspaceID, userID string) error
	GetMember(ctx context.Context, workspaceID, userID string) (*tenant.Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]*tenant.Member, error)

	CreateProject(ctx context.Context, p *tenant.Project) error
	GetProject(ctx context.Context, id string) (*tenant.Project, error)
	ListProjects(ctx context.Context, workspaceID string, includeDeleted bool) ([]*tenant.Project, error)
	UpdateProject(ctx context.Context, p *tenant.Project) (*tenant.Project, error)
	SetProjectStatus(ctx context.Context, id string, status tenant.ProjectStatus) (*tenant.Project, error)
}

// Manager applies tenancy policy before delegating to the store.
type Manager struct {
	store  Store
	logger logging.Logger
	now    func() time.Time
}

// NewManager builds a workspace manager.
func NewManager(store Store, logger logging.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterUser creates an account. Open to anyone.
func (m *Manager) RegisterUser(ctx context.Context, email, displayName, passwordHash string) (*tenant.User, error) {
	u := &tenant.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Role:         tenant.RoleMember,
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	m.logger.Info("user %s registered (%s)", u.ID, email)
	return u, nil
}

// CreateWorkspace creates a workspace owned by the principal, who joins as
// admin.
func (m *Manager) CreateWorkspace(ctx context.Context, p Principal, name string) (*tenant.Workspace, error) {
	w := &tenant.Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   p.UserID,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateWorkspace(ctx, w); err != nil {
		return nil, err
	}
	m.logger.Info("workspace %s created by %s", w.ID, p.UserID)
	return w, nil
}

// GetWorkspace returns the workspace if the principal is a member.
func (m *Manager) GetWorkspace(ctx context.Context, p Principal, id string) (*tenant.Workspace, error) {
	if _, err := m.requireMember(ctx, p, id); err != nil {
		return nil, err
	}
	return m.store.GetWorkspace(ctx, id)
}

// ListWorkspaces returns the workspaces the principal belongs to.
func (m *Manager) ListWorkspaces(ctx context.Context, p Principal) ([]*tenant.Workspace, error) {
	return m.store.ListWorkspacesForUser(ctx, p.UserID)
}

// UpdateSettings replaces workspace settings. Requires a writing role.
func (m *Manager) UpdateSettings(ctx context.Context, p Principal, id string, settings map[string]any) (*tenant.Workspace, error) {
	if _, err := m.requireWriter(ctx, p, id); err != nil {
		return nil, err
	}
	return m.store.UpdateWorkspaceSettings(ctx, id, settings)
}

// DeleteWorkspace removes a workspace and everything under it. Only the
// owner may delete, and the reserved default workspace never can be.
func (m *Manager) DeleteWorkspace(ctx context.Context, p Principal, id string) error {
	if id == tenant.DefaultWorkspaceID {
		return fmt.Errorf("default workspace is reserved: %w", ErrAccessDenied)
	}
	w, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if w.OwnerID != p.UserID {
		return fmt.Errorf("workspace %s: only the owner may delete: %w", id, ErrAccessDenied)
	}
	if err := m.store.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	m.logger.Info("workspace %s deleted by %s", id, p.UserID)
	return nil
}

// AddMember admits a user to a workspace with the given role. Requires
// workspace admin.
func (m *Manager) AddMember(ctx context.Context, p Principal, workspaceID, userID string, role tenant.Role) (*tenant.Member, error) {
	if err := m.requireAdmin(ctx, p, workspaceID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", role, ErrAccessDenied)
	}
	member := &tenant.Member{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
		JoinedAt:    m.now(),
	}
	if err := m.store.AddMember(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember evicts a user from a workspace. The owner cannot be removed.
func (m *Manager) RemoveMember(ctx context.Context, p Principal, workspaceID, userID string) error {
	if err := m.requireAdmin(ctx, p, workspaceID); err != nil {
		return err
	}
	w, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if w.OwnerID == userID {
		return fmt.Errorf("workspace %s: owner cannot be removed: %w", workspaceID, ErrAccessDenied)
	}
	return m.store.RemoveMember(ctx, workspaceID, userID)
}

// ListMembers returns the workspace roster. Requires membership.
func (m *Manager) ListMembers(ctx context.Context, p Principal, workspaceID string) ([]*tenant.Member, error) {
	if _, err := m.requireMember(ctx, p, workspaceID); err != nil {
		return nil, err
	}
	return m.store.ListMembers(ctx, workspaceID)
}

// CreateProject adds a project to a workspace. Requires a writing role.
func (m *Manager) CreateProject(ctx context.Context, p Principal, workspaceID, name, description string) (*tenant.Project, error) {
	if _, err := m.requireWriter(ctx, p, workspaceID); err != nil {
		return nil, err
	}
	project := &tenant.Project{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		Status:      tenant.ProjectActive,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	m.logger.Info("project %s created in workspace %s by %s", project.ID, workspaceID, p.UserID)
	return project, nil
}

// GetProject returns the project if the principal belongs to its workspace.
func (m *Manager) GetProject(ctx context.Context, p Principal, id string) (*tenant.Project, error) {
	project, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireMember(ctx, p, project.WorkspaceID); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects lists a workspace's projects, excluding soft-deleted ones.
func (m *Manager) ListProjects(ctx context.Context, p Principal, workspaceID string) ([]*tenant.Project, error) {
	if _, err := m.requireMember(ctx, p, workspaceID); err != nil {
		return nil, err
	}
	return m.store.ListProjects(ctx, workspaceID, false)
}

// UpdateProject edits project name, description, or settings. Requires a
// writing role in the owning workspace.
func (m *Manager) UpdateProject(ctx context.Context, p Principal, project *tenant.Project) (*tenant.Project, error) {
	current, err := m.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireWriter(ctx, p, current.WorkspaceID); err != nil {
		return nil, err
	}
	return m.store.UpdateProject(ctx, project)
}

// ArchiveProject marks a project archived, keeping its tasks and history.
func (m *Manager) ArchiveProject(ctx context.Context, p Principal, id string) (*tenant.Project, error) {
	return m.setProjectStatus(ctx, p, id, tenant.ProjectArchived)
}

// DeleteProject soft-deletes a project. The reserved default project cannot
// be deleted.
func (m *Manager) DeleteProject(ctx context.Context, p Principal, id string) (*tenant.Project, error) {
	if id == tenant.DefaultProjectID {
		return nil, fmt.Errorf("default project is reserved: %w", ErrAccessDenied)
	}
	return m.setProjectStatus(ctx, p, id, tenant.ProjectDeleted)
}

func (m *Manager) setProjectStatus(ctx context.Context, p Principal, id string, status tenant.ProjectStatus) (*tenant.Project, error) {
	current, err := m.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireWriter(ctx, p, current.WorkspaceID); err != nil {
		return nil, err
	}
	return m.store.SetProjectStatus(ctx, id, status)
}

// CanAccessProject reports whether the principal may read tasks of the
// project, for use by the task transport.
func (m *Manager) CanAccessProject(ctx context.Context, p Principal, projectID string) error {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	_, err = m.requireMember(ctx, p, project.WorkspaceID)
	return err
}

// requireMember resolves the principal's membership. Global admins pass
// without a membership row.
func (m *Manager) requireMember(ctx context.Context, p Principal, workspaceID string) (tenant.Role, error) {
	if p.Role == tenant.RoleAdmin {
		return tenant.RoleAdmin, nil
	}
	member, err := m.store.GetMember(ctx, workspaceID, p.UserID)
	if err != nil {
		return "", fmt.Errorf("workspace %s: user %s is not a member: %w", workspaceID, p.UserID, ErrAccessDenied)
	}
	return member.Role, nil
}

func (m *Manager) requireWriter(ctx context.Context, p Principal, workspaceID string) (tenant.Role, error) {
	role, err := m.requireMember(ctx, p, workspaceID)
	if err != nil {
		return "", err
	}
	if !role.CanWrite() {
		return "", fmt.Errorf("workspace %s: role %s cannot write: %w", workspaceID, role, ErrAccessDenied)
	}
	return role, nil
}

func (m *Manager) requireAdmin(ctx context.Context, p Principal, workspaceID string) error {
	role, err := m.requireMember(ctx, p, workspaceID)
	if err != nil {
		return err
	}
	if role != tenant.RoleAdmin {
		return fmt.Errorf("workspace %s: role %s is not admin: %w", workspaceID, role, ErrAccessDenied)
	}
	return nil
}
