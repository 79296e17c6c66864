package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain/tenant"
	"maestro/internal/logging"
)

var errMissing = errors.New("not found")

type fakeStore struct {
	users      map[string]*tenant.User
	workspaces map[string]*tenant.Workspace
	members    map[string]*tenant.Member // key workspaceID+"/"+userID
	projects   map[string]*tenant.Project
	deleted    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]*tenant.User{},
		workspaces: map[string]*tenant.Workspace{},
		members:    map[string]*tenant.Member{},
		projects:   map[string]*tenant.Project{},
	}
}

func (s *fakeStore) CreateUser(_ context.Context, u *tenant.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*tenant.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, errMissing
	}
	return u, nil
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (*tenant.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, errMissing
}

func (s *fakeStore) CreateWorkspace(_ context.Context, w *tenant.Workspace) error {
	s.workspaces[w.ID] = w
	if w.OwnerID != "" {
		s.members[w.ID+"/"+w.OwnerID] = &tenant.Member{
			WorkspaceID: w.ID, UserID: w.OwnerID, Role: tenant.RoleAdmin,
		}
	}
	return nil
}

func (s *fakeStore) GetWorkspace(_ context.Context, id string) (*tenant.Workspace, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return nil, errMissing
	}
	return w, nil
}

func (s *fakeStore) ListWorkspacesForUser(_ context.Context, userID string) ([]*tenant.Workspace, error) {
	var out []*tenant.Workspace
	for _, m := range s.members {
		if m.UserID == userID {
			out = append(out, s.workspaces[m.WorkspaceID])
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateWorkspaceSettings(_ context.Context, id string, settings map[string]any) (*tenant.Workspace, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return nil, errMissing
	}
	w.Settings = settings
	return w, nil
}

func (s *fakeStore) DeleteWorkspace(_ context.Context, id string) error {
	delete(s.workspaces, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) AddMember(_ context.Context, m *tenant.Member) error {
	s.members[m.WorkspaceID+"/"+m.UserID] = m
	return nil
}

func (s *fakeStore) RemoveMember(_ context.Context, workspaceID, userID string) error {
	delete(s.members, workspaceID+"/"+userID)
	return nil
}

func (s *fakeStore) GetMember(_ context.Context, workspaceID, userID string) (*tenant.Member, error) {
	m, ok := s.members[workspaceID+"/"+userID]
	if !ok {
		return nil, errMissing
	}
	return m, nil
}

func (s *fakeStore) ListMembers(_ context.Context, workspaceID string) ([]*tenant.Member, error) {
	var out []*tenant.Member
	for _, m := range s.members {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateProject(_ context.Context, p *tenant.Project) error {
	s.projects[p.ID] = p
	return nil
}

func (s *fakeStore) GetProject(_ context.Context, id string) (*tenant.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, errMissing
	}
	return p, nil
}

func (s *fakeStore) ListProjects(_ context.Context, workspaceID string, includeDeleted bool) ([]*tenant.Project, error) {
	var out []*tenant.Project
	for _, p := range s.projects {
		if p.WorkspaceID != workspaceID {
			continue
		}
		if !includeDeleted && p.Status == tenant.ProjectDeleted {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) UpdateProject(_ context.Context, p *tenant.Project) (*tenant.Project, error) {
	if _, ok := s.projects[p.ID]; !ok {
		return nil, errMissing
	}
	s.projects[p.ID] = p
	return p, nil
}

func (s *fakeStore) SetProjectStatus(_ context.Context, id string, status tenant.ProjectStatus) (*tenant.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, errMissing
	}
	p.Status = status
	return p, nil
}

func seed(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	m := NewManager(store, logging.Nop())

	require.NoError(t, store.CreateWorkspace(context.Background(), &tenant.Workspace{
		ID: "w-1", Name: "Team", OwnerID: "owner",
	}))
	require.NoError(t, store.AddMember(context.Background(), &tenant.Member{
		WorkspaceID: "w-1", UserID: "writer", Role: tenant.RoleMember,
	}))
	require.NoError(t, store.AddMember(context.Background(), &tenant.Member{
		WorkspaceID: "w-1", UserID: "reader", Role: tenant.RoleViewer,
	}))
	require.NoError(t, store.CreateProject(context.Background(), &tenant.Project{
		ID: "p-1", WorkspaceID: "w-1", Name: "proj", Status: tenant.ProjectActive,
	}))
	return m, store
}

func TestRegisterUserAssignsIdentity(t *testing.T) {
	m, store := seed(t)

	u, err := m.RegisterUser(context.Background(), "a@example.com", "Alice", "hash")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, tenant.RoleMember, u.Role)
	assert.False(t, u.CreatedAt.IsZero())
	assert.Contains(t, store.users, u.ID)
}

func TestCreateWorkspaceOwnedByPrincipal(t *testing.T) {
	m, store := seed(t)

	w, err := m.CreateWorkspace(context.Background(), Principal{UserID: "u-9"}, "New")
	require.NoError(t, err)
	assert.Equal(t, "u-9", w.OwnerID)

	member, err := store.GetMember(context.Background(), w.ID, "u-9")
	require.NoError(t, err)
	assert.Equal(t, tenant.RoleAdmin, member.Role)
}

func TestGetWorkspaceRequiresMembership(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	_, err := m.GetWorkspace(ctx, Principal{UserID: "stranger"}, "w-1")
	require.ErrorIs(t, err, ErrAccessDenied)

	w, err := m.GetWorkspace(ctx, Principal{UserID: "reader"}, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "w-1", w.ID)

	// A global admin passes without a membership row.
	w, err = m.GetWorkspace(ctx, Principal{UserID: "root", Role: tenant.RoleAdmin}, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "w-1", w.ID)
}

func TestUpdateSettingsGatedOnWriter(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	_, err := m.UpdateSettings(ctx, Principal{UserID: "reader"}, "w-1", map[string]any{"x": 1})
	require.ErrorIs(t, err, ErrAccessDenied)

	w, err := m.UpdateSettings(ctx, Principal{UserID: "writer"}, "w-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, w.Settings)
}

func TestDeleteWorkspaceOwnerOnly(t *testing.T) {
	m, store := seed(t)
	ctx := context.Background()

	err := m.DeleteWorkspace(ctx, Principal{UserID: "writer"}, "w-1")
	require.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, m.DeleteWorkspace(ctx, Principal{UserID: "owner"}, "w-1"))
	assert.Equal(t, []string{"w-1"}, store.deleted)
}

func TestDeleteWorkspaceDefaultReserved(t *testing.T) {
	m, store := seed(t)
	require.NoError(t, store.CreateWorkspace(context.Background(), &tenant.Workspace{
		ID: tenant.DefaultWorkspaceID, Name: "Default", OwnerID: "owner",
	}))

	err := m.DeleteWorkspace(context.Background(), Principal{UserID: "owner"}, tenant.DefaultWorkspaceID)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestAddMemberRequiresAdminAndValidRole(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	_, err := m.AddMember(ctx, Principal{UserID: "writer"}, "w-1", "newbie", tenant.RoleViewer)
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.AddMember(ctx, Principal{UserID: "owner"}, "w-1", "newbie", "superuser")
	require.Error(t, err)

	member, err := m.AddMember(ctx, Principal{UserID: "owner"}, "w-1", "newbie", tenant.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, tenant.RoleViewer, member.Role)
	assert.False(t, member.JoinedAt.IsZero())
}

func TestRemoveMemberProtectsOwner(t *testing.T) {
	m, store := seed(t)
	ctx := context.Background()

	err := m.RemoveMember(ctx, Principal{UserID: "owner"}, "w-1", "owner")
	require.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, m.RemoveMember(ctx, Principal{UserID: "owner"}, "w-1", "reader"))
	_, err = store.GetMember(ctx, "w-1", "reader")
	require.Error(t, err)
}

func TestCreateProjectGatedOnWriter(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	_, err := m.CreateProject(ctx, Principal{UserID: "reader"}, "w-1", "x", "")
	require.ErrorIs(t, err, ErrAccessDenied)

	p, err := m.CreateProject(ctx, Principal{UserID: "writer"}, "w-1", "x", "desc")
	require.NoError(t, err)
	assert.Equal(t, tenant.ProjectActive, p.Status)
	assert.NotEmpty(t, p.ID)
}

func TestGetProjectChecksOwningWorkspace(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	_, err := m.GetProject(ctx, Principal{UserID: "stranger"}, "p-1")
	require.ErrorIs(t, err, ErrAccessDenied)

	p, err := m.GetProject(ctx, Principal{UserID: "reader"}, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
}

func TestArchiveAndDeleteProject(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	archived, err := m.ArchiveProject(ctx, Principal{UserID: "writer"}, "p-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.ProjectArchived, archived.Status)

	deleted, err := m.DeleteProject(ctx, Principal{UserID: "writer"}, "p-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.ProjectDeleted, deleted.Status)

	visible, err := m.ListProjects(ctx, Principal{UserID: "reader"}, "w-1")
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestDeleteProjectDefaultReserved(t *testing.T) {
	m, _ := seed(t)

	_, err := m.DeleteProject(context.Background(), Principal{UserID: "writer"}, tenant.DefaultProjectID)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestCanAccessProject(t *testing.T) {
	m, _ := seed(t)
	ctx := context.Background()

	require.NoError(t, m.CanAccessProject(ctx, Principal{UserID: "reader"}, "p-1"))
	require.ErrorIs(t, m.CanAccessProject(ctx, Principal{UserID: "stranger"}, "p-1"), ErrAccessDenied)
}
