package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"maestro/internal/domain/tenant"
)

// Sentinel errors for tenancy rows.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrMemberNotFound    = errors.New("workspace member not found")
	ErrEmailTaken        = errors.New("email already registered")
)

// ── users ──

// CreateUser inserts a new account. Fails with ErrEmailTaken when the email
// is already registered.
func (s *Store) CreateUser(ctx context.Context, u *tenant.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, string(u.Role), fmtTime(created), fmtNullTime(u.LastLogin))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", u.Email, ErrEmailTaken)
		}
		return fault("create user", err)
	}
	return nil
}

// GetUser returns the account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*tenant.User, error) {
	return s.getUser(ctx, `WHERE id = ?`, id)
}

// GetUserByEmail returns the account by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*tenant.User, error) {
	return s.getUser(ctx, `WHERE email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*tenant.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, created_at, last_login FROM users `+where, arg)

	var u tenant.User
	var role, created string
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &role, &created, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fault("get user", err)
	}
	u.Role = tenant.Role(role)
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, fault("get user", err)
	}
	if u.LastLogin, err = parseNullTime(lastLogin); err != nil {
		return nil, fault("get user", err)
	}
	return &u, nil
}

// TouchLastLogin stamps the account's last_login with the current instant.
func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, fmtTime(s.now()), id)
	if err != nil {
		return fault("touch last login", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ── workspaces ──

// CreateWorkspace inserts the workspace and admits the owner as an admin
// member in the same transaction.
func (s *Store) CreateWorkspace(ctx context.Context, w *tenant.Workspace) error {
	settings, err := marshalJSON(w.Settings)
	if err != nil {
		return fault("create workspace", err)
	}
	created := w.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return s.inTx(ctx, "create workspace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, owner_id, settings, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, w.Name, nullStr(w.OwnerID), nullStr(settings), fmtTime(created), fmtNullTime(w.UpdatedAt)); err != nil {
			return fault("create workspace", err)
		}
		if w.OwnerID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workspace_members (workspace_id, user_id, role, joined_at)
				VALUES (?, ?, ?, ?)`,
				w.ID, w.OwnerID, string(tenant.RoleAdmin), fmtTime(created)); err != nil {
				return fault("admit workspace owner", err)
			}
		}
		return nil
	})
}

// GetWorkspace returns the workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*tenant.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, settings, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrWorkspaceNotFound)
	}
	if err != nil {
		return nil, fault("get workspace", err)
	}
	return w, nil
}

// ListWorkspacesForUser returns workspaces the user is a member of, oldest
// first.
func (s *Store) ListWorkspacesForUser(ctx context.Context, userID string) ([]*tenant.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.owner_id, w.settings, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = ?
		ORDER BY w.created_at, w.id`, userID)
	if err != nil {
		return nil, fault("list workspaces", err)
	}
	defer rows.Close()

	var out []*tenant.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fault("scan workspace", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkspaceSettings replaces the settings map and stamps updated_at.
func (s *Store) UpdateWorkspaceSettings(ctx context.Context, id string, settings map[string]any) (*tenant.Workspace, error) {
	raw, err := marshalJSON(settings)
	if err != nil {
		return nil, fault("update workspace", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET settings = ?, updated_at = ? WHERE id = ?`,
		nullStr(raw), fmtTime(s.now()), id)
	if err != nil {
		return nil, fault("update workspace", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrWorkspaceNotFound)
	}
	return s.GetWorkspace(ctx, id)
}

// DeleteWorkspace removes the workspace; projects, memberships, webhooks and
// (transitively) tasks follow via ON DELETE CASCADE.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fault("delete workspace", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrWorkspaceNotFound)
	}
	return nil
}

func scanWorkspace(row rowScanner) (*tenant.Workspace, error) {
	var w tenant.Workspace
	var owner, settings, updated sql.NullString
	var created string
	if err := row.Scan(&w.ID, &w.Name, &owner, &settings, &created, &updated); err != nil {
		return nil, err
	}
	w.OwnerID = owner.String
	var err error
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseNullTime(updated); err != nil {
		return nil, err
	}
	if w.Settings, err = unmarshalMap(settings); err != nil {
		return nil, err
	}
	return &w, nil
}

// ── workspace members ──

// AddMember upserts a user's membership role in a workspace.
func (s *Store) AddMember(ctx context.Context, m *tenant.Member) error {
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id) DO UPDATE SET role = excluded.role`,
		m.WorkspaceID, m.UserID, string(m.Role), fmtTime(joined))
	if err != nil {
		return fault("add member", err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`, workspaceID, userID)
	if err != nil {
		return fault("remove member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// GetMember returns the membership row for (workspace, user).
func (s *Store) GetMember(ctx context.Context, workspaceID, userID string) (*tenant.Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM workspace_members WHERE workspace_id = ? AND user_id = ?`, workspaceID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fault("get member", err)
	}
	return m, nil
}

// ListMembers returns every member of a workspace, oldest first.
func (s *Store) ListMembers(ctx context.Context, workspaceID string) ([]*tenant.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM workspace_members WHERE workspace_id = ?
		ORDER BY joined_at, user_id`, workspaceID)
	if err != nil {
		return nil, fault("list members", err)
	}
	defer rows.Close()

	var out []*tenant.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fault("scan member", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMember(row rowScanner) (*tenant.Member, error) {
	var m tenant.Member
	var role, joined string
	if err := row.Scan(&m.WorkspaceID, &m.UserID, &role, &joined); err != nil {
		return nil, err
	}
	m.Role = tenant.Role(role)
	var err error
	if m.JoinedAt, err = parseTime(joined); err != nil {
		return nil, err
	}
	return &m, nil
}

// ── projects ──

// CreateProject inserts a project into its workspace.
func (s *Store) CreateProject(ctx context.Context, p *tenant.Project) error {
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return fault("create project", err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	status := p.Status
	if status == "" {
		status = tenant.ProjectActive
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, description, status, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, p.Description, string(status), nullStr(settings),
		fmtTime(created), fmtNullTime(p.UpdatedAt))
	if err != nil {
		return fault("create project", err)
	}
	return nil
}

// GetProject returns the project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*tenant.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, description, status, settings, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	if err != nil {
		return nil, fault("get project", err)
	}
	return p, nil
}

// ListProjects returns a workspace's projects, oldest first. Soft-deleted
// projects are excluded unless includeDeleted is set.
func (s *Store) ListProjects(ctx context.Context, workspaceID string, includeDeleted bool) ([]*tenant.Project, error) {
	query := `
		SELECT id, workspace_id, name, description, status, settings, created_at, updated_at
		FROM projects WHERE workspace_id = ?`
	if !includeDeleted {
		query += ` AND status != 'deleted'`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fault("list projects", err)
	}
	defer rows.Close()

	var out []*tenant.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fault("scan project", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject replaces name, description, status and settings, stamping
// updated_at.
func (s *Store) UpdateProject(ctx context.Context, p *tenant.Project) (*tenant.Project, error) {
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return nil, fault("update project", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, status = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, string(p.Status), nullStr(settings), fmtTime(s.now()), p.ID)
	if err != nil {
		return nil, fault("update project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", p.ID, ErrProjectNotFound)
	}
	return s.GetProject(ctx, p.ID)
}

// SetProjectStatus transitions the project lifecycle state (soft delete is
// status 'deleted').
func (s *Store) SetProjectStatus(ctx context.Context, id string, status tenant.ProjectStatus) (*tenant.Project, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(s.now()), id)
	if err != nil {
		return nil, fault("set project status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	return s.GetProject(ctx, id)
}

func scanProject(row rowScanner) (*tenant.Project, error) {
	var p tenant.Project
	var settings, updated sql.NullString
	var status, created string
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &status, &settings, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = tenant.ProjectStatus(status)
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseNullTime(updated); err != nil {
		return nil, err
	}
	if p.Settings, err = unmarshalMap(settings); err != nil {
		return nil, err
	}
	return &p, nil
}

// ── name directory (cached by the event publisher) ──

// ProjectRef resolves a project id to its display name and owning workspace.
func (s *Store) ProjectRef(ctx context.Context, id string) (name, workspaceID string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT name, workspace_id FROM projects WHERE id = ?`, id).Scan(&name, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("project %s: %w", id, ErrProjectNotFound)
	}
	if err != nil {
		return "", "", fault("project ref", err)
	}
	return name, workspaceID, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
