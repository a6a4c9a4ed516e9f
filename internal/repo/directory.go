package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"trackline/internal/domain"
)

func (t *Tx) InsertUser(ctx context.Context, u domain.User) error {
	_, err := t.exec(ctx, `INSERT INTO users(id,email,name,created_at) VALUES (?,?,?,?)`,
		u.ID, strings.ToLower(u.Email), nullable(u.Name), u.CreatedAt)
	return err
}

func (t *Tx) GetUser(ctx context.Context, id string) (domain.User, error) {
	return t.scanUser(t.tx.QueryRowContext(ctx, `SELECT id,email,COALESCE(name,''),created_at FROM users WHERE id=?`, id))
}

func (t *Tx) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return t.scanUser(t.tx.QueryRowContext(ctx, `SELECT id,email,COALESCE(name,''),created_at FROM users WHERE email=?`, strings.ToLower(email)))
}

func (t *Tx) scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	return u, mapErr(err)
}

const workspaceColumns = `id,name,slug,owner_id,status,settings_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (domain.Workspace, error) {
	var w domain.Workspace
	var settings string
	if err := row.Scan(&w.ID, &w.Name, &w.Slug, &w.OwnerID, &w.Status, &settings, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, mapErr(err)
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &w.Settings); err != nil {
			return w, err
		}
	}
	return w, nil
}

func (t *Tx) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	settings, err := marshalJSON(w.Settings)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO workspaces(`+workspaceColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.Slug, w.OwnerID, w.Status, settings, w.CreatedAt, w.UpdatedAt)
	return err
}

func (t *Tx) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return scanWorkspace(t.tx.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id))
}

func (t *Tx) UpdateWorkspace(ctx context.Context, w domain.Workspace) error {
	settings, err := marshalJSON(w.Settings)
	if err != nil {
		return err
	}
	return t.execOne(ctx, `UPDATE workspaces SET name=?, slug=?, owner_id=?, status=?, settings_json=?, updated_at=? WHERE id=?`,
		w.Name, w.Slug, w.OwnerID, w.Status, settings, w.UpdatedAt, w.ID)
}

func (t *Tx) ListWorkspacesForUser(ctx context.Context, userID string) ([]domain.Workspace, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT w.id,w.name,w.slug,w.owner_id,w.status,w.settings_json,w.created_at,w.updated_at
FROM workspaces w JOIN memberships m ON m.workspace_id=w.id
WHERE m.user_id=? AND w.status != 'DELETED'
ORDER BY w.created_at ASC, w.id ASC`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (t *Tx) InsertMembership(ctx context.Context, m domain.Membership) error {
	_, err := t.exec(ctx, `INSERT INTO memberships(workspace_id,user_id,role,status,joined_at) VALUES (?,?,?,?,?)`,
		m.WorkspaceID, m.UserID, m.Role, m.Status, m.JoinedAt)
	return err
}

func (t *Tx) GetMembership(ctx context.Context, workspaceID, userID string) (domain.Membership, error) {
	var m domain.Membership
	err := t.tx.QueryRowContext(ctx, `SELECT workspace_id,user_id,role,status,joined_at FROM memberships WHERE workspace_id=? AND user_id=?`, workspaceID, userID).
		Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.Status, &m.JoinedAt)
	return m, mapErr(err)
}

func (t *Tx) UpdateMembership(ctx context.Context, m domain.Membership) error {
	return t.execOne(ctx, `UPDATE memberships SET role=?, status=? WHERE workspace_id=? AND user_id=?`,
		m.Role, m.Status, m.WorkspaceID, m.UserID)
}

func (t *Tx) DeleteMembership(ctx context.Context, workspaceID, userID string) error {
	return t.execOne(ctx, `DELETE FROM memberships WHERE workspace_id=? AND user_id=?`, workspaceID, userID)
}

func (t *Tx) ListMemberships(ctx context.Context, workspaceID string) ([]domain.Membership, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT m.workspace_id,m.user_id,m.role,m.status,m.joined_at,u.email,COALESCE(u.name,''),u.created_at
FROM memberships m JOIN users u ON u.id=m.user_id
WHERE m.workspace_id=?
ORDER BY m.joined_at ASC, u.email ASC`, workspaceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		u := &domain.User{}
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.Status, &m.JoinedAt, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.ID = m.UserID
		m.User = u
		res = append(res, m)
	}
	return res, rows.Err()
}

func (t *Tx) CountActiveOwners(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE workspace_id=? AND role=? AND status=?`,
		workspaceID, domain.RoleOwner, domain.MembershipActive).Scan(&n)
	return n, mapErr(err)
}
