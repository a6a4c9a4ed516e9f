package repo

import (
	"context"
	"fmt"

	"trackline/internal/domain"
)

func (t *Tx) UpsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := t.exec(ctx, `INSERT INTO plans(workspace_id,tier,max_members,max_projects,storage_quota_bytes,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET tier=excluded.tier, max_members=excluded.max_members, max_projects=excluded.max_projects,
storage_quota_bytes=excluded.storage_quota_bytes, updated_at=excluded.updated_at`,
		p.WorkspaceID, p.Tier, p.MaxMembers, p.MaxProjects, p.StorageQuotaBytes, p.UpdatedAt)
	return err
}

func (t *Tx) GetPlan(ctx context.Context, workspaceID string) (domain.Plan, error) {
	var p domain.Plan
	err := t.tx.QueryRowContext(ctx, `SELECT workspace_id,tier,max_members,max_projects,storage_quota_bytes,updated_at FROM plans WHERE workspace_id=?`, workspaceID).
		Scan(&p.WorkspaceID, &p.Tier, &p.MaxMembers, &p.MaxProjects, &p.StorageQuotaBytes, &p.UpdatedAt)
	return p, mapErr(err)
}

func (t *Tx) InsertUsage(ctx context.Context, u domain.Usage) error {
	_, err := t.exec(ctx, `INSERT INTO usage(workspace_id,members_count,projects_count,storage_bytes) VALUES (?,?,?,?)`,
		u.WorkspaceID, u.MembersCount, u.ProjectsCount, u.StorageBytes)
	return err
}

func (t *Tx) GetUsage(ctx context.Context, workspaceID string) (domain.Usage, error) {
	var u domain.Usage
	err := t.tx.QueryRowContext(ctx, `SELECT workspace_id,members_count,projects_count,storage_bytes FROM usage WHERE workspace_id=?`, workspaceID).
		Scan(&u.WorkspaceID, &u.MembersCount, &u.ProjectsCount, &u.StorageBytes)
	return u, mapErr(err)
}

func usageColumn(kind domain.ResourceKind) (string, error) {
	switch kind {
	case domain.ResourceMembers:
		return "members_count", nil
	case domain.ResourceProjects:
		return "projects_count", nil
	case domain.ResourceStorage:
		return "storage_bytes", nil
	}
	return "", fmt.Errorf("unknown resource kind %q", kind)
}

func (t *Tx) AdjustUsage(ctx context.Context, workspaceID string, kind domain.ResourceKind, delta, limit int64) (bool, error) {
	col, err := usageColumn(kind)
	if err != nil {
		return false, err
	}
	var query string
	var args []any
	if delta < 0 {
		query = fmt.Sprintf(`UPDATE usage SET %[1]s = MAX(%[1]s + ?, 0) WHERE workspace_id=?`, col)
		args = []any{delta, workspaceID}
	} else {
		// compare-and-set: the row only changes when the new value fits the limit
		query = fmt.Sprintf(`UPDATE usage SET %[1]s = %[1]s + ? WHERE workspace_id=? AND (? <= 0 OR %[1]s + ? <= ?)`, col)
		args = []any{delta, workspaceID, limit, delta, limit}
	}
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
