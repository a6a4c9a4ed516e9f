package repo

import (
	"context"
	"encoding/json"

	"trackline/internal/domain"
	"trackline/internal/store"
)

func (t *Tx) AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := t.exec(ctx, `INSERT INTO audit_log(workspace_id,actor_id,action,target_type,target_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.WorkspaceID, e.ActorID, e.Action, e.TargetType, nullable(e.TargetID), meta, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *Tx) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id,workspace_id,actor_id,action,target_type,COALESCE(target_id,''),metadata_json,created_at FROM audit_log WHERE workspace_id=?`
	args := []any{f.WorkspaceID}
	if f.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, f.BeforeID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
