package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"trackline/internal/domain"
)

const projectColumns = `id,workspace_id,name,key,description,status,lead_id,member_ids_json,workflow_json,issue_types_json,task_seq,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	var members, workflow, types string
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Key, &desc, &p.Status, &p.LeadID, &members, &workflow, &types, &p.TaskSeq, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, mapErr(err)
	}
	p.Description = desc.String
	if err := json.Unmarshal([]byte(members), &p.MemberIDs); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(workflow), &p.Workflow); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(types), &p.IssueTypes); err != nil {
		return p, err
	}
	return p, nil
}

type projectJSON struct {
	members, workflow, types string
}

func encodeProject(p domain.Project) (projectJSON, error) {
	var out projectJSON
	var err error
	if p.MemberIDs == nil {
		p.MemberIDs = []string{}
	}
	if out.members, err = marshalJSON(p.MemberIDs); err != nil {
		return out, err
	}
	if out.workflow, err = marshalJSON(p.Workflow); err != nil {
		return out, err
	}
	if out.types, err = marshalJSON(p.IssueTypes); err != nil {
		return out, err
	}
	return out, nil
}

func (t *Tx) InsertProject(ctx context.Context, p domain.Project) error {
	enc, err := encodeProject(p)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkspaceID, p.Name, p.Key, nullable(p.Description), p.Status, p.LeadID, enc.members, enc.workflow, enc.types, p.TaskSeq, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *Tx) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(t.tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (t *Tx) GetProjectByKey(ctx context.Context, workspaceID, key string) (domain.Project, error) {
	return scanProject(t.tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE workspace_id=? AND key=?`, workspaceID, key))
}

// UpdateProject rewrites the mutable columns; task_seq is owned by NextTaskNumber.
func (t *Tx) UpdateProject(ctx context.Context, p domain.Project) error {
	enc, err := encodeProject(p)
	if err != nil {
		return err
	}
	return t.execOne(ctx, `UPDATE projects SET name=?, key=?, description=?, status=?, lead_id=?, member_ids_json=?, workflow_json=?, issue_types_json=?, updated_at=? WHERE id=?`,
		p.Name, p.Key, nullable(p.Description), p.Status, p.LeadID, enc.members, enc.workflow, enc.types, p.UpdatedAt, p.ID)
}

func (t *Tx) DeleteProject(ctx context.Context, id string) error {
	return t.execOne(ctx, `DELETE FROM projects WHERE id=?`, id)
}

func (t *Tx) ListProjects(ctx context.Context, workspaceID string) ([]domain.Project, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE workspace_id=? ORDER BY created_at ASC, key ASC`, workspaceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (t *Tx) NextTaskNumber(ctx context.Context, projectID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `UPDATE projects SET task_seq = task_seq + 1 WHERE id=? RETURNING task_seq`, projectID).Scan(&n)
	return n, mapErr(err)
}
