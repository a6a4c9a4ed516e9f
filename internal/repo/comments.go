package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"trackline/internal/domain"
)

const commentColumns = `id,task_id,workspace_id,author_id,content,edit_history_json,created_at,updated_at`

func scanComment(row rowScanner) (domain.Comment, error) {
	var c domain.Comment
	var history string
	if err := row.Scan(&c.ID, &c.TaskID, &c.WorkspaceID, &c.AuthorID, &c.Content, &history, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, mapErr(err)
	}
	if err := json.Unmarshal([]byte(history), &c.EditHistory); err != nil {
		return c, err
	}
	if c.EditHistory == nil {
		c.EditHistory = []domain.CommentEdit{}
	}
	return c, nil
}

func encodeHistory(h []domain.CommentEdit) (string, error) {
	if h == nil {
		h = []domain.CommentEdit{}
	}
	return marshalJSON(h)
}

func (t *Tx) InsertComment(ctx context.Context, c domain.Comment) error {
	history, err := encodeHistory(c.EditHistory)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO comments(`+commentColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.WorkspaceID, c.AuthorID, c.Content, history, c.CreatedAt, c.UpdatedAt)
	return err
}

func (t *Tx) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	return scanComment(t.tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=?`, id))
}

func (t *Tx) UpdateComment(ctx context.Context, c domain.Comment) error {
	history, err := encodeHistory(c.EditHistory)
	if err != nil {
		return err
	}
	return t.execOne(ctx, `UPDATE comments SET content=?, edit_history_json=?, updated_at=? WHERE id=?`,
		c.Content, history, c.UpdatedAt, c.ID)
}

// ListComments returns a task's comments oldest first.
func (t *Tx) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE task_id=? ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (t *Tx) InsertTimeEntry(ctx context.Context, e domain.TimeEntry) error {
	_, err := t.exec(ctx, `INSERT INTO time_entries(id,task_id,workspace_id,user_id,minutes,date,description,billable,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.WorkspaceID, e.UserID, e.Minutes, e.Date, nullable(e.Description), e.Billable, e.Status, e.CreatedAt)
	return err
}

// ListTimeEntries returns a task's entries ordered by work date.
func (t *Tx) ListTimeEntries(ctx context.Context, taskID string) ([]domain.TimeEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id,task_id,workspace_id,user_id,minutes,date,description,billable,status,created_at
FROM time_entries WHERE task_id=? ORDER BY date ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	res := []domain.TimeEntry{}
	for rows.Next() {
		var e domain.TimeEntry
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.WorkspaceID, &e.UserID, &e.Minutes, &e.Date, &desc, &e.Billable, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = desc.String
		res = append(res, e)
	}
	return res, rows.Err()
}
