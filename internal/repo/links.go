package repo

import (
	"context"

	"trackline/internal/domain"
)

func (t *Tx) listLinks(ctx context.Context, taskID string) ([]domain.TaskLink, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT type,target_task_id FROM task_links WHERE task_id=? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	links := []domain.TaskLink{}
	for rows.Next() {
		var l domain.TaskLink
		if err := rows.Scan(&l.Type, &l.TargetTaskID); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// InsertLink appends one directed edge after the task's existing links.
func (t *Tx) InsertLink(ctx context.Context, taskID string, link domain.TaskLink) error {
	_, err := t.exec(ctx, `INSERT INTO task_links(task_id,target_task_id,type,position)
SELECT ?, ?, ?, COALESCE(MAX(position), 0) + 1 FROM task_links WHERE task_id=?`,
		taskID, link.TargetTaskID, link.Type, taskID)
	return err
}

func (t *Tx) LinkTypesBetween(ctx context.Context, taskID, targetID string) ([]domain.LinkType, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT type FROM task_links WHERE task_id=? AND target_task_id=? ORDER BY position ASC`, taskID, targetID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []domain.LinkType
	for rows.Next() {
		var lt domain.LinkType
		if err := rows.Scan(&lt); err != nil {
			return nil, err
		}
		res = append(res, lt)
	}
	return res, rows.Err()
}

func (t *Tx) DeleteLinksBetween(ctx context.Context, taskID, targetID string) (int, error) {
	res, err := t.exec(ctx, `DELETE FROM task_links WHERE task_id=? AND target_task_id=?`, taskID, targetID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteIncidentLinks removes every edge that starts or ends at taskID.
func (t *Tx) DeleteIncidentLinks(ctx context.Context, taskID string) (int, error) {
	res, err := t.exec(ctx, `DELETE FROM task_links WHERE target_task_id=? OR task_id=?`, taskID, taskID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
