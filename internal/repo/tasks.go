package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/store"
)

const taskColumns = `t.id,t.project_id,t.workspace_id,t.number,p.key,t.title,t.description,t.type,t.status,t.priority,t.assignee_id,t.reporter_id,t.parent_id,t.due_date,t.estimate_hours,t.labels_json,t.created_at,t.updated_at,t.completed_at`

const taskFrom = ` FROM tasks t JOIN projects p ON p.id=t.project_id`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var projectKey, labels string
	var desc, assignee, parent, due, completed sql.NullString
	var estimate sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &t.WorkspaceID, &t.Number, &projectKey, &t.Title, &desc, &t.Type, &t.Status, &t.Priority,
		&assignee, &t.ReporterID, &parent, &due, &estimate, &labels, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return t, mapErr(err)
	}
	t.Key = domain.TaskKey(projectKey, t.Number)
	t.Description = desc.String
	t.AssigneeID = stringPtr(assignee)
	t.ParentID = stringPtr(parent)
	t.DueDate = stringPtr(due)
	t.CompletedAt = stringPtr(completed)
	if estimate.Valid {
		v := estimate.Float64
		t.EstimateHours = &v
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return t, err
	}
	return t, nil
}

func encodeLabels(labels []string) (string, error) {
	set := map[string]struct{}{}
	out := []string{}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := set[l]; ok {
			continue
		}
		set[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return marshalJSON(out)
}

func (t *Tx) InsertTask(ctx context.Context, task domain.Task) error {
	labels, err := encodeLabels(task.Labels)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO tasks(id,project_id,workspace_id,number,title,description,type,status,priority,assignee_id,reporter_id,parent_id,due_date,estimate_hours,labels_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.ProjectID, task.WorkspaceID, task.Number, task.Title, nullable(task.Description), task.Type, task.Status, task.Priority,
		nullableStringPtr(task.AssigneeID), task.ReporterID, nullableStringPtr(task.ParentID), nullableStringPtr(task.DueDate),
		nullableFloatPtr(task.EstimateHours), labels, task.CreatedAt, task.UpdatedAt, nullableStringPtr(task.CompletedAt))
	return err
}

func (t *Tx) GetTask(ctx context.Context, id string) (domain.Task, error) {
	task, err := scanTask(t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+` WHERE t.id=?`, id))
	if err != nil {
		return task, err
	}
	task.Links, err = t.listLinks(ctx, task.ID)
	return task, err
}

func (t *Tx) GetTaskByNumber(ctx context.Context, projectID string, number int) (domain.Task, error) {
	task, err := scanTask(t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+` WHERE t.project_id=? AND t.number=?`, projectID, number))
	if err != nil {
		return task, err
	}
	task.Links, err = t.listLinks(ctx, task.ID)
	return task, err
}

// UpdateTask rewrites the task row. Links are written through InsertLink/DeleteLinks*.
func (t *Tx) UpdateTask(ctx context.Context, task domain.Task) error {
	labels, err := encodeLabels(task.Labels)
	if err != nil {
		return err
	}
	return t.execOne(ctx, `UPDATE tasks SET title=?, description=?, type=?, status=?, priority=?, assignee_id=?, parent_id=?, due_date=?, estimate_hours=?, labels_json=?, updated_at=?, completed_at=? WHERE id=?`,
		task.Title, nullable(task.Description), task.Type, task.Status, task.Priority, nullableStringPtr(task.AssigneeID),
		nullableStringPtr(task.ParentID), nullableStringPtr(task.DueDate), nullableFloatPtr(task.EstimateHours), labels,
		task.UpdatedAt, nullableStringPtr(task.CompletedAt), task.ID)
}

func (t *Tx) DeleteTask(ctx context.Context, id string) error {
	return t.execOne(ctx, `DELETE FROM tasks WHERE id=?`, id)
}

func (t *Tx) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "t.workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "t.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "t.assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Label != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(t.labels_json) WHERE json_each.value=?)")
		args = append(args, f.Label)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + taskFrom + where + ` ORDER BY p.key ASC, t.number ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	var res []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, task)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Links, err = t.listLinks(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (t *Tx) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
