package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/engine/workflow"
	"trackline/internal/events"
	"trackline/internal/store"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID     string
	ActorID       string
	Title         string
	Description   string
	Type          domain.IssueType
	Status        string
	Priority      domain.Priority
	AssigneeID    string
	ParentID      string
	DueDate       string
	EstimateHours *float64
	Labels        []string
}

func validateDueDate(v string) error {
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return invalid("due_date", "%q is not a YYYY-MM-DD date", v)
	}
	return nil
}

func validateEstimate(v *float64) error {
	if v != nil && *v < 0 {
		return invalid("estimate_hours", "must not be negative")
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateTask numbers the task from the project sequence and places it in the
// requested status, or the first status of the workflow.
func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	var out domain.Task
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return out, invalid("title", "required")
	}
	if opts.Type == "" {
		opts.Type = domain.IssueTask
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return out, invalid("priority", "unknown priority %q", opts.Priority)
	}
	if opts.DueDate != "" {
		if err := validateDueDate(opts.DueDate); err != nil {
			return out, err
		}
	}
	if err := validateEstimate(opts.EstimateHours); err != nil {
		return out, err
	}
	wsID, err := e.workspaceOfProject(ctx, opts.ProjectID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "CreateTask", workspaceID: wsID, actorID: opts.ActorID, action: auth.CreateTask},
		func(ctx context.Context, s *scope) error {
			p, err := s.tx.GetProject(ctx, opts.ProjectID)
			if err != nil {
				return fmt.Errorf("project %s: %w", opts.ProjectID, err)
			}
			if p.Status == domain.ProjectArchived {
				return invalid("project_id", "project %s is archived", p.Key)
			}
			if !p.AllowsType(opts.Type) {
				return invalid("type", "project %s does not accept %s", p.Key, opts.Type)
			}
			if opts.AssigneeID != "" {
				if err := ensureMembers(ctx, s.tx, s.workspace.ID, "assignee_id", opts.AssigneeID); err != nil {
					return err
				}
			}
			if opts.ParentID != "" {
				if err := e.checkParent(ctx, s.tx, p.ID, opts.ParentID, ""); err != nil {
					return err
				}
			}
			now := e.timestamp()
			t := domain.Task{
				ID:            e.newID(),
				ProjectID:     p.ID,
				WorkspaceID:   p.WorkspaceID,
				Title:         title,
				Description:   opts.Description,
				Type:          opts.Type,
				Priority:      opts.Priority,
				AssigneeID:    optionalString(opts.AssigneeID),
				ReporterID:    s.actorID,
				ParentID:      optionalString(opts.ParentID),
				DueDate:       optionalString(opts.DueDate),
				EstimateHours: opts.EstimateHours,
				Labels:        opts.Labels,
				Links:         []domain.TaskLink{},
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			target := opts.Status
			if target == "" {
				target = p.InitialStatus()
			}
			occupancy, err := s.tx.CountTasksByStatus(ctx, p.ID)
			if err != nil {
				return err
			}
			status, err := workflow.ValidateTransition(p, t, target, s.role, occupancy[target])
			if err != nil {
				return err
			}
			workflow.Apply(&t, status, e.now())
			if t.Number, err = s.tx.NextTaskNumber(ctx, p.ID); err != nil {
				return err
			}
			t.Key = domain.TaskKey(p.Key, t.Number)
			if err := s.tx.InsertTask(ctx, t); err != nil {
				return err
			}
			// reload for normalized labels
			if out, err = s.tx.GetTask(ctx, t.ID); err != nil {
				return err
			}
			return s.audit(ctx, "task.created", "task", t.ID, events.Payload{"key": t.Key, "title": t.Title, "status": t.Status})
		})
	return out, err
}

// checkParent validates parentID as a parent for taskID within projectID.
func (e *Engine) checkParent(ctx context.Context, tx store.Tx, projectID, parentID, taskID string) error {
	cur := parentID
	for cur != "" {
		if cur == taskID {
			return invalid("parent_id", "task hierarchy cycle detected")
		}
		t, err := tx.GetTask(ctx, cur)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid("parent_id", "task %s not found", cur)
			}
			return err
		}
		if t.ProjectID != projectID {
			return invalid("parent_id", "parent belongs to another project")
		}
		if t.ParentID == nil {
			return nil
		}
		cur = *t.ParentID
	}
	return nil
}

// TaskUpdateOptions encapsulates allowed partial updates. Empty strings in
// AssigneeID, ParentID and DueDate clear the field.
type TaskUpdateOptions struct {
	TaskID        string
	ActorID       string
	Title         *string
	Description   *string
	Type          *domain.IssueType
	Priority      *domain.Priority
	AssigneeID    *string
	ParentID      *string
	DueDate       *string
	EstimateHours *float64
	ClearEstimate bool
	Labels        *[]string
	AddLabels     []string
	RemoveLabels  []string
	// Status routes through the same guard as MoveTaskStatus.
	Status *string
}

func (e *Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	var out domain.Task
	wsID, err := e.workspaceOfTask(ctx, opts.TaskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "UpdateTask", workspaceID: wsID, actorID: opts.ActorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			t, err := s.tx.GetTask(ctx, opts.TaskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", opts.TaskID, err)
			}
			p, err := s.tx.GetProject(ctx, t.ProjectID)
			if err != nil {
				return err
			}
			var fields []string
			if opts.Title != nil {
				title := strings.TrimSpace(*opts.Title)
				if title == "" {
					return invalid("title", "required")
				}
				t.Title = title
				fields = append(fields, "title")
			}
			if opts.Description != nil {
				t.Description = *opts.Description
				fields = append(fields, "description")
			}
			if opts.Type != nil {
				if !p.AllowsType(*opts.Type) {
					return invalid("type", "project %s does not accept %s", p.Key, *opts.Type)
				}
				t.Type = *opts.Type
				fields = append(fields, "type")
			}
			if opts.Priority != nil {
				if !opts.Priority.Valid() {
					return invalid("priority", "unknown priority %q", *opts.Priority)
				}
				t.Priority = *opts.Priority
				fields = append(fields, "priority")
			}
			if opts.AssigneeID != nil {
				if *opts.AssigneeID != "" {
					if err := ensureMembers(ctx, s.tx, s.workspace.ID, "assignee_id", *opts.AssigneeID); err != nil {
						return err
					}
				}
				t.AssigneeID = optionalString(*opts.AssigneeID)
				fields = append(fields, "assignee_id")
			}
			if opts.ParentID != nil {
				if *opts.ParentID != "" {
					if err := e.checkParent(ctx, s.tx, t.ProjectID, *opts.ParentID, t.ID); err != nil {
						return err
					}
				}
				t.ParentID = optionalString(*opts.ParentID)
				fields = append(fields, "parent_id")
			}
			if opts.DueDate != nil {
				if *opts.DueDate != "" {
					if err := validateDueDate(*opts.DueDate); err != nil {
						return err
					}
				}
				t.DueDate = optionalString(*opts.DueDate)
				fields = append(fields, "due_date")
			}
			if opts.ClearEstimate {
				t.EstimateHours = nil
				fields = append(fields, "estimate_hours")
			} else if opts.EstimateHours != nil {
				if err := validateEstimate(opts.EstimateHours); err != nil {
					return err
				}
				t.EstimateHours = opts.EstimateHours
				fields = append(fields, "estimate_hours")
			}
			if opts.Labels != nil || len(opts.AddLabels) > 0 || len(opts.RemoveLabels) > 0 {
				t.Labels = editLabels(t.Labels, opts.Labels, opts.AddLabels, opts.RemoveLabels)
				fields = append(fields, "labels")
			}
			payload := events.Payload{"fields": fields}
			if opts.Status != nil && *opts.Status != t.Status {
				from := t.Status
				if err := e.transition(ctx, s, p, &t, *opts.Status); err != nil {
					return err
				}
				payload["from"], payload["to"] = from, t.Status
			}
			t.UpdatedAt = e.timestamp()
			if err := s.tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			if out, err = s.tx.GetTask(ctx, t.ID); err != nil {
				return err
			}
			return s.audit(ctx, "task.updated", "task", t.ID, payload)
		})
	return out, err
}

func editLabels(current []string, replace *[]string, add, remove []string) []string {
	base := current
	if replace != nil {
		base = *replace
	}
	drop := map[string]bool{}
	for _, l := range remove {
		drop[l] = true
	}
	var out []string
	for _, l := range append(append([]string{}, base...), add...) {
		if !drop[l] {
			out = append(out, l)
		}
	}
	return out
}

// transition validates and applies a status change on t without writing it.
func (e *Engine) transition(ctx context.Context, s *scope, p domain.Project, t *domain.Task, target string) error {
	occupancy, err := s.tx.CountTasksByStatus(ctx, p.ID)
	if err != nil {
		return err
	}
	status, err := workflow.ValidateTransition(p, *t, target, s.role, occupancy[target])
	if err != nil {
		return err
	}
	workflow.Apply(t, status, e.now())
	return nil
}

// MoveTaskStatus moves a task to another status of its project's workflow.
func (e *Engine) MoveTaskStatus(ctx context.Context, taskID, actorID, target string) (domain.Task, error) {
	var out domain.Task
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "MoveTaskStatus", workspaceID: wsID, actorID: actorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			t, err := s.tx.GetTask(ctx, taskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}
			p, err := s.tx.GetProject(ctx, t.ProjectID)
			if err != nil {
				return err
			}
			from := t.Status
			if err := e.transition(ctx, s, p, &t, target); err != nil {
				return err
			}
			out = t
			if from == t.Status {
				return nil
			}
			t.UpdatedAt = e.timestamp()
			if err := s.tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			out = t
			return s.audit(ctx, "task.moved", "task", t.ID, events.Payload{"key": t.Key, "from": from, "to": t.Status})
		})
	return out, err
}

// LinkTasks joins two tasks with typ and its inverse in one transaction.
// Re-linking an already linked pair is a no-op.
func (e *Engine) LinkTasks(ctx context.Context, taskID, targetID, actorID string, typ domain.LinkType) (domain.Task, error) {
	var out domain.Task
	if !typ.Valid() {
		return out, invalid("type", "unknown link type %q", typ)
	}
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "LinkTasks", workspaceID: wsID, actorID: actorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			a, b, err := loadPair(ctx, s.tx, taskID, targetID)
			if err != nil {
				return err
			}
			changed, err := e.Graph.Link(ctx, s.tx, a, b, typ)
			if err != nil {
				return err
			}
			if out, err = s.tx.GetTask(ctx, a.ID); err != nil {
				return err
			}
			if !changed {
				return nil
			}
			return s.audit(ctx, "task.linked", "task", a.ID, events.Payload{"target_id": b.ID, "type": typ, "inverse": typ.Inverse()})
		})
	return out, err
}

// UnlinkTasks removes every edge between two tasks in both directions.
func (e *Engine) UnlinkTasks(ctx context.Context, taskID, targetID, actorID string) (domain.Task, error) {
	var out domain.Task
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "UnlinkTasks", workspaceID: wsID, actorID: actorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			a, b, err := loadPair(ctx, s.tx, taskID, targetID)
			if err != nil {
				return err
			}
			removed, err := e.Graph.Unlink(ctx, s.tx, a, b)
			if err != nil {
				return err
			}
			if out, err = s.tx.GetTask(ctx, a.ID); err != nil {
				return err
			}
			if removed == 0 {
				return nil
			}
			return s.audit(ctx, "task.unlinked", "task", a.ID, events.Payload{"target_id": b.ID, "edges": removed})
		})
	return out, err
}

func loadPair(ctx context.Context, tx store.Tx, aID, bID string) (domain.Task, domain.Task, error) {
	a, err := tx.GetTask(ctx, aID)
	if err != nil {
		return a, domain.Task{}, fmt.Errorf("task %s: %w", aID, err)
	}
	b, err := tx.GetTask(ctx, bID)
	if err != nil {
		return a, b, fmt.Errorf("task %s: %w", bID, err)
	}
	return a, b, nil
}

// DeleteTask removes the task and every link pointing at it.
func (e *Engine) DeleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	var out domain.Task
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "DeleteTask", workspaceID: wsID, actorID: actorID, action: auth.DeleteTask},
		func(ctx context.Context, s *scope) error {
			t, err := s.tx.GetTask(ctx, taskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}
			edges, err := e.Graph.DeleteTask(ctx, s.tx, t.ID)
			if err != nil {
				return err
			}
			out = t
			return s.audit(ctx, "task.deleted", "task", t.ID, events.Payload{"key": t.Key, "links": edges})
		})
	return out, err
}
