package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/engine/quota"
	"trackline/internal/store"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// GetWorkspace returns a workspace visible to actorID. Closed workspaces stay
// readable.
func (e *Engine) GetWorkspace(ctx context.Context, workspaceID, actorID string) (domain.Workspace, error) {
	var out domain.Workspace
	err := e.view(ctx, workspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		out = s.workspace
		return nil
	})
	return out, err
}

func (e *Engine) GetUser(ctx context.Context, userID string) (domain.User, error) {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return u, fmt.Errorf("user %s: %w", userID, err)
	}
	return u, nil
}

// ListWorkspaces lists the workspaces where actorID holds a membership.
func (e *Engine) ListWorkspaces(ctx context.Context, actorID string) ([]domain.Workspace, error) {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListWorkspacesForUser(ctx, actorID)
}

func (e *Engine) ListMembers(ctx context.Context, workspaceID, actorID string) ([]domain.Membership, error) {
	var out []domain.Membership
	err := e.view(ctx, workspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		var err error
		out, err = s.tx.ListMemberships(ctx, workspaceID)
		return err
	})
	return out, err
}

func (e *Engine) GetQuota(ctx context.Context, workspaceID, actorID string) (quota.Snapshot, error) {
	var out quota.Snapshot
	err := e.view(ctx, workspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		var err error
		out, err = e.Quota.Snapshot(ctx, s.tx, workspaceID)
		return err
	})
	return out, err
}

func (e *Engine) GetProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	var out domain.Project
	wsID, err := e.workspaceOfProject(ctx, projectID)
	if err != nil {
		return out, err
	}
	err = e.view(ctx, wsID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		out, err = s.tx.GetProject(ctx, projectID)
		return err
	})
	return out, err
}

func (e *Engine) ListProjects(ctx context.Context, workspaceID, actorID string) ([]domain.Project, error) {
	var out []domain.Project
	err := e.view(ctx, workspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		var err error
		out, err = s.tx.ListProjects(ctx, workspaceID)
		return err
	})
	return out, err
}

func (e *Engine) GetTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	var out domain.Task
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.view(ctx, wsID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		out, err = s.tx.GetTask(ctx, taskID)
		return err
	})
	return out, err
}

// ParseTaskKey splits "ENG-12" into its project key and number.
func ParseTaskKey(key string) (string, int, error) {
	i := strings.LastIndexByte(key, '-')
	if i <= 0 || i == len(key)-1 {
		return "", 0, invalid("key", "%q is not a task key", key)
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil || n <= 0 {
		return "", 0, invalid("key", "%q is not a task key", key)
	}
	return strings.ToUpper(key[:i]), n, nil
}

// GetTaskByKey resolves a human key such as ENG-12 within a workspace.
func (e *Engine) GetTaskByKey(ctx context.Context, workspaceID, actorID, key string) (domain.Task, error) {
	var out domain.Task
	projectKey, n, err := ParseTaskKey(key)
	if err != nil {
		return out, err
	}
	err = e.view(ctx, workspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		p, err := s.tx.GetProjectByKey(ctx, workspaceID, projectKey)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectKey, err)
		}
		out, err = s.tx.GetTaskByNumber(ctx, p.ID, n)
		if err != nil {
			return fmt.Errorf("task %s: %w", key, err)
		}
		return nil
	})
	return out, err
}

// ListTasks filters the tasks of f.WorkspaceID.
func (e *Engine) ListTasks(ctx context.Context, actorID string, f store.TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	if f.WorkspaceID == "" {
		return nil, invalid("workspace_id", "required")
	}
	err := e.view(ctx, f.WorkspaceID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		var err error
		out, err = s.tx.ListTasks(ctx, f)
		return err
	})
	return out, err
}

// ListAudit pages the audit log newest first. before is an exclusive entry id
// cursor; zero starts at the newest entry.
func (e *Engine) ListAudit(ctx context.Context, workspaceID, actorID string, limit int, before int64) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	err := e.view(ctx, workspaceID, actorID, auth.ViewReports, func(ctx context.Context, s *scope) error {
		var err error
		out, err = s.tx.ListAudit(ctx, store.AuditFilter{WorkspaceID: workspaceID, BeforeID: before, Limit: limit})
		return err
	})
	return out, err
}
