package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/engine/workflow"
	"trackline/internal/events"
	"trackline/internal/store"
)

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// DeriveProjectKey builds a key from the initials of name, or from the first
// three characters when name is a single word.
func DeriveProjectKey(name string) string {
	words := strings.FieldsFunc(strings.ToUpper(name), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	var key string
	switch len(words) {
	case 0:
		return ""
	case 1:
		key = words[0]
		if len(key) > 3 {
			key = key[:3]
		}
	default:
		for _, w := range words {
			key += w[:1]
		}
	}
	key = strings.TrimLeft(key, "0123456789")
	if len(key) > 10 {
		key = key[:10]
	}
	return key
}

func allIssueTypes() []domain.IssueType {
	return []domain.IssueType{domain.IssueStory, domain.IssueTask, domain.IssueBug, domain.IssueEpic}
}

func validateIssueTypes(types []domain.IssueType) error {
	if len(types) == 0 {
		return invalid("issue_types", "at least one issue type required")
	}
	for _, t := range types {
		if !t.Valid() {
			return invalid("issue_types", "unknown issue type %q", t)
		}
	}
	return nil
}

// ensureMembers checks every user id holds a membership of the workspace.
func ensureMembers(ctx context.Context, tx store.Tx, workspaceID, field string, ids ...string) error {
	for _, id := range ids {
		if _, err := tx.GetMembership(ctx, workspaceID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid(field, "%s is not a member of the workspace", id)
			}
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type ProjectCreateOptions struct {
	WorkspaceID string
	ActorID     string
	Name        string
	Key         string
	Description string
	LeadID      string
	MemberIDs   []string
	Workflow    []domain.WorkflowStatus
	IssueTypes  []domain.IssueType
	Status      domain.ProjectStatus
}

// CreateProject reserves a PROJECTS unit and creates the project.
func (e *Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	var out domain.Project
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return out, invalid("name", "required")
	}
	key := strings.ToUpper(strings.TrimSpace(opts.Key))
	if key == "" {
		key = DeriveProjectKey(name)
	}
	if !projectKeyPattern.MatchString(key) {
		return out, invalid("key", "%q must match %s", key, projectKeyPattern)
	}
	wf := opts.Workflow
	if len(wf) == 0 {
		wf = workflow.Default()
	}
	if err := workflow.Validate(wf); err != nil {
		return out, err
	}
	types := opts.IssueTypes
	if len(types) == 0 {
		types = allIssueTypes()
	}
	if err := validateIssueTypes(types); err != nil {
		return out, err
	}
	status := opts.Status
	if status == "" {
		status = domain.ProjectActive
	}
	if status != domain.ProjectActive && status != domain.ProjectPlanning {
		return out, invalid("status", "new projects are ACTIVE or PLANNING")
	}
	err := e.mutate(ctx, op{name: "CreateProject", workspaceID: opts.WorkspaceID, actorID: opts.ActorID, action: auth.CreateProject},
		func(ctx context.Context, s *scope) error {
			lead := opts.LeadID
			if lead == "" {
				lead = s.actorID
			}
			members := dedupe(append([]string{lead}, opts.MemberIDs...))
			if err := ensureMembers(ctx, s.tx, s.workspace.ID, "member_ids", members...); err != nil {
				return err
			}
			if err := e.Quota.CheckAndReserve(ctx, s.tx, s.workspace.ID, domain.ResourceProjects, 1); err != nil {
				return err
			}
			now := e.timestamp()
			p := domain.Project{
				ID:          e.newID(),
				WorkspaceID: s.workspace.ID,
				Name:        name,
				Key:         key,
				Description: opts.Description,
				Status:      status,
				LeadID:      lead,
				MemberIDs:   members,
				Workflow:    wf,
				IssueTypes:  types,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.tx.InsertProject(ctx, p); err != nil {
				return fmt.Errorf("project key %s: %w", key, err)
			}
			out = p
			return s.audit(ctx, "project.created", "project", p.ID, events.Payload{"name": p.Name, "key": p.Key})
		})
	return out, err
}

type ProjectUpdateOptions struct {
	ProjectID   string
	ActorID     string
	Name        *string
	Description *string
	LeadID      *string
	MemberIDs   *[]string
	IssueTypes  *[]domain.IssueType
	Status      *domain.ProjectStatus
}

// UpdateProject edits project metadata. Workflow edits go through UpdateWorkflow.
func (e *Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	var out domain.Project
	wsID, err := e.workspaceOfProject(ctx, opts.ProjectID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "UpdateProject", workspaceID: wsID, actorID: opts.ActorID, action: auth.EditProject},
		func(ctx context.Context, s *scope) error {
			p, err := s.tx.GetProject(ctx, opts.ProjectID)
			if err != nil {
				return fmt.Errorf("project %s: %w", opts.ProjectID, err)
			}
			var fields []string
			if opts.Name != nil {
				name := strings.TrimSpace(*opts.Name)
				if name == "" {
					return invalid("name", "required")
				}
				p.Name = name
				fields = append(fields, "name")
			}
			if opts.Description != nil {
				p.Description = *opts.Description
				fields = append(fields, "description")
			}
			if opts.LeadID != nil {
				if err := ensureMembers(ctx, s.tx, s.workspace.ID, "lead_id", *opts.LeadID); err != nil {
					return err
				}
				p.LeadID = *opts.LeadID
				fields = append(fields, "lead_id")
			}
			if opts.MemberIDs != nil {
				members := dedupe(*opts.MemberIDs)
				if err := ensureMembers(ctx, s.tx, s.workspace.ID, "member_ids", members...); err != nil {
					return err
				}
				p.MemberIDs = members
				fields = append(fields, "member_ids")
			}
			if opts.IssueTypes != nil {
				if err := validateIssueTypes(*opts.IssueTypes); err != nil {
					return err
				}
				p.IssueTypes = *opts.IssueTypes
				fields = append(fields, "issue_types")
			}
			if opts.Status != nil {
				switch *opts.Status {
				case domain.ProjectActive, domain.ProjectPlanning, domain.ProjectArchived:
				default:
					return invalid("status", "unknown project status %q", *opts.Status)
				}
				p.Status = *opts.Status
				fields = append(fields, "status")
			}
			p.UpdatedAt = e.timestamp()
			if err := s.tx.UpdateProject(ctx, p); err != nil {
				return err
			}
			out = p
			return s.audit(ctx, "project.updated", "project", p.ID, events.Payload{"fields": fields})
		})
	return out, err
}

type WorkflowUpdateOptions struct {
	ProjectID string
	ActorID   string
	Statuses  []domain.WorkflowStatus
	// Remap moves tasks out of removed statuses: removed id -> kept id.
	Remap map[string]string
}

// UpdateWorkflow replaces a project's workflow. Tasks in removed statuses
// must be remapped; lowered WIP limits leave existing occupants in place.
func (e *Engine) UpdateWorkflow(ctx context.Context, opts WorkflowUpdateOptions) (domain.Project, []workflow.Move, error) {
	var (
		out   domain.Project
		moves []workflow.Move
	)
	wsID, err := e.workspaceOfProject(ctx, opts.ProjectID)
	if err != nil {
		return out, nil, err
	}
	err = e.mutate(ctx, op{name: "UpdateWorkflow", workspaceID: wsID, actorID: opts.ActorID, action: auth.ManageWorkflow},
		func(ctx context.Context, s *scope) error {
			p, err := s.tx.GetProject(ctx, opts.ProjectID)
			if err != nil {
				return fmt.Errorf("project %s: %w", opts.ProjectID, err)
			}
			occupancy, err := s.tx.CountTasksByStatus(ctx, p.ID)
			if err != nil {
				return err
			}
			moves, err = workflow.PlanEdit(p.Workflow, opts.Statuses, opts.Remap, occupancy)
			if err != nil {
				return err
			}
			recategorized := workflow.Recategorized(p.Workflow, opts.Statuses)
			p.Workflow = opts.Statuses
			for _, m := range moves {
				target, _ := p.LookupStatus(m.To)
				if err := e.reapplyStatus(ctx, s, p.ID, m.From, target); err != nil {
					return err
				}
			}
			for _, st := range recategorized {
				if err := e.reapplyStatus(ctx, s, p.ID, st.ID, st); err != nil {
					return err
				}
			}
			p.UpdatedAt = e.timestamp()
			if err := s.tx.UpdateProject(ctx, p); err != nil {
				return err
			}
			out = p
			ids := make([]string, len(p.Workflow))
			for i, st := range p.Workflow {
				ids[i] = st.ID
			}
			return s.audit(ctx, "workflow.updated", "project", p.ID, events.Payload{"statuses": ids, "moves": moves})
		})
	return out, moves, err
}

// reapplyStatus moves every task of project in from into target.
func (e *Engine) reapplyStatus(ctx context.Context, s *scope, projectID, from string, target domain.WorkflowStatus) error {
	tasks, err := s.tx.ListTasks(ctx, store.TaskFilter{ProjectID: projectID, Status: from})
	if err != nil {
		return err
	}
	now := e.now()
	for _, t := range tasks {
		workflow.Apply(&t, target, now)
		t.UpdatedAt = e.timestamp()
		if err := s.tx.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProject removes the project, its tasks and every link touching them,
// and frees the PROJECTS unit.
func (e *Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	wsID, err := e.workspaceOfProject(ctx, projectID)
	if err != nil {
		return err
	}
	return e.mutate(ctx, op{name: "DeleteProject", workspaceID: wsID, actorID: actorID, action: auth.DeleteProject},
		func(ctx context.Context, s *scope) error {
			p, err := s.tx.GetProject(ctx, projectID)
			if err != nil {
				return fmt.Errorf("project %s: %w", projectID, err)
			}
			tasks, err := s.tx.ListTasks(ctx, store.TaskFilter{ProjectID: p.ID})
			if err != nil {
				return err
			}
			edges := 0
			for _, t := range tasks {
				n, err := e.Graph.DeleteTask(ctx, s.tx, t.ID)
				if err != nil {
					return err
				}
				edges += n
			}
			if err := s.tx.DeleteProject(ctx, p.ID); err != nil {
				return err
			}
			if err := e.Quota.Release(ctx, s.tx, s.workspace.ID, domain.ResourceProjects, 1); err != nil {
				return err
			}
			return s.audit(ctx, "project.deleted", "project", p.ID, events.Payload{"key": p.Key, "tasks": len(tasks), "links": edges})
		})
}
