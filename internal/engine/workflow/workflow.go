// Package workflow validates per-project workflow definitions and task moves
// between their statuses.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
)

var statusIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// InvalidTransitionError reports a move to a status the project does not define.
type InvalidTransitionError struct {
	ProjectID string
	StatusID  string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("status %q is not part of the workflow of project %s", e.StatusID, e.ProjectID)
}

// WipLimitError reports a move into a status already at its WIP limit.
type WipLimitError struct {
	StatusID string
	Limit    int
	Count    int
}

func (e WipLimitError) Error() string {
	return fmt.Sprintf("wip limit reached for %s (%d/%d)", e.StatusID, e.Count, e.Limit)
}

// OrphanedStatusError reports a workflow edit that would strand tasks.
type OrphanedStatusError struct {
	StatusID string
	Tasks    int
}

func (e OrphanedStatusError) Error() string {
	return fmt.Sprintf("status %s still holds %d task(s); remap them to a remaining status", e.StatusID, e.Tasks)
}

// DefinitionError reports a malformed workflow definition.
type DefinitionError struct {
	Reason string
}

func (e DefinitionError) Error() string {
	return "invalid workflow: " + e.Reason
}

func intPtr(v int) *int { return &v }

// Default is the workflow new projects start with.
func Default() []domain.WorkflowStatus {
	return []domain.WorkflowStatus{
		{ID: "backlog", Label: "Backlog", Category: domain.CategoryBacklog},
		{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
		{ID: "in_progress", Label: "In Progress", Category: domain.CategoryInProgress, WipLimit: intPtr(5)},
		{ID: "review", Label: "Review", Category: domain.CategoryInProgress, WipLimit: intPtr(3)},
		{ID: "done", Label: "Done", Category: domain.CategoryDone},
	}
}

// Validate checks a workflow definition.
func Validate(statuses []domain.WorkflowStatus) error {
	if len(statuses) == 0 {
		return DefinitionError{Reason: "at least one status required"}
	}
	seen := map[string]bool{}
	for _, s := range statuses {
		if !statusIDPattern.MatchString(s.ID) {
			return DefinitionError{Reason: fmt.Sprintf("status id %q must match %s", s.ID, statusIDPattern)}
		}
		if seen[s.ID] {
			return DefinitionError{Reason: fmt.Sprintf("duplicate status id %q", s.ID)}
		}
		seen[s.ID] = true
		if s.Label == "" {
			return DefinitionError{Reason: fmt.Sprintf("status %q needs a label", s.ID)}
		}
		if !s.Category.Valid() {
			return DefinitionError{Reason: fmt.Sprintf("status %q has unknown category %q", s.ID, s.Category)}
		}
		if s.WipLimit != nil && *s.WipLimit <= 0 {
			return DefinitionError{Reason: fmt.Sprintf("status %q wip_limit must be positive", s.ID)}
		}
		for _, r := range s.AllowedRoles {
			if !r.Valid() {
				return DefinitionError{Reason: fmt.Sprintf("status %q allows unknown role %q", s.ID, r)}
			}
		}
	}
	return nil
}

// ValidateTransition checks a move of task into target. occupancy is the
// number of tasks of the project currently in target. It has no side effects.
func ValidateTransition(project domain.Project, task domain.Task, target string, role domain.Role, occupancy int) (domain.WorkflowStatus, error) {
	status, ok := project.LookupStatus(target)
	if !ok {
		return status, InvalidTransitionError{ProjectID: project.ID, StatusID: target}
	}
	if len(status.AllowedRoles) > 0 && role != domain.RoleOwner && role != domain.RoleAdmin && !hasRole(status.AllowedRoles, role) {
		return status, auth.ForbiddenError{
			Action:        string(auth.EditTask),
			Role:          role,
			RequiredRoles: status.AllowedRoles,
		}
	}
	// Limits apply at the transition boundary only; columns already over a
	// lowered limit keep their occupants.
	if status.WipLimit != nil && task.Status != target && occupancy >= *status.WipLimit {
		return status, WipLimitError{StatusID: status.ID, Limit: *status.WipLimit, Count: occupancy}
	}
	return status, nil
}

func hasRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Apply moves task into status and maintains completed_at.
func Apply(task *domain.Task, status domain.WorkflowStatus, now time.Time) {
	task.Status = status.ID
	if status.Category == domain.CategoryDone {
		if task.CompletedAt == nil {
			ts := now.UTC().Format(time.RFC3339)
			task.CompletedAt = &ts
		}
		return
	}
	task.CompletedAt = nil
}

// Move relocates every task of one status into another.
type Move struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Tasks int    `json:"tasks"`
}

// PlanEdit computes the moves required to replace old with updated without
// orphaning tasks. remap maps removed status ids to statuses of updated;
// occupancy holds task counts per status. A remap may not push its target
// over the WIP limit it has in updated.
func PlanEdit(old, updated []domain.WorkflowStatus, remap map[string]string, occupancy map[string]int) ([]Move, error) {
	if err := Validate(updated); err != nil {
		return nil, err
	}
	next := map[string]domain.WorkflowStatus{}
	for _, s := range updated {
		next[s.ID] = s
	}
	for from, to := range remap {
		if _, ok := next[to]; !ok {
			return nil, DefinitionError{Reason: fmt.Sprintf("remap of %q targets unknown status %q", from, to)}
		}
	}
	var moves []Move
	incoming := map[string]int{}
	for _, s := range old {
		if _, kept := next[s.ID]; kept {
			continue
		}
		n := occupancy[s.ID]
		if n == 0 {
			continue
		}
		to, ok := remap[s.ID]
		if !ok {
			return nil, OrphanedStatusError{StatusID: s.ID, Tasks: n}
		}
		moves = append(moves, Move{From: s.ID, To: to, Tasks: n})
		incoming[to] += n
	}
	for to, n := range incoming {
		lim := next[to].WipLimit
		if lim == nil {
			continue
		}
		if total := occupancy[to] + n; total > *lim {
			return nil, WipLimitError{StatusID: to, Limit: *lim, Count: total}
		}
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].From < moves[j].From })
	return moves, nil
}

// Recategorized lists statuses kept by an edit whose category moved into or
// out of DONE; their tasks need completed_at recomputed.
func Recategorized(old, updated []domain.WorkflowStatus) []domain.WorkflowStatus {
	done := map[string]bool{}
	for _, s := range old {
		done[s.ID] = s.Category == domain.CategoryDone
	}
	var out []domain.WorkflowStatus
	for _, s := range updated {
		was, kept := done[s.ID]
		if kept && was != (s.Category == domain.CategoryDone) {
			out = append(out, s)
		}
	}
	return out
}
