// Package auth holds the role/action policy consulted by every engine command.
package auth

import (
	"fmt"
	"strings"

	"trackline/internal/domain"
)

type Action string

const (
	CreateProject    Action = "CREATE_PROJECT"
	EditProject      Action = "EDIT_PROJECT"
	DeleteProject    Action = "DELETE_PROJECT"
	ManageWorkflow   Action = "MANAGE_WORKFLOW"
	CreateTask       Action = "CREATE_TASK"
	EditTask         Action = "EDIT_TASK"
	DeleteTask       Action = "DELETE_TASK"
	Comment          Action = "COMMENT"
	ViewReports      Action = "VIEW_REPORTS"
	ViewMembers      Action = "VIEW_MEMBERS"
	InviteMember     Action = "INVITE_MEMBER"
	ManageRoles      Action = "MANAGE_ROLES"
	RemoveMember     Action = "REMOVE_MEMBER"
	ManageBilling    Action = "MANAGE_BILLING"
	ArchiveWorkspace Action = "ARCHIVE_WORKSPACE"
	DeleteWorkspace  Action = "DELETE_WORKSPACE"
)

// Actions lists the catalogue in a stable order.
var Actions = []Action{
	CreateProject, EditProject, DeleteProject, ManageWorkflow,
	CreateTask, EditTask, DeleteTask, Comment,
	ViewReports, ViewMembers, InviteMember, ManageRoles,
	RemoveMember, ManageBilling, ArchiveWorkspace, DeleteWorkspace,
}

var adminDenied = map[Action]bool{
	DeleteWorkspace:  true,
	ArchiveWorkspace: true,
	ManageBilling:    true,
}

var memberAllowed = map[Action]bool{
	CreateTask:    true,
	EditTask:      true,
	Comment:       true,
	ViewReports:   true,
	ViewMembers:   true,
	CreateProject: true,
}

var viewerAllowed = map[Action]bool{
	ViewReports: true,
	ViewMembers: true,
}

// CanPerform reports whether role may perform action. An empty or unknown
// role is denied everything.
func CanPerform(role domain.Role, action Action) bool {
	switch role {
	case domain.RoleOwner:
		return true
	case domain.RoleAdmin:
		return !adminDenied[action]
	case domain.RoleMember:
		return memberAllowed[action]
	case domain.RoleViewer:
		return viewerAllowed[action]
	}
	return false
}

// Require returns a ForbiddenError when role may not perform action.
func Require(role domain.Role, action Action) error {
	if CanPerform(role, action) {
		return nil
	}
	return ForbiddenError{Action: string(action), Role: role}
}

// Allowed lists the actions granted to role.
func Allowed(role domain.Role) []Action {
	var out []Action
	for _, a := range Actions {
		if CanPerform(role, a) {
			out = append(out, a)
		}
	}
	return out
}

// ForbiddenError indicates a policy denial.
type ForbiddenError struct {
	Action string
	Role   domain.Role
	// RequiredRoles is set when a workflow status restricts who may move into it.
	RequiredRoles []domain.Role
}

func (e ForbiddenError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "no role"
	}
	if len(e.RequiredRoles) > 0 {
		names := make([]string, len(e.RequiredRoles))
		for i, r := range e.RequiredRoles {
			names[i] = string(r)
		}
		return fmt.Sprintf("%s requires one of %s (have %s)", e.Action, strings.Join(names, ", "), role)
	}
	return fmt.Sprintf("permission %s denied for %s", e.Action, role)
}
