package server

import (
	"trackline/internal/domain"
	"trackline/internal/engine/workflow"
)

// Request payloads

type CreateWorkspaceRequest struct {
	Name     string                    `json:"name" minLength:"1"`
	Slug     string                    `json:"slug,omitempty"`
	Settings *domain.WorkspaceSettings `json:"settings,omitempty"`
}

type UpdateWorkspaceRequest struct {
	Name     *string                   `json:"name,omitempty"`
	Settings *domain.WorkspaceSettings `json:"settings,omitempty"`
}

type UpgradePlanRequest struct {
	Tier domain.PlanTier `json:"tier" enum:"FREE,PRO,BUSINESS"`
}

type RecordStorageRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Bytes  int64  `json:"bytes" doc:"Positive to attach, negative to remove"`
}

type InviteMemberRequest struct {
	Email string      `json:"email" format:"email"`
	Name  string      `json:"name,omitempty"`
	Role  domain.Role `json:"role,omitempty" enum:"OWNER,ADMIN,MEMBER,VIEWER"`
}

type UpdateMemberRequest struct {
	Role   *domain.Role             `json:"role,omitempty" enum:"OWNER,ADMIN,MEMBER,VIEWER"`
	Status *domain.MembershipStatus `json:"status,omitempty" enum:"ACTIVE,SUSPENDED"`
}

type CreateProjectRequest struct {
	Name        string                  `json:"name" minLength:"1"`
	Key         string                  `json:"key,omitempty"`
	Description string                  `json:"description,omitempty"`
	LeadID      string                  `json:"lead_id,omitempty"`
	MemberIDs   []string                `json:"member_ids,omitempty"`
	Workflow    []domain.WorkflowStatus `json:"workflow,omitempty"`
	IssueTypes  []domain.IssueType      `json:"issue_types,omitempty"`
	Status      domain.ProjectStatus    `json:"status,omitempty" enum:"ACTIVE,PLANNING,ARCHIVED"`
}

type UpdateProjectRequest struct {
	Name        *string               `json:"name,omitempty"`
	Description *string               `json:"description,omitempty"`
	LeadID      *string               `json:"lead_id,omitempty"`
	MemberIDs   *[]string             `json:"member_ids,omitempty"`
	IssueTypes  *[]domain.IssueType   `json:"issue_types,omitempty"`
	Status      *domain.ProjectStatus `json:"status,omitempty" enum:"ACTIVE,PLANNING,ARCHIVED"`
}

type UpdateWorkflowRequest struct {
	Statuses []domain.WorkflowStatus `json:"statuses" minItems:"1"`
	Remap    map[string]string       `json:"remap,omitempty" doc:"Removed status id to replacement status id"`
}

type CreateTaskRequest struct {
	Title         string           `json:"title" minLength:"1"`
	Description   string           `json:"description,omitempty"`
	Type          domain.IssueType `json:"type,omitempty" enum:"STORY,TASK,BUG,EPIC"`
	Status        string           `json:"status,omitempty"`
	Priority      domain.Priority  `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
	AssigneeID    string           `json:"assignee_id,omitempty"`
	ParentID      string           `json:"parent_id,omitempty"`
	DueDate       string           `json:"due_date,omitempty" format:"date"`
	EstimateHours *float64         `json:"estimate_hours,omitempty"`
	Labels        []string         `json:"labels,omitempty"`
}

// UpdateTaskRequest is a partial update. Empty strings clear assignee,
// parent and due date.
type UpdateTaskRequest struct {
	Title         *string           `json:"title,omitempty"`
	Description   *string           `json:"description,omitempty"`
	Type          *domain.IssueType `json:"type,omitempty" enum:"STORY,TASK,BUG,EPIC"`
	Status        *string           `json:"status,omitempty"`
	Priority      *domain.Priority  `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
	AssigneeID    *string           `json:"assignee_id,omitempty"`
	ParentID      *string           `json:"parent_id,omitempty"`
	DueDate       *string           `json:"due_date,omitempty"`
	EstimateHours *float64          `json:"estimate_hours,omitempty"`
	ClearEstimate bool              `json:"clear_estimate,omitempty"`
	Labels        *[]string         `json:"labels,omitempty"`
	AddLabels     []string          `json:"add_labels,omitempty"`
	RemoveLabels  []string          `json:"remove_labels,omitempty"`
}

type MoveTaskRequest struct {
	Status string `json:"status" minLength:"1"`
}

type LinkTaskRequest struct {
	TargetTaskID string          `json:"target_task_id" minLength:"1"`
	Type         domain.LinkType `json:"type" enum:"BLOCKS,BLOCKED_BY,RELATES_TO"`
}

type CommentRequest struct {
	Content string `json:"content" minLength:"1" maxLength:"10000"`
}

type LogTimeRequest struct {
	Minutes     int    `json:"minutes" minimum:"1" maximum:"1440"`
	Date        string `json:"date,omitempty" format:"date" doc:"Work date; defaults to today"`
	Description string `json:"description,omitempty"`
	Billable    bool   `json:"billable,omitempty"`
}

type DevLoginRequest struct {
	Email string `json:"email" format:"email"`
	Name  string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	User      domain.User `json:"user"`
}

type MeResponse struct {
	User       domain.User        `json:"user"`
	Workspaces []domain.Workspace `json:"workspaces"`
}

type WorkflowUpdateResponse struct {
	Project domain.Project  `json:"project"`
	Moves   []workflow.Move `json:"moves"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items}
}

// AuditPage carries one page of audit entries, newest first. NextBefore is
// the cursor for the following page; zero when exhausted.
type AuditPage struct {
	Items      []domain.AuditEntry `json:"items"`
	NextBefore int64               `json:"next_before,omitempty"`
}
