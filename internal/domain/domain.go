package domain

import "fmt"

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipInvited   MembershipStatus = "INVITED"
	MembershipSuspended MembershipStatus = "SUSPENDED"
)

func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipInvited, MembershipSuspended:
		return true
	}
	return false
}

type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "ACTIVE"
	WorkspaceArchived WorkspaceStatus = "ARCHIVED"
	WorkspaceDeleted  WorkspaceStatus = "DELETED"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkspaceSettings struct {
	Timezone    string `json:"timezone,omitempty" yaml:"timezone"`
	WorkingDays []int  `json:"working_days,omitempty" yaml:"working_days"`
}

type Workspace struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Slug      string            `json:"slug"`
	OwnerID   string            `json:"owner_id"`
	Status    WorkspaceStatus   `json:"status" enum:"ACTIVE,ARCHIVED,DELETED"`
	Settings  WorkspaceSettings `json:"settings"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// Open reports whether the workspace still accepts mutations.
func (w Workspace) Open() bool {
	return w.Status == WorkspaceActive
}

type Membership struct {
	WorkspaceID string           `json:"workspace_id"`
	UserID      string           `json:"user_id"`
	Role        Role             `json:"role" enum:"OWNER,ADMIN,MEMBER,VIEWER"`
	Status      MembershipStatus `json:"status" enum:"ACTIVE,INVITED,SUSPENDED"`
	JoinedAt    string           `json:"joined_at" format:"date-time"`
	User        *User            `json:"user,omitempty"`
}

// EffectiveRole is the role used for authorization. Only active members carry one.
func (m Membership) EffectiveRole() Role {
	if m.Status != MembershipActive {
		return ""
	}
	return m.Role
}

type PlanTier string

const (
	TierFree     PlanTier = "FREE"
	TierPro      PlanTier = "PRO"
	TierBusiness PlanTier = "BUSINESS"
)

// Plan holds the limits of a workspace. A zero limit is unlimited.
type Plan struct {
	WorkspaceID       string   `json:"workspace_id"`
	Tier              PlanTier `json:"tier"`
	MaxMembers        int64    `json:"max_members"`
	MaxProjects       int64    `json:"max_projects"`
	StorageQuotaBytes int64    `json:"storage_quota_bytes"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type Usage struct {
	WorkspaceID   string `json:"workspace_id"`
	MembersCount  int64  `json:"members_count"`
	ProjectsCount int64  `json:"projects_count"`
	StorageBytes  int64  `json:"storage_bytes"`
}

type ResourceKind string

const (
	ResourceMembers  ResourceKind = "MEMBERS"
	ResourceProjects ResourceKind = "PROJECTS"
	ResourceStorage  ResourceKind = "STORAGE"
)

// Limit returns the plan limit for kind; zero means unlimited.
func (p Plan) Limit(kind ResourceKind) int64 {
	switch kind {
	case ResourceMembers:
		return p.MaxMembers
	case ResourceProjects:
		return p.MaxProjects
	case ResourceStorage:
		return p.StorageQuotaBytes
	}
	return 0
}

// Count returns the current usage for kind.
func (u Usage) Count(kind ResourceKind) int64 {
	switch kind {
	case ResourceMembers:
		return u.MembersCount
	case ResourceProjects:
		return u.ProjectsCount
	case ResourceStorage:
		return u.StorageBytes
	}
	return 0
}

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectPlanning ProjectStatus = "PLANNING"
	ProjectArchived ProjectStatus = "ARCHIVED"
)

type IssueType string

const (
	IssueStory IssueType = "STORY"
	IssueTask  IssueType = "TASK"
	IssueBug   IssueType = "BUG"
	IssueEpic  IssueType = "EPIC"
)

func (t IssueType) Valid() bool {
	switch t {
	case IssueStory, IssueTask, IssueBug, IssueEpic:
		return true
	}
	return false
}

type StatusCategory string

const (
	CategoryBacklog    StatusCategory = "BACKLOG"
	CategoryTodo       StatusCategory = "TODO"
	CategoryInProgress StatusCategory = "IN_PROGRESS"
	CategoryDone       StatusCategory = "DONE"
)

func (c StatusCategory) Valid() bool {
	switch c {
	case CategoryBacklog, CategoryTodo, CategoryInProgress, CategoryDone:
		return true
	}
	return false
}

type WorkflowStatus struct {
	ID           string         `json:"id" yaml:"id"`
	Label        string         `json:"label" yaml:"label"`
	Category     StatusCategory `json:"category" yaml:"category" enum:"BACKLOG,TODO,IN_PROGRESS,DONE"`
	WipLimit     *int           `json:"wip_limit,omitempty" yaml:"wip_limit,omitempty"`
	AllowedRoles []Role         `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
}

type Project struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	Name        string           `json:"name"`
	Key         string           `json:"key"`
	Description string           `json:"description,omitempty"`
	Status      ProjectStatus    `json:"status" enum:"ACTIVE,PLANNING,ARCHIVED"`
	LeadID      string           `json:"lead_id"`
	MemberIDs   []string         `json:"member_ids"`
	Workflow    []WorkflowStatus `json:"workflow"`
	IssueTypes  []IssueType      `json:"issue_types"`
	TaskSeq     int              `json:"task_seq"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

// LookupStatus finds a workflow status by id.
func (p Project) LookupStatus(id string) (WorkflowStatus, bool) {
	for _, s := range p.Workflow {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStatus{}, false
}

// AllowsType reports whether the project accepts tasks of type t.
func (p Project) AllowsType(t IssueType) bool {
	for _, it := range p.IssueTypes {
		if it == t {
			return true
		}
	}
	return false
}

// InitialStatus is the first status of the workflow; new tasks land there.
func (p Project) InitialStatus() string {
	if len(p.Workflow) == 0 {
		return ""
	}
	return p.Workflow[0].ID
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type LinkType string

const (
	LinkBlocks    LinkType = "BLOCKS"
	LinkBlockedBy LinkType = "BLOCKED_BY"
	LinkRelatesTo LinkType = "RELATES_TO"
)

func (t LinkType) Valid() bool {
	switch t {
	case LinkBlocks, LinkBlockedBy, LinkRelatesTo:
		return true
	}
	return false
}

// Inverse returns the type stored on the other side of an edge.
func (t LinkType) Inverse() LinkType {
	switch t {
	case LinkBlocks:
		return LinkBlockedBy
	case LinkBlockedBy:
		return LinkBlocks
	}
	return t
}

type TaskLink struct {
	Type         LinkType `json:"type" enum:"BLOCKS,BLOCKED_BY,RELATES_TO"`
	TargetTaskID string   `json:"target_task_id"`
}

type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	WorkspaceID   string     `json:"workspace_id"`
	Number        int        `json:"number"`
	Key           string     `json:"key"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Type          IssueType  `json:"type" enum:"STORY,TASK,BUG,EPIC"`
	Status        string     `json:"status"`
	Priority      Priority   `json:"priority" enum:"LOW,MEDIUM,HIGH,URGENT"`
	AssigneeID    *string    `json:"assignee_id,omitempty"`
	ReporterID    string     `json:"reporter_id"`
	ParentID      *string    `json:"parent_id,omitempty"`
	DueDate       *string    `json:"due_date,omitempty"`
	EstimateHours *float64   `json:"estimate_hours,omitempty"`
	Labels        []string   `json:"labels"`
	Links         []TaskLink `json:"links"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
	CompletedAt   *string    `json:"completed_at,omitempty" format:"date-time"`
}

// TaskKey derives the human identifier PROJECTKEY-number.
func TaskKey(projectKey string, number int) string {
	return fmt.Sprintf("%s-%d", projectKey, number)
}

// HasLink reports whether the task carries exactly the edge {typ, target}.
func (t Task) HasLink(typ LinkType, target string) bool {
	for _, l := range t.Links {
		if l.Type == typ && l.TargetTaskID == target {
			return true
		}
	}
	return false
}

type AuditEntry struct {
	ID          int64          `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ActorID     string         `json:"actor_id"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// CommentEdit is a previous revision of a comment.
type CommentEdit struct {
	Content  string `json:"content"`
	EditedAt string `json:"edited_at" format:"date-time"`
}

type Comment struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	WorkspaceID string        `json:"workspace_id"`
	AuthorID    string        `json:"author_id"`
	Content     string        `json:"content"`
	EditHistory []CommentEdit `json:"edit_history"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

type TimeEntryStatus string

const (
	TimeEntryPending  TimeEntryStatus = "PENDING"
	TimeEntryApproved TimeEntryStatus = "APPROVED"
)

// TimeEntry records work logged against a task.
type TimeEntry struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	WorkspaceID string          `json:"workspace_id"`
	UserID      string          `json:"user_id"`
	Minutes     int             `json:"minutes"`
	Date        string          `json:"date" format:"date"`
	Description string          `json:"description,omitempty"`
	Billable    bool            `json:"billable"`
	Status      TimeEntryStatus `json:"status" enum:"PENDING,APPROVED"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}
