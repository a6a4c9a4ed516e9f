// Package store defines the transactional storage contract used by the engine.
//
// Every engine command runs inside exactly one Tx. Implementations must give
// each Tx serializable isolation for the rows of one workspace; the SQLite
// implementation in internal/repo does so with BEGIN IMMEDIATE.
package store

import (
	"context"
	"errors"

	"trackline/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation (slug, project key, e-mail).
	ErrConflict = errors.New("conflict")
	// ErrBusy reports transient contention; the operation may be retried.
	ErrBusy = errors.New("busy")
)

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

type TaskFilter struct {
	WorkspaceID string
	ProjectID   string
	Status      string
	AssigneeID  string
	Label       string
	Limit       int
}

type AuditFilter struct {
	WorkspaceID string
	// BeforeID pages backwards; zero starts at the newest entry.
	BeforeID int64
	Limit    int
}

type Tx interface {
	Commit() error
	Rollback() error

	InsertUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	InsertWorkspace(ctx context.Context, w domain.Workspace) error
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	UpdateWorkspace(ctx context.Context, w domain.Workspace) error
	ListWorkspacesForUser(ctx context.Context, userID string) ([]domain.Workspace, error)

	InsertMembership(ctx context.Context, m domain.Membership) error
	GetMembership(ctx context.Context, workspaceID, userID string) (domain.Membership, error)
	UpdateMembership(ctx context.Context, m domain.Membership) error
	DeleteMembership(ctx context.Context, workspaceID, userID string) error
	ListMemberships(ctx context.Context, workspaceID string) ([]domain.Membership, error)
	CountActiveOwners(ctx context.Context, workspaceID string) (int, error)

	UpsertPlan(ctx context.Context, p domain.Plan) error
	GetPlan(ctx context.Context, workspaceID string) (domain.Plan, error)
	InsertUsage(ctx context.Context, u domain.Usage) error
	GetUsage(ctx context.Context, workspaceID string) (domain.Usage, error)
	// AdjustUsage adds delta to the counter for kind only if the result stays
	// within limit (limit <= 0 means unlimited) and does not drop below zero.
	// It reports whether the row was updated.
	AdjustUsage(ctx context.Context, workspaceID string, kind domain.ResourceKind, delta, limit int64) (bool, error)

	InsertProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetProjectByKey(ctx context.Context, workspaceID, key string) (domain.Project, error)
	UpdateProject(ctx context.Context, p domain.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, workspaceID string) ([]domain.Project, error)
	// NextTaskNumber bumps and returns the project's task sequence.
	NextTaskNumber(ctx context.Context, projectID string) (int, error)

	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetTaskByNumber(ctx context.Context, projectID string, number int) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error)

	InsertLink(ctx context.Context, taskID string, link domain.TaskLink) error
	// LinkTypesBetween lists edge types stored on taskID pointing at targetID.
	LinkTypesBetween(ctx context.Context, taskID, targetID string) ([]domain.LinkType, error)
	DeleteLinksBetween(ctx context.Context, taskID, targetID string) (int, error)
	DeleteIncidentLinks(ctx context.Context, taskID string) (int, error)

	// Comments and time entries are removed with their task.
	InsertComment(ctx context.Context, c domain.Comment) error
	GetComment(ctx context.Context, id string) (domain.Comment, error)
	UpdateComment(ctx context.Context, c domain.Comment) error
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
	InsertTimeEntry(ctx context.Context, e domain.TimeEntry) error
	ListTimeEntries(ctx context.Context, taskID string) ([]domain.TimeEntry, error)

	AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error)
}
