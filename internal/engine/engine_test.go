package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
	"trackline/internal/engine/graph"
	"trackline/internal/engine/quota"
	"trackline/internal/engine/workflow"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/store"
)

type testEnv struct {
	Engine    *engine.Engine
	Ctx       context.Context
	Owner     domain.User
	Workspace domain.Workspace
}

func newTestEnv(t *testing.T, tiers map[domain.PlanTier]quota.Tier) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	eng := engine.New(repo.New(conn), engine.Options{
		LockTimeout: 10 * time.Second,
		Tiers:       tiers,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	owner, err := eng.EnsureUser(ctx, "owner@example.com", "Owner")
	require.NoError(t, err)
	ws, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ActorID: owner.ID, Name: "Acme"})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Owner: owner, Workspace: ws}
}

// member invites email with role and accepts on the invitee's behalf.
func (env testEnv) member(t *testing.T, email string, role domain.Role) domain.User {
	t.Helper()
	m, err := env.Engine.InviteMember(env.Ctx, engine.InviteOptions{
		WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Email: email, Role: role,
	})
	require.NoError(t, err)
	_, err = env.Engine.AcceptInvite(env.Ctx, env.Workspace.ID, m.UserID)
	require.NoError(t, err)
	return *m.User
}

func (env testEnv) project(t *testing.T, key string, wf []domain.WorkflowStatus) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Name: "Project " + key, Key: key, Workflow: wf,
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) task(t *testing.T, p domain.Project, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Title: title})
	require.NoError(t, err)
	return task
}

func (env testEnv) reload(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.GetTask(env.Ctx, id, env.Owner.ID)
	require.NoError(t, err)
	return task
}

func wip(n int) *int { return &n }

func smallFlow() []domain.WorkflowStatus {
	return []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
		{ID: "in_progress", Label: "In Progress", Category: domain.CategoryInProgress, WipLimit: wip(1)},
		{ID: "done", Label: "Done", Category: domain.CategoryDone},
	}
}

// assertSymmetric checks every edge of tasks has its inverse on the target.
func assertSymmetric(t *testing.T, env testEnv, tasks ...domain.Task) {
	t.Helper()
	for _, task := range tasks {
		cur := env.reload(t, task.ID)
		for _, l := range cur.Links {
			other := env.reload(t, l.TargetTaskID)
			assert.True(t, other.HasLink(l.Type.Inverse(), cur.ID), "%s %s %s has no inverse", cur.Key, l.Type, other.Key)
		}
	}
}

func TestCreateWorkspaceSetsUpOwnerAndPlan(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, "acme", env.Workspace.Slug)

	members, err := env.Engine.ListMembers(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, domain.RoleOwner, members[0].Role)
	assert.Equal(t, domain.MembershipActive, members[0].Status)

	q, err := env.Engine.GetQuota(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, q.Plan.Tier)
	assert.EqualValues(t, 1, q.Usage.MembersCount)

	_, err = env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{ActorID: env.Owner.ID, Name: "Acme"})
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestTaskNumbersAndKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	t1 := env.task(t, p, "one")
	t2 := env.task(t, p, "two")
	assert.Equal(t, "ENG-1", t1.Key)
	assert.Equal(t, "ENG-2", t2.Key)
	assert.Equal(t, "backlog", t1.Status)

	_, err := env.Engine.DeleteTask(env.Ctx, t2.ID, env.Owner.ID)
	require.NoError(t, err)
	t3 := env.task(t, p, "three")
	assert.Equal(t, 3, t3.Number, "numbers are never reused")

	got, err := env.Engine.GetTaskByKey(env.Ctx, env.Workspace.ID, env.Owner.ID, "eng-3")
	require.NoError(t, err)
	assert.Equal(t, t3.ID, got.ID)

	_, err = env.Engine.GetTaskByKey(env.Ctx, env.Workspace.ID, env.Owner.ID, "ENG-2")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	cases := []struct {
		name string
		opts engine.TaskCreateOptions
	}{
		{"empty title", engine.TaskCreateOptions{ProjectID: p.ID, Title: " "}},
		{"bad due date", engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", DueDate: "tomorrow"}},
		{"bad priority", engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", Priority: "SOON"}},
		{"stranger assignee", engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", AssigneeID: "nobody"}},
		{"missing parent", engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", ParentID: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.ActorID = env.Owner.ID
			_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
			var ve engine.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Title: "x", Status: "nowhere"})
	var it workflow.InvalidTransitionError
	assert.ErrorAs(t, err, &it)
}

func TestUpdateTaskFieldsAndLabels(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.member(t, "dev@example.com", domain.RoleMember)
	p := env.project(t, "ENG", nil)
	parent := env.task(t, p, "parent")
	child := env.task(t, p, "child")

	title := "renamed"
	assignee := dev.ID
	parentID := parent.ID
	due := "2024-02-01"
	est := 3.5
	labels := []string{"ui", "api"}
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		TaskID: child.ID, ActorID: dev.ID, Title: &title, AssigneeID: &assignee, ParentID: &parentID,
		DueDate: &due, EstimateHours: &est, Labels: &labels, AddLabels: []string{"db"}, RemoveLabels: []string{"ui"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, dev.ID, *updated.AssigneeID)
	assert.Equal(t, parent.ID, *updated.ParentID)
	assert.Equal(t, "2024-02-01", *updated.DueDate)
	assert.Equal(t, []string{"api", "db"}, updated.Labels)

	// parent of its own child
	childID := child.ID
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: parent.ID, ActorID: dev.ID, ParentID: &childID})
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)

	clear := ""
	updated, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: child.ID, ActorID: dev.ID, AssigneeID: &clear, ClearEstimate: true})
	require.NoError(t, err)
	assert.Nil(t, updated.AssigneeID)
	assert.Nil(t, updated.EstimateHours)

	tasks, err := env.Engine.ListTasks(env.Ctx, env.Owner.ID, store.TaskFilter{WorkspaceID: env.Workspace.ID, Label: "db"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, child.ID, tasks[0].ID)
}

func TestWipLimitScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "WIP", smallFlow())

	t1 := env.task(t, p, "T1")
	assert.Equal(t, "todo", t1.Status)
	t1, err := env.Engine.MoveTaskStatus(env.Ctx, t1.ID, env.Owner.ID, "in_progress")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", t1.Status)

	t2 := env.task(t, p, "T2")
	_, err = env.Engine.MoveTaskStatus(env.Ctx, t2.ID, env.Owner.ID, "in_progress")
	var we workflow.WipLimitError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "in_progress", we.StatusID)
	assert.Equal(t, 1, we.Limit)
	assert.Equal(t, "todo", env.reload(t, t2.ID).Status)

	// moving within the same column is not a transition
	_, err = env.Engine.MoveTaskStatus(env.Ctx, t1.ID, env.Owner.ID, "in_progress")
	require.NoError(t, err)

	// status changes through UpdateTask hit the same guard
	target := "in_progress"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{TaskID: t2.ID, ActorID: env.Owner.ID, Status: &target})
	assert.ErrorAs(t, err, &we)

	_, err = env.Engine.MoveTaskStatus(env.Ctx, t1.ID, env.Owner.ID, "done")
	require.NoError(t, err)
	_, err = env.Engine.MoveTaskStatus(env.Ctx, t2.ID, env.Owner.ID, "in_progress")
	require.NoError(t, err)

	_, err = env.Engine.MoveTaskStatus(env.Ctx, t2.ID, env.Owner.ID, "archived")
	var it workflow.InvalidTransitionError
	assert.ErrorAs(t, err, &it)
}

func TestCompletedAtFollowsDoneCategory(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", smallFlow())
	task := env.task(t, p, "ship")
	assert.Nil(t, task.CompletedAt)

	task, err := env.Engine.MoveTaskStatus(env.Ctx, task.ID, env.Owner.ID, "done")
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "2024-01-01T00:00:00Z", *task.CompletedAt)

	task, err = env.Engine.MoveTaskStatus(env.Ctx, task.ID, env.Owner.ID, "todo")
	require.NoError(t, err)
	assert.Nil(t, task.CompletedAt)
}

func TestRestrictedStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.member(t, "dev@example.com", domain.RoleMember)
	wf := smallFlow()
	wf[2].AllowedRoles = []domain.Role{domain.RoleAdmin}
	p := env.project(t, "ENG", wf)
	task := env.task(t, p, "gated")

	_, err := env.Engine.MoveTaskStatus(env.Ctx, task.ID, dev.ID, "done")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.RoleMember, fe.Role)

	_, err = env.Engine.MoveTaskStatus(env.Ctx, task.ID, env.Owner.ID, "done")
	require.NoError(t, err)
}

func TestQuotaScenario(t *testing.T) {
	env := newTestEnv(t, map[domain.PlanTier]quota.Tier{
		domain.TierFree: {MaxMembers: 2, MaxProjects: 1},
		domain.TierPro:  {MaxMembers: 10, MaxProjects: 10},
	})
	env.project(t, "ONE", nil)

	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Name: "Two"})
	var qe quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, domain.ResourceProjects, qe.Kind)
	assert.EqualValues(t, 1, qe.Limit)
	assert.EqualValues(t, 2, qe.Attempted)

	q, err := env.Engine.GetQuota(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.Usage.ProjectsCount)

	// members: owner plus one invite fill the plan
	env.member(t, "a@example.com", domain.RoleMember)
	_, err = env.Engine.InviteMember(env.Ctx, engine.InviteOptions{WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Email: "b@example.com"})
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, domain.ResourceMembers, qe.Kind)

	plan, err := env.Engine.UpgradePlan(env.Ctx, env.Workspace.ID, env.Owner.ID, domain.TierPro)
	require.NoError(t, err)
	assert.EqualValues(t, 10, plan.MaxProjects)
	env.project(t, "TWO", nil)
}

func TestConcurrentProjectCreationRespectsQuota(t *testing.T) {
	env := newTestEnv(t, map[domain.PlanTier]quota.Tier{domain.TierFree: {MaxMembers: 5, MaxProjects: 3}})

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
				WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Name: fmt.Sprintf("P%d", i), Key: fmt.Sprintf("P%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			var qe quota.ExceededError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &qe):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, n-3, exceeded)

	projects, err := env.Engine.ListProjects(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Len(t, projects, 3)
	q, err := env.Engine.GetQuota(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, q.Usage.ProjectsCount)
}

func TestLastOwnerProtection(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.member(t, "admin@example.com", domain.RoleAdmin)

	err := env.Engine.RemoveMember(env.Ctx, env.Workspace.ID, env.Owner.ID, env.Owner.ID)
	assert.ErrorIs(t, err, engine.ErrLastOwner)
	_, err = env.Engine.ChangeMemberRole(env.Ctx, env.Workspace.ID, env.Owner.ID, env.Owner.ID, domain.RoleAdmin)
	assert.ErrorIs(t, err, engine.ErrLastOwner)
	_, err = env.Engine.UpdateMemberStatus(env.Ctx, env.Workspace.ID, env.Owner.ID, env.Owner.ID, domain.MembershipSuspended)
	assert.ErrorIs(t, err, engine.ErrLastOwner)

	members, err := env.Engine.ListMembers(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// admins cannot touch owners
	err = env.Engine.RemoveMember(env.Ctx, env.Workspace.ID, admin.ID, env.Owner.ID)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.ChangeMemberRole(env.Ctx, env.Workspace.ID, env.Owner.ID, admin.ID, domain.RoleOwner)
	require.NoError(t, err)
	require.NoError(t, env.Engine.RemoveMember(env.Ctx, env.Workspace.ID, admin.ID, env.Owner.ID))
}

func TestInviteAndAccept(t *testing.T) {
	env := newTestEnv(t, nil)
	m, err := env.Engine.InviteMember(env.Ctx, engine.InviteOptions{
		WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Email: " New@Example.com ", Role: domain.RoleViewer,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipInvited, m.Status)
	assert.Equal(t, "new@example.com", m.User.Email)

	// invited members hold no role yet
	_, err = env.Engine.ListProjects(env.Ctx, env.Workspace.ID, m.UserID)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.InviteMember(env.Ctx, engine.InviteOptions{WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Email: "new@example.com"})
	assert.ErrorIs(t, err, engine.ErrConflict)

	m, err = env.Engine.AcceptInvite(env.Ctx, env.Workspace.ID, m.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipActive, m.Status)

	_, err = env.Engine.ListProjects(env.Ctx, env.Workspace.ID, m.UserID)
	require.NoError(t, err)
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{WorkspaceID: env.Workspace.ID, ActorID: m.UserID, Name: "Nope"})
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, string(auth.CreateProject), fe.Action)

	workspaces, err := env.Engine.ListWorkspaces(env.Ctx, m.UserID)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, env.Workspace.ID, workspaces[0].ID)
}

func TestOutsidersAreForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	stranger, err := env.Engine.EnsureUser(env.Ctx, "stranger@example.com", "")
	require.NoError(t, err)
	p := env.project(t, "ENG", nil)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, ActorID: stranger.ID, Title: "x"})
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.Role(""), fe.Role)

	_, err = env.Engine.GetProject(env.Ctx, p.ID, stranger.ID)
	assert.ErrorAs(t, err, &fe)
}

func TestLinkSymmetryAndIdempotence(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	a, b, c := env.task(t, p, "A"), env.task(t, p, "B"), env.task(t, p, "C")

	a, err := env.Engine.LinkTasks(env.Ctx, a.ID, b.ID, env.Owner.ID, domain.LinkBlocks)
	require.NoError(t, err)
	once := env.reload(t, b.ID).Links

	a, err = env.Engine.LinkTasks(env.Ctx, a.ID, b.ID, env.Owner.ID, domain.LinkBlocks)
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkBlocks, TargetTaskID: b.ID}}, a.Links)
	assert.Equal(t, once, env.reload(t, b.ID).Links)

	_, err = env.Engine.LinkTasks(env.Ctx, c.ID, a.ID, env.Owner.ID, domain.LinkRelatesTo)
	require.NoError(t, err)
	assertSymmetric(t, env, a, b, c)

	_, err = env.Engine.LinkTasks(env.Ctx, a.ID, a.ID, env.Owner.ID, domain.LinkRelatesTo)
	assert.ErrorIs(t, err, graph.ErrSelfLink)

	_, err = env.Engine.LinkTasks(env.Ctx, b.ID, a.ID, env.Owner.ID, domain.LinkRelatesTo)
	var dup graph.DuplicateLinkError
	assert.ErrorAs(t, err, &dup)

	a, err = env.Engine.UnlinkTasks(env.Ctx, a.ID, b.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.False(t, a.HasLink(domain.LinkBlocks, b.ID))
	assert.Empty(t, env.reload(t, b.ID).Links)
	assertSymmetric(t, env, a, b, c)

	entries, err := env.Engine.ListAudit(env.Ctx, env.Workspace.ID, env.Owner.ID, 0, 0)
	require.NoError(t, err)
	linked := 0
	for _, e := range entries {
		if e.Action == "task.linked" {
			linked++
		}
	}
	assert.Equal(t, 2, linked, "no-op links are not audited")
}

func TestDeleteTaskLeavesNoDanglingEdges(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	a, b, c := env.task(t, p, "A"), env.task(t, p, "B"), env.task(t, p, "C")

	_, err := env.Engine.LinkTasks(env.Ctx, a.ID, b.ID, env.Owner.ID, domain.LinkBlocks)
	require.NoError(t, err)
	_, err = env.Engine.LinkTasks(env.Ctx, c.ID, b.ID, env.Owner.ID, domain.LinkRelatesTo)
	require.NoError(t, err)

	_, err = env.Engine.DeleteTask(env.Ctx, b.ID, env.Owner.ID)
	require.NoError(t, err)

	assert.Empty(t, env.reload(t, a.ID).Links)
	assert.Empty(t, env.reload(t, c.ID).Links)
	_, err = env.Engine.GetTask(env.Ctx, b.ID, env.Owner.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestWorkflowEditRemapsTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", smallFlow())
	task := env.task(t, p, "A")
	_, err := env.Engine.MoveTaskStatus(env.Ctx, task.ID, env.Owner.ID, "in_progress")
	require.NoError(t, err)

	next := []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
		{ID: "done", Label: "Done", Category: domain.CategoryDone},
	}
	_, _, err = env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Statuses: next})
	var oe workflow.OrphanedStatusError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "in_progress", oe.StatusID)

	p, moves, err := env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{
		ProjectID: p.ID, ActorID: env.Owner.ID, Statuses: next, Remap: map[string]string{"in_progress": "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, []workflow.Move{{From: "in_progress", To: "done", Tasks: 1}}, moves)
	assert.Len(t, p.Workflow, 2)

	task = env.reload(t, task.ID)
	assert.Equal(t, "done", task.Status)
	assert.NotNil(t, task.CompletedAt)
}

func TestDeleteProjectFreesQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	q := env.project(t, "OPS", nil)
	a := env.task(t, p, "A")
	b := env.task(t, q, "B")
	_, err := env.Engine.LinkTasks(env.Ctx, b.ID, a.ID, env.Owner.ID, domain.LinkBlockedBy)
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteProject(env.Ctx, p.ID, env.Owner.ID))
	assert.Empty(t, env.reload(t, b.ID).Links)

	snap, err := env.Engine.GetQuota(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Usage.ProjectsCount)
}

func TestClosedWorkspaceRejectsMutations(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)

	ws, err := env.Engine.ArchiveWorkspace(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceArchived, ws.Status)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Title: "late"})
	assert.ErrorIs(t, err, engine.ErrWorkspaceClosed)

	// reads still work
	_, err = env.Engine.GetProject(env.Ctx, p.ID, env.Owner.ID)
	require.NoError(t, err)

	ws, err = env.Engine.DeleteWorkspace(env.Ctx, env.Workspace.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceDeleted, ws.Status)
	_, err = env.Engine.ArchiveWorkspace(env.Ctx, env.Workspace.ID, env.Owner.ID)
	assert.ErrorIs(t, err, engine.ErrWorkspaceClosed)
}

func TestAuditLogPaging(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", nil)
	for i := 0; i < 3; i++ {
		env.task(t, p, fmt.Sprintf("t%d", i))
	}
	page, err := env.Engine.ListAudit(env.Ctx, env.Workspace.ID, env.Owner.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "task.created", page[0].Action)
	assert.Greater(t, page[0].ID, page[1].ID)

	rest, err := env.Engine.ListAudit(env.Ctx, env.Workspace.ID, env.Owner.ID, 50, page[1].ID)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "workspace.created", rest[len(rest)-1].Action)
}

func TestRecordStorage(t *testing.T) {
	env := newTestEnv(t, map[domain.PlanTier]quota.Tier{domain.TierFree: {MaxMembers: 5, MaxProjects: 3, StorageQuotaBytes: 100}})
	p := env.project(t, "ENG", nil)
	task := env.task(t, p, "upload")

	usage, err := env.Engine.RecordStorage(env.Ctx, engine.StorageOptions{WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, TaskID: task.ID, Bytes: 60})
	require.NoError(t, err)
	assert.EqualValues(t, 60, usage.StorageBytes)

	_, err = env.Engine.RecordStorage(env.Ctx, engine.StorageOptions{WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, TaskID: task.ID, Bytes: 60})
	var qe quota.ExceededError
	assert.ErrorAs(t, err, &qe)
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"not_found":          fmt.Errorf("task x: %w", engine.ErrNotFound),
		"forbidden":          auth.ForbiddenError{Action: "EDIT_TASK"},
		"quota_exceeded":     quota.ExceededError{Kind: domain.ResourceProjects},
		"wip_limit_exceeded": workflow.WipLimitError{StatusID: "x", Limit: 1},
		"last_owner":         engine.ErrLastOwner,
		"self_link":          graph.ErrSelfLink,
		"duplicate_link":     graph.DuplicateLinkError{},
		"busy":               fmt.Errorf("ws: %w", engine.ErrBusy),
		"validation":         engine.ValidationError{Field: "title", Msg: "required"},
		"":                   nil,
	}
	for want, err := range cases {
		assert.Equal(t, want, engine.ErrorKind(err))
	}
}

func TestRetryBusy(t *testing.T) {
	cfg := engine.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second}
	calls := 0
	got, err := engine.RetryBusy(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, engine.ErrBusy
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = engine.RetryBusy(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, engine.ErrLastOwner
	})
	assert.ErrorIs(t, err, engine.ErrLastOwner)
	assert.Equal(t, 1, calls)
}

func TestWorkflowRemapRespectsWipLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
		{ID: "doing", Label: "Doing", Category: domain.CategoryInProgress},
		{ID: "in_progress", Label: "In Progress", Category: domain.CategoryInProgress, WipLimit: wip(1)},
	}
	p := env.project(t, "ENG", flow)
	a := env.task(t, p, "A")
	b := env.task(t, p, "B")
	_, err := env.Engine.MoveTaskStatus(env.Ctx, a.ID, env.Owner.ID, "doing")
	require.NoError(t, err)
	_, err = env.Engine.MoveTaskStatus(env.Ctx, b.ID, env.Owner.ID, "in_progress")
	require.NoError(t, err)

	_, _, err = env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{
		ProjectID: p.ID, ActorID: env.Owner.ID, Statuses: []domain.WorkflowStatus{flow[0], flow[2]},
		Remap: map[string]string{"doing": "in_progress"},
	})
	var we workflow.WipLimitError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "in_progress", we.StatusID)
	assert.Equal(t, 2, we.Count)
	assert.Equal(t, "wip_limit_exceeded", engine.ErrorKind(err))
	assert.Equal(t, "doing", env.reload(t, a.ID).Status, "rejected edit moves nothing")

	got, err := env.Engine.GetProject(env.Ctx, p.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Len(t, got.Workflow, 3)
}

func TestLoweredWipLimitKeepsOccupants(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
		{ID: "doing", Label: "Doing", Category: domain.CategoryInProgress, WipLimit: wip(3)},
	}
	p := env.project(t, "ENG", flow)
	var tasks []domain.Task
	for _, title := range []string{"A", "B", "C"} {
		task := env.task(t, p, title)
		_, err := env.Engine.MoveTaskStatus(env.Ctx, task.ID, env.Owner.ID, "doing")
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	lowered := []domain.WorkflowStatus{flow[0], {ID: "doing", Label: "Doing", Category: domain.CategoryInProgress, WipLimit: wip(1)}}
	_, moves, err := env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Statuses: lowered})
	require.NoError(t, err)
	assert.Empty(t, moves)
	for _, task := range tasks {
		assert.Equal(t, "doing", env.reload(t, task.ID).Status)
	}

	// occupants may leave, but nobody enters until the column is under its limit
	_, err = env.Engine.MoveTaskStatus(env.Ctx, tasks[0].ID, env.Owner.ID, "todo")
	require.NoError(t, err)
	_, err = env.Engine.MoveTaskStatus(env.Ctx, tasks[0].ID, env.Owner.ID, "doing")
	var we workflow.WipLimitError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 2, we.Count)
}

func TestWorkflowCategoryChangeRecomputesCompletedAt(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.project(t, "ENG", smallFlow())
	open := env.task(t, p, "open")
	closed := env.task(t, p, "closed")
	_, err := env.Engine.MoveTaskStatus(env.Ctx, closed.ID, env.Owner.ID, "done")
	require.NoError(t, err)
	require.NotNil(t, env.reload(t, closed.ID).CompletedAt)

	flipped := []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryDone},
		smallFlow()[1],
		{ID: "done", Label: "Done", Category: domain.CategoryTodo},
	}
	_, _, err = env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, Statuses: flipped})
	require.NoError(t, err)

	assert.NotNil(t, env.reload(t, open.ID).CompletedAt, "todo is now a DONE status")
	assert.Nil(t, env.reload(t, closed.ID).CompletedAt, "done is no longer a DONE status")
}

func TestRemoveMemberLeadingProjectIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.member(t, "dev@example.com", domain.RoleMember)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		WorkspaceID: env.Workspace.ID, ActorID: env.Owner.ID, Name: "Engine", Key: "ENG", LeadID: dev.ID,
	})
	require.NoError(t, err)

	err = env.Engine.RemoveMember(env.Ctx, env.Workspace.ID, env.Owner.ID, dev.ID)
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "user_id", ve.Field)
	assert.Contains(t, ve.Msg, "ENG")

	lead := env.Owner.ID
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ProjectID: p.ID, ActorID: env.Owner.ID, LeadID: &lead})
	require.NoError(t, err)
	require.NoError(t, env.Engine.RemoveMember(env.Ctx, env.Workspace.ID, env.Owner.ID, dev.ID))

	got, err := env.Engine.GetProject(env.Ctx, p.ID, env.Owner.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Owner.ID, got.LeadID)
	assert.NotContains(t, got.MemberIDs, dev.ID)
}

func TestCommentsKeepEditHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := env.member(t, "dev@example.com", domain.RoleMember)
	viewer := env.member(t, "viewer@example.com", domain.RoleViewer)
	p := env.project(t, "ENG", nil)
	task := env.task(t, p, "A")

	c, err := env.Engine.AddComment(env.Ctx, task.ID, dev.ID, "  first draft ")
	require.NoError(t, err)
	assert.Equal(t, "first draft", c.Content)
	assert.Empty(t, c.EditHistory)

	_, err = env.Engine.AddComment(env.Ctx, task.ID, viewer.ID, "read only")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, string(auth.Comment), fe.Action)

	_, err = env.Engine.AddComment(env.Ctx, task.ID, dev.ID, "   ")
	assert.Equal(t, "validation", engine.ErrorKind(err))

	_, err = env.Engine.EditComment(env.Ctx, c.ID, env.Owner.ID, "hijacked")
	require.ErrorAs(t, err, &fe)

	c, err = env.Engine.EditComment(env.Ctx, c.ID, dev.ID, "second draft")
	require.NoError(t, err)
	c, err = env.Engine.EditComment(env.Ctx, c.ID, dev.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", c.Content)
	require.Len(t, c.EditHistory, 2)
	assert.Equal(t, "first draft", c.EditHistory[0].Content)
	assert.Equal(t, "second draft", c.EditHistory[1].Content)

	list, err := env.Engine.ListComments(env.Ctx, task.ID, viewer.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c, list[0])

	audit, err := env.Engine.ListAudit(env.Ctx, env.Workspace.ID, env.Owner.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "comment.edited", audit[0].Action)
}

func TestLogTimeAndTaskDeletion(t *testing.T) {
	env := newTestEnv(t, nil)
	viewer := env.member(t, "viewer@example.com", domain.RoleViewer)
	p := env.project(t, "ENG", nil)
	task := env.task(t, p, "A")

	entry, err := env.Engine.LogTime(env.Ctx, engine.TimeEntryOptions{TaskID: task.ID, ActorID: env.Owner.ID, Minutes: 90, Billable: true})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", entry.Date)
	assert.Equal(t, domain.TimeEntryPending, entry.Status)

	for _, bad := range []engine.TimeEntryOptions{
		{TaskID: task.ID, ActorID: env.Owner.ID, Minutes: 0},
		{TaskID: task.ID, ActorID: env.Owner.ID, Minutes: 24*60 + 1},
		{TaskID: task.ID, ActorID: env.Owner.ID, Minutes: 10, Date: "01/02/2024"},
	} {
		_, err := env.Engine.LogTime(env.Ctx, bad)
		assert.Equal(t, "validation", engine.ErrorKind(err), "%+v", bad)
	}
	_, err = env.Engine.LogTime(env.Ctx, engine.TimeEntryOptions{TaskID: task.ID, ActorID: viewer.ID, Minutes: 10})
	assert.Equal(t, "forbidden", engine.ErrorKind(err))

	entries, err := env.Engine.ListTimeEntries(env.Ctx, task.ID, viewer.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.TimeEntry{entry}, entries)

	c, err := env.Engine.AddComment(env.Ctx, task.ID, env.Owner.ID, "note")
	require.NoError(t, err)
	_, err = env.Engine.DeleteTask(env.Ctx, task.ID, env.Owner.ID)
	require.NoError(t, err)
	_, err = env.Engine.EditComment(env.Ctx, c.ID, env.Owner.ID, "gone")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.ListTimeEntries(env.Ctx, task.ID, env.Owner.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
