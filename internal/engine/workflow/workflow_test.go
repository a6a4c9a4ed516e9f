package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
)

func testProject() domain.Project {
	one := 1
	return domain.Project{
		ID: "p1",
		Workflow: []domain.WorkflowStatus{
			{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
			{ID: "in_progress", Label: "In Progress", Category: domain.CategoryInProgress, WipLimit: &one},
			{ID: "qa", Label: "QA", Category: domain.CategoryInProgress, AllowedRoles: []domain.Role{domain.RoleViewer}},
			{ID: "done", Label: "Done", Category: domain.CategoryDone},
		},
	}
}

func TestDefaultIsValid(t *testing.T) {
	wf := Default()
	require.NoError(t, Validate(wf))
	require.Len(t, wf, 5)
	assert.Equal(t, "backlog", wf[0].ID)
	assert.Equal(t, 5, *wf[2].WipLimit)
	assert.Equal(t, 3, *wf[3].WipLimit)
	assert.Equal(t, domain.CategoryDone, wf[4].Category)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	zero := 0
	cases := map[string][]domain.WorkflowStatus{
		"empty":     nil,
		"bad id":    {{ID: "In Progress", Label: "x", Category: domain.CategoryTodo}},
		"duplicate": {{ID: "a", Label: "a", Category: domain.CategoryTodo}, {ID: "a", Label: "b", Category: domain.CategoryDone}},
		"category":  {{ID: "a", Label: "a", Category: "LATER"}},
		"limit":     {{ID: "a", Label: "a", Category: domain.CategoryTodo, WipLimit: &zero}},
		"role":      {{ID: "a", Label: "a", Category: domain.CategoryTodo, AllowedRoles: []domain.Role{"GUEST"}}},
		"label":     {{ID: "a", Category: domain.CategoryTodo}},
	}
	for name, wf := range cases {
		t.Run(name, func(t *testing.T) {
			var de DefinitionError
			require.True(t, errors.As(Validate(wf), &de))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	p := testProject()
	task := domain.Task{ID: "t1", Status: "todo"}

	_, err := ValidateTransition(p, task, "nope", domain.RoleMember, 0)
	var it InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, "nope", it.StatusID)

	_, err = ValidateTransition(p, task, "in_progress", domain.RoleMember, 0)
	require.NoError(t, err)

	_, err = ValidateTransition(p, task, "in_progress", domain.RoleMember, 1)
	var wip WipLimitError
	require.True(t, errors.As(err, &wip))
	assert.Equal(t, 1, wip.Limit)

	// already in the column: no limit check
	inCol := domain.Task{ID: "t2", Status: "in_progress"}
	_, err = ValidateTransition(p, inCol, "in_progress", domain.RoleMember, 3)
	require.NoError(t, err)
}

func TestValidateTransitionAllowedRoles(t *testing.T) {
	p := testProject()
	task := domain.Task{ID: "t1", Status: "todo"}

	_, err := ValidateTransition(p, task, "qa", domain.RoleMember, 0)
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []domain.Role{domain.RoleViewer}, fe.RequiredRoles)
	assert.Contains(t, err.Error(), "VIEWER")

	for _, r := range []domain.Role{domain.RoleOwner, domain.RoleAdmin, domain.RoleViewer} {
		_, err := ValidateTransition(p, task, "qa", r, 0)
		assert.NoError(t, err, r)
	}
}

func TestApplyMaintainsCompletedAt(t *testing.T) {
	p := testProject()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := domain.Task{Status: "todo"}

	done, _ := p.LookupStatus("done")
	Apply(&task, done, now)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "2024-03-01T12:00:00Z", *task.CompletedAt)

	Apply(&task, done, now.Add(time.Hour))
	assert.Equal(t, "2024-03-01T12:00:00Z", *task.CompletedAt)

	todo, _ := p.LookupStatus("todo")
	Apply(&task, todo, now)
	assert.Nil(t, task.CompletedAt)
	assert.Equal(t, "todo", task.Status)
}

func TestPlanEdit(t *testing.T) {
	old := testProject().Workflow
	updated := []domain.WorkflowStatus{old[0], old[1], old[3]}

	moves, err := PlanEdit(old, updated, nil, map[string]int{"todo": 2})
	require.NoError(t, err)
	assert.Empty(t, moves)

	_, err = PlanEdit(old, updated, nil, map[string]int{"qa": 2})
	var oe OrphanedStatusError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "qa", oe.StatusID)
	assert.Equal(t, 2, oe.Tasks)

	moves, err = PlanEdit(old, updated, map[string]string{"qa": "done"}, map[string]int{"qa": 2})
	require.NoError(t, err)
	assert.Equal(t, []Move{{From: "qa", To: "done", Tasks: 2}}, moves)

	_, err = PlanEdit(old, updated, map[string]string{"qa": "gone"}, map[string]int{"qa": 2})
	var de DefinitionError
	require.True(t, errors.As(err, &de))
}

func TestPlanEditRespectsTargetWipLimit(t *testing.T) {
	old := testProject().Workflow
	updated := []domain.WorkflowStatus{old[0], old[1], old[3]}

	_, err := PlanEdit(old, updated, map[string]string{"qa": "in_progress"}, map[string]int{"in_progress": 1, "qa": 1})
	var wip WipLimitError
	require.True(t, errors.As(err, &wip))
	assert.Equal(t, WipLimitError{StatusID: "in_progress", Limit: 1, Count: 2}, wip)

	moves, err := PlanEdit(old, updated, map[string]string{"qa": "in_progress"}, map[string]int{"qa": 1})
	require.NoError(t, err)
	assert.Equal(t, []Move{{From: "qa", To: "in_progress", Tasks: 1}}, moves)

	// a column already over a lowered limit is left alone when nothing moves in
	_, err = PlanEdit(old, updated, nil, map[string]int{"in_progress": 3})
	require.NoError(t, err)
}

func TestRecategorized(t *testing.T) {
	old := testProject().Workflow
	updated := []domain.WorkflowStatus{
		{ID: "todo", Label: "To Do", Category: domain.CategoryDone},
		old[1],
		{ID: "done", Label: "Done", Category: domain.CategoryInProgress},
		{ID: "new", Label: "New", Category: domain.CategoryDone},
	}
	got := Recategorized(old, updated)
	require.Len(t, got, 2)
	assert.Equal(t, "todo", got[0].ID)
	assert.Equal(t, "done", got[1].ID)

	assert.Empty(t, Recategorized(old, old))
}
