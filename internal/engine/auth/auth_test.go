package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/domain"
)

func TestCanPerformMatrix(t *testing.T) {
	for _, a := range Actions {
		assert.True(t, CanPerform(domain.RoleOwner, a), "owner %s", a)
	}

	for _, a := range Actions {
		want := a != DeleteWorkspace && a != ArchiveWorkspace && a != ManageBilling
		assert.Equal(t, want, CanPerform(domain.RoleAdmin, a), "admin %s", a)
	}

	member := []Action{CreateTask, EditTask, Comment, ViewReports, ViewMembers, CreateProject}
	assert.ElementsMatch(t, member, Allowed(domain.RoleMember))
	assert.False(t, CanPerform(domain.RoleMember, DeleteTask))
	assert.False(t, CanPerform(domain.RoleMember, ManageWorkflow))

	assert.ElementsMatch(t, []Action{ViewReports, ViewMembers}, Allowed(domain.RoleViewer))

	assert.Empty(t, Allowed(""))
	assert.Empty(t, Allowed(domain.Role("GUEST")))
}

func TestRequireReturnsForbidden(t *testing.T) {
	require.NoError(t, Require(domain.RoleAdmin, InviteMember))

	err := Require(domain.RoleViewer, CreateTask)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "CREATE_TASK", fe.Action)
	assert.Equal(t, domain.RoleViewer, fe.Role)
	assert.Contains(t, err.Error(), "CREATE_TASK")

	err = Require("", ViewMembers)
	assert.Contains(t, err.Error(), "no role")
}

func TestForbiddenNamesRequiredRoles(t *testing.T) {
	err := ForbiddenError{Action: "EDIT_TASK", Role: domain.RoleMember, RequiredRoles: []domain.Role{domain.RoleViewer}}
	assert.Equal(t, "EDIT_TASK requires one of VIEWER (have MEMBER)", err.Error())
}
