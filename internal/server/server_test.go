package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/quota"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(repo.New(conn), engine.Options{
		Logger: logger,
		Tiers: map[domain.PlanTier]quota.Tier{
			domain.TierFree: {MaxMembers: 3, MaxProjects: 1},
			domain.TierPro:  {MaxMembers: 20, MaxProjects: 10},
		},
	})
	handler, err := New(Config{
		Engine: e,
		Logger: logger,
		Auth:   AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour, DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func (s *testServer) do(t *testing.T, token, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+"/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// call performs a request, asserts the status and decodes the body into out.
func (s *testServer) call(t *testing.T, token, method, path string, body any, want int, out any) {
	t.Helper()
	res, data := s.do(t, token, method, path, body)
	require.Equal(t, want, res.StatusCode, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func (s *testServer) login(t *testing.T, email string) (string, domain.User) {
	t.Helper()
	var resp DevLoginResponse
	s.call(t, "", http.MethodPost, "/auth/dev/login", DevLoginRequest{Email: email}, http.StatusOK, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token, resp.User
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) expectError(t *testing.T, token, method, path string, body any, status int, code string) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	s.call(t, token, method, path, body, status, &env)
	assert.Equal(t, code, env.Error.Code)
	return env
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, "", http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = srv.do(t, "not-a-jwt", http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = srv.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, "", http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v1/tasks/{task_id}/links")
}

func TestWorkflowAndGuardErrors(t *testing.T) {
	srv := newTestServer(t)
	token, _ := srv.login(t, "owner@example.com")

	var me MeResponse
	srv.call(t, token, http.MethodGet, "/me", nil, http.StatusOK, &me)
	assert.Equal(t, "owner@example.com", me.User.Email)
	assert.Empty(t, me.Workspaces)

	var ws domain.Workspace
	srv.call(t, token, http.MethodPost, "/workspaces", CreateWorkspaceRequest{Name: "Acme"}, http.StatusCreated, &ws)

	one := 1
	var p domain.Project
	srv.call(t, token, http.MethodPost, "/workspaces/"+ws.ID+"/projects", CreateProjectRequest{
		Name: "Engine",
		Key:  "ENG",
		Workflow: []domain.WorkflowStatus{
			{ID: "todo", Label: "To Do", Category: domain.CategoryTodo},
			{ID: "in_progress", Label: "In Progress", Category: domain.CategoryInProgress, WipLimit: &one},
			{ID: "done", Label: "Done", Category: domain.CategoryDone},
		},
	}, http.StatusCreated, &p)

	// plan allows one project
	env := srv.expectError(t, token, http.MethodPost, "/workspaces/"+ws.ID+"/projects", CreateProjectRequest{Name: "Ops"}, http.StatusPaymentRequired, "quota_exceeded")
	assert.Equal(t, "PROJECTS", env.Error.Details["resource"])

	var t1, t2 domain.Task
	srv.call(t, token, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "T1"}, http.StatusCreated, &t1)
	srv.call(t, token, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "T2", Labels: []string{"api"}}, http.StatusCreated, &t2)
	assert.Equal(t, "ENG-1", t1.Key)

	srv.call(t, token, http.MethodPost, "/tasks/"+t1.ID+"/move", MoveTaskRequest{Status: "in_progress"}, http.StatusOK, &t1)
	assert.Equal(t, "in_progress", t1.Status)
	env = srv.expectError(t, token, http.MethodPost, "/tasks/"+t2.ID+"/move", MoveTaskRequest{Status: "in_progress"}, http.StatusConflict, "wip_limit_exceeded")
	assert.EqualValues(t, 1, env.Error.Details["limit"])
	srv.expectError(t, token, http.MethodPost, "/tasks/"+t2.ID+"/move", MoveTaskRequest{Status: "shipped"}, http.StatusUnprocessableEntity, "invalid_transition")

	var byKey domain.Task
	srv.call(t, token, http.MethodGet, "/workspaces/"+ws.ID+"/tasks/by-key/ENG-2", nil, http.StatusOK, &byKey)
	assert.Equal(t, t2.ID, byKey.ID)

	var list ListResponse[domain.Task]
	srv.call(t, token, http.MethodGet, "/workspaces/"+ws.ID+"/tasks?label=api", nil, http.StatusOK, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, t2.ID, list.Items[0].ID)

	srv.expectError(t, token, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "x", DueDate: "soon"}, http.StatusBadRequest, "bad_request")
	srv.expectError(t, token, http.MethodGet, "/tasks/missing", nil, http.StatusNotFound, "not_found")
}

func TestLinksAndCascade(t *testing.T) {
	srv := newTestServer(t)
	token, _ := srv.login(t, "owner@example.com")
	var ws domain.Workspace
	srv.call(t, token, http.MethodPost, "/workspaces", CreateWorkspaceRequest{Name: "Acme"}, http.StatusCreated, &ws)
	var p domain.Project
	srv.call(t, token, http.MethodPost, "/workspaces/"+ws.ID+"/projects", CreateProjectRequest{Name: "Engine"}, http.StatusCreated, &p)
	var a, b domain.Task
	srv.call(t, token, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "A"}, http.StatusCreated, &a)
	srv.call(t, token, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "B"}, http.StatusCreated, &b)

	link := LinkTaskRequest{TargetTaskID: b.ID, Type: domain.LinkBlocks}
	srv.call(t, token, http.MethodPost, "/tasks/"+a.ID+"/links", link, http.StatusOK, &a)
	srv.call(t, token, http.MethodPost, "/tasks/"+a.ID+"/links", link, http.StatusOK, &a)
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkBlocks, TargetTaskID: b.ID}}, a.Links)

	srv.call(t, token, http.MethodGet, "/tasks/"+b.ID, nil, http.StatusOK, &b)
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkBlockedBy, TargetTaskID: a.ID}}, b.Links)

	srv.expectError(t, token, http.MethodPost, "/tasks/"+a.ID+"/links", LinkTaskRequest{TargetTaskID: a.ID, Type: domain.LinkRelatesTo}, http.StatusUnprocessableEntity, "self_link")
	srv.expectError(t, token, http.MethodPost, "/tasks/"+b.ID+"/links", LinkTaskRequest{TargetTaskID: a.ID, Type: domain.LinkRelatesTo}, http.StatusConflict, "duplicate_link")

	srv.call(t, token, http.MethodDelete, "/tasks/"+b.ID, nil, http.StatusNoContent, nil)
	srv.call(t, token, http.MethodGet, "/tasks/"+a.ID, nil, http.StatusOK, &a)
	assert.Empty(t, a.Links)

	var page AuditPage
	srv.call(t, token, http.MethodGet, "/workspaces/"+ws.ID+"/audit?limit=2", nil, http.StatusOK, &page)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "task.deleted", page.Items[0].Action)
	assert.NotZero(t, page.NextBefore)
}

func TestMembersOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ownerToken, owner := srv.login(t, "owner@example.com")
	guestToken, guest := srv.login(t, "guest@example.com")

	var ws domain.Workspace
	srv.call(t, ownerToken, http.MethodPost, "/workspaces", CreateWorkspaceRequest{Name: "Acme"}, http.StatusCreated, &ws)

	env := srv.expectError(t, guestToken, http.MethodGet, "/workspaces/"+ws.ID+"/projects", nil, http.StatusForbidden, "forbidden")
	assert.Equal(t, "VIEW_MEMBERS", env.Error.Details["action"])

	var m domain.Membership
	srv.call(t, ownerToken, http.MethodPost, "/workspaces/"+ws.ID+"/members", InviteMemberRequest{Email: guest.Email, Role: domain.RoleViewer}, http.StatusCreated, &m)
	assert.Equal(t, domain.MembershipInvited, m.Status)
	srv.call(t, guestToken, http.MethodPost, "/workspaces/"+ws.ID+"/members/accept", nil, http.StatusOK, &m)
	assert.Equal(t, domain.MembershipActive, m.Status)

	srv.expectError(t, guestToken, http.MethodPost, "/workspaces/"+ws.ID+"/projects", CreateProjectRequest{Name: "Nope"}, http.StatusForbidden, "forbidden")

	admin := domain.RoleAdmin
	srv.call(t, ownerToken, http.MethodPatch, "/workspaces/"+ws.ID+"/members/"+guest.ID, UpdateMemberRequest{Role: &admin}, http.StatusOK, &m)
	assert.Equal(t, domain.RoleAdmin, m.Role)

	srv.expectError(t, ownerToken, http.MethodDelete, "/workspaces/"+ws.ID+"/members/"+owner.ID, nil, http.StatusConflict, "last_owner")

	var members ListResponse[domain.Membership]
	srv.call(t, ownerToken, http.MethodGet, "/workspaces/"+ws.ID+"/members", nil, http.StatusOK, &members)
	assert.Len(t, members.Items, 2)

	srv.call(t, ownerToken, http.MethodPost, "/workspaces/"+ws.ID+"/archive", nil, http.StatusOK, &ws)
	srv.expectError(t, ownerToken, http.MethodPatch, "/workspaces/"+ws.ID, UpdateWorkspaceRequest{}, http.StatusConflict, "workspace_closed")
}

func TestSignTokenRoundTrip(t *testing.T) {
	u := domain.User{ID: "u1", Email: "u1@example.com"}
	token, _, err := SignToken(testSecret, u, time.Minute, time.Now())
	require.NoError(t, err)
	p, err := authenticateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Email: "u1@example.com"}, p)

	_, err = authenticateJWT(token, "other-secret")
	assert.Error(t, err)

	expired, _, err := SignToken(testSecret, u, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = authenticateJWT(expired, testSecret)
	assert.Error(t, err)
}

func TestCommentsAndTimeOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ownerToken, _ := srv.login(t, "owner@example.com")
	devToken, dev := srv.login(t, "dev@example.com")

	var ws domain.Workspace
	srv.call(t, ownerToken, http.MethodPost, "/workspaces", CreateWorkspaceRequest{Name: "Acme"}, http.StatusCreated, &ws)
	srv.call(t, ownerToken, http.MethodPost, "/workspaces/"+ws.ID+"/members", InviteMemberRequest{Email: dev.Email, Role: domain.RoleMember}, http.StatusCreated, nil)
	srv.call(t, devToken, http.MethodPost, "/workspaces/"+ws.ID+"/members/accept", nil, http.StatusOK, nil)
	var p domain.Project
	srv.call(t, ownerToken, http.MethodPost, "/workspaces/"+ws.ID+"/projects", CreateProjectRequest{Name: "Engine"}, http.StatusCreated, &p)
	var task domain.Task
	srv.call(t, ownerToken, http.MethodPost, "/projects/"+p.ID+"/tasks", CreateTaskRequest{Title: "A"}, http.StatusCreated, &task)

	var c domain.Comment
	srv.call(t, devToken, http.MethodPost, "/tasks/"+task.ID+"/comments", CommentRequest{Content: "looks good"}, http.StatusCreated, &c)
	assert.Equal(t, dev.ID, c.AuthorID)
	srv.expectError(t, ownerToken, http.MethodPatch, "/comments/"+c.ID, CommentRequest{Content: "mine now"}, http.StatusForbidden, "forbidden")
	srv.call(t, devToken, http.MethodPatch, "/comments/"+c.ID, CommentRequest{Content: "looks great"}, http.StatusOK, &c)
	require.Len(t, c.EditHistory, 1)
	assert.Equal(t, "looks good", c.EditHistory[0].Content)

	var comments ListResponse[domain.Comment]
	srv.call(t, ownerToken, http.MethodGet, "/tasks/"+task.ID+"/comments", nil, http.StatusOK, &comments)
	require.Len(t, comments.Items, 1)
	assert.Equal(t, "looks great", comments.Items[0].Content)

	var entry domain.TimeEntry
	srv.call(t, devToken, http.MethodPost, "/tasks/"+task.ID+"/time", LogTimeRequest{Minutes: 45, Date: "2024-03-01"}, http.StatusCreated, &entry)
	assert.Equal(t, domain.TimeEntryPending, entry.Status)
	res, _ := srv.do(t, devToken, http.MethodPost, "/tasks/"+task.ID+"/time", LogTimeRequest{Minutes: 0}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	var entries ListResponse[domain.TimeEntry]
	srv.call(t, ownerToken, http.MethodGet, "/tasks/"+task.ID+"/time", nil, http.StatusOK, &entries)
	assert.Equal(t, []domain.TimeEntry{entry}, entries.Items)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	docs := make([][]byte, 8)
	var g errgroup.Group
	for i := range docs {
		g.Go(func() error {
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return err
			}
			defer res.Body.Close()
			docs[i], err = io.ReadAll(res.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, doc := range docs[1:] {
		assert.Equal(t, docs[0], doc)
	}
	assert.Contains(t, string(docs[0]), "/v1/tasks/{task_id}/comments")
}
