package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// RetryBusy bounds how long 503 busy responses are retried. Zero disables retries.
	RetryBusy time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
		RetryBusy:   5 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Workspace represents the API workspace model (partial).
type Workspace struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"`
}

// Membership represents a workspace seat.
type Membership struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	User        *User  `json:"user,omitempty"`
}

// Quota is a plan with its current usage.
type Quota struct {
	Plan struct {
		Tier              string `json:"tier"`
		MaxMembers        int64  `json:"max_members"`
		MaxProjects       int64  `json:"max_projects"`
		StorageQuotaBytes int64  `json:"storage_quota_bytes"`
	} `json:"plan"`
	Usage struct {
		MembersCount  int64 `json:"members_count"`
		ProjectsCount int64 `json:"projects_count"`
		StorageBytes  int64 `json:"storage_bytes"`
	} `json:"usage"`
}

// WorkflowStatus is one column of a project workflow.
type WorkflowStatus struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Category     string   `json:"category"`
	WipLimit     *int     `json:"wip_limit,omitempty"`
	AllowedRoles []string `json:"allowed_roles,omitempty"`
}

// Project represents the API project model (partial).
type Project struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	Name        string           `json:"name"`
	Key         string           `json:"key"`
	Status      string           `json:"status"`
	LeadID      string           `json:"lead_id"`
	Workflow    []WorkflowStatus `json:"workflow"`
}

// TaskLink is one edge of the task graph as seen from its source.
type TaskLink struct {
	Type         string `json:"type"`
	TargetTaskID string `json:"target_task_id"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	WorkspaceID string     `json:"workspace_id"`
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	Labels      []string   `json:"labels"`
	Links       []TaskLink `json:"links"`
	CompletedAt *string    `json:"completed_at,omitempty"`
}

// TaskInput holds the fields accepted when creating a task.
type TaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// TaskUpdate is a partial task update; nil fields are left unchanged.
type TaskUpdate struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Priority     *string   `json:"priority,omitempty"`
	AssigneeID   *string   `json:"assignee_id,omitempty"`
	DueDate      *string   `json:"due_date,omitempty"`
	Labels       *[]string `json:"labels,omitempty"`
	AddLabels    []string  `json:"add_labels,omitempty"`
	RemoveLabels []string  `json:"remove_labels,omitempty"`
}

// WorkflowMove reports tasks relocated by a workflow edit.
type WorkflowMove struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Tasks int    `json:"tasks"`
}

// Comment is a task comment with its previous revisions.
type Comment struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	AuthorID    string `json:"author_id"`
	Content     string `json:"content"`
	EditHistory []struct {
		Content  string `json:"content"`
		EditedAt string `json:"edited_at"`
	} `json:"edit_history"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TimeEntry is work logged on a task.
type TimeEntry struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	UserID      string `json:"user_id"`
	Minutes     int    `json:"minutes"`
	Date        string `json:"date,omitempty"`
	Description string `json:"description,omitempty"`
	Billable    bool   `json:"billable"`
	Status      string `json:"status,omitempty"`
}

// AuditEntry represents a log entry.
type AuditEntry struct {
	ID         int64          `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// AuditPage wraps audit listings with a cursor.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextBefore int64        `json:"next_before"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// DevLogin exchanges an email for a token on servers running with dev login
// enabled, and stores the token on the client.
func (c *Client) DevLogin(ctx context.Context, email, name string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"email": email, "name": name}, &resp)
	if err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// CreateWorkspace creates a workspace owned by the caller.
func (c *Client) CreateWorkspace(ctx context.Context, name, slug string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces", map[string]any{"name": name, "slug": slug}, &resp)
	return resp, err
}

// Workspaces lists the caller's workspaces.
func (c *Client) Workspaces(ctx context.Context) ([]Workspace, error) {
	var resp struct {
		Items []Workspace `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workspaces", nil, &resp)
	return resp.Items, err
}

// Quota returns plan limits and usage.
func (c *Client) Quota(ctx context.Context, workspaceID string) (Quota, error) {
	var resp Quota
	err := c.do(ctx, http.MethodGet, workspacePath(workspaceID, "quota"), nil, &resp)
	return resp, err
}

// UpgradePlan switches the workspace plan tier.
func (c *Client) UpgradePlan(ctx context.Context, workspaceID, tier string) error {
	return c.do(ctx, http.MethodPut, workspacePath(workspaceID, "plan"), map[string]any{"tier": tier}, nil)
}

// InviteMember invites email with role.
func (c *Client) InviteMember(ctx context.Context, workspaceID, email, role string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, http.MethodPost, workspacePath(workspaceID, "members"), map[string]any{"email": email, "role": role}, &resp)
	return resp, err
}

// AcceptInvite activates the caller's pending membership.
func (c *Client) AcceptInvite(ctx context.Context, workspaceID string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, http.MethodPost, workspacePath(workspaceID, "members/accept"), nil, &resp)
	return resp, err
}

// CreateProject creates a project. An empty workflow selects the default one.
func (c *Client) CreateProject(ctx context.Context, workspaceID, name, key string, workflow []WorkflowStatus) (Project, error) {
	body := map[string]any{"name": name, "key": key}
	if len(workflow) > 0 {
		body["workflow"] = workflow
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, workspacePath(workspaceID, "projects"), body, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, projectID string, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "tasks"), in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// GetTaskByKey fetches a task by its key, for example ENG-42.
func (c *Client) GetTaskByKey(ctx context.Context, workspaceID, key string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, workspacePath(workspaceID, "tasks/by-key/"+url.PathEscape(key)), nil, &resp)
	return resp, err
}

// ListTasks lists tasks matching filter keys project_id, status, assignee_id and label.
func (c *Client) ListTasks(ctx context.Context, workspaceID string, filter map[string]string) ([]Task, error) {
	q := url.Values{}
	for k, v := range filter {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := workspacePath(workspaceID, "tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MoveTask moves a task to status.
func (c *Client) MoveTask(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "move"), map[string]any{"status": status}, &resp)
	return resp, err
}

// LinkTasks links taskID to targetID and returns the updated source task.
func (c *Client) LinkTasks(ctx context.Context, taskID, targetID, linkType string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "links"), map[string]any{"target_task_id": targetID, "type": linkType}, &resp)
	return resp, err
}

// UnlinkTasks removes the link between two tasks.
func (c *Client) UnlinkTasks(ctx context.Context, taskID, targetID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodDelete, taskPath(taskID, "links/"+url.PathEscape(targetID)), nil, &resp)
	return resp, err
}

// DeleteTask deletes a task and its links.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, taskPath(taskID, ""), nil, nil)
}

// Audit returns one page of the workspace audit log. before is the cursor
// from a previous page; zero starts at the newest entry.
func (c *Client) Audit(ctx context.Context, workspaceID string, limit int, before int64) (AuditPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	endpoint := workspacePath(workspaceID, "audit")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) ArchiveWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, workspacePath(workspaceID, "archive"), nil, &resp)
	return resp, err
}

// DeleteWorkspace soft-deletes the workspace; it stays readable.
func (c *Client) DeleteWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodDelete, workspacePath(workspaceID, ""), nil, &resp)
	return resp, err
}

func (c *Client) ChangeMemberRole(ctx context.Context, workspaceID, userID, role string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, http.MethodPatch, workspacePath(workspaceID, "members/"+url.PathEscape(userID)), map[string]any{"role": role}, &resp)
	return resp, err
}

// SetMemberStatus suspends (SUSPENDED) or reactivates (ACTIVE) a member.
func (c *Client) SetMemberStatus(ctx context.Context, workspaceID, userID, status string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, http.MethodPatch, workspacePath(workspaceID, "members/"+url.PathEscape(userID)), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	return c.do(ctx, http.MethodDelete, workspacePath(workspaceID, "members/"+url.PathEscape(userID)), nil, nil)
}

// UpdateWorkflow replaces a project's statuses. remap sends tasks of removed
// statuses to kept ones.
func (c *Client) UpdateWorkflow(ctx context.Context, projectID string, statuses []WorkflowStatus, remap map[string]string) (Project, []WorkflowMove, error) {
	var resp struct {
		Project Project        `json:"project"`
		Moves   []WorkflowMove `json:"moves"`
	}
	body := map[string]any{"statuses": statuses}
	if len(remap) > 0 {
		body["remap"] = remap
	}
	err := c.do(ctx, http.MethodPut, projectPath(projectID, "workflow"), body, &resp)
	return resp.Project, resp.Moves, err
}

// DeleteProject removes the project with its tasks and frees its slot.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, ""), nil, nil)
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, in TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, taskPath(taskID, ""), in, &resp)
	return resp, err
}

func (c *Client) AddComment(ctx context.Context, taskID, content string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "comments"), map[string]any{"content": content}, &resp)
	return resp, err
}

func (c *Client) EditComment(ctx context.Context, commentID, content string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPatch, "comments/"+url.PathEscape(commentID), map[string]any{"content": content}, &resp)
	return resp, err
}

func (c *Client) Comments(ctx context.Context, taskID string) ([]Comment, error) {
	var resp struct {
		Items []Comment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "comments"), nil, &resp)
	return resp.Items, err
}

// LogTime records minutes of work; an empty date means today on the server.
func (c *Client) LogTime(ctx context.Context, taskID string, entry TimeEntry) (TimeEntry, error) {
	var resp TimeEntry
	body := map[string]any{"minutes": entry.Minutes, "billable": entry.Billable}
	if entry.Date != "" {
		body["date"] = entry.Date
	}
	if entry.Description != "" {
		body["description"] = entry.Description
	}
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "time"), body, &resp)
	return resp, err
}

func (c *Client) TimeEntries(ctx context.Context, taskID string) ([]TimeEntry, error) {
	var resp struct {
		Items []TimeEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "time"), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	attempt := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if c.RetryBusy <= 0 {
		return unwrapPermanent(attempt())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.RetryBusy
	return unwrapPermanent(backoff.Retry(attempt, backoff.WithContext(b, ctx)))
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func workspacePath(workspaceID, p string) string {
	if p == "" {
		return "workspaces/" + url.PathEscape(workspaceID)
	}
	return fmt.Sprintf("workspaces/%s/%s", url.PathEscape(workspaceID), p)
}

func projectPath(projectID, p string) string {
	if p == "" {
		return "projects/" + url.PathEscape(projectID)
	}
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), p)
}

func taskPath(taskID, p string) string {
	if p == "" {
		return "tasks/" + url.PathEscape(taskID)
	}
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
