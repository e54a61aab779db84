// Package api is the REST adapter to the backend collaborator.
//
// Every response crosses the boundary as a {success, data, error}
// envelope. Payloads are validated and converted into the typed model
// here; malformed payloads surface as *NetworkError and never reach
// the entity store. A 401 anywhere surfaces as *AuthExpiredError,
// which invalidates the whole local session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/model"
)

// NetworkError is a transport failure or a malformed payload from the
// network boundary.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthExpiredError means the bearer credential was rejected. Cached
// state is not trusted across a credential change; the session must
// be torn down and all entities reloaded after re-authentication.
type AuthExpiredError struct{}

func (e *AuthExpiredError) Error() string {
	return "credential rejected: session must be re-established"
}

// ServerError is a non-auth failure reported by the server.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error (%d)", e.StatusCode)
}

// envelope is the wire wrapper on every REST response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the REST API, e.g. "http://localhost:3000/api".
	BaseURL string

	// Token is the bearer credential attached to every request.
	// Issuance is owned by the external auth collaborator.
	Token string

	// HTTPClient overrides the transport. Defaults to http.Client
	// with no timeout: the core imposes no per-call deadline, callers
	// cancel through ctx.
	HTTPClient *http.Client
}

// Client talks to the backend REST API. The token is guarded by a
// mutex: re-authentication may swap it while requests are in flight.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a REST client.
func NewClient(config *Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    config.BaseURL,
		token:      config.Token,
		httpClient: httpClient,
	}
}

// SetToken swaps the bearer credential, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential, for the channel
// handshake.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do runs one request and returns the envelope's data payload.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthExpiredError{}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("malformed envelope: %w", err)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	return env.Data, nil
}

func (c *Client) decodeTask(data json.RawMessage, op string) (*model.Task, []model.Member, error) {
	task, members, err := model.DecodeTask(data)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	return task, members, nil
}

func (c *Client) decodeProject(data json.RawMessage, op string) (*model.Project, []model.Member, error) {
	project, members, err := model.DecodeProject(data)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	return project, members, nil
}

// ===== Projects =====

// ListProjects fetches all projects visible to the credential.
func (c *Client) ListProjects(ctx context.Context) ([]*model.Project, []model.Member, error) {
	data, err := c.do(ctx, http.MethodGet, "/projects", nil, nil)
	if err != nil {
		return nil, nil, err
	}
	projects, members, err := model.DecodeProjectList(data)
	if err != nil {
		return nil, nil, &NetworkError{Op: "GET /projects", Err: err}
	}
	return projects, members, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, id string) (*model.Project, []model.Member, error) {
	data, err := c.do(ctx, http.MethodGet, "/projects/"+id, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeProject(data, "GET /projects/"+id)
}

// CreateProject creates a project and returns the server's copy.
func (c *Client) CreateProject(ctx context.Context, name, description string, priority model.Priority) (*model.Project, []model.Member, error) {
	body := map[string]interface{}{"name": name}
	if description != "" {
		body["description"] = description
	}
	if priority != "" {
		body["priority"] = priority
	}
	data, err := c.do(ctx, http.MethodPost, "/projects", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeProject(data, "POST /projects")
}

// UpdateProject applies a partial update and returns the server copy.
func (c *Client) UpdateProject(ctx context.Context, id string, patch model.ProjectPatch) (*model.Project, []model.Member, error) {
	data, err := c.do(ctx, http.MethodPut, "/projects/"+id, nil, patch.ToMap())
	if err != nil {
		return nil, nil, err
	}
	return c.decodeProject(data, "PUT /projects/"+id)
}

// DeleteProject deletes a project.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/projects/"+id, nil, nil)
	return err
}

// AddMember adds a member by email and returns the updated project.
func (c *Client) AddMember(ctx context.Context, projectID, email string, role model.Role) (*model.Project, []model.Member, error) {
	body := map[string]interface{}{"email": email, "role": role}
	data, err := c.do(ctx, http.MethodPost, "/projects/"+projectID+"/members", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeProject(data, "POST /projects/"+projectID+"/members")
}

// RemoveMember removes a member and returns the updated project.
func (c *Client) RemoveMember(ctx context.Context, projectID, memberID string) (*model.Project, []model.Member, error) {
	data, err := c.do(ctx, http.MethodDelete, "/projects/"+projectID+"/members/"+memberID, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeProject(data, "DELETE /projects/"+projectID+"/members/"+memberID)
}

// ===== Tasks =====

// TaskFilters narrows a task listing. Zero values are omitted.
type TaskFilters struct {
	Status   model.TaskStatus
	Priority model.Priority
	Assignee string
	Search   string
}

func (f TaskFilters) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	return q
}

// ListTasks fetches a project's tasks, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, projectID string, filters TaskFilters) ([]*model.Task, []model.Member, error) {
	op := "GET /projects/" + projectID + "/tasks"
	data, err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/tasks", filters.query(), nil)
	if err != nil {
		return nil, nil, err
	}
	tasks, members, err := model.DecodeTaskList(data)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	return tasks, members, nil
}

// CreateTask creates a task (or subtask, when ParentTaskID is set)
// under the project and returns the server's copy.
func (c *Client) CreateTask(ctx context.Context, t *model.Task) (*model.Task, []model.Member, error) {
	body := map[string]interface{}{
		"title":    t.Title,
		"status":   t.Status,
		"priority": t.Priority,
	}
	if t.Description != "" {
		body["description"] = t.Description
	}
	if t.DueDate != nil {
		body["dueDate"] = t.DueDate.Format(time.RFC3339)
	}
	if len(t.Assignees) > 0 {
		body["assignees"] = t.Assignees
	}
	if t.ParentTaskID != "" {
		body["parentTask"] = t.ParentTaskID
	}
	data, err := c.do(ctx, http.MethodPost, "/projects/"+t.ProjectID+"/tasks", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "POST /projects/"+t.ProjectID+"/tasks")
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*model.Task, []model.Member, error) {
	data, err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "GET /tasks/"+id)
}

// UpdateTask applies a partial update and returns the server copy.
func (c *Client) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) (*model.Task, []model.Member, error) {
	data, err := c.do(ctx, http.MethodPut, "/tasks/"+id, nil, patch.ToMap())
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "PUT /tasks/"+id)
}

// UpdateTaskStatus performs a status-only update.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, []model.Member, error) {
	body := map[string]interface{}{"status": status}
	data, err := c.do(ctx, http.MethodPatch, "/tasks/"+id+"/status", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "PATCH /tasks/"+id+"/status")
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/tasks/"+id, nil, nil)
	return err
}

// AddDependency adds the edge "taskID depends on dependencyID" and
// returns the server's copy of the task.
func (c *Client) AddDependency(ctx context.Context, taskID, dependencyID string) (*model.Task, []model.Member, error) {
	body := map[string]interface{}{"dependencyId": dependencyID}
	data, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/dependencies", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "POST /tasks/"+taskID+"/dependencies")
}

// RemoveDependency removes the edge and returns the server's copy.
func (c *Client) RemoveDependency(ctx context.Context, taskID, dependencyID string) (*model.Task, []model.Member, error) {
	data, err := c.do(ctx, http.MethodDelete, "/tasks/"+taskID+"/dependencies/"+dependencyID, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "DELETE /tasks/"+taskID+"/dependencies/"+dependencyID)
}

// ListSubtasks fetches the direct subtasks of a task.
func (c *Client) ListSubtasks(ctx context.Context, taskID string) ([]*model.Task, []model.Member, error) {
	op := "GET /tasks/" + taskID + "/subtasks"
	data, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID+"/subtasks", nil, nil)
	if err != nil {
		return nil, nil, err
	}
	tasks, members, err := model.DecodeTaskList(data)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	return tasks, members, nil
}

// AddComment appends a comment and returns the server's copy of the
// task with the full comment sequence.
func (c *Client) AddComment(ctx context.Context, taskID, text string) (*model.Task, []model.Member, error) {
	body := map[string]interface{}{"text": text}
	data, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/comments", nil, body)
	if err != nil {
		return nil, nil, err
	}
	return c.decodeTask(data, "POST /tasks/"+taskID+"/comments")
}

// ===== AI collaborator triggers =====

// AIPrioritize asks the AI collaborator to reprioritize the project's
// tasks. The result is advisory metadata delivered through the normal
// task payloads and push events.
func (c *Client) AIPrioritize(ctx context.Context, projectID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/projects/"+projectID+"/ai/prioritize", nil, nil)
}

// AISchedule asks the AI collaborator for a schedule; applySchedule
// lets the server write the suggested due dates.
func (c *Client) AISchedule(ctx context.Context, projectID string, applySchedule bool) (json.RawMessage, error) {
	body := map[string]interface{}{"applySchedule": applySchedule}
	return c.do(ctx, http.MethodPost, "/projects/"+projectID+"/ai/schedule", nil, body)
}

// AIAnalyzeHealth asks the AI collaborator for a project health
// report.
func (c *Client) AIAnalyzeHealth(ctx context.Context, projectID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/projects/"+projectID+"/ai/analyze-health", nil, nil)
}
