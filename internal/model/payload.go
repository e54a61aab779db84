package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire decoding for payloads crossing the REST and push-event
// boundary. The backend is loosely typed: ids may arrive as "id" or
// "_id", assignees and dependencies may be bare id strings or embedded
// objects. Everything is normalized here into the typed model before
// it can reach the store; malformed payloads fail decoding and are
// surfaced by the adapters as transport errors.

type wireID struct {
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
}

func (w wireID) value() string {
	if w.ID != "" {
		return w.ID
	}
	return w.LegacyID
}

// wireRef is an entity reference that may be a bare id string or an
// object carrying an id.
type wireRef struct {
	id string
	// Populated when the reference embedded a full member object.
	member *Member
}

func (r *wireRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.id = s
		return nil
	}
	var obj struct {
		wireID
		Name   string `json:"name"`
		Email  string `json:"email"`
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("reference must be a string or object: %w", err)
	}
	id := obj.value()
	if id == "" {
		return fmt.Errorf("reference object has no id")
	}
	r.id = id
	if obj.Name != "" || obj.Email != "" {
		r.member = &Member{ID: id, Name: obj.Name, Email: obj.Email, Avatar: obj.Avatar}
	}
	return nil
}

type wireComment struct {
	wireID
	Text string `json:"text"`
	User struct {
		wireID
		Name string `json:"name"`
	} `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

type wireTask struct {
	wireID
	ProjectID    wireRef       `json:"projectId"`
	Project      wireRef       `json:"project"`
	ParentTaskID wireRef       `json:"parentTask"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Status       TaskStatus    `json:"status"`
	Priority     Priority      `json:"priority"`
	DueDate      *time.Time    `json:"dueDate"`
	Assignees    []wireRef     `json:"assignees"`
	Comments     []wireComment `json:"comments"`
	Dependencies []wireRef     `json:"dependencies"`
	AIMetadata   *AIMetadata   `json:"aiMetadata"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// DecodeTask parses a task payload into the typed model. Embedded
// member objects found in the assignee set are returned alongside the
// task so callers can refresh reference data.
func DecodeTask(data []byte) (*Task, []Member, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("failed to parse task payload: %w", err)
	}

	projectID := w.ProjectID.id
	if projectID == "" {
		projectID = w.Project.id
	}

	task := &Task{
		ID:           w.value(),
		ProjectID:    projectID,
		ParentTaskID: w.ParentTaskID.id,
		Title:        w.Title,
		Description:  w.Description,
		Status:       w.Status,
		Priority:     w.Priority,
		DueDate:      w.DueDate,
		AIMetadata:   w.AIMetadata,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}

	var members []Member
	for _, a := range w.Assignees {
		task.Assignees = append(task.Assignees, a.id)
		if a.member != nil {
			members = append(members, *a.member)
		}
	}
	for _, d := range w.Dependencies {
		task.Dependencies = append(task.Dependencies, d.id)
	}
	for _, c := range w.Comments {
		task.Comments = append(task.Comments, Comment{
			ID:         c.value(),
			Text:       c.Text,
			AuthorID:   c.User.value(),
			AuthorName: c.User.Name,
			CreatedAt:  c.CreatedAt,
		})
	}

	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid task payload: %w", err)
	}
	return task, members, nil
}

type wireMembership struct {
	User wireRef `json:"user"`
	Role Role    `json:"role"`
}

func (m *wireMembership) UnmarshalJSON(data []byte) error {
	// Memberships may be {user, role} objects or bare member ids.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.User.id = s
		m.Role = RoleMember
		return nil
	}
	type alias wireMembership
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = wireMembership(a)
	if m.Role == "" {
		m.Role = RoleMember
	}
	return nil
}

type wireProject struct {
	wireID
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Status      ProjectStatus    `json:"status"`
	Priority    Priority         `json:"priority"`
	Members     []wireMembership `json:"members"`
	Metadata    ProjectMetadata  `json:"metadata"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// DecodeProject parses a project payload into the typed model, along
// with any member reference data embedded in the membership list.
func DecodeProject(data []byte) (*Project, []Member, error) {
	var w wireProject
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("failed to parse project payload: %w", err)
	}

	project := &Project{
		ID:          w.value(),
		Name:        w.Name,
		Description: w.Description,
		Status:      w.Status,
		Priority:    w.Priority,
		Metadata:    w.Metadata,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}

	var members []Member
	for _, m := range w.Members {
		project.Members = append(project.Members, Membership{MemberID: m.User.id, Role: m.Role})
		if m.User.member != nil {
			members = append(members, *m.User.member)
		}
	}

	project.SetDefaults()
	if err := project.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid project payload: %w", err)
	}
	return project, members, nil
}

// DecodeTaskList parses a list payload that is either a bare JSON
// array or wrapped as {"tasks": [...]} / {"subtasks": [...]}.
func DecodeTaskList(data []byte) ([]*Task, []Member, error) {
	items, err := unwrapList(data, "tasks", "subtasks")
	if err != nil {
		return nil, nil, err
	}
	var tasks []*Task
	var members []Member
	for i, item := range items {
		task, taskMembers, err := DecodeTask(item)
		if err != nil {
			return nil, nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
		members = append(members, taskMembers...)
	}
	return tasks, members, nil
}

// DecodeProjectList parses a project list payload, bare or wrapped as
// {"projects": [...]}.
func DecodeProjectList(data []byte) ([]*Project, []Member, error) {
	items, err := unwrapList(data, "projects")
	if err != nil {
		return nil, nil, err
	}
	var projects []*Project
	var members []Member
	for i, item := range items {
		project, projMembers, err := DecodeProject(item)
		if err != nil {
			return nil, nil, fmt.Errorf("project %d: %w", i, err)
		}
		projects = append(projects, project)
		members = append(members, projMembers...)
	}
	return projects, members, nil
}

func unwrapList(data []byte, keys ...string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("list payload is neither array nor object: %w", err)
	}
	for _, key := range keys {
		if raw, ok := wrapped[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("field %q is not an array: %w", key, err)
			}
			return items, nil
		}
	}
	return nil, fmt.Errorf("list payload missing expected field (one of %v)", keys)
}
