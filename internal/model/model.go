// Package model defines the typed entities held by the sync core:
// projects, tasks, members, and the patch shapes used for partial
// updates. All network payloads are converted into these types at the
// adapter boundary before they reach the store.
package model

import (
	"fmt"
	"time"
)

// TaskStatus is the board column a task lives in.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
)

// IsValid reports whether s is one of the known task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectOnHold    ProjectStatus = "on-hold"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// IsValid reports whether s is one of the known project statuses.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case ProjectActive, ProjectOnHold, ProjectCompleted, ProjectCancelled:
		return true
	}
	return false
}

// Priority is the user-facing priority of a task or project.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank returns an ordering for priorities (low=0 .. urgent=3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

// Role is a member's role within a project.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

// Member is read-only reference data for a user. Ownership lives in
// the external auth/membership service; the core only caches it.
type Member struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

// Membership pairs a member reference with a project role. Order in a
// project's member list is significant and preserved.
type Membership struct {
	MemberID string `json:"memberId"`
	Role     Role   `json:"role"`
}

// Comment is a single entry in a task's append-only comment sequence.
type Comment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AIMetadata carries advisory output from the AI collaborator. It
// never overrides user-set fields.
type AIMetadata struct {
	SuggestedPriority Priority `json:"suggestedPriority,omitempty"`
	PriorityScore     float64  `json:"priorityScore,omitempty"`
	ComplexityScore   float64  `json:"complexityScore,omitempty"`
}

// ProjectMetadata holds derived task counters. Derived only: the
// store recomputes them from tasks; they are never authoritative.
type ProjectMetadata struct {
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
}

// Project is a shared container of tasks and members.
type Project struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      ProjectStatus   `json:"status"`
	Priority    Priority        `json:"priority"`
	Members     []Membership    `json:"members,omitempty"`
	Metadata    ProjectMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Validate checks that the project has valid field values.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid project status: %q", p.Status)
	}
	if p.Priority != "" && !p.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", p.Priority)
	}
	for i, m := range p.Members {
		if m.MemberID == "" {
			return fmt.Errorf("member %d: memberId is required", i)
		}
		if !m.Role.IsValid() {
			return fmt.Errorf("member %s: invalid role %q", m.MemberID, m.Role)
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Project) SetDefaults() {
	if p.Status == "" {
		p.Status = ProjectActive
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	cp := *p
	if p.Members != nil {
		cp.Members = make([]Membership, len(p.Members))
		copy(cp.Members, p.Members)
	}
	return &cp
}

// Task is the unit of work on the board. A task with a non-empty
// ParentTaskID is a subtask of that task.
type Task struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"projectId"`
	ParentTaskID string      `json:"parentTaskId,omitempty"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Status       TaskStatus  `json:"status"`
	Priority     Priority    `json:"priority"`
	DueDate      *time.Time  `json:"dueDate,omitempty"`
	Assignees    []string    `json:"assignees,omitempty"`
	Comments     []Comment   `json:"comments,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	AIMetadata   *AIMetadata `json:"aiMetadata,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// MaxTitleLen bounds task titles the same way the server does.
const MaxTitleLen = 500

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLen {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLen, len(t.Title))
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", t.Status)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", t.Priority)
	}
	if t.ParentTaskID == t.ID && t.ID != "" {
		return fmt.Errorf("task cannot be its own parent")
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task cannot depend on itself")
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Clone returns a deep copy of the task. The reconciliation engine
// keeps cloned snapshots so replayed patches never alias store state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.DueDate != nil {
		due := *t.DueDate
		cp.DueDate = &due
	}
	if t.Assignees != nil {
		cp.Assignees = make([]string, len(t.Assignees))
		copy(cp.Assignees, t.Assignees)
	}
	if t.Comments != nil {
		cp.Comments = make([]Comment, len(t.Comments))
		copy(cp.Comments, t.Comments)
	}
	if t.Dependencies != nil {
		cp.Dependencies = make([]string, len(t.Dependencies))
		copy(cp.Dependencies, t.Dependencies)
	}
	if t.AIMetadata != nil {
		meta := *t.AIMetadata
		cp.AIMetadata = &meta
	}
	return &cp
}

// DependsOn reports whether the task has a dependency edge to taskID.
func (t *Task) DependsOn(taskID string) bool {
	for _, dep := range t.Dependencies {
		if dep == taskID {
			return true
		}
	}
	return false
}

// HasAssignee reports whether memberID is in the assignee set.
func (t *Task) HasAssignee(memberID string) bool {
	for _, a := range t.Assignees {
		if a == memberID {
			return true
		}
	}
	return false
}
