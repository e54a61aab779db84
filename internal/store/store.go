// Package store holds the canonical local snapshot of projects, tasks
// and members. It is the single source of truth the UI renders from.
//
// The store keys projects and tasks independently and maintains two
// derived indexes: project id → task ids and task id → subtask ids,
// plus a per-project dependency graph kept in step with task edge
// sets. All operations are synchronous and side-effect-free beyond
// the store itself; callers mutate entities only through Upsert and
// Remove so the indexes never drift.
//
// The store performs no locking of its own. The client serializes all
// mutations through a single reconciliation path and updates the
// mutation queue and the store atomically together.
package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/boardsync/boardsync/internal/depgraph"
	"github.com/boardsync/boardsync/internal/model"
)

// ConflictError reports a referential-integrity violation: removing a
// task other tasks still depend on, or inserting an entity that
// references ids absent from the store.
type ConflictError struct {
	EntityID   string
	Dependents []string
	Reason     string
}

func (e *ConflictError) Error() string {
	if len(e.Dependents) > 0 {
		return fmt.Sprintf("task %s has dependents [%s]: %s",
			e.EntityID, strings.Join(e.Dependents, ", "), e.Reason)
	}
	return fmt.Sprintf("entity %s: %s", e.EntityID, e.Reason)
}

// Store is the in-memory entity container.
type Store struct {
	projects map[string]*model.Project
	tasks    map[string]*model.Task
	members  map[string]*model.Member

	tasksByProject map[string]map[string]bool
	subtasks       map[string]map[string]bool
	graphs         map[string]*depgraph.Index
}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.projects = make(map[string]*model.Project)
	s.tasks = make(map[string]*model.Task)
	s.members = make(map[string]*model.Member)
	s.tasksByProject = make(map[string]map[string]bool)
	s.subtasks = make(map[string]map[string]bool)
	s.graphs = make(map[string]*depgraph.Index)
}

// Clear drops every entity and index. Used on session teardown:
// cached state is not trusted across a credential change.
func (s *Store) Clear() {
	s.reset()
}

// Graph returns the dependency index for a project, creating it on
// first use.
func (s *Store) Graph(projectID string) *depgraph.Index {
	g, ok := s.graphs[projectID]
	if !ok {
		g = depgraph.New()
		s.graphs[projectID] = g
	}
	return g
}

// UpsertProject inserts or replaces a project by id.
func (s *Store) UpsertProject(p *model.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}
	s.projects[p.ID] = p.Clone()
	if s.tasksByProject[p.ID] == nil {
		s.tasksByProject[p.ID] = make(map[string]bool)
	}
	return nil
}

// UpsertTask inserts or replaces a task by id, keeping the project,
// subtask, and dependency indexes in step with the task's edge set.
//
// Referential integrity is enforced on entry: the task's project,
// parent, and every dependency must already exist in the store. Edge
// changes are applied as an incremental diff against the graph; an
// edge that would close a cycle rejects the whole upsert with
// *depgraph.CycleError and no partial mutation.
func (s *Store) UpsertTask(t *model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if _, ok := s.projects[t.ProjectID]; !ok {
		return &ConflictError{EntityID: t.ID, Reason: fmt.Sprintf("project %s not in store", t.ProjectID)}
	}
	if t.ParentTaskID != "" {
		if _, ok := s.tasks[t.ParentTaskID]; !ok {
			return &ConflictError{EntityID: t.ID, Reason: fmt.Sprintf("parent task %s not in store", t.ParentTaskID)}
		}
	}
	for _, dep := range t.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return &ConflictError{EntityID: t.ID, Reason: fmt.Sprintf("dependency %s not in store", dep)}
		}
	}

	// Validate the edge diff before touching anything.
	g := s.Graph(t.ProjectID)
	old := s.tasks[t.ID]
	for _, dep := range t.Dependencies {
		if !g.HasEdge(t.ID, dep) && g.WouldCycle(t.ID, dep) {
			return &depgraph.CycleError{From: t.ID, To: dep}
		}
	}

	prevParent := ""
	if old != nil {
		prevParent = old.ParentTaskID
		// Drop edges the new copy no longer carries.
		for _, dep := range old.Dependencies {
			if !t.DependsOn(dep) {
				g.RemoveEdge(t.ID, dep)
			}
		}
	}
	for _, dep := range t.Dependencies {
		if err := g.AddEdge(t.ID, dep); err != nil {
			// Unreachable after the pre-check above.
			return err
		}
	}

	cp := t.Clone()
	s.tasks[t.ID] = cp

	if s.tasksByProject[t.ProjectID] == nil {
		s.tasksByProject[t.ProjectID] = make(map[string]bool)
	}
	s.tasksByProject[t.ProjectID][t.ID] = true

	if prevParent != t.ParentTaskID {
		if prevParent != "" {
			delete(s.subtasks[prevParent], t.ID)
		}
	}
	if t.ParentTaskID != "" {
		if s.subtasks[t.ParentTaskID] == nil {
			s.subtasks[t.ParentTaskID] = make(map[string]bool)
		}
		s.subtasks[t.ParentTaskID][t.ID] = true
	}

	s.RecountProject(t.ProjectID)
	return nil
}

// RemoveTask deletes a task.
//
// If other tasks depend on it and cascade is false, the removal fails
// with *ConflictError. With cascade, the dependent edges are removed
// (never the dependent tasks). Subtasks of the removed task are
// promoted to top level so no stored task references a missing parent.
func (s *Store) RemoveTask(id string, cascade bool) error {
	t, ok := s.tasks[id]
	if !ok {
		return nil // already gone, idempotent
	}

	g := s.Graph(t.ProjectID)
	dependents := g.Dependents(id)
	if len(dependents) > 0 && !cascade {
		sort.Strings(dependents)
		return &ConflictError{
			EntityID:   id,
			Dependents: dependents,
			Reason:     "delete requires cascade",
		}
	}

	// Strip the edge from each dependent's own edge list, then drop
	// every edge incident to the task.
	for _, depID := range dependents {
		if dep := s.tasks[depID]; dep != nil {
			dep.Dependencies = removeString(dep.Dependencies, id)
		}
	}
	g.RemoveNode(id)

	for childID := range s.subtasks[id] {
		if child := s.tasks[childID]; child != nil {
			child.ParentTaskID = ""
		}
	}
	delete(s.subtasks, id)

	if t.ParentTaskID != "" {
		delete(s.subtasks[t.ParentTaskID], id)
	}
	delete(s.tasksByProject[t.ProjectID], id)
	delete(s.tasks, id)

	s.RecountProject(t.ProjectID)
	return nil
}

// RemoveProject deletes a project and every task it owns.
func (s *Store) RemoveProject(id string) error {
	if _, ok := s.projects[id]; !ok {
		return nil
	}
	for taskID := range s.tasksByProject[id] {
		delete(s.subtasks, taskID)
		delete(s.tasks, taskID)
	}
	delete(s.tasksByProject, id)
	delete(s.graphs, id)
	delete(s.projects, id)
	return nil
}

// AddDependency inserts the edge "taskID depends on dependsOnID" on
// both the graph and the task's edge list. Both tasks must exist and
// belong to the same project; cycles are rejected before any mutation.
func (s *Store) AddDependency(taskID, dependsOnID string) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return &ConflictError{EntityID: taskID, Reason: "task not in store"}
	}
	dep, ok := s.tasks[dependsOnID]
	if !ok {
		return &ConflictError{EntityID: dependsOnID, Reason: "dependency target not in store"}
	}
	if t.ProjectID != dep.ProjectID {
		return &ConflictError{EntityID: taskID, Reason: "dependency crosses projects"}
	}
	if t.DependsOn(dependsOnID) {
		return nil
	}
	if err := s.Graph(t.ProjectID).AddEdge(taskID, dependsOnID); err != nil {
		return err
	}
	t.Dependencies = append(t.Dependencies, dependsOnID)
	return nil
}

// RemoveDependency removes the edge unconditionally.
func (s *Store) RemoveDependency(taskID, dependsOnID string) {
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	s.Graph(t.ProjectID).RemoveEdge(taskID, dependsOnID)
	t.Dependencies = removeString(t.Dependencies, dependsOnID)
}

// UpsertMember refreshes cached member reference data.
func (s *Store) UpsertMember(m model.Member) {
	if m.ID == "" {
		return
	}
	cp := m
	s.members[m.ID] = &cp
}

// Project returns the project by id, or nil.
func (s *Store) Project(id string) *model.Project {
	return s.projects[id]
}

// Task returns the task by id, or nil. Returned entities must be
// treated as read-only; all writes go through Upsert.
func (s *Store) Task(id string) *model.Task {
	return s.tasks[id]
}

// Member returns cached member reference data by id, or nil.
func (s *Store) Member(id string) *model.Member {
	return s.members[id]
}

// TasksByProject returns a project's tasks ordered by creation time,
// ties broken by id for a stable order.
func (s *Store) TasksByProject(projectID string) []*model.Task {
	ids := s.tasksByProject[projectID]
	out := make([]*model.Task, 0, len(ids))
	for id := range ids {
		out = append(out, s.tasks[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SubtasksOf returns the direct subtasks of a task, creation-ordered.
func (s *Store) SubtasksOf(taskID string) []*model.Task {
	ids := s.subtasks[taskID]
	out := make([]*model.Task, 0, len(ids))
	for id := range ids {
		out = append(out, s.tasks[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Projects returns all projects, id-ordered.
func (s *Store) Projects() []*model.Project {
	out := make([]*model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubtaskRollup returns the (completed, total) counts over the direct
// subtasks of a task.
func (s *Store) SubtaskRollup(taskID string) (completed, total int) {
	for id := range s.subtasks[taskID] {
		total++
		if t := s.tasks[id]; t != nil && t.Status == model.StatusDone {
			completed++
		}
	}
	return completed, total
}

// RecountProject recomputes the project's derived task counters from
// its tasks. The counters are derived only and never authoritative.
func (s *Store) RecountProject(projectID string) {
	p, ok := s.projects[projectID]
	if !ok {
		return
	}
	total, completed := 0, 0
	for id := range s.tasksByProject[projectID] {
		t := s.tasks[id]
		if t == nil {
			continue
		}
		total++
		if t.Status == model.StatusDone {
			completed++
		}
	}
	p.Metadata.TotalTasks = total
	p.Metadata.CompletedTasks = completed
}

// ReplaceProjectTasks swaps in a full task list for a project, as
// delivered by a bulk load. Tasks are inserted before their edges are
// wired so load order doesn't trip the integrity checks; the graph is
// then brought in step edge by edge.
func (s *Store) ReplaceProjectTasks(projectID string, tasks []*model.Task) error {
	if _, ok := s.projects[projectID]; !ok {
		return &ConflictError{EntityID: projectID, Reason: "project not in store"}
	}

	// Drop the old task set and its graph.
	for id := range s.tasksByProject[projectID] {
		delete(s.subtasks, id)
		delete(s.tasks, id)
	}
	s.tasksByProject[projectID] = make(map[string]bool)
	s.graphs[projectID] = depgraph.New()

	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid task in bulk load: %w", err)
		}
		if t.ProjectID != projectID {
			return &ConflictError{EntityID: t.ID, Reason: "task belongs to a different project"}
		}
		byID[t.ID] = t
	}

	g := s.graphs[projectID]
	for _, t := range tasks {
		cp := t.Clone()
		s.tasks[cp.ID] = cp
		s.tasksByProject[projectID][cp.ID] = true
		if cp.ParentTaskID != "" {
			if _, ok := byID[cp.ParentTaskID]; !ok {
				return &ConflictError{EntityID: cp.ID, Reason: fmt.Sprintf("parent task %s missing from bulk load", cp.ParentTaskID)}
			}
			if s.subtasks[cp.ParentTaskID] == nil {
				s.subtasks[cp.ParentTaskID] = make(map[string]bool)
			}
			s.subtasks[cp.ParentTaskID][cp.ID] = true
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return &ConflictError{EntityID: t.ID, Reason: fmt.Sprintf("dependency %s missing from bulk load", dep)}
			}
			if err := g.AddEdge(t.ID, dep); err != nil {
				return fmt.Errorf("bulk load edge %s -> %s: %w", t.ID, dep, err)
			}
		}
	}

	s.RecountProject(projectID)
	return nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
