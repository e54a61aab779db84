package sync

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/boardsync/boardsync/internal/model"
	"github.com/boardsync/boardsync/internal/status"
	"github.com/boardsync/boardsync/internal/store"
)

// StaleWriteError reports a pending local change to a relationship
// field (assignees, dependencies) that lost a race against a newer
// server copy. The change is removed from the queue and must be
// surfaced to the user, never silently dropped.
type StaleWriteError struct {
	EntityID string
	Seq      uint64
	Fields   []string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("mutation %d on %s lost a relationship race on [%s]",
		e.Seq, e.EntityID, strings.Join(e.Fields, ", "))
}

// RejectFunc receives mutations the engine could not keep: server
// rejections and lost relationship races.
type RejectFunc func(m *Mutation, cause error)

// Config holds engine configuration.
type Config struct {
	// OnReject surfaces rolled-back mutations. Optional.
	OnReject RejectFunc

	// Logger for reconciliation activity. Defaults to stderr.
	Logger *log.Logger
}

// Engine merges server responses and push events into the entity
// store, resolving conflicts with the mutation queue. All methods
// must be called from the client's single reconciliation path; the
// engine does no locking of its own.
type Engine struct {
	store     *store.Store
	validator *status.Validator
	queue     *Queue

	// Last server-authoritative copy per entity. Optimistic state is
	// always recomputed as confirmed + pending mutations.
	confirmedTasks    map[string]*model.Task
	confirmedProjects map[string]*model.Project

	// Push events held back while the named entity has pending
	// mutations, flushed in arrival order once the queue drains.
	buffered map[string][]bufferedEvent

	onReject RejectFunc
	logger   *log.Logger
}

type bufferedEvent struct {
	task          *model.Task
	project       *model.Project
	remove        bool
	removeProject bool
}

// NewEngine creates a reconciliation engine over the store.
func NewEngine(s *store.Store, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:             s,
		validator:         status.NewValidator(s),
		queue:             NewQueue(),
		confirmedTasks:    make(map[string]*model.Task),
		confirmedProjects: make(map[string]*model.Project),
		buffered:          make(map[string][]bufferedEvent),
		onReject:          config.OnReject,
		logger:            logger,
	}
}

// Queue exposes the mutation queue for inspection.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Reset drops all reconciliation state: pending mutations, confirmed
// snapshots, and buffered events. Used on session teardown.
func (e *Engine) Reset() {
	e.queue = NewQueue()
	e.confirmedTasks = make(map[string]*model.Task)
	e.confirmedProjects = make(map[string]*model.Project)
	e.buffered = make(map[string][]bufferedEvent)
}

// SeedTask records a server-delivered task as confirmed without going
// through the queue, used by bulk loads.
func (e *Engine) SeedTask(t *model.Task) {
	e.confirmedTasks[t.ID] = t.Clone()
}

// SeedProject records a server-delivered project as confirmed.
func (e *Engine) SeedProject(p *model.Project) {
	e.confirmedProjects[p.ID] = p.Clone()
}

// ===== Staging: optimistic local edits =====

// StageCreateTask applies a locally created task (carrying a
// client-generated temporary id) and queues the create.
func (e *Engine) StageCreateTask(t *model.Task) (*Mutation, error) {
	if err := e.store.UpsertTask(t); err != nil {
		return nil, err
	}
	m := &Mutation{
		EntityID:  t.ID,
		ProjectID: t.ProjectID,
		Kind:      KindCreate,
		Task:      t.Clone(),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageUpdateTask applies a partial update optimistically and queues
// it. The mutation carries the entity's last-known server timestamp
// as its base revision.
func (e *Engine) StageUpdateTask(id string, patch model.TaskPatch) (*Mutation, error) {
	cur := e.store.Task(id)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: id, Reason: "task not in store"}
	}
	next := cur.Clone()
	patch.Apply(next)
	if err := e.store.UpsertTask(next); err != nil {
		return nil, err
	}
	m := &Mutation{
		EntityID:     id,
		ProjectID:    cur.ProjectID,
		Kind:         KindUpdate,
		Patch:        patch,
		BaseRevision: e.baseRevision(id, cur),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageStatusChange validates the transition (done-gating unless
// override is set), applies it, and queues a status-only mutation.
func (e *Engine) StageStatusChange(id string, next model.TaskStatus, override bool) (*Mutation, error) {
	cur := e.store.Task(id)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: id, Reason: "task not in store"}
	}
	if _, _, err := e.validator.Apply(id, next, override); err != nil {
		return nil, err
	}
	st := next
	m := &Mutation{
		EntityID:     id,
		ProjectID:    cur.ProjectID,
		Kind:         KindStatusChange,
		Patch:        model.TaskPatch{Status: &st},
		Override:     override,
		BaseRevision: e.baseRevision(id, cur),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageDeleteTask removes the task optimistically. Referential
// conflicts (dependents without cascade) reject synchronously before
// anything is queued.
func (e *Engine) StageDeleteTask(id string, cascade bool) (*Mutation, error) {
	cur := e.store.Task(id)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: id, Reason: "task not in store"}
	}
	projectID := cur.ProjectID
	base := e.baseRevision(id, cur)

	// Capture what the removal will touch beyond the task itself:
	// dependents lose their edge and subtasks get promoted. A rejected
	// delete has to put all of them back.
	affected := append([]string{}, e.store.Graph(projectID).Dependents(id)...)
	for _, sub := range e.store.SubtasksOf(id) {
		affected = append(affected, sub.ID)
	}

	if err := e.store.RemoveTask(id, cascade); err != nil {
		return nil, err
	}
	m := &Mutation{
		EntityID:     id,
		ProjectID:    projectID,
		Kind:         KindDelete,
		Cascade:      cascade,
		Affected:     affected,
		BaseRevision: base,
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageAddDependency inserts the edge optimistically. Cycle and
// integrity violations reject synchronously and are never sent to
// the server.
func (e *Engine) StageAddDependency(taskID, dependsOnID string) (*Mutation, error) {
	cur := e.store.Task(taskID)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: taskID, Reason: "task not in store"}
	}
	if err := e.store.AddDependency(taskID, dependsOnID); err != nil {
		return nil, err
	}
	m := &Mutation{
		EntityID:     taskID,
		ProjectID:    cur.ProjectID,
		Kind:         KindAddDependency,
		DependencyID: dependsOnID,
		BaseRevision: e.baseRevision(taskID, cur),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageRemoveDependency removes the edge optimistically.
func (e *Engine) StageRemoveDependency(taskID, dependsOnID string) (*Mutation, error) {
	cur := e.store.Task(taskID)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: taskID, Reason: "task not in store"}
	}
	e.store.RemoveDependency(taskID, dependsOnID)
	m := &Mutation{
		EntityID:     taskID,
		ProjectID:    cur.ProjectID,
		Kind:         KindRemoveDependency,
		DependencyID: dependsOnID,
		BaseRevision: e.baseRevision(taskID, cur),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageAddComment appends a comment optimistically. Comments are
// append-only, so the replay path only ever re-appends.
func (e *Engine) StageAddComment(taskID string, comment model.Comment) (*Mutation, error) {
	cur := e.store.Task(taskID)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: taskID, Reason: "task not in store"}
	}
	next := cur.Clone()
	next.Comments = append(next.Comments, comment)
	if err := e.store.UpsertTask(next); err != nil {
		return nil, err
	}
	m := &Mutation{
		EntityID:     taskID,
		ProjectID:    cur.ProjectID,
		Kind:         KindAddComment,
		Comment:      &comment,
		BaseRevision: e.baseRevision(taskID, cur),
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageUpdateProject applies a project patch optimistically.
func (e *Engine) StageUpdateProject(id string, patch model.ProjectPatch) (*Mutation, error) {
	cur := e.store.Project(id)
	if cur == nil {
		return nil, &store.ConflictError{EntityID: id, Reason: "project not in store"}
	}
	next := cur.Clone()
	patch.Apply(next)
	if err := e.store.UpsertProject(next); err != nil {
		return nil, err
	}
	base := cur.UpdatedAt
	if confirmed := e.confirmedProjects[id]; confirmed != nil {
		base = confirmed.UpdatedAt
	}
	m := &Mutation{
		EntityID:     id,
		ProjectID:    id,
		Kind:         KindUpdate,
		ProjectPatch: &patch,
		BaseRevision: base,
	}
	e.queue.Enqueue(m)
	return m, nil
}

// StageCreateProject applies a locally created project (temporary id).
func (e *Engine) StageCreateProject(p *model.Project) (*Mutation, error) {
	if err := e.store.UpsertProject(p); err != nil {
		return nil, err
	}
	m := &Mutation{EntityID: p.ID, ProjectID: p.ID, Kind: KindCreate}
	e.queue.Enqueue(m)
	return m, nil
}

// StageDeleteProject removes the project and its tasks optimistically.
func (e *Engine) StageDeleteProject(id string) (*Mutation, error) {
	if e.store.Project(id) == nil {
		return nil, &store.ConflictError{EntityID: id, Reason: "project not in store"}
	}
	var affected []string
	for _, t := range e.store.TasksByProject(id) {
		affected = append(affected, t.ID)
	}
	if err := e.store.RemoveProject(id); err != nil {
		return nil, err
	}
	m := &Mutation{EntityID: id, ProjectID: id, Kind: KindDelete, Affected: affected}
	e.queue.Enqueue(m)
	return m, nil
}

func (e *Engine) baseRevision(id string, cur *model.Task) time.Time {
	if confirmed := e.confirmedTasks[id]; confirmed != nil {
		return confirmed.UpdatedAt
	}
	return cur.UpdatedAt
}

// ===== Resolution: server responses =====

// ConfirmTask resolves a pending task mutation with the server's
// authoritative copy. The optimistic entity is replaced by the server
// copy with any still-pending mutations replayed on top; pending
// relationship changes the server copy contradicts are invalidated as
// stale writes.
func (e *Engine) ConfirmTask(seq uint64, server *model.Task) error {
	m := e.queue.Resolve(seq, StateConfirmed)
	if m == nil {
		return fmt.Errorf("no pending mutation with seq %d", seq)
	}

	id := m.EntityID
	if m.Kind == KindCreate && server.ID != id {
		// Server assigned the real id; retire the temporary entity.
		if err := e.store.RemoveTask(id, true); err != nil {
			e.logger.Printf("WARNING: failed to retire temp task %s: %v", id, err)
		}
		e.queue.RemapEntity(id, server.ID)
		if events, ok := e.buffered[id]; ok {
			e.buffered[server.ID] = append(e.buffered[server.ID], events...)
			delete(e.buffered, id)
		}
		id = server.ID
	}

	e.confirmedTasks[id] = server.Clone()
	e.invalidateStaleRelationships(server)
	e.recomputeTask(id)
	e.maybeFlush(id)
	return nil
}

// ConfirmTaskDelete resolves a pending delete: the server agrees the
// entity is gone.
func (e *Engine) ConfirmTaskDelete(seq uint64) error {
	m := e.queue.Resolve(seq, StateConfirmed)
	if m == nil {
		return fmt.Errorf("no pending mutation with seq %d", seq)
	}
	delete(e.confirmedTasks, m.EntityID)
	e.recomputeTask(m.EntityID)
	e.maybeFlush(m.EntityID)
	return nil
}

// ConfirmProject resolves a pending project mutation with the
// server's authoritative copy.
func (e *Engine) ConfirmProject(seq uint64, server *model.Project) error {
	m := e.queue.Resolve(seq, StateConfirmed)
	if m == nil {
		return fmt.Errorf("no pending mutation with seq %d", seq)
	}
	id := m.EntityID
	if m.Kind == KindCreate && server.ID != id {
		if err := e.store.RemoveProject(id); err != nil {
			e.logger.Printf("WARNING: failed to retire temp project %s: %v", id, err)
		}
		e.queue.RemapEntity(id, server.ID)
		id = server.ID
	}
	e.confirmedProjects[id] = server.Clone()
	e.recomputeProject(id)
	e.maybeFlush(id)
	return nil
}

// ConfirmProjectDelete resolves a pending project delete.
func (e *Engine) ConfirmProjectDelete(seq uint64) error {
	m := e.queue.Resolve(seq, StateConfirmed)
	if m == nil {
		return fmt.Errorf("no pending mutation with seq %d", seq)
	}
	delete(e.confirmedProjects, m.EntityID)
	e.maybeFlush(m.EntityID)
	return nil
}

// Reject resolves a pending mutation as failed. The optimistic change
// rolls back by recomputing the entity from the last confirmed state
// plus the mutations still pending, and the failure is surfaced.
func (e *Engine) Reject(seq uint64, cause error) error {
	m := e.queue.Resolve(seq, StateRejected)
	if m == nil {
		return fmt.Errorf("no pending mutation with seq %d", seq)
	}
	if m.ProjectPatch != nil || m.EntityID == m.ProjectID {
		e.recomputeProject(m.EntityID)
		e.restoreProjectTasks(m)
	} else {
		e.recomputeTask(m.EntityID)
		// A rejected delete also rolled edges off dependents and
		// promoted subtasks. Restore each from its confirmed copy,
		// after the deleted task is back so edges have a target.
		for _, id := range m.Affected {
			e.recomputeTask(id)
		}
	}
	e.logger.Printf("Rejected mutation %d (%s on %s): %v", m.Seq, m.Kind, m.EntityID, cause)
	e.surface(m, cause)
	e.maybeFlush(m.EntityID)
	return nil
}

// ===== Push events =====

// HandleServerTask merges a pushed task. If the entity has pending
// mutations the event is buffered until they resolve; otherwise it is
// applied immediately.
func (e *Engine) HandleServerTask(t *model.Task) {
	if e.queue.HasPending(t.ID) {
		e.buffered[t.ID] = append(e.buffered[t.ID], bufferedEvent{task: t.Clone()})
		e.logger.Printf("Buffered push for %s (%d pending)", t.ID, len(e.queue.PendingFor(t.ID)))
		return
	}
	e.mergeServerTask(t)
}

// HandleServerTaskDelete merges a pushed deletion, buffered under the
// same rule as updates.
func (e *Engine) HandleServerTaskDelete(taskID string) {
	if e.queue.HasPending(taskID) {
		e.buffered[taskID] = append(e.buffered[taskID], bufferedEvent{remove: true})
		return
	}
	e.applyServerTaskDelete(taskID)
}

// HandleServerProject merges a pushed project update.
func (e *Engine) HandleServerProject(p *model.Project) {
	if e.queue.HasPending(p.ID) {
		e.buffered[p.ID] = append(e.buffered[p.ID], bufferedEvent{project: p.Clone()})
		return
	}
	e.mergeServerProject(p)
}

// HandleServerProjectDelete merges a pushed project deletion,
// buffered under the same rule as updates.
func (e *Engine) HandleServerProjectDelete(projectID string) {
	if e.queue.HasPending(projectID) {
		e.buffered[projectID] = append(e.buffered[projectID], bufferedEvent{removeProject: true})
		return
	}
	e.applyServerProjectDelete(projectID)
}

// BufferedCount returns the number of push events held for an entity.
func (e *Engine) BufferedCount(entityID string) int {
	return len(e.buffered[entityID])
}

// ===== Internals =====

func (e *Engine) mergeServerTask(t *model.Task) {
	// Last-writer-wins by server timestamp: a push older than what we
	// already confirmed is stale and ignored.
	if cur := e.confirmedTasks[t.ID]; cur != nil && cur.UpdatedAt.After(t.UpdatedAt) {
		e.logger.Printf("Ignoring stale push for %s (%s < %s)", t.ID, t.UpdatedAt, cur.UpdatedAt)
		return
	}
	e.confirmedTasks[t.ID] = t.Clone()
	e.invalidateStaleRelationships(t)
	e.recomputeTask(t.ID)
}

func (e *Engine) applyServerTaskDelete(taskID string) {
	delete(e.confirmedTasks, taskID)
	if err := e.store.RemoveTask(taskID, true); err != nil {
		e.logger.Printf("WARNING: failed to apply pushed delete of %s: %v", taskID, err)
	}
}

func (e *Engine) applyServerProjectDelete(projectID string) {
	delete(e.confirmedProjects, projectID)
	if err := e.store.RemoveProject(projectID); err != nil {
		e.logger.Printf("WARNING: failed to apply pushed delete of project %s: %v", projectID, err)
	}
}

func (e *Engine) mergeServerProject(p *model.Project) {
	if cur := e.confirmedProjects[p.ID]; cur != nil && cur.UpdatedAt.After(p.UpdatedAt) {
		return
	}
	e.confirmedProjects[p.ID] = p.Clone()
	e.recomputeProject(p.ID)
}

// invalidateStaleRelationships drops pending relationship mutations
// the server copy contradicts. Server state wins outright for the
// assignee and dependency sets; the loser is surfaced, never dropped
// silently.
func (e *Engine) invalidateStaleRelationships(server *model.Task) {
	pending := e.queue.PendingFor(server.ID)
	var stale []*Mutation
	for _, m := range pending {
		if !m.TouchesRelationships() {
			continue
		}
		if !server.UpdatedAt.After(m.BaseRevision) {
			continue
		}
		conflict := false
		var fields []string
		switch m.Kind {
		case KindAddDependency:
			conflict = !server.DependsOn(m.DependencyID)
			fields = []string{model.FieldDependencies}
		case KindRemoveDependency:
			conflict = server.DependsOn(m.DependencyID)
			fields = []string{model.FieldDependencies}
		case KindUpdate:
			conflict = true
			fields = []string{model.FieldAssignees}
		}
		if conflict {
			m.State = StateRejected
			stale = append(stale, m)
			e.surface(m, &StaleWriteError{EntityID: m.EntityID, Seq: m.Seq, Fields: fields})
		}
	}
	for _, m := range stale {
		e.queue.Drop(m)
	}
}

// recomputeTask rebuilds the store's copy of a task from the last
// confirmed server state plus the pending mutations in sequence
// order. This is both the rollback path and the replay-on-top path.
func (e *Engine) recomputeTask(id string) {
	pending := e.queue.PendingFor(id)

	var cur *model.Task
	if confirmed := e.confirmedTasks[id]; confirmed != nil {
		cur = confirmed.Clone()
	}
	deleted := false

	for _, m := range pending {
		switch m.Kind {
		case KindCreate:
			cur = m.Task.Clone()
			cur.ID = id
		case KindUpdate, KindStatusChange:
			if cur != nil {
				m.Patch.Apply(cur)
			}
		case KindAddDependency:
			if cur != nil && !cur.DependsOn(m.DependencyID) {
				cur.Dependencies = append(cur.Dependencies, m.DependencyID)
			}
		case KindRemoveDependency:
			if cur != nil {
				deps := cur.Dependencies[:0]
				for _, d := range cur.Dependencies {
					if d != m.DependencyID {
						deps = append(deps, d)
					}
				}
				cur.Dependencies = deps
			}
		case KindAddComment:
			if cur != nil && m.Comment != nil {
				cur.Comments = append(cur.Comments, *m.Comment)
			}
		case KindDelete:
			deleted = true
		}
	}

	if cur == nil || deleted {
		if err := e.store.RemoveTask(id, true); err != nil {
			e.logger.Printf("WARNING: rollback removal of %s failed: %v", id, err)
		}
		return
	}
	if err := e.store.UpsertTask(cur); err != nil {
		e.logger.Printf("WARNING: failed to recompute task %s: %v", id, err)
	}
}

func (e *Engine) recomputeProject(id string) {
	pending := e.queue.PendingFor(id)

	var cur *model.Project
	if confirmed := e.confirmedProjects[id]; confirmed != nil {
		cur = confirmed.Clone()
	}
	deleted := false

	for _, m := range pending {
		switch m.Kind {
		case KindCreate:
			if cur == nil && e.store.Project(id) != nil {
				cur = e.store.Project(id).Clone()
			}
		case KindUpdate:
			if cur != nil && m.ProjectPatch != nil {
				m.ProjectPatch.Apply(cur)
			}
		case KindDelete:
			deleted = true
		}
	}

	if cur == nil || deleted {
		if err := e.store.RemoveProject(id); err != nil {
			e.logger.Printf("WARNING: rollback removal of project %s failed: %v", id, err)
		}
		return
	}
	if err := e.store.UpsertProject(cur); err != nil {
		e.logger.Printf("WARNING: failed to recompute project %s: %v", id, err)
	}
}

// restoreProjectTasks puts a rejected project delete's task set back
// from the confirmed copies. Bulk replacement wires edges after all
// tasks are inserted, so restore order cannot trip the referential
// checks.
func (e *Engine) restoreProjectTasks(m *Mutation) {
	if m.Kind != KindDelete || len(m.Affected) == 0 {
		return
	}
	if e.store.Project(m.EntityID) == nil {
		return
	}
	var tasks []*model.Task
	for _, id := range m.Affected {
		if confirmed := e.confirmedTasks[id]; confirmed != nil {
			tasks = append(tasks, confirmed.Clone())
		}
	}
	if err := e.store.ReplaceProjectTasks(m.EntityID, tasks); err != nil {
		e.logger.Printf("WARNING: failed to restore tasks of project %s: %v", m.EntityID, err)
	}
}

// maybeFlush applies buffered push events for an entity once its
// pending mutations have drained, in arrival order.
func (e *Engine) maybeFlush(entityID string) {
	if e.queue.HasPending(entityID) {
		return
	}
	events, ok := e.buffered[entityID]
	if !ok {
		return
	}
	delete(e.buffered, entityID)
	e.logger.Printf("Flushing %d buffered events for %s", len(events), entityID)
	for _, evt := range events {
		switch {
		case evt.remove:
			e.applyServerTaskDelete(entityID)
		case evt.removeProject:
			e.applyServerProjectDelete(entityID)
		case evt.task != nil:
			e.mergeServerTask(evt.task)
		case evt.project != nil:
			e.mergeServerProject(evt.project)
		}
	}
}

func (e *Engine) surface(m *Mutation, cause error) {
	if e.onReject != nil {
		e.onReject(m, cause)
	}
}
