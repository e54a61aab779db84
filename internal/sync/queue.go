package sync

import (
	"time"

	"github.com/boardsync/boardsync/internal/model"
)

// MutationKind names the operation a mutation performs.
type MutationKind string

const (
	KindCreate           MutationKind = "create"
	KindUpdate           MutationKind = "update"
	KindStatusChange     MutationKind = "status-change"
	KindDelete           MutationKind = "delete"
	KindAddDependency    MutationKind = "add-dependency"
	KindRemoveDependency MutationKind = "remove-dependency"
	KindAddComment       MutationKind = "add-comment"
)

// MutationState is the lifecycle state of a queued mutation.
type MutationState string

const (
	StatePending   MutationState = "pending"
	StateConfirmed MutationState = "confirmed"
	StateRejected  MutationState = "rejected"
)

// Mutation is one pending optimistic change awaiting server
// confirmation. The payload fields used depend on Kind: Task for
// create, Patch for update/status-change, DependencyID for the
// dependency kinds, Comment for add-comment.
type Mutation struct {
	Seq       uint64
	EntityID  string
	ProjectID string
	Kind      MutationKind
	State     MutationState

	Task         *model.Task
	Patch        model.TaskPatch
	ProjectPatch *model.ProjectPatch
	DependencyID string
	Comment      *model.Comment
	Override     bool
	Cascade      bool

	// Affected lists entities a delete touched beyond the deleted one
	// (dependents whose edge was stripped, subtasks that were promoted,
	// a deleted project's tasks). A rejected delete must restore these
	// too, not just the entity itself.
	Affected []string

	// BaseRevision is the entity's last-known server timestamp when
	// the mutation was staged. Sent to the server as the client's
	// version marker and used to detect lost relationship races.
	BaseRevision time.Time
}

// TouchesRelationships reports whether the mutation modifies a
// relationship field (assignee set or dependency edges), where server
// state always wins over lost local writes.
func (m *Mutation) TouchesRelationships() bool {
	switch m.Kind {
	case KindAddDependency, KindRemoveDependency:
		return true
	case KindUpdate:
		return m.Patch.TouchesRelationships()
	}
	return false
}

// Queue is the ordered list of in-flight optimistic mutations.
// Sequence numbers are assigned at enqueue time and strictly
// increase; the queue always holds pending mutations in sequence
// order. Not safe for concurrent use; the client serializes access.
type Queue struct {
	nextSeq  uint64
	pending  []*Mutation
	byEntity map[string][]*Mutation
}

// NewQueue creates an empty mutation queue. Sequence numbers start
// at 1 so the zero value never collides with a real mutation.
func NewQueue() *Queue {
	return &Queue{
		nextSeq:  1,
		byEntity: make(map[string][]*Mutation),
	}
}

// Enqueue assigns the next sequence number, marks the mutation
// pending, and appends it to the queue. Returns the assigned number.
func (q *Queue) Enqueue(m *Mutation) uint64 {
	m.Seq = q.nextSeq
	q.nextSeq++
	m.State = StatePending
	q.pending = append(q.pending, m)
	q.byEntity[m.EntityID] = append(q.byEntity[m.EntityID], m)
	return m.Seq
}

// Resolve marks the mutation with the given sequence number as
// confirmed or rejected and drops it from the queue. Returns the
// mutation, or nil if no pending mutation carries that number.
func (q *Queue) Resolve(seq uint64, state MutationState) *Mutation {
	for i, m := range q.pending {
		if m.Seq != seq {
			continue
		}
		m.State = state
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.dropFromEntity(m)
		return m
	}
	return nil
}

// Drop removes a pending mutation without marking it confirmed or
// rejected by the server (used when a mutation is invalidated
// locally, e.g. a lost relationship race).
func (q *Queue) Drop(m *Mutation) {
	for i, cur := range q.pending {
		if cur == m {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.dropFromEntity(m)
}

func (q *Queue) dropFromEntity(m *Mutation) {
	list := q.byEntity[m.EntityID]
	for i, cur := range list {
		if cur == m {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.byEntity, m.EntityID)
	} else {
		q.byEntity[m.EntityID] = list
	}
}

// PendingFor returns the pending mutations against an entity in
// sequence order. The returned slice is shared; callers must not
// mutate it.
func (q *Queue) PendingFor(entityID string) []*Mutation {
	return q.byEntity[entityID]
}

// HasPending reports whether any mutation against the entity is still
// in flight.
func (q *Queue) HasPending(entityID string) bool {
	return len(q.byEntity[entityID]) > 0
}

// Get returns the pending mutation with the given sequence number,
// or nil.
func (q *Queue) Get(seq uint64) *Mutation {
	for _, m := range q.pending {
		if m.Seq == seq {
			return m
		}
	}
	return nil
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	return len(q.pending)
}

// RemapEntity rewrites the entity id on pending mutations, used when
// a create is confirmed and the server assigns the real id.
func (q *Queue) RemapEntity(oldID, newID string) {
	list, ok := q.byEntity[oldID]
	if !ok {
		return
	}
	for _, m := range list {
		m.EntityID = newID
	}
	delete(q.byEntity, oldID)
	q.byEntity[newID] = append(q.byEntity[newID], list...)
}
