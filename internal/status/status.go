// Package status enforces the task status state machine and the
// completion rollups that hang off it.
//
// The board allows arbitrary drag-and-drop moves, so any status may
// transition directly to any other. The one guarded move is into
// done: a task with an unresolved dependency edge to a task not yet
// done cannot complete unless the caller passes an explicit override.
// This is a soft constraint (the server may still accept the move),
// so violations surface as a distinct, overridable error rather than
// a hard invariant.
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/boardsync/boardsync/internal/model"
	"github.com/boardsync/boardsync/internal/store"
)

// DependencyNotSatisfiedError reports a transition to done blocked by
// unfinished dependencies. Overridable.
type DependencyNotSatisfiedError struct {
	TaskID      string
	Unsatisfied []string
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s cannot be done: unsatisfied dependencies [%s]",
		e.TaskID, strings.Join(e.Unsatisfied, ", "))
}

// Validator checks status transitions against the store's view of the
// dependency graph.
type Validator struct {
	store *store.Store
}

// NewValidator creates a validator over the given store.
func NewValidator(s *store.Store) *Validator {
	return &Validator{store: s}
}

// Check validates transitioning the task to next. Returns
// *DependencyNotSatisfiedError when next is done, override is false,
// and any dependency of the task is not itself done.
func (v *Validator) Check(taskID string, next model.TaskStatus, override bool) error {
	task := v.store.Task(taskID)
	if task == nil {
		return &store.ConflictError{EntityID: taskID, Reason: "task not in store"}
	}
	if !next.IsValid() {
		return fmt.Errorf("invalid status: %q", next)
	}
	if next != model.StatusDone || override {
		return nil
	}

	var unsatisfied []string
	for _, depID := range task.Dependencies {
		dep := v.store.Task(depID)
		if dep == nil || dep.Status != model.StatusDone {
			unsatisfied = append(unsatisfied, depID)
		}
	}
	if len(unsatisfied) > 0 {
		sort.Strings(unsatisfied)
		return &DependencyNotSatisfiedError{TaskID: taskID, Unsatisfied: unsatisfied}
	}
	return nil
}

// Apply validates and applies the transition, then refreshes the
// rollups the move affects: the owning project's task counters and,
// when the task is a subtask, the parent's completion pair.
//
// Returns the updated subtask rollup of the parent (zero values when
// the task has no parent).
func (v *Validator) Apply(taskID string, next model.TaskStatus, override bool) (completed, total int, err error) {
	if err := v.Check(taskID, next, override); err != nil {
		return 0, 0, err
	}
	task := v.store.Task(taskID).Clone()
	task.Status = next
	if err := v.store.UpsertTask(task); err != nil {
		return 0, 0, err
	}
	if task.ParentTaskID != "" {
		completed, total = v.store.SubtaskRollup(task.ParentTaskID)
	}
	return completed, total, nil
}
