package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/boardsync/boardsync/internal/model"
	"github.com/boardsync/boardsync/internal/store"
)

func patchWithAssignees(a *[]string) model.TaskPatch { return model.TaskPatch{Assignees: a} }
func patchWithTitle(s *string) model.TaskPatch       { return model.TaskPatch{Title: s} }

type rejectRecorder struct {
	mutations []*Mutation
	causes    []error
}

func (r *rejectRecorder) record(m *Mutation, cause error) {
	r.mutations = append(r.mutations, m)
	r.causes = append(r.causes, cause)
}

func newTestEngine(t *testing.T) (*store.Store, *Engine, *rejectRecorder) {
	t.Helper()
	s := store.New()
	p := &model.Project{ID: "p1", Name: "Launch", Status: model.ProjectActive, Priority: model.PriorityHigh}
	p.SetDefaults()
	if err := s.UpsertProject(p); err != nil {
		t.Fatalf("UpsertProject() error: %v", err)
	}

	rec := &rejectRecorder{}
	e := NewEngine(s, &Config{OnReject: rec.record})
	e.SeedProject(p)
	return s, e, rec
}

func serverTask(id string, updatedAt time.Time, mutate ...func(*model.Task)) *model.Task {
	task := &model.Task{
		ID:        id,
		ProjectID: "p1",
		Title:     "Task " + id,
		Status:    model.StatusTodo,
		Priority:  model.PriorityMedium,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
	for _, fn := range mutate {
		fn(task)
	}
	return task
}

// seed installs a task as server-confirmed state, the way a bulk load
// would.
func seed(t *testing.T, s *store.Store, e *Engine, task *model.Task) {
	t.Helper()
	if err := s.UpsertTask(task); err != nil {
		t.Fatalf("seed UpsertTask(%s) error: %v", task.ID, err)
	}
	e.SeedTask(task)
}

func TestOptimisticUpdateThenConfirm(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	title := "Edited locally"
	m, err := e.StageUpdateTask("t1", model.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	// Optimistic apply is visible immediately.
	if s.Task("t1").Title != "Edited locally" {
		t.Errorf("optimistic title = %q", s.Task("t1").Title)
	}
	if m.BaseRevision != base {
		t.Errorf("BaseRevision = %v, want %v", m.BaseRevision, base)
	}

	// Server confirms with its authoritative copy.
	confirmed := serverTask("t1", base.Add(time.Minute), func(task *model.Task) {
		task.Title = "Edited locally"
	})
	if err := e.ConfirmTask(m.Seq, confirmed); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}

	if e.Queue().Len() != 0 {
		t.Error("queue not drained after confirm")
	}
	if got := s.Task("t1"); got.Title != "Edited locally" || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("store state = %+v, want authoritative server copy", got)
	}
}

func TestRejectRollsBack(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, rec := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	title := "Doomed edit"
	m, err := e.StageUpdateTask("t1", model.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	cause := errors.New("server said no")
	if err := e.Reject(m.Seq, cause); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if got := s.Task("t1").Title; got != "Task t1" {
		t.Errorf("title after rollback = %q, want confirmed %q", got, "Task t1")
	}
	if len(rec.mutations) != 1 || rec.mutations[0] != m {
		t.Errorf("rejection not surfaced: %v", rec.mutations)
	}
}

func TestRejectPreservesLaterPendingEdits(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	title := "First edit"
	m1, err := e.StageUpdateTask("t1", model.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}
	desc := "Second edit"
	if _, err := e.StageUpdateTask("t1", model.TaskPatch{Description: &desc}); err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	if err := e.Reject(m1.Seq, errors.New("boom")); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	got := s.Task("t1")
	if got.Title != "Task t1" {
		t.Errorf("rejected edit survived: title = %q", got.Title)
	}
	if got.Description != "Second edit" {
		t.Errorf("later pending edit lost: description = %q", got.Description)
	}
}

func TestPushEventBufferedWhilePending(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	prio := model.PriorityUrgent
	m, err := e.StageUpdateTask("t1", model.TaskPatch{Priority: &prio})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	// A push event for the same entity arrives before the REST call
	// resolves. It must not clobber the optimistic edit.
	push := serverTask("t1", base.Add(time.Second), func(task *model.Task) {
		task.Priority = model.PriorityLow
	})
	e.HandleServerTask(push)

	if e.BufferedCount("t1") != 1 {
		t.Fatalf("BufferedCount = %d, want 1", e.BufferedCount("t1"))
	}
	if s.Task("t1").Priority != model.PriorityUrgent {
		t.Errorf("push clobbered optimistic edit: priority = %q", s.Task("t1").Priority)
	}

	// Confirmation arrives with a newer server timestamp; the buffered
	// (older) event flushes afterwards and loses last-writer-wins.
	confirmed := serverTask("t1", base.Add(2*time.Second), func(task *model.Task) {
		task.Priority = model.PriorityUrgent
	})
	if err := e.ConfirmTask(m.Seq, confirmed); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}

	if e.BufferedCount("t1") != 0 {
		t.Error("buffered events not flushed after resolution")
	}
	if s.Task("t1").Priority != model.PriorityUrgent {
		t.Errorf("final priority = %q, want urgent (confirmation wins)", s.Task("t1").Priority)
	}
}

func TestPushEventAppliedImmediatelyWhenQuiet(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	push := serverTask("t1", base.Add(time.Minute), func(task *model.Task) {
		task.Title = "Renamed elsewhere"
	})
	e.HandleServerTask(push)

	if s.Task("t1").Title != "Renamed elsewhere" {
		t.Errorf("quiet-entity push not applied: %q", s.Task("t1").Title)
	}
}

func TestStalePushIgnored(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	stale := serverTask("t1", base.Add(-time.Minute), func(task *model.Task) {
		task.Title = "From the past"
	})
	e.HandleServerTask(stale)

	if s.Task("t1").Title == "From the past" {
		t.Error("stale push overwrote newer confirmed state")
	}
}

func TestConcurrentPriorityWritesConverge(t *testing.T) {
	// Two clients race on T's priority; the server confirms "urgent"
	// last. This client staged "high" locally and must converge to
	// the server's final answer.
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	high := model.PriorityHigh
	m, err := e.StageUpdateTask("t1", model.TaskPatch{Priority: &high})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	// Our own write confirms first.
	if err := e.ConfirmTask(m.Seq, serverTask("t1", base.Add(time.Second), func(task *model.Task) {
		task.Priority = model.PriorityHigh
	})); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}

	// The other client's write lands later and is pushed to us.
	e.HandleServerTask(serverTask("t1", base.Add(2*time.Second), func(task *model.Task) {
		task.Priority = model.PriorityUrgent
	}))

	if got := s.Task("t1").Priority; got != model.PriorityUrgent {
		t.Errorf("converged priority = %q, want urgent", got)
	}
}

func TestStaleWriteErrorOnLostRelationshipRace(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, rec := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))
	seed(t, s, e, serverTask("t2", base))

	m, err := e.StageAddDependency("t1", "t2")
	if err != nil {
		t.Fatalf("StageAddDependency() error: %v", err)
	}
	title := "also editing"
	mTitle, err := e.StageUpdateTask("t1", model.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	// Another client's update lands: server copy is newer and does
	// NOT carry our edge. Server wins outright on relationship sets.
	push := serverTask("t1", base.Add(time.Minute))
	e.HandleServerTask(push)
	// Entity has pending mutations, so the push is buffered; resolve
	// the scalar edit to let it flush.
	if err := e.ConfirmTask(mTitle.Seq, serverTask("t1", base.Add(2*time.Minute), func(task *model.Task) {
		task.Title = title
	})); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}

	// Confirmation carried a newer timestamp without our edge, so the
	// dependency mutation is invalidated and surfaced.
	var staleErr *StaleWriteError
	found := false
	for i, rm := range rec.mutations {
		if rm == m && errors.As(rec.causes[i], &staleErr) {
			found = true
		}
	}
	if !found {
		t.Fatalf("lost relationship race not surfaced as StaleWriteError: %v", rec.causes)
	}
	if s.Task("t1").DependsOn("t2") {
		t.Error("store kept the lost local edge")
	}
	// The scalar edit survives last-writer-wins.
	if s.Task("t1").Title != title {
		t.Errorf("scalar edit lost: title = %q", s.Task("t1").Title)
	}
}

func TestCreateConfirmRemapsTemporaryID(t *testing.T) {
	s, e, _ := newTestEngine(t)

	temp := &model.Task{ID: "local-abc", ProjectID: "p1", Title: "New task", Status: model.StatusTodo, Priority: model.PriorityMedium}
	temp.SetDefaults()
	m, err := e.StageCreateTask(temp)
	if err != nil {
		t.Fatalf("StageCreateTask() error: %v", err)
	}
	if s.Task("local-abc") == nil {
		t.Fatal("optimistic create not visible")
	}

	// Queue a follow-up edit against the temporary id.
	prio := model.PriorityHigh
	if _, err := e.StageUpdateTask("local-abc", model.TaskPatch{Priority: &prio}); err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}

	confirmed := serverTask("task-42", time.Now(), func(task *model.Task) {
		task.Title = "New task"
	})
	if err := e.ConfirmTask(m.Seq, confirmed); err != nil {
		t.Fatalf("ConfirmTask() error: %v", err)
	}

	if s.Task("local-abc") != nil {
		t.Error("temporary entity not retired")
	}
	got := s.Task("task-42")
	if got == nil {
		t.Fatal("server entity missing after remap")
	}
	// The follow-up edit was remapped and replayed on top.
	if got.Priority != model.PriorityHigh {
		t.Errorf("replayed priority = %q, want high", got.Priority)
	}
	if !e.Queue().HasPending("task-42") {
		t.Error("pending follow-up not remapped to server id")
	}
}

func TestDeleteConfirmAndPushDelete(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))
	seed(t, s, e, serverTask("t2", base))

	m, err := e.StageDeleteTask("t1", false)
	if err != nil {
		t.Fatalf("StageDeleteTask() error: %v", err)
	}
	if s.Task("t1") != nil {
		t.Error("optimistic delete not applied")
	}
	if err := e.ConfirmTaskDelete(m.Seq); err != nil {
		t.Fatalf("ConfirmTaskDelete() error: %v", err)
	}

	// A pushed delete for a quiet entity applies immediately.
	e.HandleServerTaskDelete("t2")
	if s.Task("t2") != nil {
		t.Error("pushed delete not applied")
	}
}

func TestRejectedDeleteRestoresEntity(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	m, err := e.StageDeleteTask("t1", false)
	if err != nil {
		t.Fatalf("StageDeleteTask() error: %v", err)
	}
	if err := e.Reject(m.Seq, errors.New("forbidden")); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if s.Task("t1") == nil {
		t.Error("rejected delete did not restore the entity")
	}
}

func TestRejectedCreateRemovesEntity(t *testing.T) {
	s, e, _ := newTestEngine(t)

	temp := &model.Task{ID: "local-xyz", ProjectID: "p1", Title: "Doomed", Status: model.StatusTodo, Priority: model.PriorityLow}
	temp.SetDefaults()
	m, err := e.StageCreateTask(temp)
	if err != nil {
		t.Fatalf("StageCreateTask() error: %v", err)
	}
	if err := e.Reject(m.Seq, errors.New("invalid")); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if s.Task("local-xyz") != nil {
		t.Error("rejected create left the optimistic entity behind")
	}
}

func TestStageSynchronousValidation(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))
	seed(t, s, e, serverTask("t2", base, func(task *model.Task) {
		task.Dependencies = []string{"t1"}
	}))

	// Cycle is rejected synchronously; nothing is queued or sent.
	if _, err := e.StageAddDependency("t1", "t2"); err == nil {
		t.Error("StageAddDependency() expected cycle error")
	}
	// Delete with dependents without cascade likewise.
	if _, err := e.StageDeleteTask("t1", false); err == nil {
		t.Error("StageDeleteTask() expected conflict error")
	}
	if e.Queue().Len() != 0 {
		t.Errorf("queue length = %d, want 0 after synchronous rejections", e.Queue().Len())
	}
}

func TestStatusChangeThroughEngine(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("dep", base))
	seed(t, s, e, serverTask("t1", base, func(task *model.Task) {
		task.Dependencies = []string{"dep"}
	}))

	// Blocked without override.
	if _, err := e.StageStatusChange("t1", model.StatusDone, false); err == nil {
		t.Error("StageStatusChange() expected dependency error")
	}
	// Override passes and queues the mutation.
	m, err := e.StageStatusChange("t1", model.StatusDone, true)
	if err != nil {
		t.Fatalf("StageStatusChange(override) error: %v", err)
	}
	if s.Task("t1").Status != model.StatusDone {
		t.Error("optimistic status change not applied")
	}
	if m.Patch.Status == nil || *m.Patch.Status != model.StatusDone {
		t.Error("mutation does not carry the status patch")
	}
}

func TestEngineReset(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))

	title := "pending"
	if _, err := e.StageUpdateTask("t1", model.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("StageUpdateTask() error: %v", err)
	}
	e.HandleServerTask(serverTask("t1", base.Add(time.Minute)))

	e.Reset()

	if e.Queue().Len() != 0 || e.BufferedCount("t1") != 0 {
		t.Error("Reset() left queue or buffer state")
	}
}

func TestRejectedCascadeDeleteRestoresDependentsAndSubtasks(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("tA", base))
	seed(t, s, e, serverTask("tB", base, func(task *model.Task) {
		task.Dependencies = []string{"tA"}
	}))
	seed(t, s, e, serverTask("tChild", base, func(task *model.Task) {
		task.ParentTaskID = "tA"
	}))

	m, err := e.StageDeleteTask("tA", true)
	if err != nil {
		t.Fatalf("StageDeleteTask() error: %v", err)
	}

	// Optimistically the cascade stripped the edge and promoted the
	// subtask.
	if s.Task("tB").DependsOn("tA") {
		t.Fatal("edge survived optimistic cascade delete")
	}
	if s.Task("tChild").ParentTaskID != "" {
		t.Fatal("subtask not promoted by optimistic cascade delete")
	}

	if err := e.Reject(m.Seq, errors.New("forbidden")); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if s.Task("tA") == nil {
		t.Fatal("deleted task not restored")
	}
	if got := s.Task("tB").Dependencies; len(got) != 1 || got[0] != "tA" {
		t.Errorf("dependent edges after rollback = %v, want [tA]", got)
	}
	if got := s.Graph("p1").Dependents("tA"); len(got) != 1 || got[0] != "tB" {
		t.Errorf("graph dependents of tA = %v, want [tB]", got)
	}
	if got := s.Task("tChild").ParentTaskID; got != "tA" {
		t.Errorf("ParentTaskID after rollback = %q, want tA", got)
	}
	if got := s.SubtasksOf("tA"); len(got) != 1 || got[0].ID != "tChild" {
		t.Errorf("SubtasksOf(tA) after rollback = %d entries, want 1", len(got))
	}
}

func TestRejectedProjectDeleteRestoresTasks(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, e, _ := newTestEngine(t)
	seed(t, s, e, serverTask("t1", base))
	seed(t, s, e, serverTask("t2", base, func(task *model.Task) {
		task.Dependencies = []string{"t1"}
	}))

	m, err := e.StageDeleteProject("p1")
	if err != nil {
		t.Fatalf("StageDeleteProject() error: %v", err)
	}
	if s.Project("p1") != nil || s.Task("t1") != nil {
		t.Fatal("project state survived optimistic delete")
	}

	if err := e.Reject(m.Seq, errors.New("forbidden")); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if s.Project("p1") == nil {
		t.Fatal("project not restored")
	}
	if got := len(s.TasksByProject("p1")); got != 2 {
		t.Fatalf("restored task count = %d, want 2", got)
	}
	if !s.Task("t2").DependsOn("t1") {
		t.Error("dependency edge not restored with the task set")
	}
	if got := s.Graph("p1").Dependents("t1"); len(got) != 1 || got[0] != "t2" {
		t.Errorf("graph dependents of t1 = %v, want [t2]", got)
	}
}
