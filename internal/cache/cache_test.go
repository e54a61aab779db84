package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/boardsync/boardsync/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testSnapshot() *Snapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return &Snapshot{
		Projects: []*model.Project{
			{
				ID:        "p1",
				Name:      "Apollo",
				Status:    model.ProjectActive,
				Priority:  model.PriorityHigh,
				UpdatedAt: now,
			},
		},
		Tasks: []*model.Task{
			{
				ID:           "t1",
				ProjectID:    "p1",
				Title:        "Ship the thing",
				Status:       model.StatusInProgress,
				Priority:     model.PriorityUrgent,
				Assignees:    []string{"u1"},
				Dependencies: []string{"t0"},
				UpdatedAt:    now,
			},
			{
				ID:        "t0",
				ProjectID: "p1",
				Title:     "Prep work",
				Status:    model.StatusDone,
				Priority:  model.PriorityLow,
				UpdatedAt: now,
			},
		},
		Members: []model.Member{
			{ID: "u1", Name: "Ada", Email: "ada@example.com"},
		},
	}
}

func TestCache_SaveLoadRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := Fingerprint("token-a")

	if err := c.Save(ctx, fp, testSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	snap, err := c.Load(ctx, fp)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap == nil {
		t.Fatal("Load() returned nil for matching fingerprint")
	}
	if len(snap.Projects) != 1 || snap.Projects[0].Name != "Apollo" {
		t.Errorf("Projects = %+v", snap.Projects)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(snap.Tasks))
	}
	var shipped *model.Task
	for _, task := range snap.Tasks {
		if task.ID == "t1" {
			shipped = task
		}
	}
	if shipped == nil || !shipped.DependsOn("t0") || len(shipped.Assignees) != 1 {
		t.Errorf("task t1 = %+v", shipped)
	}
	if len(snap.Members) != 1 || snap.Members[0].Email != "ada@example.com" {
		t.Errorf("Members = %+v", snap.Members)
	}
	if snap.SavedAt.IsZero() {
		t.Error("SavedAt not recorded")
	}
}

func TestCache_FingerprintMismatchWipes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Save(ctx, Fingerprint("token-a"), testSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	snap, err := c.Load(ctx, Fingerprint("token-b"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap != nil {
		t.Fatal("Load() served a snapshot across credentials")
	}

	// The stale rows must be gone even for the original credential.
	snap, err = c.Load(ctx, Fingerprint("token-a"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap != nil {
		t.Error("stale snapshot survived fingerprint mismatch")
	}
}

func TestCache_SaveReplacesPrevious(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := Fingerprint("token-a")

	if err := c.Save(ctx, fp, testSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	smaller := &Snapshot{
		Tasks: []*model.Task{{
			ID: "t9", ProjectID: "p1", Title: "Only one",
			Status: model.StatusTodo, Priority: model.PriorityMedium,
		}},
	}
	if err := c.Save(ctx, fp, smaller); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	snap, err := c.Load(ctx, fp)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t9" {
		t.Errorf("Tasks = %+v, want only t9", snap.Tasks)
	}
	if len(snap.Projects) != 0 {
		t.Errorf("Projects = %+v, want none", snap.Projects)
	}
}

func TestCache_EmptyLoad(t *testing.T) {
	c := newTestCache(t)

	snap, err := c.Load(context.Background(), Fingerprint("token-a"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap != nil {
		t.Error("Load() on empty cache should return nil")
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := Fingerprint("token-a")

	if err := c.Save(ctx, fp, testSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	snap, err := c.Load(ctx, fp)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap != nil {
		t.Error("snapshot survived Invalidate()")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	if Fingerprint("abc") != Fingerprint("abc") {
		t.Error("Fingerprint() not deterministic")
	}
	if Fingerprint("abc") == Fingerprint("abd") {
		t.Error("Fingerprint() collision on different tokens")
	}
	if Fingerprint("secret-token") == "secret-token" {
		t.Error("Fingerprint() must not echo the raw token")
	}
}
