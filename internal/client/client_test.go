package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boardsync/boardsync/internal/api"
	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/events"
	"github.com/boardsync/boardsync/internal/model"
	syncpkg "github.com/boardsync/boardsync/internal/sync"
)

func respond(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func taskJSON(id, projectID, title string, updatedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"_id":       id,
		"project":   projectID,
		"title":     title,
		"status":    "todo",
		"priority":  "medium",
		"updatedAt": updatedAt.UTC().Format(time.RFC3339),
	}
}

func projectJSON(id, name string) map[string]interface{} {
	return map[string]interface{}{
		"_id":    id,
		"name":   name,
		"status": "active",
	}
}

type rejectLog struct {
	causes []error
}

func (r *rejectLog) record(m *syncpkg.Mutation, cause error) {
	r.causes = append(r.causes, cause)
}

func newTestClient(t *testing.T, handler http.Handler, cachePath string) (*Client, *rejectLog) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rejects := &rejectLog{}
	cfg := &config.Config{
		ServerURL:   srv.URL,
		SocketURL:   "ws://unused.invalid/ws",
		CachePath:   cachePath,
		DialTimeout: time.Second,
		MaxBackoff:  time.Second,
	}
	c, err := New(&Config{
		Config:   cfg,
		Session:  Session{Token: "tok-a", UserID: "u1"},
		OnReject: rejects.record,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, rejects
}

func TestClient_LoadProjectSeedsStore(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{
			taskJSON("t1", "p1", "First", now),
			taskJSON("t2", "p1", "Second", now),
		})
	})

	c, _ := newTestClient(t, mux, "")
	if err := c.LoadProject(context.Background(), "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	if c.Store().Project("p1") == nil {
		t.Fatal("project not in store")
	}
	if got := len(c.Store().TasksByProject("p1")); got != 2 {
		t.Errorf("task count = %d, want 2", got)
	}
	p := c.Store().Project("p1")
	if p.Metadata.TotalTasks != 2 {
		t.Errorf("TotalTasks = %d, want 2", p.Metadata.TotalTasks)
	}
}

func TestClient_CreateTaskRemapsTempID(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{})
	})
	mux.HandleFunc("POST /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, taskJSON("task-42", "p1", "Brand new", now))
	})

	c, _ := newTestClient(t, mux, "")
	ctx := context.Background()
	if err := c.LoadProject(ctx, "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	task := &model.Task{
		ProjectID: "p1",
		Title:     "Brand new",
	}
	if err := c.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	if c.Store().Task("task-42") == nil {
		t.Error("server id not in store after confirm")
	}
	tasks := c.Store().TasksByProject("p1")
	if len(tasks) != 1 {
		t.Errorf("task count = %d, want 1 (temp id must be retired)", len(tasks))
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_RejectedUpdateRollsBack(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{taskJSON("t1", "p1", "Original", now)})
	})
	mux.HandleFunc("PUT /tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, 422, "title too long")
	})

	c, rejects := newTestClient(t, mux, "")
	ctx := context.Background()
	if err := c.LoadProject(ctx, "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	title := "Changed"
	err := c.UpdateTask(ctx, "t1", model.TaskPatch{Title: &title})
	var srvErr *api.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("UpdateTask() error = %v, want ServerError", err)
	}

	if got := c.Store().Task("t1").Title; got != "Original" {
		t.Errorf("Title = %q, want rollback to Original", got)
	}
	if len(rejects.causes) != 1 {
		t.Errorf("reject callback fired %d times, want 1", len(rejects.causes))
	}
}

func TestClient_AuthExpiryTearsDownSession(t *testing.T) {
	now := time.Now()
	authorized := true
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{taskJSON("t1", "p1", "First", now)})
	})
	mux.HandleFunc("PUT /tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		if !authorized {
			respondError(w, http.StatusUnauthorized, "jwt expired")
			return
		}
		respond(w, taskJSON("t1", "p1", "First", now))
	})

	c, _ := newTestClient(t, mux, "")
	ctx := context.Background()
	if err := c.LoadProject(ctx, "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	authorized = false
	title := "x"
	err := c.UpdateTask(ctx, "t1", model.TaskPatch{Title: &title})
	var authErr *api.AuthExpiredError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthExpiredError", err)
	}

	if c.Store().Task("t1") != nil || c.Store().Project("p1") != nil {
		t.Error("store not cleared after credential expiry")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after teardown", c.PendingCount())
	}
}

func TestClient_SnapshotRoundTrip(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{projectJSON("p1", "Apollo")})
	})
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{taskJSON("t1", "p1", "First", now)})
	})

	cachePath := filepath.Join(t.TempDir(), "snap.db")
	ctx := context.Background()

	c, _ := newTestClient(t, mux, cachePath)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.LoadProject(ctx, "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if err := c.SaveSnapshot(ctx); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := c.snapshots.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A fresh client over a dead server still renders from the cache.
	dead := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusBadGateway, "down")
	})
	c2, _ := newTestClient(t, dead, cachePath)
	if err := c2.Start(ctx); err == nil {
		t.Fatal("Start() should surface the fetch failure")
	}
	if c2.Store().Project("p1") == nil {
		t.Error("cached project not primed")
	}
	if c2.Store().Task("t1") == nil {
		t.Error("cached task not primed")
	}
}

func TestClient_PushEventThroughHandler(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []interface{}{taskJSON("t1", "p1", "First", now)})
	})

	c, _ := newTestClient(t, mux, "")
	ctx := context.Background()
	if err := c.LoadProject(ctx, "p1"); err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	pushed := &model.Task{
		ID:        "t1",
		ProjectID: "p1",
		Title:     "Renamed elsewhere",
		Status:    model.StatusInProgress,
		Priority:  model.PriorityMedium,
		UpdatedAt: now.Add(time.Minute),
	}
	c.TaskUpserted(pushed, nil)

	got := c.Store().Task("t1")
	if got.Title != "Renamed elsewhere" || got.Status != model.StatusInProgress {
		t.Errorf("task after push = %+v", got)
	}

	c.TaskDeleted("t1", "p1")
	if c.Store().Task("t1") != nil {
		t.Error("task survived pushed delete")
	}
}

func TestClient_FilterChangesCoalesce(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	hits := 0
	var lastQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		lastQuery = r.URL.Query()
		mu.Unlock()
		respond(w, []interface{}{taskJSON("t1", "p1", "First", now)})
	})

	c, _ := newTestClient(t, mux, "")
	c.filterDebounce = 20 * time.Millisecond
	results := make(chan []*model.Task, 1)
	c.onFilterResult = func(projectID string, tasks []*model.Task, err error) {
		if err != nil {
			t.Errorf("filter refresh error = %v", err)
		}
		results <- tasks
	}

	// A burst of filter changes must collapse into one request
	// carrying the last filter.
	for _, s := range []model.TaskStatus{model.StatusTodo, model.StatusInProgress, model.StatusReview} {
		c.SetTaskFilter("p1", api.TaskFilters{Status: s})
	}
	c.SetTaskFilter("p1", api.TaskFilters{Status: model.StatusDone, Assignee: "u1"})

	select {
	case tasks := <-results:
		if len(tasks) != 1 {
			t.Errorf("task count = %d, want 1", len(tasks))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("filter refresh never fired")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
	if got := lastQuery.Get("status"); got != string(model.StatusDone) {
		t.Errorf("status filter = %q, want %q", got, model.StatusDone)
	}
	if got := lastQuery.Get("assignee"); got != "u1" {
		t.Errorf("assignee filter = %q, want u1", got)
	}
}

func TestClient_AbandonedLoadDiscarded(t *testing.T) {
	now := time.Now()
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, projectJSON("p1", "Apollo"))
	})
	mux.HandleFunc("GET /projects/p1/tasks", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		respond(w, []interface{}{taskJSON("t1", "p1", "Late arrival", now)})
	})

	c, _ := newTestClient(t, mux, "")
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.LoadProject(context.Background(), "p1")
	}()

	// Abandon the project while its task fetch is still in flight,
	// then let the stale response land.
	<-entered
	c.UnloadProject("p1")
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}

	if c.Store().Task("t1") != nil {
		t.Error("stale task fetch applied after unload")
	}
	if c.Store().Project("p1") != nil {
		t.Error("stale project fetch applied after unload")
	}
	c.mu.Lock()
	joined := c.joined["p1"]
	c.mu.Unlock()
	if joined {
		t.Error("abandoned room subscription resurrected")
	}
}

func TestClient_NotificationOverflowDropped(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux(), "")

	for i := 0; i < 150; i++ {
		c.Notification(events.Notification{ID: fmt.Sprintf("n%d", i)})
	}
	if got := len(c.notifications); got != 100 {
		t.Errorf("buffered notifications = %d, want 100", got)
	}
}
