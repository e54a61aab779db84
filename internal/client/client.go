// Package client wires the REST adapter, the realtime channel, the
// entity store, and the reconciliation engine into one session-scoped
// handle.
//
// All store and queue access is serialized through a single mutex:
// staging a mutation, confirming a server response, and merging a push
// event are each one critical section, so readers never observe a
// half-applied change.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardsync/boardsync/internal/api"
	"github.com/boardsync/boardsync/internal/cache"
	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/events"
	"github.com/boardsync/boardsync/internal/model"
	"github.com/boardsync/boardsync/internal/store"
	syncpkg "github.com/boardsync/boardsync/internal/sync"
)

// Session identifies the authenticated user this client acts for.
// Credential issuance is owned by the external auth collaborator; the
// client only carries the resulting token.
type Session struct {
	Token  string
	UserID string
}

// Config holds client construction options.
type Config struct {
	// Config is the loaded application configuration.
	Config *config.Config

	// Session is the authenticated session.
	Session Session

	// OnReject receives every rejected mutation with its cause, after
	// rollback has already been applied.
	OnReject syncpkg.RejectFunc

	// OnFilterResult receives the task set from a debounced filter
	// refresh, or the fetch error. Optional.
	OnFilterResult func(projectID string, tasks []*model.Task, err error)

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// Client is the session-scoped synchronization handle.
type Client struct {
	mu sync.Mutex

	cfg     *config.Config
	session Session

	api       *api.Client
	store     *store.Store
	engine    *syncpkg.Engine
	channel   *events.Channel
	snapshots *cache.Cache

	notifications chan events.Notification
	joined        map[string]bool
	loadGen       map[string]uint64
	expired       bool

	// Debounced filter refresh: rapid filter changes collapse into a
	// single outbound request carrying the latest filter.
	filterDebounce time.Duration
	filterTimer    *time.Timer
	pendingFilter  *filterRequest
	onFilterResult func(projectID string, tasks []*model.Task, err error)

	logger *log.Logger
}

type filterRequest struct {
	projectID string
	filters   api.TaskFilters
}

// New creates a client. Call Start to load state and Connect to open
// the realtime channel.
func New(config *Config) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := store.New()
	c := &Client{
		cfg:     config.Config,
		session: config.Session,
		store:   s,
		engine: syncpkg.NewEngine(s, &syncpkg.Config{
			OnReject: config.OnReject,
			Logger:   logger,
		}),
		api: api.NewClient(&api.Config{
			BaseURL: config.Config.ServerURL,
			Token:   config.Session.Token,
		}),
		notifications:  make(chan events.Notification, 100),
		joined:         make(map[string]bool),
		loadGen:        make(map[string]uint64),
		filterDebounce: config.Config.FilterDebounce,
		onFilterResult: config.OnFilterResult,
		logger:         logger,
	}
	if c.filterDebounce <= 0 {
		c.filterDebounce = 300 * time.Millisecond
	}

	dispatcher := events.NewDispatcher(c, logger)
	c.channel = events.NewChannel(&events.ChannelConfig{
		URL:         config.Config.SocketURL,
		Token:       config.Session.Token,
		Dispatcher:  dispatcher,
		OnReconnect: c.onReconnect,
		DialTimeout: config.Config.DialTimeout,
		MaxBackoff:  config.Config.MaxBackoff,
		Logger:      logger,
	})

	if config.Config.CachePath != "" {
		snapshots, err := cache.Open(config.Config.CachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
		}
		c.snapshots = snapshots
	}

	return c, nil
}

// Start primes the store from the snapshot cache (instant, possibly
// stale) and then fetches the project list from the server.
func (c *Client) Start(ctx context.Context) error {
	c.loadSnapshot(ctx)
	_, err := c.RefreshProjects(ctx)
	return err
}

// Connect opens the realtime channel. Drops reconnect automatically;
// every reconnect refetches the joined projects in full because
// events may have been lost while the channel was down.
func (c *Client) Connect() error {
	return c.channel.Start()
}

// Close flushes the snapshot cache and shuts everything down.
func (c *Client) Close() error {
	c.channel.Stop()

	c.mu.Lock()
	if c.filterTimer != nil {
		c.filterTimer.Stop()
	}
	c.pendingFilter = nil
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.SaveSnapshot(ctx); err != nil {
		c.logger.Printf("[client] failed to save snapshot: %v", err)
	}
	if c.snapshots != nil {
		return c.snapshots.Close()
	}
	return nil
}

// Store exposes the entity store for reads. Callers must treat the
// returned entities as immutable.
func (c *Client) Store() *store.Store {
	return c.store
}

// Notifications returns the channel of user-facing alerts.
func (c *Client) Notifications() <-chan events.Notification {
	return c.notifications
}

// PendingCount reports how many mutations are still in flight.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Queue().Len()
}

// ===== Loading =====

func (c *Client) loadSnapshot(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	snap, err := c.snapshots.Load(ctx, cache.Fingerprint(c.session.Token))
	if err != nil {
		c.logger.Printf("[client] snapshot load failed: %v", err)
		return
	}
	if snap == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range snap.Members {
		c.store.UpsertMember(m)
	}
	for _, p := range snap.Projects {
		if err := c.store.UpsertProject(p); err != nil {
			continue
		}
		c.engine.SeedProject(p)
	}
	byProject := make(map[string][]*model.Task)
	for _, t := range snap.Tasks {
		byProject[t.ProjectID] = append(byProject[t.ProjectID], t)
	}
	for projectID, tasks := range byProject {
		if err := c.store.ReplaceProjectTasks(projectID, tasks); err != nil {
			c.logger.Printf("[client] cached tasks for %s rejected: %v", projectID, err)
			continue
		}
		for _, t := range tasks {
			c.engine.SeedTask(t)
		}
	}
	c.logger.Printf("[client] primed from snapshot: %d projects, %d tasks",
		len(snap.Projects), len(snap.Tasks))
}

// SaveSnapshot writes the current confirmed state to the cache.
func (c *Client) SaveSnapshot(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}

	c.mu.Lock()
	snap := &cache.Snapshot{}
	for _, p := range c.store.Projects() {
		snap.Projects = append(snap.Projects, p)
		for _, t := range c.store.TasksByProject(p.ID) {
			snap.Tasks = append(snap.Tasks, t)
		}
	}
	fingerprint := cache.Fingerprint(c.session.Token)
	c.mu.Unlock()

	return c.snapshots.Save(ctx, fingerprint, snap)
}

// RefreshProjects fetches the project list and seeds it as confirmed.
func (c *Client) RefreshProjects(ctx context.Context) ([]*model.Project, error) {
	projects, members, err := c.api.ListProjects(ctx)
	if err != nil {
		return nil, c.checkAuth(ctx, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	for _, p := range projects {
		if err := c.store.UpsertProject(p); err != nil {
			c.logger.Printf("[client] project %s rejected: %v", p.ID, err)
			continue
		}
		c.engine.SeedProject(p)
	}
	return projects, nil
}

// LoadProject fetches a project and its full task set, replacing the
// local copy, and joins its realtime room.
//
// If the project is unloaded (or reloaded) while the fetches are in
// flight, the late response is discarded instead of resurrecting the
// abandoned subscription.
func (c *Client) LoadProject(ctx context.Context, projectID string) error {
	c.mu.Lock()
	c.joined[projectID] = true
	c.loadGen[projectID]++
	gen := c.loadGen[projectID]
	c.mu.Unlock()

	project, projMembers, err := c.api.GetProject(ctx, projectID)
	if err != nil {
		return c.checkAuth(ctx, err)
	}
	tasks, taskMembers, err := c.api.ListTasks(ctx, projectID, api.TaskFilters{})
	if err != nil {
		return c.checkAuth(ctx, err)
	}

	c.mu.Lock()
	if !c.joined[projectID] || c.loadGen[projectID] != gen {
		c.mu.Unlock()
		return nil
	}
	for _, m := range projMembers {
		c.store.UpsertMember(m)
	}
	for _, m := range taskMembers {
		c.store.UpsertMember(m)
	}
	if err := c.store.UpsertProject(project); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("server project %s rejected: %w", projectID, err)
	}
	c.engine.SeedProject(project)
	if err := c.store.ReplaceProjectTasks(projectID, tasks); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("server tasks for %s rejected: %w", projectID, err)
	}
	for _, t := range tasks {
		c.engine.SeedTask(t)
	}
	c.mu.Unlock()

	if err := c.channel.JoinProject(projectID); err != nil {
		c.logger.Printf("[client] failed to join project room %s: %v", projectID, err)
	}
	return nil
}

// UnloadProject leaves the project's realtime room. Local state is
// kept for instant re-display.
func (c *Client) UnloadProject(projectID string) {
	c.mu.Lock()
	delete(c.joined, projectID)
	c.mu.Unlock()

	if err := c.channel.LeaveProject(projectID); err != nil {
		c.logger.Printf("[client] failed to leave project room %s: %v", projectID, err)
	}
}

// SetTaskFilter records a task-filter change and schedules a refetch.
// Rapid successive calls are coalesced: only one request goes out,
// carrying the most recent filter. The result is delivered through
// the OnFilterResult callback.
func (c *Client) SetTaskFilter(projectID string, filters api.TaskFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingFilter = &filterRequest{projectID: projectID, filters: filters}
	if c.filterTimer != nil {
		c.filterTimer.Stop()
	}
	c.filterTimer = time.AfterFunc(c.filterDebounce, c.runFilterRefresh)
}

// runFilterRefresh fires after the debounce window with the latest
// recorded filter.
func (c *Client) runFilterRefresh() {
	c.mu.Lock()
	req := c.pendingFilter
	c.pendingFilter = nil
	c.mu.Unlock()
	if req == nil {
		return
	}

	ctx := context.Background()
	tasks, members, err := c.api.ListTasks(ctx, req.projectID, req.filters)
	if err != nil {
		err = c.checkAuth(ctx, err)
		if c.onFilterResult != nil {
			c.onFilterResult(req.projectID, nil, err)
		}
		return
	}

	c.mu.Lock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	c.mu.Unlock()

	if c.onFilterResult != nil {
		c.onFilterResult(req.projectID, tasks, nil)
	}
}

// onReconnect refetches everything the session is subscribed to.
func (c *Client) onReconnect() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	ctx := context.Background()
	if _, err := c.RefreshProjects(ctx); err != nil {
		c.logger.Printf("[client] post-reconnect project refresh failed: %v", err)
		return
	}
	for _, id := range rooms {
		if err := c.LoadProject(ctx, id); err != nil {
			c.logger.Printf("[client] post-reconnect reload of %s failed: %v", id, err)
		}
	}
}

// ===== Auth expiry =====

// checkAuth tears the session down when the credential has expired.
// Local optimistic state cannot be trusted across a credential change.
func (c *Client) checkAuth(ctx context.Context, err error) error {
	var authErr *api.AuthExpiredError
	if !errors.As(err, &authErr) {
		return err
	}

	c.mu.Lock()
	alreadyExpired := c.expired
	c.expired = true
	if !alreadyExpired {
		c.store.Clear()
		c.engine.Reset()
	}
	c.mu.Unlock()

	if !alreadyExpired {
		c.logger.Printf("[client] credential expired, session torn down")
		if c.snapshots != nil {
			if invErr := c.snapshots.Invalidate(ctx); invErr != nil {
				c.logger.Printf("[client] failed to invalidate snapshot cache: %v", invErr)
			}
		}
	}
	return err
}

// Reauthenticate installs a fresh credential and reloads everything.
func (c *Client) Reauthenticate(ctx context.Context, session Session) error {
	c.mu.Lock()
	c.session = session
	c.expired = false
	c.store.Clear()
	c.engine.Reset()
	c.mu.Unlock()

	c.api.SetToken(session.Token)
	c.channel.SetToken(session.Token)

	_, err := c.RefreshProjects(ctx)
	return err
}

// ===== Mutations =====

// NewTempID returns a client-generated id for optimistic creates.
func NewTempID() string {
	return "local-" + uuid.NewString()
}

// CreateTask optimistically inserts the task and syncs it. The task
// keeps its temporary id until the server confirms; t.ID must come
// from NewTempID.
func (c *Client) CreateTask(ctx context.Context, t *model.Task) error {
	c.mu.Lock()
	if t.ID == "" {
		t.ID = NewTempID()
	}
	t.SetDefaults()
	m, err := c.engine.StageCreateTask(t)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.CreateTask(ctx, t)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// UpdateTask optimistically applies the patch and syncs it.
func (c *Client) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error {
	c.mu.Lock()
	m, err := c.engine.StageUpdateTask(id, patch)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.UpdateTask(ctx, id, patch)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// ChangeStatus validates the transition locally, applies it, and
// syncs it. Moving to done is gated on all dependencies being done
// unless override is set.
func (c *Client) ChangeStatus(ctx context.Context, id string, next model.TaskStatus, override bool) error {
	c.mu.Lock()
	m, err := c.engine.StageStatusChange(id, next, override)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.UpdateTaskStatus(ctx, id, next)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// DeleteTask optimistically removes the task and syncs the deletion.
// With cascade set, dependent tasks lose their edge to this task;
// without it, deletion fails locally if dependents exist.
func (c *Client) DeleteTask(ctx context.Context, id string, cascade bool) error {
	c.mu.Lock()
	m, err := c.engine.StageDeleteTask(id, cascade)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.api.DeleteTask(ctx, id); err != nil {
		return c.rejectAndReturn(ctx, m.Seq, err)
	}
	c.mu.Lock()
	confirmErr := c.engine.ConfirmTaskDelete(m.Seq)
	c.mu.Unlock()
	return confirmErr
}

// AddDependency optimistically adds the edge (rejecting cycles and
// self-edges locally) and syncs it.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	c.mu.Lock()
	m, err := c.engine.StageAddDependency(taskID, dependsOnID)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.AddDependency(ctx, taskID, dependsOnID)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// RemoveDependency optimistically removes the edge and syncs it.
func (c *Client) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	c.mu.Lock()
	m, err := c.engine.StageRemoveDependency(taskID, dependsOnID)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.RemoveDependency(ctx, taskID, dependsOnID)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// AddComment optimistically appends the comment and syncs it.
func (c *Client) AddComment(ctx context.Context, taskID, text string) error {
	comment := model.Comment{
		ID:       NewTempID(),
		Text:     text,
		AuthorID: c.session.UserID,
	}
	c.mu.Lock()
	m, err := c.engine.StageAddComment(taskID, comment)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.AddComment(ctx, taskID, text)
	return c.settleTask(ctx, m.Seq, server, members, err)
}

// CreateProject optimistically inserts the project and syncs it.
func (c *Client) CreateProject(ctx context.Context, p *model.Project) error {
	c.mu.Lock()
	if p.ID == "" {
		p.ID = NewTempID()
	}
	p.SetDefaults()
	m, err := c.engine.StageCreateProject(p)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.CreateProject(ctx, p.Name, p.Description, p.Priority)
	return c.settleProject(ctx, m.Seq, server, members, err)
}

// UpdateProject optimistically applies the patch and syncs it.
func (c *Client) UpdateProject(ctx context.Context, id string, patch model.ProjectPatch) error {
	c.mu.Lock()
	m, err := c.engine.StageUpdateProject(id, patch)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	server, members, err := c.api.UpdateProject(ctx, id, patch)
	return c.settleProject(ctx, m.Seq, server, members, err)
}

// DeleteProject optimistically removes the project and syncs it.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	c.mu.Lock()
	m, err := c.engine.StageDeleteProject(id)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.api.DeleteProject(ctx, id); err != nil {
		return c.rejectAndReturn(ctx, m.Seq, err)
	}
	c.mu.Lock()
	confirmErr := c.engine.ConfirmProjectDelete(m.Seq)
	c.mu.Unlock()

	c.UnloadProject(id)
	return confirmErr
}

// settleTask confirms or rejects a task mutation from its REST result.
func (c *Client) settleTask(ctx context.Context, seq uint64, server *model.Task, members []model.Member, err error) error {
	if err != nil {
		return c.rejectAndReturn(ctx, seq, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	return c.engine.ConfirmTask(seq, server)
}

func (c *Client) settleProject(ctx context.Context, seq uint64, server *model.Project, members []model.Member, err error) error {
	if err != nil {
		return c.rejectAndReturn(ctx, seq, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	return c.engine.ConfirmProject(seq, server)
}

// rejectAndReturn rolls the mutation back and propagates the cause.
func (c *Client) rejectAndReturn(ctx context.Context, seq uint64, cause error) error {
	c.mu.Lock()
	if err := c.engine.Reject(seq, cause); err != nil {
		c.logger.Printf("[client] reject bookkeeping failed: %v", err)
	}
	c.mu.Unlock()
	return c.checkAuth(ctx, cause)
}

// ===== AI collaborator =====

// TriggerAIPrioritize asks the AI collaborator to reprioritize the
// project. Results arrive through normal push events.
func (c *Client) TriggerAIPrioritize(ctx context.Context, projectID string) error {
	_, err := c.api.AIPrioritize(ctx, projectID)
	return c.checkAuth(ctx, err)
}

// TriggerAISchedule asks the AI collaborator for a schedule.
func (c *Client) TriggerAISchedule(ctx context.Context, projectID string, apply bool) error {
	_, err := c.api.AISchedule(ctx, projectID, apply)
	return c.checkAuth(ctx, err)
}

// ===== events.Handler =====

// TaskUpserted merges a pushed task through the reconciliation engine.
func (c *Client) TaskUpserted(t *model.Task, members []model.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	c.engine.HandleServerTask(t)
}

// TaskDeleted merges a pushed task deletion.
func (c *Client) TaskDeleted(taskID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.HandleServerTaskDelete(taskID)
}

// ProjectUpserted merges a pushed project update.
func (c *Client) ProjectUpserted(p *model.Project, members []model.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.store.UpsertMember(m)
	}
	c.engine.HandleServerProject(p)
}

// ProjectDeleted merges a pushed project deletion.
func (c *Client) ProjectDeleted(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.HandleServerProjectDelete(projectID)
	delete(c.joined, projectID)
}

// Notification forwards an alert to the consumer, dropping it if the
// consumer is not keeping up.
func (c *Client) Notification(n events.Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Printf("[client] notification channel full, dropping %s", n.ID)
	}
}
