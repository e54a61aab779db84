// Package cache persists the last confirmed entity snapshot to a
// local SQLite database so the board can render instantly on startup
// before the first fetch completes.
//
// The snapshot is keyed by a fingerprint of the bearer credential.
// State cached under one credential is never served to another: a
// fingerprint mismatch empties the cache on open.
//
// The database runs in embedded mode with WAL for concurrent reads.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boardsync/boardsync/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Snapshot is everything the cache stores for one credential.
type Snapshot struct {
	Projects []*model.Project
	Tasks    []*model.Task
	Members  []model.Member
	SavedAt  time.Time
}

// Cache wraps the SQLite snapshot database.
type Cache struct {
	conn *sql.DB
	path string
}

// Fingerprint derives the cache key for a bearer credential. The raw
// token is never written to disk.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Open opens (or creates) the snapshot database at path and ensures
// the schema exists. The caller must Close it.
func Open(path string) (*Cache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	c := &Cache{conn: conn, path: path}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close checkpoints the WAL and closes the database.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}

// initSchema creates the tables if needed. Idempotent.
func (c *Cache) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot atomically and records the
// credential fingerprint it belongs to.
func (c *Cache) Save(ctx context.Context, fingerprint string, snap *Snapshot) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"projects", "tasks", "members"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, p := range snap.Projects {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode project %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO projects (id, payload, updated_at) VALUES (?, ?, ?)",
			p.ID, string(payload), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to store project %s: %w", p.ID, err)
		}
	}

	for _, t := range snap.Tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO tasks (id, project_id, payload, updated_at) VALUES (?, ?, ?, ?)",
			t.ID, t.ProjectID, string(payload), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to store task %s: %w", t.ID, err)
		}
	}

	for _, m := range snap.Members {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode member %s: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO members (id, payload) VALUES (?, ?)",
			m.ID, string(payload))
		if err != nil {
			return fmt.Errorf("failed to store member %s: %w", m.ID, err)
		}
	}

	savedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for key, value := range map[string]string{
		"fingerprint": fingerprint,
		"saved_at":    savedAt,
	} {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
		if err != nil {
			return fmt.Errorf("failed to store meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil if the cache is empty or
// was written under a different credential. A fingerprint mismatch
// also wipes the stale rows.
func (c *Cache) Load(ctx context.Context, fingerprint string) (*Snapshot, error) {
	var stored string
	err := c.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'fingerprint'").Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache fingerprint: %w", err)
	}
	if stored != fingerprint {
		if err := c.Invalidate(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	snap := &Snapshot{}

	var savedAt string
	if err := c.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'saved_at'").Scan(&savedAt); err == nil {
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	}

	rows, err := c.conn.QueryContext(ctx, "SELECT payload FROM projects ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read cached projects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached project: %w", err)
		}
		var p model.Project
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("corrupt cached project: %w", err)
		}
		snap.Projects = append(snap.Projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached projects: %w", err)
	}

	taskRows, err := c.conn.QueryContext(ctx, "SELECT payload FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read cached tasks: %w", err)
	}
	defer func() { _ = taskRows.Close() }()
	for taskRows.Next() {
		var payload string
		if err := taskRows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached task: %w", err)
		}
		var t model.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("corrupt cached task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, &t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached tasks: %w", err)
	}

	memberRows, err := c.conn.QueryContext(ctx, "SELECT payload FROM members ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read cached members: %w", err)
	}
	defer func() { _ = memberRows.Close() }()
	for memberRows.Next() {
		var payload string
		if err := memberRows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached member: %w", err)
		}
		var m model.Member
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("corrupt cached member: %w", err)
		}
		snap.Members = append(snap.Members, m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached members: %w", err)
	}

	return snap, nil
}

// Invalidate wipes the snapshot. Called when the credential changes
// or expires.
func (c *Cache) Invalidate(ctx context.Context) error {
	for _, table := range []string{"projects", "tasks", "members", "meta"} {
		if _, err := c.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to invalidate cache: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}
