// internal/database/db.go
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		name TEXT PRIMARY KEY,
		history_id TEXT NOT NULL,
		local_dir TEXT NOT NULL,
		remote_dir TEXT,
		revisions INTEGER NOT NULL DEFAULT 0,
		last_sync_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		env TEXT NOT NULL,
		direction TEXT NOT NULL,
		outcome TEXT,
		remote_dir TEXT NOT NULL,
		local_revisions INTEGER NOT NULL DEFAULT 0,
		remote_revisions INTEGER NOT NULL DEFAULT 0,
		replayed TEXT,
		conflicts TEXT,
		error TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_events_env ON sync_events(env);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveEnvironment registers or updates a tracked environment. The creation
// time and last sync of an existing entry are kept.
func (d *Database) SaveEnvironment(env *Environment) error {
	now := time.Now()
	env.UpdatedAt = now
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	_, err := d.db.Exec(`
		INSERT INTO environments (name, history_id, local_dir, remote_dir, revisions, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			history_id = excluded.history_id,
			local_dir = excluded.local_dir,
			remote_dir = excluded.remote_dir,
			revisions = excluded.revisions,
			last_sync_at = COALESCE(excluded.last_sync_at, environments.last_sync_at),
			updated_at = excluded.updated_at`,
		env.Name, env.HistoryID, env.LocalDir, env.RemoteDir, env.Revisions,
		nullableTime(env.LastSyncAt), env.CreatedAt.Unix(), env.UpdatedAt.Unix())
	return err
}

// GetEnvironment retrieves a registered environment by name
func (d *Database) GetEnvironment(name string) (*Environment, error) {
	row := d.db.QueryRow(`
		SELECT name, history_id, local_dir, remote_dir, revisions, last_sync_at, created_at, updated_at
		FROM environments WHERE name = ?`, name)
	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %s: %w", name, errdefs.ErrNotFound)
	}
	return env, err
}

// ListEnvironments retrieves every registered environment by name
func (d *Database) ListEnvironments() ([]*Environment, error) {
	rows, err := d.db.Query(`
		SELECT name, history_id, local_dir, remote_dir, revisions, last_sync_at, created_at, updated_at
		FROM environments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// DeleteEnvironment removes an environment and its sync events
func (d *Database) DeleteEnvironment(name string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sync_events WHERE env = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM environments WHERE name = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSyncEvent journals a sync and, when it succeeded, stamps the
// environment's last sync time
func (d *Database) RecordSyncEvent(event *SyncEvent) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	replayed, err := encodeList(event.Replayed)
	if err != nil {
		return 0, err
	}
	conflicts, err := encodeList(event.Conflicts)
	if err != nil {
		return 0, err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO sync_events (env, direction, outcome, remote_dir, local_revisions, remote_revisions, replayed, conflicts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Env, event.Direction, event.Outcome, event.RemoteDir, event.LocalRevisions, event.RemoteRevisions,
		replayed, conflicts, event.Error, event.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	if !event.Failed() {
		if _, err := tx.Exec(`UPDATE environments SET last_sync_at = ? WHERE name = ?`, event.CreatedAt.Unix(), event.Env); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	event.ID, err = result.LastInsertId()
	return event.ID, err
}

// ListSyncEvents retrieves the most recent sync events, newest first. An
// empty env lists every environment.
func (d *Database) ListSyncEvents(env string, limit int) ([]*SyncEvent, error) {
	var query string
	var args []interface{}

	if env != "" {
		query = `SELECT id, env, direction, outcome, remote_dir, local_revisions, remote_revisions, replayed, conflicts, error, created_at
			FROM sync_events WHERE env = ? ORDER BY id DESC LIMIT ?`
		args = []interface{}{env, limit}
	} else {
		query = `SELECT id, env, direction, outcome, remote_dir, local_revisions, remote_revisions, replayed, conflicts, error, created_at
			FROM sync_events ORDER BY id DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SyncEvent
	for rows.Next() {
		event, err := scanSyncEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Helper functions

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func scanEnvironment(row scanner) (*Environment, error) {
	env := &Environment{}
	var remoteDir sql.NullString
	var lastSync sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&env.Name, &env.HistoryID, &env.LocalDir, &remoteDir, &env.Revisions,
		&lastSync, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	env.RemoteDir = remoteDir.String
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0)
		env.LastSyncAt = &t
	}
	env.CreatedAt = time.Unix(createdAt, 0)
	env.UpdatedAt = time.Unix(updatedAt, 0)
	return env, nil
}

func scanSyncEvent(row scanner) (*SyncEvent, error) {
	event := &SyncEvent{}
	var outcome, replayed, conflicts, errText sql.NullString
	var createdAt int64
	if err := row.Scan(&event.ID, &event.Env, &event.Direction, &outcome, &event.RemoteDir,
		&event.LocalRevisions, &event.RemoteRevisions, &replayed, &conflicts, &errText, &createdAt); err != nil {
		return nil, err
	}
	event.Outcome = outcome.String
	event.Error = errText.String
	event.CreatedAt = time.Unix(createdAt, 0)
	var err error
	if event.Replayed, err = decodeList(replayed); err != nil {
		return nil, err
	}
	if event.Conflicts, err = decodeList(conflicts); err != nil {
		return nil, err
	}
	return event, nil
}

func encodeList(items []string) (interface{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s.String), &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return items, nil
}
