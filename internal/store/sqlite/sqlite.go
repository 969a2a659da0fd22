// Package sqlite implements store.Store on a local SQLite database via
// modernc.org/sqlite. Single-process deployments get durable event logs
// without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
)

const schemaVersion = 1

// Store is the SQLite backend.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (and if needed creates) the database at path and migrates the
// schema. WAL mode keeps readers from blocking the single writer.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	s.logger.Info("sqlite: migrating schema", "from", version, "to", schemaVersion)
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			thread_id        TEXT PRIMARY KEY,
			resource_id      TEXT,
			properties       TEXT NOT NULL DEFAULT '{}',
			is_running       INTEGER NOT NULL DEFAULT 0,
			message_count    INTEGER NOT NULL DEFAULT 0,
			first_message    TEXT,
			created_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads (last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id  TEXT NOT NULL,
			run_id     TEXT NOT NULL,
			events     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_thread ON run_events (thread_id, id);
	`); err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set schema version: %w", err)
	}
	return nil
}

// CreateThread implements store.Store.
func (s *Store) CreateThread(ctx context.Context, t model.Thread) error {
	props, err := marshalProps(t.Properties)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ThreadID, t.ResourceID, props, boolToInt(t.IsRunning), t.MessageCount, t.FirstMessage,
		t.CreatedAt.UnixMilli(), t.LastActivityAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrExists
		}
		return fmt.Errorf("sqlite: create thread: %w", err)
	}
	return nil
}

// GetThread implements store.Store.
func (s *Store) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at
		FROM threads WHERE thread_id = ?`, threadID)
	t, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("sqlite: get thread: %w", err)
	}
	return t, nil
}

// UpdateThread implements store.Store.
func (s *Store) UpdateThread(ctx context.Context, t model.Thread) error {
	props, err := marshalProps(t.Properties)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET resource_id = ?, properties = ?, is_running = ?, message_count = ?, first_message = ?, last_activity_at = ?
		WHERE thread_id = ?`,
		t.ResourceID, props, boolToInt(t.IsRunning), t.MessageCount, t.FirstMessage,
		t.LastActivityAt.UnixMilli(), t.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListThreads implements store.Store.
func (s *Store) ListThreads(ctx context.Context, ownerIDs []string, limit, offset int) ([]model.Thread, int, error) {
	where := `WHERE instr(thread_id, ?) = 0`
	args := []any{model.SuggestionsMarker}

	if ownerIDs != nil {
		placeholders := make([]string, len(ownerIDs))
		for i, id := range ownerIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clause := "resource_id IS NULL"
		if len(ownerIDs) > 0 {
			clause += " OR resource_id IN (" + strings.Join(placeholders, ", ") + ")"
		}
		where += " AND (" + clause + ")"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count threads: %w", err)
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `
		SELECT thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at
		FROM threads ` + where + `
		ORDER BY last_activity_at DESC, thread_id ASC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list threads: %w", err)
	}
	defer rows.Close()

	threads := []model.Thread{}
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// DeleteThread implements store.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: delete thread: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite: delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite: delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: delete thread: commit: %w", err)
	}
	return nil
}

// AppendEvents implements store.Store.
func (s *Store) AppendEvents(ctx context.Context, threadID, runID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("sqlite: marshal events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (thread_id, run_id, events, created_at)
		VALUES (?, ?, ?, ?)`,
		threadID, runID, string(batch), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append events: %w", err)
	}
	return nil
}

// ReadEvents implements store.Store.
func (s *Store) ReadEvents(ctx context.Context, threadID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT events FROM run_events WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}
	defer rows.Close()

	var all []model.Event
	for rows.Next() {
		var batch string
		if err := rows.Scan(&batch); err != nil {
			return nil, fmt.Errorf("sqlite: scan events: %w", err)
		}
		var events []model.Event
		if err := json.Unmarshal([]byte(batch), &events); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal events: %w", err)
		}
		all = append(all, events...)
	}
	if all == nil {
		all = []model.Event{}
	}
	return all, rows.Err()
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func scanThread(scan func(dest ...any) error) (model.Thread, error) {
	var (
		t          model.Thread
		resourceID sql.NullString
		firstMsg   sql.NullString
		props      string
		running    int
		createdAt  int64
		activityAt int64
	)
	if err := scan(&t.ThreadID, &resourceID, &props, &running, &t.MessageCount, &firstMsg, &createdAt, &activityAt); err != nil {
		return model.Thread{}, err
	}
	if resourceID.Valid {
		t.ResourceID = &resourceID.String
	}
	if firstMsg.Valid {
		t.FirstMessage = &firstMsg.String
	}
	if props != "" && props != "{}" {
		if err := json.Unmarshal([]byte(props), &t.Properties); err != nil {
			return model.Thread{}, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	t.IsRunning = running != 0
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.LastActivityAt = time.UnixMilli(activityAt).UTC()
	return t, nil
}

func marshalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal properties: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
