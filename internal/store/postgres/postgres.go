// Package postgres implements store.Store on PostgreSQL via pgxpool.
//
// Events are kept one row per (thread_id, run_id): each append concatenates
// the batch onto the run's JSONB event array, so a run's full sequence
// lives in a single row and reads concatenate rows in run order.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
)

// Store is the Postgres backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migrations and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// CreateThread implements store.Store.
func (s *Store) CreateThread(ctx context.Context, t model.Thread) error {
	props, err := marshalProps(t.Properties)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO threads (thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ThreadID, t.ResourceID, props, t.IsRunning, t.MessageCount, t.FirstMessage, t.CreatedAt, t.LastActivityAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrExists
		}
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

// GetThread implements store.Store.
func (s *Store) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at
		FROM threads WHERE thread_id = $1`, threadID)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

// UpdateThread implements store.Store.
func (s *Store) UpdateThread(ctx context.Context, t model.Thread) error {
	props, err := marshalProps(t.Properties)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET resource_id = $2, properties = $3, is_running = $4, message_count = $5, first_message = $6, last_activity_at = $7
		WHERE thread_id = $1`,
		t.ThreadID, t.ResourceID, props, t.IsRunning, t.MessageCount, t.FirstMessage, t.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListThreads implements store.Store.
func (s *Store) ListThreads(ctx context.Context, ownerIDs []string, limit, offset int) ([]model.Thread, int, error) {
	where := `WHERE position($1 in thread_id) = 0`
	args := []any{model.SuggestionsMarker}

	if ownerIDs != nil {
		args = append(args, ownerIDs)
		where += fmt.Sprintf(" AND (resource_id IS NULL OR resource_id = ANY($%d))", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM threads `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count threads: %w", err)
	}

	if limit <= 0 {
		limit = total
	}
	query := fmt.Sprintf(`
		SELECT thread_id, resource_id, properties, is_running, message_count, first_message, created_at, last_activity_at
		FROM threads %s
		ORDER BY last_activity_at DESC, thread_id ASC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	threads := []model.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// DeleteThread implements store.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete thread: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM run_events WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("postgres: delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete thread: commit: %w", err)
	}
	return nil
}

// AppendEvents implements store.Store. The upsert concatenates onto the
// run's existing JSONB array so repeated appends for one run stay in a
// single ordered row.
func (s *Store) AppendEvents(ctx context.Context, threadID, runID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("postgres: marshal events: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_events (thread_id, run_id, events, created_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (thread_id, run_id)
		DO UPDATE SET events = run_events.events || EXCLUDED.events`,
		threadID, runID, string(batch),
	)
	if err != nil {
		return fmt.Errorf("postgres: append events: %w", err)
	}
	return nil
}

// ReadEvents implements store.Store. Rows come back in run insertion
// order (seq is assigned on the first append of each run).
func (s *Store) ReadEvents(ctx context.Context, threadID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT events FROM run_events WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: read events: %w", err)
	}
	defer rows.Close()

	var all []model.Event
	for rows.Next() {
		var batch []byte
		if err := rows.Scan(&batch); err != nil {
			return nil, fmt.Errorf("postgres: scan events: %w", err)
		}
		var events []model.Event
		if err := json.Unmarshal(batch, &events); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal events: %w", err)
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
	return s.pool.Ping(ctx)
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (model.Thread, error) {
	var (
		t     model.Thread
		props []byte
	)
	if err := row.Scan(&t.ThreadID, &t.ResourceID, &props, &t.IsRunning, &t.MessageCount, &t.FirstMessage, &t.CreatedAt, &t.LastActivityAt); err != nil {
		return model.Thread{}, err
	}
	if len(props) > 0 && string(props) != "{}" {
		if err := json.Unmarshal(props, &t.Properties); err != nil {
			return model.Thread{}, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastActivityAt = t.LastActivityAt.UTC()
	return t, nil
}

func marshalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal properties: %w", err)
	}
	return string(b), nil
}
