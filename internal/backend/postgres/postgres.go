// Package postgres implements the conversation store on PostgreSQL via
// pgxpool. It is the durable backend for self-contained deployments where
// runs execute through the in-process engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tsunagi-ai/tsunagi/internal/backend"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// foreignKeyViolation is the Postgres error code raised when a message
// references a thread that does not exist.
const foreignKeyViolation = "23503"

// Store is a ConversationStore backed by a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store and verifies connectivity with a ping.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", backend.ErrUnavailable)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateThread inserts a new empty thread.
func (s *Store) CreateThread(ctx context.Context) (model.Thread, error) {
	thread := model.Thread{
		ID:        "thread_" + uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO threads (id, created_at) VALUES ($1, $2)`,
			thread.ID, thread.CreatedAt,
		)
		return err
	})
	if err != nil {
		return model.Thread{}, fmt.Errorf("postgres: create thread: %w", err)
	}
	return thread, nil
}

// AppendMessage inserts a message into an existing thread. Timestamps are
// assigned here rather than by the database so callers comparing message
// times against run creation times observe a single clock.
func (s *Store) AppendMessage(ctx context.Context, threadID string, role model.MessageRole, content string) (model.Message, error) {
	msg := model.Message{
		ID:        "msg_" + uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO messages (id, thread_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, msg.ThreadID, string(msg.Role), msg.Content, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return model.Message{}, fmt.Errorf("postgres: thread %s: %w", threadID, backend.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the full transcript of a thread in chronological
// order. An unknown thread yields ErrNotFound, not an empty slice.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("postgres: check thread: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("postgres: thread %s: %w", threadID, backend.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, role, content, created_at
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return msgs, nil
}

// GetThread returns thread metadata.
func (s *Store) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	var t model.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM threads WHERE id = $1`, threadID,
	).Scan(&t.ID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, fmt.Errorf("postgres: thread %s: %w", threadID, backend.ErrNotFound)
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}
