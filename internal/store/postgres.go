package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and messages in PostgreSQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStore(ctx context.Context, databaseURL string, timeout time.Duration) (*PostgresStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, timeout: timeout}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateSession is idempotent: creating an existing session succeeds.
func (s *PostgresStore) CreateSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AppendMessage ensures the parent session exists, inserts the message and
// bumps the session's updated_at, all in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`,
		sessionID,
	); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages (session_id, role, content, timestamp) VALUES ($1, $2, $3, now())`,
		sessionID, role, content,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE session_id = $1`,
		sessionID,
	); err != nil {
		return fmt.Errorf("bump session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Messages returns the session's turns ordered by timestamp, insertion
// order breaking ties.
func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, timestamp FROM chat_messages
		 WHERE session_id = $1 ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

// RecentSessions lists sessions by last activity, newest first. Each entry
// carries a preview of the first user message and a count of user and
// assistant turns.
func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT s.session_id, s.created_at, s.updated_at,
		        COALESCE((SELECT m.content FROM chat_messages m
		                  WHERE m.session_id = s.session_id AND m.role = 'user'
		                  ORDER BY m.timestamp, m.id LIMIT 1), ''),
		        (SELECT count(*) FROM chat_messages m
		         WHERE m.session_id = s.session_id AND m.role IN ('user', 'assistant'))
		 FROM chat_sessions s
		 ORDER BY s.updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]SessionSummary, 0, limit)
	for rows.Next() {
		var (
			sum       SessionSummary
			firstUser string
		)
		if err := rows.Scan(&sum.SessionID, &sum.CreatedAt, &sum.UpdatedAt, &firstUser, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sum.Preview = "New chat"
		if firstUser != "" {
			sum.Preview = previewOf(firstUser)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return summaries, nil
}

// DeleteSession removes the session and its messages. The returned bool
// reports whether the session row existed.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM chat_messages WHERE session_id = $1`, sessionID,
	); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM chat_sessions WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping reports connectivity for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
