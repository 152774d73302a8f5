// Package postgres provides a PostgreSQL-backed archive.Store.
//
// Turns are appended to a conversation_turns table. [Migrate] creates the
// table and its indexes and is safe to run on every start.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/internal/archive"
)

var _ archive.Store = (*Store)(nil)

const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    language     TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_created
    ON conversation_turns (session_id, created_at);
`

// Migrate ensures the archive schema exists.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store archives turns in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append inserts one turn.
func (s *Store) Append(ctx context.Context, turn archive.Turn) error {
	const q = `
		INSERT INTO conversation_turns
		    (session_id, role, text, language, created_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		turn.SessionID,
		turn.Role,
		turn.Text,
		turn.Language,
		turn.At,
		turn.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// Recent returns the last limit turns of a session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]archive.Turn, error) {
	const q = `
		SELECT session_id, role, text, language, created_at, duration_ns
		FROM (
		    SELECT * FROM conversation_turns
		    WHERE  session_id = $1
		    ORDER  BY created_at DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Turn, error) {
		var (
			t          archive.Turn
			durationNS int64
		)
		if err := row.Scan(&t.SessionID, &t.Role, &t.Text, &t.Language, &t.At, &durationNS); err != nil {
			return archive.Turn{}, err
		}
		t.Duration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []archive.Turn{}
	}
	return turns, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
