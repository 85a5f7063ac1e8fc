package trackstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/sieve/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sieve_duplicate_seen (
	user_id    TEXT NOT NULL,
	id_hash    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, id_hash)
);
CREATE INDEX IF NOT EXISTS idx_sieve_duplicate_expires ON sieve_duplicate_seen(expires_at);

CREATE TABLE IF NOT EXISTS sieve_vacation_responses (
	user_id      TEXT NOT NULL,
	handle       TEXT NOT NULL,
	sender_hash  TEXT NOT NULL,
	responded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, handle, sender_hash)
);
`

// PostgresStore keeps tracking state in PostgreSQL, for deployments where
// several delivery hosts share one sieve state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database named by dsn and ensures the
// tracking schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect tracking database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize tracking schema: %w", err)
	}

	logger.Info("tracking store opened", "backend", "postgres")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SeenDuplicate(ctx context.Context, userID, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM sieve_duplicate_seen
			WHERE user_id = $1 AND id_hash = $2 AND expires_at > now()
		)`, userID, hashID(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("duplicate lookup: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) TrackDuplicate(ctx context.Context, userID, id string, lifetime time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sieve_duplicate_seen (user_id, id_hash, expires_at)
		 VALUES ($1, $2, now() + $3)
		 ON CONFLICT (user_id, id_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		userID, hashID(id), lifetime)
	if err != nil {
		return fmt.Errorf("duplicate track: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastVacationResponse(ctx context.Context, userID, handle, sender string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT responded_at FROM sieve_vacation_responses
		 WHERE user_id = $1 AND handle = $2 AND sender_hash = $3`,
		userID, handle, hashID(sender)).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("vacation lookup: %w", err)
	}
	return at, true, nil
}

func (s *PostgresStore) RecordVacationResponse(ctx context.Context, userID, handle, sender string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sieve_vacation_responses (user_id, handle, sender_hash, responded_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, handle, sender_hash) DO UPDATE SET responded_at = EXCLUDED.responded_at`,
		userID, handle, hashID(sender))
	if err != nil {
		return fmt.Errorf("vacation record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM sieve_duplicate_seen WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("duplicate cleanup: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM sieve_vacation_responses WHERE responded_at <= now() - interval '365 days'`); err != nil {
		return fmt.Errorf("vacation cleanup: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
