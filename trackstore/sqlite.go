package trackstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/sieve/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS duplicate_seen (
	user_id    TEXT NOT NULL,
	id_hash    TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, id_hash)
);
CREATE INDEX IF NOT EXISTS idx_duplicate_expires ON duplicate_seen(expires_at);

CREATE TABLE IF NOT EXISTS vacation_responses (
	user_id      TEXT NOT NULL,
	handle       TEXT NOT NULL,
	sender_hash  TEXT NOT NULL,
	responded_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, handle, sender_hash)
);
`

// SQLiteStore keeps tracking state in a local SQLite database. WAL mode
// lets the delivery path read while a concurrent delivery writes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the tracking database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open tracking database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize tracking schema: %w", err)
	}

	logger.Info("tracking store opened", "backend", "sqlite", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SeenDuplicate(ctx context.Context, userID, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_seen WHERE user_id = ? AND id_hash = ? AND expires_at > ?`,
		userID, hashID(id), time.Now().Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("duplicate lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) TrackDuplicate(ctx context.Context, userID, id string, lifetime time.Duration) error {
	expires := time.Now().Add(lifetime).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duplicate_seen (user_id, id_hash, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, id_hash) DO UPDATE SET expires_at = excluded.expires_at`,
		userID, hashID(id), expires)
	if err != nil {
		return fmt.Errorf("duplicate track: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastVacationResponse(ctx context.Context, userID, handle, sender string) (time.Time, bool, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT responded_at FROM vacation_responses WHERE user_id = ? AND handle = ? AND sender_hash = ?`,
		userID, handle, hashID(sender)).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("vacation lookup: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

func (s *SQLiteStore) RecordVacationResponse(ctx context.Context, userID, handle, sender string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vacation_responses (user_id, handle, sender_hash, responded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, handle, sender_hash) DO UPDATE SET responded_at = excluded.responded_at`,
		userID, handle, hashID(sender), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("vacation record: %w", err)
	}
	return nil
}

// Cleanup drops expired duplicate rows and vacation rows older than a
// year. Callers run it on the interval from TrackerConfig.
func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM duplicate_seen WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return fmt.Errorf("duplicate cleanup: %w", err)
	}
	dups, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM vacation_responses WHERE responded_at <= ?`,
		now.Add(-365*24*time.Hour).Unix())
	if err != nil {
		return fmt.Errorf("vacation cleanup: %w", err)
	}
	vacs, _ := res.RowsAffected()

	if dups > 0 || vacs > 0 {
		logger.Debug("tracking store cleaned", "duplicates", dups, "vacations", vacs)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
