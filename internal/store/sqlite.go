package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id         TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		created_at REAL NOT NULL,
		expires_at REAL NOT NULL,  -- 0 = no expiry
		hit_count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_entities_expires ON entities(expires_at);

	CREATE TABLE IF NOT EXISTS job_events (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id  TEXT NOT NULL,
		at      REAL NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) LoadEntity(ctx context.Context, id string) ([]byte, error) {
	now := float64(time.Now().UnixMilli()) / 1000

	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM entities
		WHERE id = ? AND (expires_at = 0 OR expires_at > ?)`, id, now).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Hit counting is best effort.
	s.db.ExecContext(ctx, `UPDATE entities SET hit_count = hit_count + 1 WHERE id = ?`, id)

	return value, nil
}

func (s *SQLiteStore) SaveEntity(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	now := float64(time.Now().UnixMilli()) / 1000
	expires := 0.0
	if ttl > 0 {
		expires = now + ttl.Seconds()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entities (id, value, created_at, expires_at, hit_count)
		VALUES (?, ?, ?, ?, 0)`, id, value, now, expires)
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID string, message string) error {
	now := float64(time.Now().UnixMilli()) / 1000
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, at, message) VALUES (?, ?, ?)`, jobID, now, message)
	return err
}

func (s *SQLiteStore) Events(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, message FROM job_events WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var at float64
		var msg string
		if err := rows.Scan(&at, &msg); err != nil {
			return nil, err
		}
		events = append(events, Event{
			At:      time.UnixMilli(int64(at * 1000)),
			Message: msg,
		})
	}
	return events, rows.Err()
}

// Cleanup removes expired entities and reports how many were deleted.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli()) / 1000
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
