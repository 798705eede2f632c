// Package journal records forward delivery outcomes in a local sqlite
// database for operator visibility.
//
// Two tables: delivery_log holds one row per forward outcome (identifiers and
// status only, never message content), and dead_letter holds the envelope
// JSON of forwards that exhausted retry, so an operator can redeliver them.
// The journal is optional; a relay without a journal path runs entirely
// in-memory.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the terminal outcome of a forward delivery.
type Status string

const (
	StatusForwarded Status = "forwarded"
	StatusDropped   Status = "dropped"
)

// Delivery is one forward outcome.
type Delivery struct {
	ID          string
	ChannelID   string
	MessageID   string
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// DeadLetter is an envelope that exhausted retry, kept for redelivery.
type DeadLetter struct {
	ID        string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Journal is a sqlite-backed delivery journal.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS delivery_log (
  id           TEXT PRIMARY KEY,
  channel_id   TEXT NOT NULL,
  message_id   TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempts     INTEGER NOT NULL,
  last_error   TEXT,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
  id         TEXT PRIMARY KEY,
  payload    JSON NOT NULL,
  attempts   INTEGER NOT NULL,
  last_error TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS delivery_log_created_at_idx ON delivery_log(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordDelivery appends one delivery outcome.
func (j *Journal) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.ID == "" {
		return fmt.Errorf("delivery id is empty")
	}
	if d.Status != StatusForwarded && d.Status != StatusDropped {
		return fmt.Errorf("invalid delivery status: %q", d.Status)
	}

	var lastError any
	if d.LastError != "" {
		lastError = d.LastError
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO delivery_log(id, channel_id, message_id, status, attempts, last_error, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, d.ChannelID, d.MessageID, d.Status, d.Attempts, lastError,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
		d.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecordDeadLetter stores the envelope JSON of a forward that exhausted
// retry.
func (j *Journal) RecordDeadLetter(ctx context.Context, id string, payload []byte, attempts int, lastError string) error {
	if id == "" {
		return fmt.Errorf("dead letter id is empty")
	}

	var lastErrorVal any
	if lastError != "" {
		lastErrorVal = lastError
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO dead_letter(id, payload, attempts, last_error, created_at)
VALUES(?, ?, ?, ?, ?);
`, id, string(payload), attempts, lastErrorVal, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit dead letters, oldest first.
func (j *Journal) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, payload, attempts, last_error, created_at
FROM dead_letter
ORDER BY created_at ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			payload    string
			lastError  sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&dl.ID, &payload, &dl.Attempts, &lastError, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = []byte(payload)
		if lastError.Valid {
			dl.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			dl.CreatedAt = t
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// PruneDeliveries removes delivery_log rows older than retention and returns
// the number removed.
func (j *Journal) PruneDeliveries(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx, `DELETE FROM delivery_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}
