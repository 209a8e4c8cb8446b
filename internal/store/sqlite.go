package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rentcal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	position    INTEGER PRIMARY KEY,
	id          TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_at    TEXT NOT NULL,
	end_at      TEXT NOT NULL,
	unit        TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL,
	color       TEXT NOT NULL DEFAULT '',
	stable_id   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS records_id ON records(id);

CREATE TABLE IF NOT EXISTS notes (
	record_id   TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	saved_at    INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL
);
`

// SQLite stores records and notes in a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" to a single database and serializes
	// writers for the file case.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadRecords returns the persisted records in their saved order.
func (s *SQLite) LoadRecords(ctx context.Context) ([]model.IntervalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, start_at, end_at, unit, provider, origin, color, stable_id
		FROM records
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.IntervalRecord
	for rows.Next() {
		var (
			r          model.IntervalRecord
			start, end string
			origin     string
			stable     int
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &start, &end, &r.UnitKey, &r.ProviderKey, &origin, &r.Color, &stable); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("record %s start: %w", r.ID, err)
		}
		if r.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("record %s end: %w", r.ID, err)
		}
		r.Origin = model.Origin(origin)
		r.StableID = stable != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRecords replaces the persisted set with records in one transaction.
func (s *SQLite) SaveRecords(ctx context.Context, records []model.IntervalRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (position, id, title, description, start_at, end_at, unit, provider, origin, color, stable_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		stable := 0
		if r.StableID {
			stable = 1
		}
		if _, err := stmt.ExecContext(ctx, i, r.ID, r.Title, r.Description,
			r.Start.UTC().Format(time.RFC3339Nano), r.End.UTC().Format(time.RFC3339Nano),
			r.UnitKey, r.ProviderKey, string(r.Origin), r.Color, stable); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetNote returns the note for recordID or ErrNotFound.
func (s *SQLite) GetNote(ctx context.Context, recordID string) (Note, error) {
	var (
		n       Note
		savedMs int64
		ttlSec  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id, content, saved_at, ttl_seconds FROM notes WHERE record_id = ?`, recordID,
	).Scan(&n.RecordID, &n.Content, &savedMs, &ttlSec)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("query note: %w", err)
	}
	n.SavedAt = time.UnixMilli(savedMs).UTC()
	n.TTL = time.Duration(ttlSec) * time.Second
	return n, nil
}

// PutNote inserts or replaces the note for note.RecordID.
func (s *SQLite) PutNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (record_id, content, saved_at, ttl_seconds) VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET content = excluded.content, saved_at = excluded.saved_at, ttl_seconds = excluded.ttl_seconds
	`, note.RecordID, note.Content, note.SavedAt.UnixMilli(), int64(note.TTL/time.Second))
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// DeleteNote removes the note for recordID; deleting a missing note is not
// an error.
func (s *SQLite) DeleteNote(ctx context.Context, recordID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// PurgeNotes deletes notes whose expiry lies before now.
func (s *SQLite) PurgeNotes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE saved_at + ttl_seconds * 1000 < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge notes: %w", err)
	}
	return int(n), nil
}
