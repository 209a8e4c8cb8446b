package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentcal/internal/config"
	"rentcal/internal/model"
)

var (
	// ErrNotFound is returned when a record or note id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInterval is returned for manual bookings whose start is
	// after their end.
	ErrInvalidInterval = errors.New("invalid interval: start after end")
)

// Note is a free-text annotation attached to a record id. It expires TTL
// after it was last saved.
type Note struct {
	RecordID string        `json:"id"`
	Content  string        `json:"content"`
	SavedAt  time.Time     `json:"saved_at"`
	TTL      time.Duration `json:"ttl"`
}

// ExpiresAt is the instant after which the note is gone.
func (n Note) ExpiresAt() time.Time {
	return n.SavedAt.Add(n.TTL)
}

// Expired reports whether the note has outlived its TTL at now.
func (n Note) Expired(now time.Time) bool {
	return now.After(n.ExpiresAt())
}

// Backend persists the reconciled record set and booking notes. The store
// treats it as opaque: it hands over whole snapshots and never queries.
type Backend interface {
	LoadRecords(ctx context.Context) ([]model.IntervalRecord, error)
	SaveRecords(ctx context.Context, records []model.IntervalRecord) error

	GetNote(ctx context.Context, recordID string) (Note, error)
	PutNote(ctx context.Context, note Note) error
	DeleteNote(ctx context.Context, recordID string) error
	// PurgeNotes removes notes that expired before now and returns how many.
	PurgeNotes(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// OpenBackend opens the backend selected by cfg.Driver.
func OpenBackend(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "file":
		return OpenFile(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
