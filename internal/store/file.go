package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"rentcal/internal/config"
	"rentcal/internal/model"
)

// fileDocument is the on-disk shape of the JSON backend.
type fileDocument struct {
	Records []model.IntervalRecord `json:"records"`
	Notes   []fileNote             `json:"notes"`
}

type fileNote struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	SavedAt int64  `json:"savedAt"` // epoch ms
	TTLDays int    `json:"ttlDays"`
}

// File keeps records and notes in one JSON document, rewritten atomically
// on every change. Meant for small deployments and debugging.
type File struct {
	path string

	mu  sync.Mutex
	doc fileDocument
}

// OpenFile reads path if it exists; a missing file starts empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("store file path is empty")
	}
	f := &File{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if err := json.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}
	return f, nil
}

func (f *File) Close() error { return nil }

func (f *File) LoadRecords(context.Context) ([]model.IntervalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.IntervalRecord, len(f.doc.Records))
	copy(out, f.doc.Records)
	return out, nil
}

func (f *File) SaveRecords(_ context.Context, records []model.IntervalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.doc.Records
	f.doc.Records = append([]model.IntervalRecord(nil), records...)
	if err := f.flush(); err != nil {
		f.doc.Records = prev
		return err
	}
	return nil
}

func (f *File) GetNote(_ context.Context, recordID string) (Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.doc.Notes {
		if n.ID == recordID {
			return n.toNote(), nil
		}
	}
	return Note{}, ErrNotFound
}

func (f *File) PutNote(_ context.Context, note Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := fileNote{
		ID:      note.RecordID,
		Content: note.Content,
		SavedAt: note.SavedAt.UnixMilli(),
		TTLDays: int(note.TTL / (24 * time.Hour)),
	}
	prev := f.doc.Notes
	next := make([]fileNote, 0, len(prev)+1)
	for _, n := range prev {
		if n.ID != note.RecordID {
			next = append(next, n)
		}
	}
	f.doc.Notes = append(next, entry)
	if err := f.flush(); err != nil {
		f.doc.Notes = prev
		return err
	}
	return nil
}

func (f *File) DeleteNote(_ context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepNotes(func(n fileNote) bool { return n.ID != recordID })
}

func (f *File) PurgeNotes(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.doc.Notes)
	if err := f.keepNotes(func(n fileNote) bool { return !n.toNote().Expired(now) }); err != nil {
		return 0, err
	}
	return before - len(f.doc.Notes), nil
}

// keepNotes filters notes and flushes only when something was removed.
func (f *File) keepNotes(keep func(fileNote) bool) error {
	prev := f.doc.Notes
	next := make([]fileNote, 0, len(prev))
	for _, n := range prev {
		if keep(n) {
			next = append(next, n)
		}
	}
	if len(next) == len(prev) {
		return nil
	}
	f.doc.Notes = next
	if err := f.flush(); err != nil {
		f.doc.Notes = prev
		return err
	}
	return nil
}

func (f *File) flush() error {
	data, err := json.MarshalIndent(&f.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := config.WriteFileAtomic(f.path, data, ".rentcal-store-*.tmp"); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	return nil
}

func (n fileNote) toNote() Note {
	return Note{
		RecordID: n.ID,
		Content:  n.Content,
		SavedAt:  time.UnixMilli(n.SavedAt).UTC(),
		TTL:      time.Duration(n.TTLDays) * 24 * time.Hour,
	}
}
