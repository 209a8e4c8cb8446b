// Package store owns the reconciled record set. It is the only writer:
// every import batch, manual booking and deletion is folded in one at a
// time, and readers work from immutable snapshots.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appLog "rentcal/internal/log"
	"rentcal/internal/model"
	"rentcal/internal/reconcile"
)

// Snapshot is one published version of the record set. It must not be
// modified by readers.
type Snapshot struct {
	Version uint64
	Records []model.IntervalRecord
}

// ImportResult counts what happened to one feed batch.
type ImportResult struct {
	Source     string                `json:"source"`
	Offered    int                   `json:"offered"`
	Accepted   int                   `json:"accepted"`
	Subsumed   int                   `json:"subsumed"`
	Duplicates int                   `json:"duplicates"`
	Rejected   []reconcile.Rejection `json:"rejected,omitempty"`
	Version    uint64                `json:"version"`
}

// Stats are simple counts over the current snapshot.
type Stats struct {
	Total    int `json:"total"`
	Manual   int `json:"manual"`
	Imported int `json:"imported"`
}

// UnitRow is one timeline row: a unit's visible records and their lanes.
type UnitRow struct {
	Unit    string                 `json:"unit"`
	Records []model.IntervalRecord `json:"records"`
	Layout  reconcile.LaneLayout   `json:"layout"`
}

// Store is the single-writer coordinator over the record set.
type Store struct {
	backend  Backend
	now      func() time.Time
	notesTTL time.Duration

	// writeMu serializes folds; current is swapped only while it is held.
	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithNotesTTL sets how long saved notes live. Default three days.
func WithNotesTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.notesTTL = ttl
		}
	}
}

// New loads the persisted set from backend and returns a ready Store.
// Persisted records that fail validation are dropped and logged.
func New(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:  backend,
		now:      time.Now,
		notesTTL: 3 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}

	loaded, err := backend.LoadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	valid, rejected := reconcile.ValidateBatch(loaded)
	if len(rejected) > 0 {
		appLog.Warn("store: dropped invalid persisted records", "count", len(rejected))
	}
	s.current.Store(&Snapshot{Version: 1, Records: valid})

	if n, err := backend.PurgeNotes(ctx, s.now()); err != nil {
		appLog.Error("store: purge expired notes failed", err)
	} else if n > 0 {
		appLog.Info("store: purged expired notes", "count", n)
	}

	appLog.Info("store ready", "records", len(valid))
	return s, nil
}

// Snapshot returns the latest published version.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// ImportBatch folds one feed result into the set: validate, drop subsumed,
// drop duplicates, append, merge. The new snapshot is published before it
// is persisted; a persistence error is returned but the fold stands.
func (s *Store) ImportBatch(ctx context.Context, source string, batch []model.IntervalRecord) (ImportResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	folded := reconcile.Fold(cur.Records, batch)

	res := ImportResult{
		Source:     source,
		Offered:    len(batch),
		Accepted:   folded.Accepted,
		Subsumed:   folded.Subsumed,
		Duplicates: folded.Duplicates,
		Rejected:   folded.Rejected,
		Version:    cur.Version,
	}
	for _, rj := range folded.Rejected {
		appLog.Warn("store: rejected record", "source", source, "id", rj.Record.ID, "reason", rj.Reason)
	}

	if folded.Accepted == 0 {
		return res, nil
	}

	next := s.publish(cur, folded.Records)
	res.Version = next.Version
	appLog.Info("store: batch folded", "source", source, "accepted", res.Accepted,
		"subsumed", res.Subsumed, "duplicates", res.Duplicates, "records", len(next.Records), "version", next.Version)

	return res, s.persist(ctx, next)
}

// AddManual stores a manually entered booking and returns it with its
// generated id. The record still takes part in the merge pass: when it is
// folded into an earlier run of the same unit and title, that run is
// returned instead, so the id is always one that Get and Delete know.
func (s *Store) AddManual(ctx context.Context, rec model.IntervalRecord) (model.IntervalRecord, error) {
	rec.ID = "manual-" + uuid.NewString()
	rec.StableID = true
	rec.Origin = model.OriginManual
	if rec.Color == "" {
		rec.Color = model.UnitColor(rec.UnitKey)
	}

	accepted, _ := reconcile.ValidateBatch([]model.IntervalRecord{rec})
	if len(accepted) == 0 {
		return model.IntervalRecord{}, ErrInvalidInterval
	}
	rec = accepted[0]

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	records := make([]model.IntervalRecord, 0, len(cur.Records)+1)
	records = append(records, cur.Records...)
	records = append(records, rec)

	next := s.publish(cur, reconcile.MergeByUnitAndTitle(records))
	if run, ok := coveringRun(next.Records, rec); ok {
		if run.ID != rec.ID {
			appLog.Info("store: manual booking merged into existing run", "id", rec.ID, "run", run.ID)
		}
		rec = run
	}
	appLog.Info("store: manual booking added", "id", rec.ID, "unit", rec.UnitKey, "version", next.Version)

	return rec, s.persist(ctx, next)
}

// coveringRun finds the record of rec's (unit, title) group whose span now
// contains rec. After a merge that is the record rec was folded into.
func coveringRun(records []model.IntervalRecord, rec model.IntervalRecord) (model.IntervalRecord, bool) {
	title := model.NormalizeTitle(rec.Title)
	for _, r := range records {
		if r.ID == rec.ID {
			return r, true
		}
	}
	for _, r := range records {
		if r.UnitKey == rec.UnitKey && model.NormalizeTitle(r.Title) == title &&
			!r.Start.After(rec.Start) && !r.End.Before(rec.End) {
			return r, true
		}
	}
	return model.IntervalRecord{}, false
}

// Delete removes every record with the given id, and its note.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	records := make([]model.IntervalRecord, 0, len(cur.Records))
	for _, r := range cur.Records {
		if r.ID != id {
			records = append(records, r)
		}
	}
	if len(records) == len(cur.Records) {
		return ErrNotFound
	}

	next := s.publish(cur, records)
	appLog.Info("store: record deleted", "id", id, "version", next.Version)

	if err := s.backend.DeleteNote(ctx, id); err != nil {
		appLog.Error("store: delete note failed", err, "id", id)
	}
	return s.persist(ctx, next)
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (model.IntervalRecord, error) {
	for _, r := range s.Snapshot().Records {
		if r.ID == id {
			return r, nil
		}
	}
	return model.IntervalRecord{}, ErrNotFound
}

// Records returns a copy of the current records, optionally for one unit.
func (s *Store) Records(unit string) []model.IntervalRecord {
	snap := s.Snapshot()
	out := make([]model.IntervalRecord, 0, len(snap.Records))
	key := ""
	if unit != "" {
		key = model.CanonicalUnitKey(unit)
	}
	for _, r := range snap.Records {
		if key == "" || r.UnitKey == key {
			out = append(out, r)
		}
	}
	return out
}

// Visible returns one unit's records intersecting [from, to), by start.
func (s *Store) Visible(unit string, from, to time.Time) []model.IntervalRecord {
	return visible(s.Snapshot().Records, model.CanonicalUnitKey(unit), from, to)
}

// Timeline lays out every unit present in the snapshot for [from, to).
// Rows are ordered by unit key.
func (s *Store) Timeline(from, to time.Time) (uint64, []UnitRow) {
	snap := s.Snapshot()

	units := make([]string, 0)
	seen := make(map[string]bool)
	for _, r := range snap.Records {
		if !seen[r.UnitKey] {
			seen[r.UnitKey] = true
			units = append(units, r.UnitKey)
		}
	}
	sort.Strings(units)

	rows := make([]UnitRow, 0, len(units))
	for _, u := range units {
		recs := visible(snap.Records, u, from, to)
		rows = append(rows, UnitRow{Unit: u, Records: recs, Layout: reconcile.PackLanes(recs)})
	}
	return snap.Version, rows
}

// Stats counts records by origin.
func (s *Store) Stats() Stats {
	var st Stats
	for _, r := range s.Snapshot().Records {
		st.Total++
		switch r.Origin {
		case model.OriginManual:
			st.Manual++
		case model.OriginImported:
			st.Imported++
		}
	}
	return st
}

// GetNote returns a live note for recordID. Expired notes are deleted and
// reported as ErrNotFound.
func (s *Store) GetNote(ctx context.Context, recordID string) (Note, error) {
	n, err := s.backend.GetNote(ctx, recordID)
	if err != nil {
		return Note{}, err
	}
	if n.Expired(s.now()) {
		if err := s.backend.DeleteNote(ctx, recordID); err != nil {
			appLog.Error("store: delete expired note failed", err, "id", recordID)
		}
		return Note{}, ErrNotFound
	}
	return n, nil
}

// SaveNote stores content for recordID with the configured TTL, counted
// from now.
func (s *Store) SaveNote(ctx context.Context, recordID, content string) (Note, error) {
	n := Note{
		RecordID: recordID,
		Content:  content,
		SavedAt:  s.now().UTC().Truncate(time.Millisecond),
		TTL:      s.notesTTL,
	}
	if err := s.backend.PutNote(ctx, n); err != nil {
		return Note{}, err
	}
	return n, nil
}

// DeleteNote removes the note for recordID.
func (s *Store) DeleteNote(ctx context.Context, recordID string) error {
	return s.backend.DeleteNote(ctx, recordID)
}

// publish swaps in a new snapshot. Caller holds writeMu.
func (s *Store) publish(cur *Snapshot, records []model.IntervalRecord) *Snapshot {
	next := &Snapshot{Version: cur.Version + 1, Records: records}
	s.current.Store(next)
	return next
}

func (s *Store) persist(ctx context.Context, snap *Snapshot) error {
	if err := s.backend.SaveRecords(ctx, snap.Records); err != nil {
		return fmt.Errorf("persist version %d: %w", snap.Version, err)
	}
	return nil
}

func visible(records []model.IntervalRecord, unit string, from, to time.Time) []model.IntervalRecord {
	out := make([]model.IntervalRecord, 0)
	for _, r := range records {
		if r.UnitKey == unit && r.Overlaps(from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
