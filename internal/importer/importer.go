// Package importer pulls every configured feed and folds the results into
// the store. Fetches run in parallel; folds run one at a time in the order
// fetches complete.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rentcal/internal/ics"
	appLog "rentcal/internal/log"
	"rentcal/internal/model"
	"rentcal/internal/store"
)

// Fetcher is the part of ics.Fetcher the importer needs.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Folder receives one parsed batch at a time.
type Folder interface {
	ImportBatch(ctx context.Context, source string, batch []model.IntervalRecord) (store.ImportResult, error)
}

// Failure records a source that produced nothing this run.
type Failure struct {
	Source string `json:"source"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Report summarizes one import run.
type Report struct {
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Results    []store.ImportResult `json:"results"`
	Failures   []Failure            `json:"failures,omitempty"`
}

// Err joins the failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s (%s): %s", f.Source, f.Stage, f.Error))
	}
	return errors.Join(errs...)
}

// Config tunes an Importer.
type Config struct {
	Sources     []ics.Source
	Concurrency int
	// Location is used for all-day feed dates; nil means UTC.
	Location *time.Location
	// ExpandBack / ExpandForward bound recurring-event expansion around now.
	ExpandBack    time.Duration
	ExpandForward time.Duration
}

// Importer runs import cycles. RunOnce is safe to call concurrently; runs
// are serialized.
type Importer struct {
	cfg     Config
	fetcher Fetcher
	folder  Folder
	now     func() time.Time

	runMu sync.Mutex
}

// New returns an Importer over the given sources.
func New(cfg Config, fetcher Fetcher, folder Folder) *Importer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ExpandForward <= 0 {
		cfg.ExpandForward = 365 * 24 * time.Hour
	}
	return &Importer{cfg: cfg, fetcher: fetcher, folder: folder, now: time.Now}
}

type fetched struct {
	src ics.Source
	res ics.FetchResult
	err error
}

// RunOnce fetches all sources and folds each result as it arrives. A failing
// source is logged and reported; it never stops the others.
func (im *Importer) RunOnce(ctx context.Context) Report {
	im.runMu.Lock()
	defer im.runMu.Unlock()

	report := Report{StartedAt: im.now()}
	results := make(chan fetched)

	go func() {
		var g errgroup.Group
		g.SetLimit(im.cfg.Concurrency)
		for _, src := range im.cfg.Sources {
			g.Go(func() error {
				res, err := im.fetcher.FetchOne(ctx, src)
				results <- fetched{src: src, res: res, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for f := range results {
		im.fold(ctx, f, &report)
	}

	report.FinishedAt = im.now()
	if err := report.Err(); err != nil {
		appLog.Error("import run finished with failures", err, "failures", len(report.Failures), "sources", len(im.cfg.Sources))
	} else {
		appLog.Info("import run finished", "sources", len(im.cfg.Sources), "took", report.FinishedAt.Sub(report.StartedAt))
	}
	return report
}

func (im *Importer) fold(ctx context.Context, f fetched, report *Report) {
	id := f.src.ID()
	fail := func(stage string, err error) {
		report.Failures = append(report.Failures, Failure{Source: id, Stage: stage, Error: err.Error()})
	}

	if f.err != nil {
		appLog.Error("import: fetch failed", f.err, "source", id)
		fail("fetch", f.err)
		return
	}

	events, err := ics.ParseICS(f.src, f.res.Body, im.cfg.Location)
	if err != nil {
		fail("parse", err)
		return
	}

	now := im.now()
	expanded, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		RangeStart: now.Add(-im.cfg.ExpandBack),
		RangeEnd:   now.Add(im.cfg.ExpandForward),
	})
	if err != nil {
		appLog.Error("import: expand failed", err, "source", id)
		fail("expand", err)
		return
	}

	res, err := im.folder.ImportBatch(ctx, id, ics.ToRecords(f.src, expanded.Occurrences))
	report.Results = append(report.Results, res)
	if err != nil {
		appLog.Error("import: fold persisted with error", err, "source", id)
		fail("persist", err)
	}
}
