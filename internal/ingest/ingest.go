// Package ingest runs parse passes over the configured log roots and merges
// the results into the local store.
package ingest

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/parser"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/store"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Report summarizes one pass.
type Report struct {
	Files      int           `json:"files"`
	Changed    int           `json:"changed_files"`
	FailedFile int           `json:"failed_files"`
	Stats      parser.Stats  `json:"stats"`
	Inserted   int           `json:"inserted"`
	Duration   time.Duration `json:"duration"`
}

// Ingester parses every file independently and merges all results into the
// store in a single transaction.
type Ingester struct {
	store    *store.Store
	settings *config.SettingsHolder
	table    *pricing.Table
	clock    clock.Clock
	log      *zap.Logger
	workers  int

	// one pass at a time per process
	mu sync.Mutex
}

func New(st *store.Store, settings *config.SettingsHolder, table *pricing.Table, clk clock.Clock, log *zap.Logger) *Ingester {
	if table == nil {
		table = pricing.DefaultTable()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingester{
		store:    st,
		settings: settings,
		table:    table,
		clock:    clk,
		log:      log.Named("ingest"),
		workers:  runtime.NumCPU(),
	}
}

type fileResult struct {
	events []domain.UsageEvent
	cursor parser.FileCursor
	stats  parser.Stats
	err    error
}

// RunOnce discovers files, parses what changed since the stored cursors and
// merges the new events.
func (i *Ingester) RunOnce(ctx context.Context) (Report, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	started := i.clock.Now()
	settings := i.settings.Get()
	p := parser.New(i.table, settings.Pricing.Overrides)

	files, err := parser.Discover(settings.DataPaths)
	if err != nil {
		return Report{}, err
	}
	cursors, err := i.store.Cursors(ctx)
	if err != nil {
		return Report{}, err
	}

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for idx, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			prev := cursors[path]
			res, err := p.ParseFile(path, parser.FileCursor{Path: path, Offset: prev.Offset, Size: prev.Size})
			results[idx] = fileResult{events: res.Events, cursor: res.Cursor, stats: res.Stats, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{Files: len(files)}
	var events []domain.UsageEvent
	var changed []store.FileCursor
	for idx, r := range results {
		if r.err != nil {
			rep.FailedFile++
			i.log.Warn("skip unreadable file", zap.String("path", files[idx]), zap.Error(r.err))
			continue
		}
		rep.Stats.Merge(r.stats)
		prev, seen := cursors[files[idx]]
		if seen && prev.Offset == r.cursor.Offset && prev.Size == r.cursor.Size {
			continue
		}
		rep.Changed++
		events = append(events, r.events...)
		changed = append(changed, store.FileCursor{Path: r.cursor.Path, Offset: r.cursor.Offset, Size: r.cursor.Size})
	}

	inserted, err := i.store.Merge(ctx, events, changed)
	if err != nil {
		return rep, err
	}
	rep.Inserted = inserted
	rep.Duration = i.clock.Now().Sub(started)

	fields := []zap.Field{
		zap.Int("files", rep.Files),
		zap.Int("changed_files", rep.Changed),
		zap.Int("events", rep.Stats.Events),
		zap.Int("inserted", rep.Inserted),
		zap.Int("skipped_lines", rep.Stats.Skipped()),
		zap.Int("failed_files", rep.FailedFile),
		zap.Int64("duration_ms", rep.Duration.Milliseconds()),
	}
	if rep.FailedFile > 0 {
		i.log.Warn("ingest.pass.finish", fields...)
	} else {
		i.log.Info("ingest.pass.finish", fields...)
	}
	return rep, nil
}

// RunForever repeats RunOnce at the configured refresh interval until ctx
// is cancelled.
func (i *Ingester) RunForever(ctx context.Context) {
	for {
		if _, err := i.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			i.log.Warn("ingest pass failed", zap.Error(err))
		}

		interval := i.settings.Get().RefreshInterval()
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
