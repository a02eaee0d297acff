// Package store is the local usage event table and the per-file ingest
// cursors, kept in an embedded SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

var ErrUnavailable = errors.New("store_unavailable")

var identityColumns = []clause.Column{
	{Name: "session_id"},
	{Name: "ts_ns"},
	{Name: "model"},
	{Name: "source_format"},
}

const insertBatchSize = 200

// FileCursor is the durable read position for one log file.
type FileCursor struct {
	Path   string
	Offset int64
	Size   int64
}

// Store allows many concurrent readers and serializes writers.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	mu  sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, log *zap.Logger, opts ...gorm.Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if len(opts) == 0 {
		opts = []gorm.Option{&gorm.Config{}}
	}
	conn, err := gorm.Open(sqlite.Open(dsn), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return New(conn, log)
}

// New wraps an existing connection and ensures the schema exists.
func New(conn *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := conn.AutoMigrate(&eventRow{}, &fileCursorRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return &Store{db: conn, log: log.Named("store")}, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database can serve reads.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Limit(1).Count(&n).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Merge inserts events and advances file cursors in one transaction. Events
// already present under their identity key are ignored. It returns the
// number of newly stored events.
func (s *Store) Merge(ctx context.Context, events []domain.UsageEvent, cursors []FileCursor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(events) > 0 {
			rows := make([]eventRow, 0, len(events))
			for _, ev := range events {
				rows = append(rows, toRow(ev))
			}
			res := tx.Clauses(clause.OnConflict{Columns: identityColumns, DoNothing: true}).
				CreateInBatches(&rows, insertBatchSize)
			if res.Error != nil {
				return res.Error
			}
			inserted = int(res.RowsAffected)
		}

		now := time.Now().UTC()
		for _, c := range cursors {
			row := fileCursorRow{Path: c.Path, Offset: c.Offset, Size: c.Size, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{"offset_bytes", "size_bytes", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge events: %w", err)
	}
	s.log.Debug("merged events",
		zap.Int("received", len(events)),
		zap.Int("inserted", inserted),
		zap.Int("cursors", len(cursors)),
	)
	return inserted, nil
}

// Cursors returns the stored read positions keyed by path.
func (s *Store) Cursors(ctx context.Context) (map[string]FileCursor, error) {
	var rows []fileCursorRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make(map[string]FileCursor, len(rows))
	for _, r := range rows {
		out[r.Path] = FileCursor{Path: r.Path, Offset: r.Offset, Size: r.Size}
	}
	return out, nil
}

func ordered(q *gorm.DB) *gorm.DB {
	return q.Order("ts_ns ASC").Order("session_id ASC").Order("model ASC").Order("source_format ASC")
}

// Range returns events with from <= timestamp < to in cursor order. A zero
// bound is open.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]domain.UsageEvent, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if !from.IsZero() {
		q = q.Where("ts_ns >= ?", from.UTC().UnixNano())
	}
	if !to.IsZero() {
		q = q.Where("ts_ns < ?", to.UTC().UnixNano())
	}
	var rows []eventRow
	if err := ordered(q).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toEvents(rows), nil
}

func (s *Store) All(ctx context.Context) ([]domain.UsageEvent, error) {
	return s.Range(ctx, time.Time{}, time.Time{})
}

// After returns up to limit events strictly after pos in cursor order. A
// zero position starts from the beginning.
func (s *Store) After(ctx context.Context, pos domain.Position, limit int) ([]domain.UsageEvent, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if !pos.IsZero() {
		ts := pos.Timestamp.UTC().UnixNano()
		q = q.Where(
			"ts_ns > ? OR (ts_ns = ? AND (session_id > ? OR (session_id = ? AND (model > ? OR (model = ? AND source_format > ?)))))",
			ts, ts, pos.SessionID, pos.SessionID, pos.Model, pos.Model, string(pos.SourceFormat),
		)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []eventRow
	if err := ordered(q).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toEvents(rows), nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func toEvents(rows []eventRow) []domain.UsageEvent {
	out := make([]domain.UsageEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out
}
