// Package syncer sends locally stored usage events to the hosted registry.
// The sync cursor only moves after the registry acknowledges a batch, so
// delivery is at-least-once and the registry's idempotent ingest makes the
// effect exactly-once.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Source yields stored events in cursor order.
type Source interface {
	After(ctx context.Context, pos domain.Position, limit int) ([]domain.UsageEvent, error)
}

// Registry is the subset of the hosted API the sender uses.
type Registry interface {
	Ingest(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error)
	Resync(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error)
}

type Options struct {
	BatchSize         int
	RequestsPerSecond float64
	// Resync ignores the cursor and replays the full local history.
	Resync bool
}

type Result struct {
	Sent          int                `json:"sent"`
	Batches       int                `json:"batches"`
	Duplicates    int                `json:"duplicates"`
	Rejected      []domain.Rejection `json:"rejected,omitempty"`
	QuotaExceeded bool               `json:"quota_exceeded"`
	Cursor        Cursor             `json:"cursor"`
}

type Sender struct {
	source     Source
	registry   Registry
	cursorPath string
	clock      clock.Clock
	log        *zap.Logger
}

func NewSender(source Source, registry Registry, cursorPath string, clk clock.Clock, log *zap.Logger) *Sender {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		source:     source,
		registry:   registry,
		cursorPath: cursorPath,
		clock:      clk,
		log:        log.Named("syncer.sender"),
	}
}

// Sync sends every event after the persisted cursor in bounded batches.
// A transient, unauthorized or rejected failure stops the run and leaves the
// cursor at the last acknowledged batch. A tier rejection is a definitive
// answer: the cursor advances past the batch and the run continues, and
// ErrTierExceeded is returned once all batches are sent.
func (s *Sender) Sync(ctx context.Context, id device.Identity, opts Options) (Result, error) {
	if err := id.Validate(); err != nil {
		return Result{}, err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > domain.MaxBatchSize {
		batchSize = domain.MaxBatchSize
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	persisted, err := LoadCursor(s.cursorPath)
	if err != nil {
		return Result{}, fmt.Errorf("load sync cursor: %w", err)
	}
	res := Result{Cursor: persisted}

	send := s.registry.Ingest
	pos := persisted.Position
	if opts.Resync {
		send = s.registry.Resync
		pos = domain.Position{}
	}

	for {
		batch, err := s.source.After(ctx, pos, batchSize)
		if err != nil {
			return res, fmt.Errorf("read events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}

		ack, err := send(ctx, id, batch)
		switch {
		case err == nil:
			res.Sent += ack.Accepted
			res.Duplicates += ack.Duplicates
			if len(ack.Rejected) > 0 {
				res.Rejected = append(res.Rejected, ack.Rejected...)
				res.QuotaExceeded = true
			}
		case errors.Is(err, ErrTierExceeded):
			res.QuotaExceeded = true
			s.log.Warn("batch rejected by tier limits", zap.Int("events", len(batch)), zap.Error(err))
		default:
			s.log.Warn("batch not acknowledged",
				zap.Int("events", len(batch)),
				zap.Int("batches_sent", res.Batches),
				zap.Error(err),
			)
			return res, err
		}

		res.Batches++
		pos = batch[len(batch)-1].Position()
		if pos.Compare(res.Cursor.Position) > 0 {
			res.Cursor.Position = pos
		}
		res.Cursor.SentTotal += int64(len(batch))
		res.Cursor.UpdatedAt = s.clock.Now().UTC()
		if err := SaveCursor(s.cursorPath, res.Cursor); err != nil {
			return res, fmt.Errorf("save sync cursor: %w", err)
		}

		if len(batch) < batchSize {
			break
		}
	}

	s.log.Info("sync finished",
		zap.Int("sent", res.Sent),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("batches", res.Batches),
		zap.Bool("resync", opts.Resync),
		zap.Bool("quota_exceeded", res.QuotaExceeded),
	)
	if res.QuotaExceeded {
		return res, ErrTierExceeded
	}
	return res, nil
}
