package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/store"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
	"github.com/smallbiznis/clawtrace/pkg/db"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Ingest(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error) {
	args := m.Called(ctx, id, events)
	return args.Get(0).(domain.IngestAck), args.Error(1)
}

func (m *mockRegistry) Resync(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error) {
	args := m.Called(ctx, id, events)
	return args.Get(0).(domain.IngestAck), args.Error(1)
}

var identity = device.Identity{DeviceID: "0123456789abcdef", DeviceSecret: "secret"}

func seededStore(t *testing.T, n int) *store.Store {
	t.Helper()
	st, err := store.New(db.NewTest(t), nil)
	require.NoError(t, err)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	events := make([]domain.UsageEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, domain.UsageEvent{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			SessionID:    fmt.Sprintf("s%d", i%3),
			Project:      "api",
			Model:        "claude-sonnet-4-5",
			SourceFormat: domain.SourceClaudeCode,
			CostUSD:      0.1,
		})
	}
	_, err = st.Merge(context.Background(), events, nil)
	require.NoError(t, err)
	return st
}

func batchLen(n int) any {
	return mock.MatchedBy(func(evs []domain.UsageEvent) bool { return len(evs) == n })
}

func TestSyncSendsInBatchesAndAdvancesCursor(t *testing.T) {
	st := seededStore(t, 5)
	reg := &mockRegistry{}
	reg.On("Ingest", mock.Anything, identity, batchLen(2)).Return(domain.IngestAck{Accepted: 2}, nil).Twice()
	reg.On("Ingest", mock.Anything, identity, batchLen(1)).Return(domain.IngestAck{Accepted: 1}, nil).Once()

	cursorPath := filepath.Join(t.TempDir(), "sent_cursor.json")
	s := NewSender(st, reg, cursorPath, nil, nil)

	res, err := s.Sync(context.Background(), identity, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, 3, res.Batches)
	reg.AssertExpectations(t)

	saved, err := LoadCursor(cursorPath)
	require.NoError(t, err)
	assert.Equal(t, int64(5), saved.SentTotal)
	assert.Equal(t, time.Date(2026, 2, 10, 9, 4, 0, 0, time.UTC), saved.Position.Timestamp)

	again, err := s.Sync(context.Background(), identity, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Batches)
}

func TestSyncLeavesCursorOnTransientFailure(t *testing.T) {
	st := seededStore(t, 4)
	reg := &mockRegistry{}
	reg.On("Ingest", mock.Anything, identity, mock.Anything).Return(domain.IngestAck{Accepted: 2}, nil).Once()
	reg.On("Ingest", mock.Anything, identity, mock.Anything).Return(domain.IngestAck{}, fmt.Errorf("%w: timeout", ErrTransient)).Once()

	cursorPath := filepath.Join(t.TempDir(), "sent_cursor.json")
	s := NewSender(st, reg, cursorPath, nil, nil)

	res, err := s.Sync(context.Background(), identity, Options{BatchSize: 2})
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, res.Batches)

	saved, err := LoadCursor(cursorPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.SentTotal)
	assert.Equal(t, time.Date(2026, 2, 10, 9, 1, 0, 0, time.UTC), saved.Position.Timestamp)

	reg2 := &mockRegistry{}
	reg2.On("Ingest", mock.Anything, identity, batchLen(2)).Return(domain.IngestAck{Accepted: 2}, nil).Once()
	res, err = NewSender(st, reg2, cursorPath, nil, nil).Sync(context.Background(), identity, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	reg2.AssertExpectations(t)
}

func TestSyncUnauthorizedStopsWithoutAdvancing(t *testing.T) {
	st := seededStore(t, 2)
	reg := &mockRegistry{}
	reg.On("Ingest", mock.Anything, identity, mock.Anything).Return(domain.IngestAck{}, ErrUnauthorized).Once()

	cursorPath := filepath.Join(t.TempDir(), "sent_cursor.json")
	_, err := NewSender(st, reg, cursorPath, nil, nil).Sync(context.Background(), identity, Options{})
	require.ErrorIs(t, err, ErrUnauthorized)

	saved, err := LoadCursor(cursorPath)
	require.NoError(t, err)
	assert.True(t, saved.Position.IsZero())
}

func TestSyncTierExceededIsDefinitive(t *testing.T) {
	st := seededStore(t, 3)
	reg := &mockRegistry{}
	reg.On("Ingest", mock.Anything, identity, mock.Anything).Return(domain.IngestAck{}, ErrTierExceeded).Once()

	cursorPath := filepath.Join(t.TempDir(), "sent_cursor.json")
	res, err := NewSender(st, reg, cursorPath, nil, nil).Sync(context.Background(), identity, Options{})
	require.ErrorIs(t, err, ErrTierExceeded)
	assert.True(t, res.QuotaExceeded)

	saved, err := LoadCursor(cursorPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.SentTotal)
}

func TestResyncReplaysFullHistory(t *testing.T) {
	st := seededStore(t, 3)
	cursorPath := filepath.Join(t.TempDir(), "sent_cursor.json")

	reg := &mockRegistry{}
	reg.On("Ingest", mock.Anything, identity, batchLen(3)).Return(domain.IngestAck{Accepted: 3}, nil).Once()
	_, err := NewSender(st, reg, cursorPath, nil, nil).Sync(context.Background(), identity, Options{})
	require.NoError(t, err)

	reg.On("Resync", mock.Anything, identity, batchLen(3)).Return(domain.IngestAck{Duplicates: 3}, nil).Once()
	res, err := NewSender(st, reg, cursorPath, nil, nil).Sync(context.Background(), identity, Options{Resync: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, time.Date(2026, 2, 10, 9, 2, 0, 0, time.UTC), res.Cursor.Position.Timestamp)
	reg.AssertExpectations(t)
}
