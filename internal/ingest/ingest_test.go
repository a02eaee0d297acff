package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/store"
	"github.com/smallbiznis/clawtrace/pkg/db"
)

const (
	claudeLine   = `{"type":"assistant","timestamp":"2026-02-10T09:00:00Z","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":1000,"output_tokens":500}}}`
	claudeLine2  = `{"type":"assistant","timestamp":"2026-02-10T09:01:00Z","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":1000,"output_tokens":500}}}`
	openClawLine = `{"type":"message","timestamp":"2026-02-10T10:00:00Z","message":{"role":"assistant","model":"gpt-5","usage":{"input":1,"output":1,"cost":{"total":0.42}}}}`
)

func setup(t *testing.T) (*Ingester, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(db.NewTest(t), nil)
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.DataPaths = []string{filepath.Join(root, ".claude/projects"), filepath.Join(root, ".openclaw/agents")}
	return New(st, config.NewStaticSettings(settings), nil, nil, nil), st, root
}

func write(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestRunOnceIsIdempotent(t *testing.T) {
	ing, st, root := setup(t)
	ctx := context.Background()

	write(t, filepath.Join(root, ".claude/projects/-Users-me-claude-api/s1.jsonl"), claudeLine, "junk", claudeLine2)
	write(t, filepath.Join(root, ".openclaw/agents/main/sessions/o1.jsonl"), openClawLine)

	rep, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Files)
	assert.Equal(t, 3, rep.Inserted)
	assert.Equal(t, 1, rep.Stats.Malformed)

	rep, err = ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 0, rep.Changed)

	count, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRunOncePicksUpAppendedLines(t *testing.T) {
	ing, st, root := setup(t)
	ctx := context.Background()
	path := filepath.Join(root, ".claude/projects/-Users-me-claude-api/s1.jsonl")

	write(t, path, claudeLine)
	_, err := ing.RunOnce(ctx)
	require.NoError(t, err)

	write(t, path, claudeLine2)
	rep, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, 1, rep.Inserted)

	all, err := st.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Project)
	assert.InDelta(t, 0.0105, all[0].CostUSD, 1e-12)
}

func TestRunOnceResetCursorDoesNotDuplicate(t *testing.T) {
	ing, st, root := setup(t)
	ctx := context.Background()
	path := filepath.Join(root, ".claude/projects/-Users-me-claude-api/s1.jsonl")
	write(t, path, claudeLine, claudeLine2)

	_, err := ing.RunOnce(ctx)
	require.NoError(t, err)

	_, err = st.Merge(ctx, nil, []store.FileCursor{{Path: path, Offset: 0, Size: 0}})
	require.NoError(t, err)

	rep, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Stats.Events)
	assert.Equal(t, 0, rep.Inserted)
}
