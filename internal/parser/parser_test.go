package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	claudeLine   = `{"type":"assistant","timestamp":"2026-02-10T09:00:00Z","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":1000,"output_tokens":500,"cache_read_input_tokens":0,"cache_creation_input_tokens":0},"content":[{"type":"tool_use","name":"Bash"},{"type":"tool_use","name":"mcp__claude-in-chrome__computer"},{"type":"text","text":"hi"}]}}`
	openClawLine = `{"type":"message","timestamp":"2026-02-10T10:00:00Z","message":{"role":"assistant","model":"gpt-5","provider":"openai","usage":{"input":200,"output":100,"cacheRead":50,"cacheWrite":10,"cost":{"total":0.42}}}}`
	userLine     = `{"type":"user","timestamp":"2026-02-10T09:00:00Z","message":{"role":"user","content":"hello"}}`
)

func writeSession(t *testing.T, dir, rel string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var body string
	for _, l := range lines {
		body += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDecodeDiscriminatesByShape(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		format  domain.SourceFormat
		wantErr error
	}{
		{name: "claude code", line: claudeLine, format: domain.SourceClaudeCode},
		{name: "openclaw", line: openClawLine, format: domain.SourceOpenClaw},
		{name: "user turn", line: userLine, wantErr: ErrUnrecognized},
		{name: "not json", line: `not json at all`, wantErr: ErrMalformed},
		{name: "truncated", line: `{"type":"assistant","message":{"usage":{"inp`, wantErr: ErrMalformed},
		{name: "unknown type", line: `{"type":"progress","message":{"usage":{"input_tokens":1}}}`, wantErr: ErrUnrecognized},
		{name: "assistant with openclaw tokens", line: `{"type":"assistant","timestamp":"2026-02-10T09:00:00Z","message":{"usage":{"input":1}}}`, wantErr: ErrUnrecognized},
		{name: "message from user", line: `{"type":"message","timestamp":"2026-02-10T09:00:00Z","message":{"role":"user","usage":{"input":1}}}`, wantErr: ErrUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode([]byte(tt.line))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.format, rec.Format())
		})
	}
}

func TestClaudeCodeFieldMapping(t *testing.T) {
	rec, err := Decode([]byte(`{"type":"assistant","timestamp":"2026-02-10T09:00:00.5Z","message":{"model":"claude-opus-4-6","usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":30,"cache_creation_input_tokens":40}}}`))
	require.NoError(t, err)

	ev := rec.Event(FileMeta{SessionID: "s1", Project: "proj"})
	assert.Equal(t, int64(10), ev.InputTokens)
	assert.Equal(t, int64(20), ev.OutputTokens)
	assert.Equal(t, int64(30), ev.CacheReadTokens)
	assert.Equal(t, int64(40), ev.CacheWriteTokens)
	assert.Equal(t, "anthropic", ev.Provider)
	assert.Equal(t, time.Date(2026, 2, 10, 9, 0, 0, 500_000_000, time.UTC), ev.Timestamp)
	assert.False(t, ev.CostReported)
}

func TestOpenClawReportedCostIsUsedAsIs(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir, ".openclaw/agents/main/sessions/abc.jsonl", openClawLine)

	res, err := New(nil, nil).ParseFile(path, FileCursor{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, 0.42, ev.CostUSD)
	assert.True(t, ev.CostReported)
	assert.False(t, ev.UnknownModel)
	assert.Equal(t, "openai", ev.Provider)
	assert.Equal(t, int64(50), ev.CacheReadTokens)
	assert.Equal(t, int64(10), ev.CacheWriteTokens)
	assert.Equal(t, "openclaw-main", ev.Project)
	assert.Equal(t, "abc", ev.SessionID)
}

func TestParseFileSkipsBadLinesAndCounts(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir, ".claude/projects/-Users-me-claude-threadjack/sess-1.jsonl",
		claudeLine,
		"garbage",
		userLine,
		"",
		`{"type":"assistant","timestamp":"2026-02-10T09:05:00Z","message":{"model":"mystery-model","usage":{"input_tokens":5,"output_tokens":5}}}`,
	)

	res, err := New(nil, nil).ParseFile(path, FileCursor{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Events)
	assert.Equal(t, 1, res.Stats.Malformed)
	assert.Equal(t, 1, res.Stats.Ignored)
	assert.Equal(t, 2, res.Stats.Skipped())

	first := res.Events[0]
	assert.Equal(t, "threadjack", first.Project)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.InDelta(t, 0.0105, first.CostUSD, 1e-12)
	assert.Equal(t, []string{"Bash", "chrome-browser"}, first.Tools)

	unknown := res.Events[1]
	assert.True(t, unknown.UnknownModel)
	assert.Zero(t, unknown.CostUSD)
}

func TestParseFileResumesFromCursor(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir, ".claude/projects/-home-dev-api/s.jsonl", claudeLine)
	p := New(nil, nil)

	first, err := p.ParseFile(path, FileCursor{})
	require.NoError(t, err)
	require.Len(t, first.Events, 1)

	again, err := p.ParseFile(path, first.Cursor)
	require.NoError(t, err)
	assert.Empty(t, again.Events)
	assert.Equal(t, first.Cursor.Offset, again.Cursor.Offset)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(openClawLine + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	next, err := p.ParseFile(path, again.Cursor)
	require.NoError(t, err)
	require.Len(t, next.Events, 1)
	assert.Equal(t, domain.SourceOpenClaw, next.Events[0].SourceFormat)
}

func TestParseFileIsIdempotentUnderIdentityKey(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir, ".claude/projects/-home-dev-api/s.jsonl", claudeLine, openClawLine)
	p := New(nil, nil)

	a, err := p.ParseFile(path, FileCursor{})
	require.NoError(t, err)
	b, err := p.ParseFile(path, FileCursor{})
	require.NoError(t, err)

	require.Len(t, b.Events, len(a.Events))
	for i := range a.Events {
		assert.Equal(t, a.Events[i].Key(), b.Events[i].Key())
	}
}

func TestParseFileLeavesPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	partial := claudeLine[:40]
	require.NoError(t, os.WriteFile(path, []byte(claudeLine+"\n"+partial), 0o644))

	p := New(nil, nil)
	res, err := p.ParseFile(path, FileCursor{})
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, int64(len(claudeLine)+1), res.Cursor.Offset)

	require.NoError(t, os.WriteFile(path, []byte(claudeLine+"\n"+openClawLine+"\n"), 0o644))
	next, err := p.ParseFile(path, res.Cursor)
	require.NoError(t, err)
	require.Len(t, next.Events, 1)
	assert.Equal(t, domain.SourceOpenClaw, next.Events[0].SourceFormat)
}

func TestParseFileRestartsWhenTruncated(t *testing.T) {
	dir := t.TempDir()
	path := writeSession(t, dir, "s.jsonl", claudeLine, openClawLine)
	p := New(nil, nil)

	res, err := p.ParseFile(path, FileCursor{})
	require.NoError(t, err)

	writeSession(t, dir, "s.jsonl", openClawLine)
	again, err := p.ParseFile(path, res.Cursor)
	require.NoError(t, err)
	assert.Len(t, again.Events, 1)
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/Users/me/.claude/projects/-Users-stevemallett-claude-threadjack/abc.jsonl", "threadjack"},
		{"/Users/me/.claude/projects/-Users-me-claude-vt2/sub/agent.jsonl", "vt2"},
		{"/home/me/.claude/projects/-/abc.jsonl", "claude-default"},
		{"/home/me/.claude/projects/-home-me-claude/abc.jsonl", "claude-default"},
		{"/home/me/.openclaw/agents/main/sessions/abc.jsonl", "openclaw-main"},
		{"/tmp/elsewhere/abc.jsonl", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ProjectName(tt.path))
		})
	}
}

func TestNormalizeToolName(t *testing.T) {
	assert.Equal(t, "chrome-browser", NormalizeToolName("mcp__claude-in-chrome__computer"))
	assert.Equal(t, "playwright", NormalizeToolName("mcp__plugin_playwright_browser__snapshot"))
	assert.Equal(t, "pinecone", NormalizeToolName("mcp__plugin_pinecone_pinecone__search-docs"))
	assert.Equal(t, "github", NormalizeToolName("mcp__github__create_issue"))
	assert.Equal(t, "Bash", NormalizeToolName("Bash"))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeSession(t, dir, "b/two.jsonl", claudeLine)
	writeSession(t, dir, "a/one.jsonl", claudeLine)
	writeSession(t, dir, "a/notes.txt", "x")

	files, err := Discover([]string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a/one.jsonl"),
		filepath.Join(dir, "b/two.jsonl"),
	}, files)
}
