package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

var (
	ErrMalformed    = errors.New("malformed_record")
	ErrUnrecognized = errors.New("unrecognized_record")
)

const (
	defaultClaudeProvider   = "anthropic"
	defaultOpenClawProvider = "unknown"
	unknownModel            = "unknown"
)

// Record is one usage-bearing log line, resolved to its source shape.
type Record interface {
	Format() domain.SourceFormat
	Event(meta FileMeta) domain.UsageEvent
}

// FileMeta carries the per-file attributes stamped onto every event.
type FileMeta struct {
	SessionID string
	Project   string
}

// ClaudeCodeRecord is an assistant turn written by Claude Code.
type ClaudeCodeRecord struct {
	Timestamp        time.Time
	Model            string
	Provider         string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Tools            []string
}

func (ClaudeCodeRecord) Format() domain.SourceFormat { return domain.SourceClaudeCode }

func (r ClaudeCodeRecord) Event(meta FileMeta) domain.UsageEvent {
	return domain.UsageEvent{
		Timestamp:        r.Timestamp,
		SessionID:        meta.SessionID,
		Project:          meta.Project,
		Model:            r.Model,
		Provider:         r.Provider,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		SourceFormat:     domain.SourceClaudeCode,
		Tools:            r.Tools,
	}
}

// OpenClawRecord is an assistant message written by an OpenClaw agent.
// ReportedCost is set when the record carries usage.cost.total.
type OpenClawRecord struct {
	Timestamp        time.Time
	Model            string
	Provider         string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	ReportedCost     *float64
	Tools            []string
}

func (OpenClawRecord) Format() domain.SourceFormat { return domain.SourceOpenClaw }

func (r OpenClawRecord) Event(meta FileMeta) domain.UsageEvent {
	ev := domain.UsageEvent{
		Timestamp:        r.Timestamp,
		SessionID:        meta.SessionID,
		Project:          meta.Project,
		Model:            r.Model,
		Provider:         r.Provider,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		SourceFormat:     domain.SourceOpenClaw,
		Tools:            r.Tools,
	}
	if r.ReportedCost != nil {
		ev.CostUSD = *r.ReportedCost
		ev.CostReported = true
	}
	return ev
}

type rawLine struct {
	Type      string      `json:"type"`
	Timestamp rawTime     `json:"timestamp"`
	Provider  string      `json:"provider"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role     string          `json:"role"`
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Content  json.RawMessage `json:"content"`
	Usage    *rawUsage       `json:"usage"`
}

// rawUsage holds both token vocabularies; pointers record presence.
type rawUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`

	Input      *int64   `json:"input"`
	Output     int64    `json:"output"`
	CacheRead  int64    `json:"cacheRead"`
	CacheWrite int64    `json:"cacheWrite"`
	Cost       *rawCost `json:"cost"`
}

type rawCost struct {
	Total *float64 `json:"total"`
}

type rawContent struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// rawTime accepts RFC 3339 strings and epoch milliseconds.
type rawTime struct {
	time.Time
}

func (t *rawTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Decode classifies a single JSONL line by its structure. Lines that are not
// JSON return ErrMalformed; JSON lines without usage data return
// ErrUnrecognized.
func Decode(line []byte) (Record, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, ErrMalformed
	}
	if raw.Message == nil || raw.Message.Usage == nil {
		return nil, ErrUnrecognized
	}
	msg, usage := raw.Message, raw.Message.Usage

	switch {
	case raw.Type == "assistant" && usage.InputTokens != nil:
		if raw.Timestamp.IsZero() {
			return nil, ErrMalformed
		}
		return ClaudeCodeRecord{
			Timestamp:        raw.Timestamp.Time,
			Model:            orDefault(msg.Model, unknownModel),
			Provider:         orDefault(raw.Provider, defaultClaudeProvider),
			InputTokens:      *usage.InputTokens,
			OutputTokens:     usage.OutputTokens,
			CacheReadTokens:  usage.CacheReadInputTokens,
			CacheWriteTokens: usage.CacheCreationInputTokens,
			Tools:            extractTools(msg.Content),
		}, nil
	case raw.Type == "message" && msg.Role == "assistant" && usage.Input != nil:
		if raw.Timestamp.IsZero() {
			return nil, ErrMalformed
		}
		rec := OpenClawRecord{
			Timestamp:        raw.Timestamp.Time,
			Model:            orDefault(msg.Model, unknownModel),
			Provider:         orDefault(msg.Provider, defaultOpenClawProvider),
			InputTokens:      *usage.Input,
			OutputTokens:     usage.Output,
			CacheReadTokens:  usage.CacheRead,
			CacheWriteTokens: usage.CacheWrite,
			Tools:            extractTools(msg.Content),
		}
		if usage.Cost != nil && usage.Cost.Total != nil && *usage.Cost.Total >= 0 {
			total := *usage.Cost.Total
			rec.ReportedCost = &total
		}
		return rec, nil
	}
	return nil, ErrUnrecognized
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func extractTools(content json.RawMessage) []string {
	if len(content) == 0 || content[0] != '[' {
		return nil
	}
	var items []rawContent
	if err := json.Unmarshal(content, &items); err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, item := range items {
		if item.Type != "tool_use" || item.Name == "" {
			continue
		}
		seen[NormalizeToolName(item.Name)] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	tools := make([]string, 0, len(seen))
	for name := range seen {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// NormalizeToolName groups MCP tools by server or plugin name.
func NormalizeToolName(name string) string {
	if !strings.HasPrefix(name, "mcp__") {
		return name
	}
	if strings.HasPrefix(name, "mcp__claude-in-chrome__") {
		return "chrome-browser"
	}
	if rest, ok := strings.CutPrefix(name, "mcp__plugin_"); ok {
		if plugin, _, _ := strings.Cut(rest, "_"); plugin != "" {
			return plugin
		}
	}
	parts := strings.Split(name, "__")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return name
}
