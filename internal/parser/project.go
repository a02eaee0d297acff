package parser

import (
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
)

const (
	claudeProjectsMarker = "/.claude/projects/"
	openClawAgentsMarker = "/.openclaw/agents/"
	defaultClaudeProject = "claude-default"
	unknownProject       = "unknown"
)

var skippedProjectSegments = map[string]struct{}{
	"users":  {},
	"home":   {},
	"root":   {},
	"claude": {},
}

// ProjectName derives a project slug from where a session file lives.
//
//	~/.claude/projects/-Users-me-claude-threadjack/abc.jsonl -> threadjack
//	~/.openclaw/agents/main/sessions/abc.jsonl            -> openclaw-main
func ProjectName(path string) string {
	p := filepath.ToSlash(path)

	if _, rest, ok := strings.Cut(p, claudeProjectsMarker); ok {
		dir, _, _ := strings.Cut(rest, "/")
		return claudeProject(dir)
	}
	if _, rest, ok := strings.Cut(p, openClawAgentsMarker); ok {
		agent, _, _ := strings.Cut(rest, "/")
		if agent == "" {
			return "openclaw"
		}
		return slug.Make("openclaw-" + agent)
	}
	return unknownProject
}

func claudeProject(dir string) string {
	segments := strings.Split(dir, "-")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if len(seg) < 3 {
			continue
		}
		if _, skip := skippedProjectSegments[strings.ToLower(seg)]; skip {
			continue
		}
		if s := slug.Make(seg); s != "" {
			return s
		}
	}
	return defaultClaudeProject
}
