// Package parser reads agent session logs and normalizes assistant turns into
// usage events. Parsing resumes from a byte offset per file so a pass over
// unchanged files produces nothing new.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const readBufferSize = 1024 * 1024

// FileCursor records how far a file has been consumed.
type FileCursor struct {
	Path   string
	Offset int64
	Size   int64
}

// Stats counts what a parse pass saw. Skipped lines never abort a pass.
type Stats struct {
	Lines     int
	Events    int
	Malformed int
	Ignored   int
}

func (s Stats) Skipped() int {
	return s.Malformed + s.Ignored
}

func (s *Stats) Merge(o Stats) {
	s.Lines += o.Lines
	s.Events += o.Events
	s.Malformed += o.Malformed
	s.Ignored += o.Ignored
}

// Result is the outcome of parsing one file from a cursor.
type Result struct {
	Events []domain.UsageEvent
	Cursor FileCursor
	Stats  Stats
}

// Parser turns session files into priced usage events.
type Parser struct {
	table     *pricing.Table
	overrides pricing.Overrides
}

func New(table *pricing.Table, overrides pricing.Overrides) *Parser {
	if table == nil {
		table = pricing.DefaultTable()
	}
	return &Parser{table: table, overrides: overrides}
}

// ParseFile reads path starting at from.Offset. A file that has shrunk since
// the cursor was taken is read again from the start. A trailing fragment
// without a newline is left for the next pass unless it is a complete record.
func (p *Parser) ParseFile(path string, from FileCursor) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}

	offset := from.Offset
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	meta := FileMeta{
		SessionID: SessionID(path),
		Project:   ProjectName(path),
	}

	res := Result{Cursor: FileCursor{Path: path, Offset: offset, Size: info.Size()}}
	reader := bufio.NewReaderSize(f, readBufferSize)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, fmt.Errorf("read %s: %w", path, readErr)
		}
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		trimmed := bytes.TrimSpace(line)

		if !complete && len(trimmed) > 0 {
			rec, err := Decode(trimmed)
			if errors.Is(err, ErrMalformed) {
				// partially written; pick it up next pass
				break
			}
			p.consume(&res, meta, rec, err)
			res.Cursor.Offset += int64(len(line))
			break
		}
		if len(line) == 0 {
			break
		}

		res.Cursor.Offset += int64(len(line))
		if len(trimmed) > 0 {
			rec, err := Decode(trimmed)
			p.consume(&res, meta, rec, err)
		}
		if readErr != nil {
			break
		}
	}
	return res, nil
}

func (p *Parser) consume(res *Result, meta FileMeta, rec Record, err error) {
	res.Stats.Lines++
	switch {
	case errors.Is(err, ErrMalformed):
		res.Stats.Malformed++
		return
	case err != nil:
		res.Stats.Ignored++
		return
	}
	ev := rec.Event(meta)
	ev.ApplyPricing(p.table, p.overrides)
	res.Events = append(res.Events, ev)
	res.Stats.Events++
}

// SessionID is the file name without its extension.
func SessionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
