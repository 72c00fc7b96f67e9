package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Span is a half-open byte range [Start, End) of a fixed-width column.
type Span struct {
	Start, End int
}

// MembershipSpans are the column spans of the Jaehnig et al. (2021)
// membership table, whose data header sits after MembershipSkip lines.
var MembershipSpans = []Span{
	{0, 17}, {17, 37}, {37, 62}, {62, 83}, {83, 108},
	{108, 129}, {129, 153}, {153, 174}, {174, 198}, {198, 219},
	{219, 243}, {243, 264}, {264, 275}, {275, 290}, {290, 294},
}

// MembershipSkip is the number of preamble lines in the membership table.
const MembershipSkip = 30

// Table is a parsed fixed-width table.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of name or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadFixedWidthFile opens path and calls ReadFixedWidth.
func ReadFixedWidthFile(path string, spans []Span, skip int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFixedWidth(f, spans, skip)
}

// ReadFixedWidth skips skip lines, reads the next line as column names and
// the remaining non-blank lines as rows, cutting each line at spans.
func ReadFixedWidth(r io.Reader, spans []Span, skip int) (*Table, error) {
	if len(spans) == 0 {
		return nil, errors.New("catalog: no column spans")
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	t := &Table{}
	line := 0
	for sc.Scan() {
		line++
		if line <= skip {
			continue
		}
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := cut(text, spans)
		if t.Header == nil {
			t.Header = fields
			continue
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line, err)
	}
	if t.Header == nil {
		return nil, fmt.Errorf("catalog: no header after %d lines", skip)
	}
	return t, nil
}

func cut(line string, spans []Span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		if s.Start >= len(line) {
			continue
		}
		end := s.End
		if end > len(line) {
			end = len(line)
		}
		out[i] = strings.TrimSpace(line[s.Start:end])
	}
	return out
}
