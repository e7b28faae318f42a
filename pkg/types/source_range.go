package types

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeAll selects the whole source.
const RangeAll = "all"

// SourceRange is a 1-indexed, inclusive line span.
type SourceRange struct {
	Start int
	End   int
}

// String renders r as "start:end".
func (r SourceRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// Lines returns the number of lines covered by r.
func (r SourceRange) Lines() int {
	return r.End - r.Start + 1
}

// Contains reports whether line falls inside r.
func (r SourceRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

// ParseSourceRange parses "start:end". Both bounds must be positive and
// start must not exceed end.
func ParseSourceRange(s string) (SourceRange, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return SourceRange{}, fmt.Errorf("range %q: expected start:end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return SourceRange{}, fmt.Errorf("range %q: bad start: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return SourceRange{}, fmt.Errorf("range %q: bad end: %w", s, err)
	}
	if start < 1 || end < start {
		return SourceRange{}, fmt.Errorf("range %q: need 1 <= start <= end", s)
	}
	return SourceRange{Start: start, End: end}, nil
}

// SliceLines returns lines [r.Start, r.End] of text. End is clamped to the
// number of lines; a start past the end of the text is an error.
func SliceLines(text string, r SourceRange) (string, error) {
	lines := SplitLines(text)
	if r.Start > len(lines) {
		return "", fmt.Errorf("range %s starts after last line %d", r, len(lines))
	}
	end := r.End
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[r.Start-1:end], "\n"), nil
}

// SplitLines splits text on "\n", dropping a single trailing newline so a
// file ending in a newline does not gain a phantom empty line. "\r\n" line
// endings are normalized.
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
