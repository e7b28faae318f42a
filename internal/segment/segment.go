// Package segment splits text into line-addressed segments for extraction.
//
// Unlike a search chunker, the segmenter never trims or drops text: the
// ranges it returns partition the input exactly, so every line of a
// document belongs to exactly one segment. Blank lines stay attached to the
// block they follow.
package segment

import (
	"regexp"
	"strings"

	"github.com/scrypster/spirit-memory/pkg/types"
)

const (
	DefaultTargetTokens = 800
	DefaultMaxTokens    = 1500
)

// Options configures segmentation.
type Options struct {
	// TargetTokens is the size small blocks are merged up to.
	TargetTokens int
	// MaxTokens is the processing budget; larger segments need another pass.
	MaxTokens int
}

// DefaultOptions returns default segmentation options.
func DefaultOptions() Options {
	return Options{
		TargetTokens: DefaultTargetTokens,
		MaxTokens:    DefaultMaxTokens,
	}
}

func (o Options) normalized() Options {
	if o.TargetTokens <= 0 {
		o.TargetTokens = DefaultTargetTokens
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.TargetTokens > o.MaxTokens {
		o.TargetTokens = o.MaxTokens
	}
	return o
}

// Segment is a contiguous run of lines from the input.
type Segment struct {
	Text  string
	Range types.SourceRange
}

// Tokens estimates the segment's size.
func (s Segment) Tokens() int {
	return EstimateTokens(s.Text)
}

// Lines returns the segment's lines.
func (s Segment) Lines() []string {
	return strings.Split(s.Text, "\n")
}

// EstimateTokens approximates the token count of text at four characters per
// token, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// turnPattern matches the first line of a message turn in a transcript.
var turnPattern = regexp.MustCompile(`(?i)^\s*(user|assistant|system|human|ai|spirit|agent)\s*(\([^)]*\))?\s*:`)

// Split segments text whose first line is line 1.
func Split(text string, opts Options) []Segment {
	return SplitLines(types.SplitLines(text), 1, opts)
}

// SplitLines segments lines, numbering them from first. Whitespace-only
// input yields nil.
func SplitLines(lines []string, first int, opts Options) []Segment {
	opts = opts.normalized()
	if strings.TrimSpace(strings.Join(lines, "")) == "" {
		return nil
	}

	blocks := splitBlocks(lines)
	return mergeBlocks(lines, first, blocks, opts)
}

// span is a half-open [start, end) index range into lines.
type span struct {
	start, end int
}

// splitBlocks cuts lines before headings, before message turns and at the
// first non-blank line after a blank line. Leading blank lines belong to the
// first block; trailing blank lines belong to the block they follow.
func splitBlocks(lines []string) []span {
	var blocks []span
	start := 0
	hasText := false
	prevBlank := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		blank := trimmed == ""

		if !blank && hasText && (prevBlank || isHeading(trimmed) || turnPattern.MatchString(line)) {
			blocks = append(blocks, span{start, i})
			start = i
			hasText = false
		}
		if !blank {
			hasText = true
		}
		prevBlank = blank
	}
	blocks = append(blocks, span{start, len(lines)})
	return blocks
}

func isHeading(trimmed string) bool {
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	rest := strings.TrimLeft(trimmed, "#")
	return len(trimmed)-len(rest) <= 6 && (rest == "" || strings.HasPrefix(rest, " "))
}

// mergeBlocks combines adjacent blocks up to the target size. A block that
// is larger than the target on its own becomes its own segment.
func mergeBlocks(lines []string, first int, blocks []span, opts Options) []Segment {
	var (
		out   []Segment
		accum span
		open  bool
	)

	size := func(s span) int {
		return EstimateTokens(strings.Join(lines[s.start:s.end], "\n"))
	}
	flush := func() {
		if !open {
			return
		}
		out = append(out, Segment{
			Text:  strings.Join(lines[accum.start:accum.end], "\n"),
			Range: types.SourceRange{Start: first + accum.start, End: first + accum.end - 1},
		})
		open = false
	}

	for _, b := range blocks {
		if !open {
			accum, open = b, true
			continue
		}
		combined := span{accum.start, b.end}
		if size(combined) <= opts.TargetTokens {
			accum = combined
			continue
		}
		flush()
		accum, open = b, true
	}
	flush()
	return out
}

// HardSplit breaks seg on line boundaries into pieces of at most maxTokens.
// A single line larger than maxTokens becomes its own piece. Blank lines
// stay with the piece before them, so a piece may run over maxTokens by its
// trailing blank lines but is never blank only (unless seg is). Ranges stay
// contiguous.
func HardSplit(seg Segment, maxTokens int) []Segment {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	lines := seg.Lines()
	var (
		out     []Segment
		start   int
		curSize int
		hasText bool
	)
	for i, line := range lines {
		lineSize := EstimateTokens(line + "\n")
		blank := strings.TrimSpace(line) == ""
		if !blank && hasText && curSize+lineSize > maxTokens {
			out = append(out, Segment{
				Text:  strings.Join(lines[start:i], "\n"),
				Range: types.SourceRange{Start: seg.Range.Start + start, End: seg.Range.Start + i - 1},
			})
			start = i
			curSize = 0
			hasText = false
		}
		curSize += lineSize
		hasText = hasText || !blank
	}
	out = append(out, Segment{
		Text:  strings.Join(lines[start:], "\n"),
		Range: types.SourceRange{Start: seg.Range.Start + start, End: seg.Range.Start + len(lines) - 1},
	})
	return out
}

// Subdivide splits an oversized segment one level deeper: structurally
// first, then on line boundaries if structure yields a single piece. It
// returns nil when seg cannot be divided further (a single line).
func Subdivide(seg Segment, opts Options) []Segment {
	opts = opts.normalized()
	deeper := Options{TargetTokens: opts.TargetTokens / 2, MaxTokens: opts.MaxTokens}
	if deeper.TargetTokens < 1 {
		deeper.TargetTokens = 1
	}
	parts := SplitLines(seg.Lines(), seg.Range.Start, deeper)
	if len(parts) > 1 && coversExactly(parts, seg.Range) {
		return parts
	}
	parts = HardSplit(seg, opts.MaxTokens/2+1)
	if len(parts) > 1 {
		return parts
	}
	return nil
}

// coversExactly reports whether parts partition r with no gap or overlap.
func coversExactly(parts []Segment, r types.SourceRange) bool {
	next := r.Start
	for _, p := range parts {
		if p.Range.Start != next || p.Range.End < p.Range.Start {
			return false
		}
		next = p.Range.End + 1
	}
	return next == r.End+1
}

// Outline renders the first non-blank line of each part with its range, the
// input for a summary pass over a subdivided segment.
func Outline(parts []Segment, maxLineChars int) string {
	var b strings.Builder
	for _, p := range parts {
		head := ""
		for _, l := range p.Lines() {
			if t := strings.TrimSpace(l); t != "" {
				head = t
				break
			}
		}
		if r := []rune(head); maxLineChars > 0 && len(r) > maxLineChars {
			head = string(r[:maxLineChars]) + "…"
		}
		b.WriteString("[")
		b.WriteString(p.Range.String())
		b.WriteString("] ")
		b.WriteString(head)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
