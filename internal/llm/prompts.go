// Package llm provides the reasoning sub-agent used by extraction: text
// generation clients for Ollama, OpenAI and Anthropic behind a circuit
// breaker, strict JSON-only prompts, and a tolerant response parser.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/spirit-memory/pkg/types"
)

func categoryList() string {
	names := make([]string, 0, len(types.ValidCategories))
	for _, c := range types.ValidCategories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func sourceLine(req SegmentRequest) string {
	if req.SourceRef == "" {
		return string(req.SourceType)
	}
	return fmt.Sprintf("%s %s (lines %s)", req.SourceType, req.SourceRef, req.Range)
}

func contextBlock(req SegmentRequest) string {
	if strings.TrimSpace(req.Context) == "" {
		return ""
	}
	return "\nCALLER CONTEXT:\n" + strings.TrimSpace(req.Context) + "\n"
}

// ExtractionPrompt asks for every durable memory in one leaf segment.
func ExtractionPrompt(req SegmentRequest) string {
	return fmt.Sprintf(`TASK: Extract durable memories from a segment of source text.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO explanation.

A memory is one self-contained statement worth remembering across sessions:
a fact, a preference, a decision, a piece of knowledge, a notable thought,
or a notable conversational exchange. Write each memory so it makes sense
without the surrounding text. Skip filler and greetings.

FIELDS:
- content: the full statement (required)
- summary: at most 12 words
- category: one of %s
- importance: 0.0 to 1.0 (how useful this is later)
- tags: 0-5 short lowercase labels
- relates_to: short text naming an existing memory this builds on, or ""

SOURCE: %s
%s
SEGMENT:
%s

Return ONLY a JSON object, nothing else. Use an empty array when nothing is worth keeping:
{"memories":[{"content":"...","summary":"...","category":"fact","importance":0.5,"tags":["..."],"relates_to":""}]}`,
		categoryList(), sourceLine(req), contextBlock(req), req.Text)
}

// SummaryPrompt asks for one overview memory of a section that is too large
// to extract in one call. The text is an outline of the section's parts.
func SummaryPrompt(req SegmentRequest) string {
	return fmt.Sprintf(`TASK: Write one overview memory for a section of a larger source.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO explanation.

The section is too large to read at once. Below is an outline: each line is
a part of the section with its line range and opening text. The parts are
extracted separately; describe what the section as a whole covers.

FIELDS:
- content: 1-3 sentences describing the section (required)
- summary: at most 12 words
- category: one of %s (usually knowledge)
- importance: 0.0 to 1.0
- tags: 0-5 short lowercase labels

SOURCE: %s
%s
OUTLINE:
%s

Return ONLY a JSON object with exactly one memory, nothing else:
{"memories":[{"content":"...","summary":"...","category":"knowledge","importance":0.4,"tags":["..."]}]}`,
		categoryList(), sourceLine(req), contextBlock(req), req.Text)
}

// PromptFor returns the prompt matching req.Mode.
func PromptFor(req SegmentRequest) string {
	if req.Mode == ModeSummarize {
		return SummaryPrompt(req)
	}
	return ExtractionPrompt(req)
}
