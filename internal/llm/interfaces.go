package llm

import (
	"context"

	"github.com/scrypster/spirit-memory/pkg/types"
)

// TextGenerator is the interface for LLM text completion.
// All extraction prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// Mode selects what the sub-agent is asked to do with a segment.
type Mode string

const (
	// ModeExtract asks for discrete memories found in a leaf segment.
	ModeExtract Mode = "extract"
	// ModeSummarize asks for a single overview memory of a section whose
	// children are extracted separately.
	ModeSummarize Mode = "summarize"
)

// SegmentRequest is one unit of sub-agent work.
type SegmentRequest struct {
	AgentID    string
	Mode       Mode
	Text       string
	Range      types.SourceRange
	Context    string
	SourceType types.SourceType
	SourceRef  string
	Depth      int
}

// Candidate is an untrusted memory suggestion produced by the sub-agent.
// Callers coerce it at the store boundary; nothing here is validated beyond
// JSON shape.
type Candidate struct {
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	Category   string   `json:"category,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	RelatesTo  string   `json:"relates_to,omitempty"`
}

// SubAgent turns a content segment into candidate memories.
type SubAgent interface {
	ExtractSegment(ctx context.Context, req SegmentRequest) ([]Candidate, error)
}
