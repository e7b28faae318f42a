package types

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// Default scores applied when a caller does not supply them.
const (
	DefaultImportance = 0.5
	DefaultConfidence = 1.0
)

// MemoryNode is a discrete unit of knowledge in an agent's memory pack.
// Nodes are never edited in place: an update creates a new node and
// deactivates the old one, linking them through SupersededBy and an
// EVOLVED_INTO relationship.
type MemoryNode struct {
	// Core identification fields
	ID      string `json:"id"`                // Unique identifier (ULID)
	AgentID string `json:"agent_id"`          // Owning agent
	Content string `json:"content"`           // Full text
	Summary string `json:"summary,omitempty"` // Short form

	// Classification
	Category   Category `json:"category"`   // Closed enum
	Importance float64  `json:"importance"` // 0.0-1.0
	Confidence float64  `json:"confidence"` // 0.0-1.0

	// Timestamps and reinforcement
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int        `json:"access_count"`

	// Provenance
	SourceType  SourceType `json:"source_type,omitempty"`
	SourceRef   string     `json:"source_ref,omitempty"`   // Opaque pointer, format owned by the caller
	SourceRange string     `json:"source_range,omitempty"` // "start:end", 1-indexed inclusive

	// Lifecycle
	IsActive     bool   `json:"is_active"`
	SupersededBy string `json:"superseded_by,omitempty"`

	// Tags is populated by reads that join the tag table. It is not a column.
	Tags []string `json:"tags,omitempty"`
}

// Clamp01 forces v into [0, 1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize applies defaults and clamps numeric fields. It does not touch
// identity or lifecycle fields.
func (n *MemoryNode) Normalize() {
	n.Content = strings.TrimSpace(n.Content)
	n.Summary = strings.TrimSpace(n.Summary)
	if n.Category == "" {
		n.Category = DefaultCategory
	}
	n.Importance = Clamp01(n.Importance)
	n.Confidence = Clamp01(n.Confidence)
}

// LeadingText returns summary and the first limit runes of content, which is
// the text a relatesTo hint is matched against.
func (n *MemoryNode) LeadingText(limit int) string {
	r := []rune(n.Content)
	if len(r) > limit {
		r = r[:limit]
	}
	return n.Summary + "\n" + string(r)
}

// Tag is a label attached to a node. The (MemoryID, Tag) pair is unique.
type Tag struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeTag lowercases and trims a tag, drops control characters and
// collapses inner whitespace to single dashes. It returns "" for tags that
// are empty after trimming.
func NormalizeTag(tag string) string {
	tag = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, tag)
	fields := strings.Fields(strings.ToLower(tag))
	return strings.Join(fields, "-")
}

// NormalizeTags normalizes and de-duplicates tags, preserving first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
