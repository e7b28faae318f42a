// Package types defines the core data structures for Spirit Memory.
// These types represent memory nodes, the typed edges between them, tags,
// the append-only consolidation log and asynchronous extraction jobs. Every
// value is owned by exactly one agent's memory pack.
package types

import (
	"fmt"
	"strings"
)

// Category classifies a memory node. The set is closed.
type Category string

// Category constants
const (
	CategoryConversation Category = "conversation"
	CategoryThought      Category = "thought"
	CategoryKnowledge    Category = "knowledge"
	CategoryFact         Category = "fact"
	CategoryPreference   Category = "preference"
)

// DefaultCategory is used when a caller omits the category.
const DefaultCategory = CategoryKnowledge

// ValidCategories lists every accepted category in display order.
var ValidCategories = []Category{
	CategoryConversation,
	CategoryThought,
	CategoryKnowledge,
	CategoryFact,
	CategoryPreference,
}

// IsValid reports whether c is one of the closed category values.
func (c Category) IsValid() bool {
	for _, v := range ValidCategories {
		if c == v {
			return true
		}
	}
	return false
}

// ParseCategory validates a caller-supplied category. Matching is
// case-insensitive and surrounding whitespace is ignored. An empty string
// yields DefaultCategory.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultCategory, nil
	}
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// CoerceCategory maps untrusted model output onto the closed enum. Unknown
// values are down-graded to DefaultCategory instead of rejected.
func CoerceCategory(s string) Category {
	c, err := ParseCategory(s)
	if err != nil {
		return DefaultCategory
	}
	return c
}

// SourceType identifies where a node's original content lives.
type SourceType string

// Source type constants
const (
	SourceDocument           SourceType = "document"
	SourceLegacyMemory       SourceType = "legacy_memory"
	SourceSpiritConversation SourceType = "spirit_conversation"
	SourceURL                SourceType = "url"
	SourceDerived            SourceType = "derived"
)

// ValidSourceTypes lists every accepted source type.
var ValidSourceTypes = []SourceType{
	SourceDocument,
	SourceLegacyMemory,
	SourceSpiritConversation,
	SourceURL,
	SourceDerived,
}

// IsValid reports whether s is a known source type.
func (s SourceType) IsValid() bool {
	for _, v := range ValidSourceTypes {
		if s == v {
			return true
		}
	}
	return false
}

// ParseSourceType validates a caller-supplied source type. Empty input is
// returned as the empty SourceType so callers can apply their own default.
func ParseSourceType(s string) (SourceType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	st := SourceType(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown source type %q", s)
	}
	return st, nil
}

// LogAction is the kind of mutation recorded in the consolidation log.
type LogAction string

// Consolidation log actions
const (
	ActionStore   LogAction = "STORE"
	ActionUpdate  LogAction = "UPDATE"
	ActionForget  LogAction = "FORGET"
	ActionMerge   LogAction = "MERGE"
	ActionExtract LogAction = "EXTRACT"
)

// IsValid reports whether a is a known log action.
func (a LogAction) IsValid() bool {
	switch a {
	case ActionStore, ActionUpdate, ActionForget, ActionMerge, ActionExtract:
		return true
	}
	return false
}

// Well-known relationship types. The vocabulary is open; these are the ones
// the engine itself writes.
const (
	RelRelatesTo   = "RELATES_TO"
	RelEvolvedInto = "EVOLVED_INTO"
	RelPartOf      = "PART_OF"
)
