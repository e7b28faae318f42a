// Package tools exposes the six memory operations as named tools with flat
// parameters, for an in-process tool-invocation layer. Every call returns a
// Response; failures carry one of a fixed set of error codes.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// Tool names
const (
	ToolStore   = "memoryStore"
	ToolRecall  = "memoryRecall"
	ToolUpdate  = "memoryUpdate"
	ToolForget  = "memoryForget"
	ToolExtract = "memoryExtract"
	ToolSource  = "memorySource"
)

// Response is the outcome of one tool call.
type Response struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`

	// CallID correlates the response with log lines for the call.
	CallID string `json:"call_id"`
}

// ToolError is a typed failure.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// JobID is set on ALREADY_PROCESSED when the source is still being
	// extracted.
	JobID string `json:"job_id,omitempty"`
}

// StoreArgs are the memoryStore parameters.
type StoreArgs struct {
	Content     string     `json:"content"`
	Summary     string     `json:"summary,omitempty"`
	Category    string     `json:"category,omitempty"`
	Importance  *flexFloat `json:"importance,omitempty"`
	Confidence  *flexFloat `json:"confidence,omitempty"`
	Tags        stringList `json:"tags,omitempty"`
	RelatesTo   string     `json:"relatesTo,omitempty"`
	SourceType  string     `json:"sourceType,omitempty"`
	SourceRef   string     `json:"sourceRef,omitempty"`
	SourceRange string     `json:"sourceRange,omitempty"`
}

// StoreResult is the memoryStore payload.
type StoreResult struct {
	ID        string            `json:"id"`
	Node      *types.MemoryNode `json:"node"`
	RelatedTo string            `json:"relatedTo,omitempty"`
}

// RecallArgs are the memoryRecall parameters. IncludeRelated defaults to
// true when omitted.
type RecallArgs struct {
	Query          string     `json:"query"`
	Category       string     `json:"category,omitempty"`
	Tags           stringList `json:"tags,omitempty"`
	Limit          flexInt    `json:"limit,omitempty"`
	IncludeRelated *flexBool  `json:"includeRelated,omitempty"`
}

// RecallResult is the memoryRecall payload.
type RecallResult struct {
	Count   int                   `json:"count"`
	Results []engine.RecallResult `json:"results"`
}

// UpdateArgs are the memoryUpdate parameters.
type UpdateArgs struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary,omitempty"`
	Category   string     `json:"category,omitempty"`
	Importance *flexFloat `json:"importance,omitempty"`
	Confidence *flexFloat `json:"confidence,omitempty"`
	Tags       stringList `json:"tags,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// UpdateResult is the memoryUpdate payload.
type UpdateResult struct {
	ID         string            `json:"id"`
	PreviousID string            `json:"previousId"`
	Node       *types.MemoryNode `json:"node"`
}

// ForgetArgs are the memoryForget parameters.
type ForgetArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ForgetResult is the memoryForget payload.
type ForgetResult struct {
	ID        string `json:"id"`
	Forgotten bool   `json:"forgotten"`
}

// ExtractArgs are the memoryExtract parameters. With JobID set, the call
// reports that job instead of starting work.
type ExtractArgs struct {
	Content    string     `json:"content,omitempty"`
	SourceType string     `json:"sourceType,omitempty"`
	SourceRef  string     `json:"sourceRef,omitempty"`
	Context    string     `json:"context,omitempty"`
	MaxDepth   flexInt    `json:"maxDepth,omitempty"`
	Force      flexBool   `json:"force,omitempty"`
	Tags       stringList `json:"tags,omitempty"`
	JobID      string     `json:"jobId,omitempty"`
}

// JobResult is the memoryExtract payload for a job lookup.
type JobResult struct {
	Job *types.ExtractionJob `json:"job"`
}

// SourceArgs are the memorySource parameters.
type SourceArgs struct {
	Source     string `json:"source"`
	SourceType string `json:"sourceType,omitempty"`
	Range      string `json:"range,omitempty"`
}

// stringList accepts a JSON array, a JSON-encoded array inside a string, or
// a comma-separated string. Some tool callers send arrays in either string
// form.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*l = items
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected an array of strings")
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &items); err != nil {
			return fmt.Errorf("malformed array string %q", s)
		}
		*l = items
		return nil
	}
	items = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	*l = items
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a number")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %q", s)
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// flexInt accepts a whole JSON number or an integer string.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		if v != float64(int(v)) {
			return fmt.Errorf("expected an integer, got %v", v)
		}
		*n = flexInt(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected an integer")
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", s)
	}
	*n = flexInt(i)
	return nil
}

// flexBool accepts a JSON boolean or "true"/"false" in any case.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a boolean")
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected a boolean, got %q", s)
	}
	*b = flexBool(v)
	return nil
}
