package engine

import (
	"context"
	"sync"
	"time"
)

// TraceEventKind classifies each recall trace event by type.
type TraceEventKind string

const (
	// KindRecallStarted is emitted at the beginning of a recall.
	KindRecallStarted TraceEventKind = "recall_started"

	// KindCandidatesFound is emitted after the candidate set is loaded.
	KindCandidatesFound TraceEventKind = "candidates_found"

	// KindScoredCandidate is emitted once per candidate that received scoring.
	KindScoredCandidate TraceEventKind = "scored_candidate"

	// KindFilteredOut is emitted for every candidate that was discarded.
	KindFilteredOut TraceEventKind = "filtered_out"

	// KindRelatedAdded is emitted for each node appended by traversal.
	KindRelatedAdded TraceEventKind = "related_added"

	// KindResultsReturned is emitted last with the final set.
	KindResultsReturned TraceEventKind = "results_returned"
)

// TraceEvent is a single structured event emitted during a recall.
type TraceEvent struct {
	Kind TraceEventKind `json:"kind"`
	At   time.Time      `json:"at"`

	// MemoryID is populated for per-node events.
	MemoryID string `json:"memory_id,omitempty"`

	// Count is used by candidates_found and results_returned.
	Count int `json:"count,omitempty"`

	Scores     *ScoreComponents `json:"scores,omitempty"`
	TotalScore float64          `json:"total_score,omitempty"`

	FilterReason string `json:"filter_reason,omitempty"`

	Query   string            `json:"query,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`

	// Via and Depth describe how a related node was reached.
	Via   string `json:"via,omitempty"`
	Depth int    `json:"depth,omitempty"`

	MemoryIDs []string `json:"memory_ids,omitempty"`
}

func newTraceEvent(kind TraceEventKind) TraceEvent {
	return TraceEvent{Kind: kind, At: time.Now()}
}

// TraceCollector accumulates TraceEvents for one recall.
type TraceCollector struct {
	mu        sync.Mutex
	events    []TraceEvent
	startedAt time.Time
}

// NewTraceCollector returns a fresh collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{startedAt: time.Now()}
}

// Emit appends an event to the collector.
func (tc *TraceCollector) Emit(e TraceEvent) {
	tc.mu.Lock()
	tc.events = append(tc.events, e)
	tc.mu.Unlock()
}

// Events returns the collected events in emission order.
func (tc *TraceCollector) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]TraceEvent(nil), tc.events...)
}

// ElapsedMS returns the time since the collector was created, in milliseconds.
func (tc *TraceCollector) ElapsedMS() int64 {
	return time.Since(tc.startedAt).Milliseconds()
}

type contextKey string

const traceKey contextKey = "recall_trace"

// WithTraceCollector stores a collector in the context. Recall emits its
// events into it.
func WithTraceCollector(ctx context.Context, tc *TraceCollector) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// TraceCollectorFromContext retrieves the collector from the context.
func TraceCollectorFromContext(ctx context.Context) (*TraceCollector, bool) {
	tc, ok := ctx.Value(traceKey).(*TraceCollector)
	return tc, ok
}

func emit(ctx context.Context, e TraceEvent) {
	if tc, ok := TraceCollectorFromContext(ctx); ok {
		tc.Emit(e)
	}
}

func eventRecallStarted(query string, filters map[string]string) TraceEvent {
	e := newTraceEvent(KindRecallStarted)
	e.Query = query
	e.Filters = filters
	return e
}

func eventCandidatesFound(count int) TraceEvent {
	e := newTraceEvent(KindCandidatesFound)
	e.Count = count
	return e
}

func eventScoredCandidate(id string, components ScoreComponents, total float64) TraceEvent {
	e := newTraceEvent(KindScoredCandidate)
	e.MemoryID = id
	e.Scores = &components
	e.TotalScore = total
	return e
}

func eventFilteredOut(id, reason string) TraceEvent {
	e := newTraceEvent(KindFilteredOut)
	e.MemoryID = id
	e.FilterReason = reason
	return e
}

func eventRelatedAdded(id, via string, depth int) TraceEvent {
	e := newTraceEvent(KindRelatedAdded)
	e.MemoryID = id
	e.Via = via
	e.Depth = depth
	return e
}

func eventResultsReturned(ids []string) TraceEvent {
	e := newTraceEvent(KindResultsReturned)
	e.MemoryIDs = ids
	e.Count = len(ids)
	return e
}
