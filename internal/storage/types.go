package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/spirit-memory/pkg/types"
)

var (
	// ErrNotFound indicates that the requested node, job or pack was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConstraintViolation indicates that a write would break a graph
	// invariant: an edge to a missing node, a self edge, a supersession
	// cycle, or an illegal lifecycle or job transition.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStorageFailure indicates the pack file could not be read or written.
	// It is fatal for the operation in flight; committed data is untouched.
	ErrStorageFailure = errors.New("storage failure")

	// ErrJobAlreadyClaimed is returned when a worker tries to claim a job
	// that is no longer pending.
	ErrJobAlreadyClaimed = fmt.Errorf("%w: job already claimed", ErrConstraintViolation)

	// ErrPackOwnerMismatch is returned when a pack file belongs to another agent.
	ErrPackOwnerMismatch = errors.New("pack belongs to a different agent")

	// ErrGraphBoundsExceeded indicates that graph traversal exceeded bounds.
	ErrGraphBoundsExceeded = errors.New("graph bounds exceeded")
)

// Order selects how ListNodes sorts its result.
type Order string

// Node orderings
const (
	OrderCreatedDesc    Order = "created_desc"
	OrderImportanceDesc Order = "importance_desc"
)

// NodeFilter narrows ListNodes. Zero values mean "no constraint".
type NodeFilter struct {
	// IncludeInactive returns superseded and forgotten nodes as well.
	IncludeInactive bool

	// Category restricts results to one category.
	Category types.Category

	// Tags keeps nodes carrying at least one of these tags.
	Tags []string

	// Terms keeps nodes whose content or summary contains at least one term
	// (case-insensitive substring).
	Terms []string

	// Order defaults to OrderCreatedDesc.
	Order Order

	// Limit of 0 returns every matching node.
	Limit int
}

// LogFilter narrows ListLog.
type LogFilter struct {
	// Action restricts results to one action; empty means all.
	Action types.LogAction

	// NodeID keeps entries whose affected_ids contain this id.
	NodeID string

	// Limit of 0 means the default of 100.
	Limit int
}

// Normalize applies defaults to the filter.
func (f *LogFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status types.JobStatus
	Limit  int
}

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	// MaxHops is the maximum number of hops from the starting node.
	MaxHops int

	// MaxNodes is the maximum number of nodes to return.
	MaxNodes int

	// MaxEdges is the maximum number of edges to traverse.
	MaxEdges int

	// Timeout is the maximum duration for the traversal operation.
	Timeout time.Duration
}

// Normalize applies defaults and validates the GraphBounds.
func (g *GraphBounds) Normalize() {
	if g.MaxHops < 1 {
		g.MaxHops = 2 // Default max hops
	}

	if g.MaxHops > 10 {
		g.MaxHops = 10 // Cap max hops
	}

	if g.MaxNodes < 1 {
		g.MaxNodes = 5 // Default max nodes
	}

	if g.MaxNodes > 1000 {
		g.MaxNodes = 1000 // Cap max nodes
	}

	if g.MaxEdges < 1 {
		g.MaxEdges = 500 // Default max edges
	}

	if g.MaxEdges > 5000 {
		g.MaxEdges = 5000 // Cap max edges
	}

	if g.Timeout == 0 {
		g.Timeout = 5 * time.Second // Default timeout
	}

	if g.Timeout > 5*time.Minute {
		g.Timeout = 5 * time.Minute // Cap timeout
	}
}
