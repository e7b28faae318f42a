package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
)

// walkBudget spends a GraphBounds allowance over one traversal. The walk
// stops at the first limit reached; whether a partial walk is an error is
// up to the caller.
type walkBudget struct {
	limits   storage.GraphBounds
	deadline time.Time

	nodes   int
	edges   int
	deepest int
}

func newWalkBudget(limits storage.GraphBounds) *walkBudget {
	limits.Normalize()
	return &walkBudget{limits: limits, deadline: time.Now().Add(limits.Timeout)}
}

func boundsExceeded(format string, args ...any) error {
	return fmt.Errorf("%w: %s", storage.ErrGraphBoundsExceeded, fmt.Sprintf(format, args...))
}

// enter admits a node at depth and counts it. The start node is depth 0,
// so a node exactly MaxHops away is still admitted.
func (w *walkBudget) enter(ctx context.Context, depth int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("graph walk interrupted: %w", err)
	}
	switch {
	case depth > w.limits.MaxHops:
		return boundsExceeded("depth %d is past %d hops", depth, w.limits.MaxHops)
	case w.nodes >= w.limits.MaxNodes:
		return boundsExceeded("%d nodes already visited", w.nodes)
	case !time.Now().Before(w.deadline):
		return boundsExceeded("walk ran past %v", w.limits.Timeout)
	}
	w.nodes++
	w.deepest = max(w.deepest, depth)
	return nil
}

// follow spends one edge.
func (w *walkBudget) follow() error {
	if w.edges >= w.limits.MaxEdges {
		return boundsExceeded("%d edges already followed", w.edges)
	}
	w.edges++
	return nil
}
