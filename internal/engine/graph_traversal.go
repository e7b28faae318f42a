package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// GraphTraversal walks a pack's relationships breadth first under
// GraphBounds. Nodes and edges are looked up by id on every step; nothing
// is held as an object graph, so cycles and shared neighbours are plain
// revisits that the visited set absorbs.
type GraphTraversal struct {
	graph storage.GraphReader
}

// Hop is a node reached during traversal.
type Hop struct {
	ID    string
	Depth int
	// Via is the edge that first reached the node; nil for the start node.
	Via *types.Relationship
}

// NewGraphTraversal creates a traversal over graph.
func NewGraphTraversal(graph storage.GraphReader) *GraphTraversal {
	return &GraphTraversal{graph: graph}
}

// BreadthFirstSearch performs bounded BFS starting from startID. Edges are
// followed in both directions; siblings are expanded strongest edge first.
// The visitor returns false to stop traversal.
//
// It returns ErrGraphBoundsExceeded if a bound stopped the walk early.
func (g *GraphTraversal) BreadthFirstSearch(
	ctx context.Context,
	startID string,
	bounds storage.GraphBounds,
	visitor func(hop Hop) bool,
) error {
	bounds.Normalize()
	budget := newWalkBudget(bounds)

	queue := []Hop{{ID: startID}}
	visited := map[string]bool{startID: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if err := budget.enter(ctx, current.Depth); err != nil {
			return err
		}

		if !visitor(current) {
			return nil
		}

		if current.Depth >= bounds.MaxHops {
			continue
		}

		rels, err := g.graph.GetRelationships(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("failed to get relationships for %s: %w", current.ID, err)
		}
		for _, rel := range rels {
			next := rel.Other(current.ID)
			if visited[next] {
				continue
			}
			if err := budget.follow(); err != nil {
				return err
			}
			visited[next] = true
			queue = append(queue, Hop{ID: next, Depth: current.Depth + 1, Via: rel})
		}
	}

	return nil
}

// FindRelatedBounded returns the nodes reachable from sourceID within
// bounds, nearest first, excluding sourceID. Hitting a bound is not an
// error: the hops found so far are returned.
func (g *GraphTraversal) FindRelatedBounded(ctx context.Context, sourceID string, bounds storage.GraphBounds) ([]Hop, error) {
	related := make([]Hop, 0)

	err := g.BreadthFirstSearch(ctx, sourceID, bounds, func(hop Hop) bool {
		if hop.ID != sourceID {
			related = append(related, hop)
		}
		return true
	})
	if errors.Is(err, storage.ErrGraphBoundsExceeded) {
		return related, nil
	}
	return related, err
}
