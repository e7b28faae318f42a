package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// memGraph is an in-memory GraphReader.
type memGraph struct {
	edges []*types.Relationship
	err   error
}

func (g *memGraph) link(src, dst string, strength float64) {
	g.edges = append(g.edges, &types.Relationship{
		ID:       fmt.Sprintf("e%d", len(g.edges)),
		SourceID: src,
		TargetID: dst,
		Type:     types.RelRelatesTo,
		Strength: strength,
	})
}

func (g *memGraph) GetRelationships(ctx context.Context, id string) ([]*types.Relationship, error) {
	if g.err != nil {
		return nil, g.err
	}
	var out []*types.Relationship
	for _, e := range g.edges {
		if e.SourceID == id || e.TargetID == id {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out, nil
}

func hopIDs(hops []Hop) []string {
	ids := make([]string, len(hops))
	for i, h := range hops {
		ids[i] = h.ID
	}
	return ids
}

func TestFindRelatedBounded_DepthAndDirection(t *testing.T) {
	g := &memGraph{}
	g.link("b", "a", 1) // incoming edge is followed too
	g.link("b", "c", 1)
	g.link("c", "d", 1)

	hops, err := NewGraphTraversal(g).FindRelatedBounded(context.Background(), "a", storage.GraphBounds{MaxHops: 2, MaxNodes: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, hopIDs(hops))
	assert.Equal(t, 1, hops[0].Depth)
	assert.Equal(t, 2, hops[1].Depth)
	require.NotNil(t, hops[1].Via)
	assert.Equal(t, "b", hops[1].Via.SourceID)
}

func TestFindRelatedBounded_StrongestFirst(t *testing.T) {
	g := &memGraph{}
	g.link("a", "weak", 0.2)
	g.link("a", "strong", 0.9)
	g.link("a", "mid", 0.5)

	hops, err := NewGraphTraversal(g).FindRelatedBounded(context.Background(), "a", storage.GraphBounds{MaxHops: 1, MaxNodes: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"strong", "mid", "weak"}, hopIDs(hops))
}

func TestFindRelatedBounded_CyclesVisitOnce(t *testing.T) {
	g := &memGraph{}
	g.link("a", "b", 1)
	g.link("b", "c", 1)
	g.link("c", "a", 1)

	hops, err := NewGraphTraversal(g).FindRelatedBounded(context.Background(), "a", storage.GraphBounds{MaxHops: 5, MaxNodes: 10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, hopIDs(hops))
}

// TestFindRelatedBounded_MaxNodes checks hitting a bound returns the hops
// found so far without an error.
func TestFindRelatedBounded_MaxNodes(t *testing.T) {
	g := &memGraph{}
	for i := 0; i < 10; i++ {
		g.link("hub", fmt.Sprintf("n%d", i), 1)
	}

	hops, err := NewGraphTraversal(g).FindRelatedBounded(context.Background(), "hub", storage.GraphBounds{MaxHops: 1, MaxNodes: 4})
	require.NoError(t, err)
	assert.Len(t, hops, 3)
}

func TestBreadthFirstSearch_BoundsError(t *testing.T) {
	g := &memGraph{}
	for i := 0; i < 10; i++ {
		g.link("hub", fmt.Sprintf("n%d", i), 1)
	}

	err := NewGraphTraversal(g).BreadthFirstSearch(context.Background(), "hub",
		storage.GraphBounds{MaxHops: 1, MaxNodes: 100, MaxEdges: 3},
		func(Hop) bool { return true })
	assert.True(t, errors.Is(err, storage.ErrGraphBoundsExceeded))
}

func TestBreadthFirstSearch_VisitorStops(t *testing.T) {
	g := &memGraph{}
	g.link("a", "b", 1)
	g.link("a", "c", 1)

	var seen []string
	err := NewGraphTraversal(g).BreadthFirstSearch(context.Background(), "a",
		storage.GraphBounds{MaxHops: 2, MaxNodes: 10},
		func(h Hop) bool {
			seen = append(seen, h.ID)
			return len(seen) < 2
		})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestBreadthFirstSearch_Errors(t *testing.T) {
	g := &memGraph{err: storage.ErrStorageFailure}
	_, err := NewGraphTraversal(g).FindRelatedBounded(context.Background(), "a", storage.GraphBounds{})
	assert.True(t, errors.Is(err, storage.ErrStorageFailure))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewGraphTraversal(&memGraph{}).FindRelatedBounded(ctx, "a", storage.GraphBounds{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWalkBudget(t *testing.T) {
	w := newWalkBudget(storage.GraphBounds{MaxHops: 2, MaxNodes: 2, MaxEdges: 1})
	ctx := context.Background()

	assert.True(t, errors.Is(w.enter(ctx, 3), storage.ErrGraphBoundsExceeded))
	require.NoError(t, w.enter(ctx, 0))
	require.NoError(t, w.enter(ctx, 2))
	assert.True(t, errors.Is(w.enter(ctx, 1), storage.ErrGraphBoundsExceeded))

	require.NoError(t, w.follow())
	assert.True(t, errors.Is(w.follow(), storage.ErrGraphBoundsExceeded))

	assert.Equal(t, 2, w.nodes)
	assert.Equal(t, 1, w.edges)
	assert.Equal(t, 2, w.deepest)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, errors.Is(newWalkBudget(storage.GraphBounds{}).enter(cancelled, 0), context.Canceled))
}
