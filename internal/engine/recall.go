package engine

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// Score weights. A phrase match alone outweighs every other component
// combined, so nodes containing the query verbatim always rank first.
const (
	weightPhrase     = 0.50
	weightCoverage   = 0.25
	weightOccurrence = 0.05
	weightImportance = 0.10
	weightRecency    = 0.05
	weightUsage      = 0.05

	// relatedDecay scales a seed's score once per hop for related nodes.
	relatedDecay = 0.5
)

// Match kinds reported on RecallResult.
const (
	MatchDirect  = "direct"
	MatchRelated = "related"
)

// RecallRequest configures Recall. An empty query browses the agent's
// active nodes by importance.
type RecallRequest struct {
	Query    string
	Category string
	Tags     []string

	// Limit of 0 means DefaultRecallLimit; it is capped at MaxRecallLimit.
	Limit int

	// IncludeRelated appends nodes reached by traversal from the top results.
	IncludeRelated bool
}

// RecallResult is a scored node.
type RecallResult struct {
	Node  *types.MemoryNode `json:"node"`
	Score float64           `json:"score"`

	// Match is "direct" for search hits and "related" for traversal hits.
	Match string `json:"match"`

	// Via is the id of the direct result a related node was reached from.
	Via   string `json:"via,omitempty"`
	Depth int    `json:"depth,omitempty"`

	Components ScoreComponents `json:"components"`
}

// ScoreComponents breaks down a direct result's score.
type ScoreComponents struct {
	// Phrase is 1 when the whole query occurs in content or summary.
	Phrase float64 `json:"phrase"`

	// Coverage is the fraction of query terms found.
	Coverage float64 `json:"coverage"`

	// Occurrence grows with the total number of term hits.
	Occurrence float64 `json:"occurrence"`

	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Usage      float64 `json:"usage"`
}

// Total returns the weighted sum of the components.
func (c ScoreComponents) Total() float64 {
	return weightPhrase*c.Phrase +
		weightCoverage*c.Coverage +
		weightOccurrence*c.Occurrence +
		weightImportance*c.Importance +
		weightRecency*c.Recency +
		weightUsage*c.Usage
}

// Recall searches the active nodes of pack, optionally expands the top
// results through the graph and reinforces every node it returns.
func (e *MemoryEngine) Recall(ctx context.Context, pack *packs.Pack, req RecallRequest) (results []RecallResult, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "recall", pack.AgentID,
		attribute.String("spirit.query", req.Query),
		attribute.Bool("spirit.include_related", req.IncludeRelated))
	defer func() { end(span, err) }()

	limit := req.Limit
	switch {
	case limit < 0:
		return nil, validationf("limit must not be negative")
	case limit == 0:
		limit = DefaultRecallLimit
	case limit > MaxRecallLimit:
		limit = MaxRecallLimit
	}

	filter := storage.NodeFilter{Tags: types.NormalizeTags(req.Tags)}
	if strings.TrimSpace(req.Category) != "" {
		if filter.Category, err = types.ParseCategory(req.Category); err != nil {
			return nil, validationf("%v", err)
		}
	}

	query := strings.ToLower(strings.TrimSpace(req.Query))
	terms := queryTerms(query)
	emit(ctx, eventRecallStarted(req.Query, recallFilters(filter)))

	now := e.now().UTC()
	if len(terms) == 0 {
		filter.Order = storage.OrderImportanceDesc
		filter.Limit = limit
		nodes, err := pack.Store.ListNodes(ctx, filter)
		if err != nil {
			return nil, err
		}
		emit(ctx, eventCandidatesFound(len(nodes)))
		for _, n := range nodes {
			c := ScoreComponents{
				Importance: n.Importance,
				Recency:    recencyScore(now, n.CreatedAt, n.LastAccessed),
				Usage:      usageScore(n.AccessCount),
			}
			results = append(results, RecallResult{Node: n, Score: n.Importance, Match: MatchDirect, Components: c})
		}
	} else {
		filter.Terms = terms
		nodes, err := pack.Store.ListNodes(ctx, filter)
		if err != nil {
			return nil, err
		}
		emit(ctx, eventCandidatesFound(len(nodes)))
		for _, n := range nodes {
			c, ok := scoreNode(n, query, terms, now)
			if !ok {
				emit(ctx, eventFilteredOut(n.ID, "no term matched"))
				continue
			}
			total := c.Total()
			emit(ctx, eventScoredCandidate(n.ID, c, total))
			results = append(results, RecallResult{Node: n, Score: total, Match: MatchDirect, Components: c})
		}
		sortResults(results)
		if len(results) > limit {
			for _, r := range results[limit:] {
				emit(ctx, eventFilteredOut(r.Node.ID, "below limit"))
			}
			results = results[:limit]
		}
	}

	if req.IncludeRelated && len(results) > 0 {
		related, err := e.expandRelated(ctx, pack, results)
		if err != nil {
			return nil, err
		}
		results = append(results, related...)
	}

	e.reinforce(ctx, pack, results, now)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}
	emit(ctx, eventResultsReturned(ids))
	e.telemetry.recordRecall(ctx, len(results))
	if results == nil {
		results = []RecallResult{}
	}
	return results, nil
}

// expandRelated walks up to relatedMaxHops from each direct result, in
// rank order, and returns active nodes not already present, up to
// RelatedCap in total.
func (e *MemoryEngine) expandRelated(ctx context.Context, pack *packs.Pack, direct []RecallResult) ([]RecallResult, error) {
	seen := make(map[string]bool, len(direct))
	for _, r := range direct {
		seen[r.Node.ID] = true
	}

	traversal := NewGraphTraversal(pack.Store)
	bounds := storage.GraphBounds{
		MaxHops:  relatedMaxHops,
		MaxNodes: e.config.RelatedCap*4 + 1,
	}

	var related []RecallResult
	for _, seed := range direct {
		if len(related) >= e.config.RelatedCap {
			break
		}
		hops, err := traversal.FindRelatedBounded(ctx, seed.Node.ID, bounds)
		if err != nil {
			if isStorageFailure(err) {
				return nil, err
			}
			e.logger.Warn("related expansion stopped",
				zap.String("agent", pack.AgentID), zap.String("seed", seed.Node.ID), zap.Error(err))
			continue
		}
		for _, hop := range hops {
			if len(related) >= e.config.RelatedCap {
				break
			}
			if seen[hop.ID] {
				continue
			}
			seen[hop.ID] = true
			node, err := pack.Store.GetNode(ctx, hop.ID)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, err
			}
			if !node.IsActive {
				continue
			}
			score := seed.Score
			for i := 0; i < hop.Depth; i++ {
				score *= relatedDecay
			}
			emit(ctx, eventRelatedAdded(node.ID, seed.Node.ID, hop.Depth))
			related = append(related, RecallResult{
				Node:  node,
				Score: score,
				Match: MatchRelated,
				Via:   seed.Node.ID,
				Depth: hop.Depth,
			})
		}
	}
	return related, nil
}

// reinforce records the access on every returned node. Failure is logged
// and otherwise ignored; the returned nodes reflect the increment either way.
func (e *MemoryEngine) reinforce(ctx context.Context, pack *packs.Pack, results []RecallResult, at time.Time) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}
	if err := pack.Store.TouchNodes(ctx, ids, at); err != nil {
		e.logger.Warn("recall reinforcement failed",
			zap.String("agent", pack.AgentID), zap.Int("nodes", len(ids)), zap.Error(err))
	}
	for _, r := range results {
		r.Node.AccessCount++
		accessed := at
		r.Node.LastAccessed = &accessed
	}
}

// scoreNode scores n against the lowercased query and its terms. It
// reports false when no term occurs in the node.
func scoreNode(n *types.MemoryNode, query string, terms []string, now time.Time) (ScoreComponents, bool) {
	text := strings.ToLower(n.Content + "\n" + n.Summary)

	matched, occurrences := 0, 0
	for _, term := range terms {
		if c := strings.Count(text, term); c > 0 {
			matched++
			occurrences += c
		}
	}
	if matched == 0 {
		return ScoreComponents{}, false
	}

	c := ScoreComponents{
		Coverage:   float64(matched) / float64(len(terms)),
		Occurrence: float64(occurrences) / float64(occurrences+3),
		Importance: n.Importance,
		Recency:    recencyScore(now, n.CreatedAt, n.LastAccessed),
		Usage:      usageScore(n.AccessCount),
	}
	if strings.Contains(text, query) {
		c.Phrase = 1
	}
	return c, true
}

// sortResults orders by score, then newer created_at, then id, all
// descending.
func sortResults(results []RecallResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Node.CreatedAt.Equal(b.Node.CreatedAt) {
			return a.Node.CreatedAt.After(b.Node.CreatedAt)
		}
		return a.Node.ID > b.Node.ID
	})
}

// queryTerms splits a lowercased query into unique alphanumeric tokens.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return dedupe(fields)
}

func recallFilters(f storage.NodeFilter) map[string]string {
	filters := map[string]string{}
	if f.Category != "" {
		filters["category"] = string(f.Category)
	}
	if len(f.Tags) > 0 {
		filters["tags"] = strings.Join(f.Tags, ",")
	}
	return filters
}
