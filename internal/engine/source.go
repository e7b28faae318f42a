package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// SourceRequest identifies original content to fact-check against.
type SourceRequest struct {
	// Source is a node id or a raw source reference.
	Source string

	// SourceType narrows a raw reference; it is optional.
	SourceType string

	// Range is "start:end" or "all". Empty means the node's own range for a
	// node id, and "all" otherwise.
	Range string
}

// SourceResult is the resolved original content.
type SourceResult struct {
	Content    string           `json:"content"`
	SourceType types.SourceType `json:"source_type,omitempty"`
	SourceRef  string           `json:"source_ref"`
	Range      string           `json:"range"`
	TotalLines int              `json:"total_lines"`

	// Pack is the agent whose pack the source was found through.
	Pack   string `json:"pack"`
	NodeID string `json:"node_id,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Source resolves a node id or source reference to its original content,
// searching pack and every pack its owner was granted access to. Inactive
// nodes resolve like active ones.
func (e *MemoryEngine) Source(ctx context.Context, pack *packs.Pack, req SourceRequest) (res *SourceResult, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "source", pack.AgentID,
		attribute.String("spirit.source", req.Source),
		attribute.String("spirit.range", req.Range))
	defer func() { end(span, err) }()

	source := strings.TrimSpace(req.Source)
	if source == "" {
		return nil, validationf("source is required")
	}
	sourceType, err := types.ParseSourceType(req.SourceType)
	if err != nil {
		return nil, validationf("%v", err)
	}
	rangeSpec := strings.TrimSpace(req.Range)
	if rangeSpec != "" && rangeSpec != types.RangeAll {
		if _, err := types.ParseSourceRange(rangeSpec); err != nil {
			return nil, validationf("%v", err)
		}
	}

	reachable, err := e.reachable(ctx, pack)
	if err != nil {
		return nil, err
	}

	res, err = e.sourceFromNode(ctx, reachable, source)
	switch {
	case err != nil:
		return nil, err
	case res != nil:
		if rangeSpec == "" {
			rangeSpec = res.Range
		}
	default:
		res, err = e.sourceFromRef(ctx, reachable, sourceType, source)
		if err != nil {
			return nil, err
		}
	}

	return applyRange(res, rangeSpec)
}

// reachable lists pack first, then the packs granted to its owner.
func (e *MemoryEngine) reachable(ctx context.Context, pack *packs.Pack) ([]*packs.Pack, error) {
	granted, err := e.registry.Reachable(ctx, pack.AgentID)
	if err != nil {
		return nil, err
	}
	out := []*packs.Pack{pack}
	for _, p := range granted {
		if p.AgentID != pack.AgentID {
			out = append(out, p)
		}
	}
	return out, nil
}

// sourceFromNode resolves source as a node id. It returns nil, nil when no
// reachable pack has such a node.
func (e *MemoryEngine) sourceFromNode(ctx context.Context, reachable []*packs.Pack, id string) (*SourceResult, error) {
	for _, p := range reachable {
		node, err := p.Store.GetNode(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// A node without provenance is its own source. Its SourceRange
		// points into text that was never kept, so it is returned whole.
		if node.SourceRef == "" {
			return &SourceResult{
				Content:    node.Content,
				SourceType: node.SourceType,
				SourceRef:  node.ID,
				Pack:       p.AgentID,
				NodeID:     node.ID,
			}, nil
		}

		res, err := e.resolveContent(ctx, reachable, p, node.SourceType, node.SourceRef)
		if err != nil {
			return nil, err
		}
		res.NodeID = node.ID
		res.Range = node.SourceRange
		return res, nil
	}
	return nil, nil
}

// sourceFromRef resolves a raw reference. The pack holding nodes from the
// reference owns it and supplies its type when none was given.
func (e *MemoryEngine) sourceFromRef(ctx context.Context, reachable []*packs.Pack, sourceType types.SourceType, ref string) (*SourceResult, error) {
	for _, p := range reachable {
		nodes, err := p.Store.FindNodesBySource(ctx, sourceType, ref)
		if err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			return e.resolveContent(ctx, reachable, p, nodes[0].SourceType, ref)
		}
	}
	if sourceType == "" {
		return nil, fmt.Errorf("%w: no reachable pack references %q", ErrSourceNotFound, ref)
	}
	return e.resolveContent(ctx, reachable, reachable[0], sourceType, ref)
}

// resolveContent finds the text of a source: retained copies first, then
// node ids for memory-derived sources, then the content loader acting for
// the owning pack.
func (e *MemoryEngine) resolveContent(ctx context.Context, reachable []*packs.Pack, owner *packs.Pack, sourceType types.SourceType, ref string) (*SourceResult, error) {
	res := &SourceResult{SourceType: sourceType, SourceRef: ref, Pack: owner.AgentID}

	for _, p := range reachable {
		text, err := p.Store.GetSourceText(ctx, sourceType, ref)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Content, res.Pack = text, p.AgentID
		return res, nil
	}

	if sourceType == types.SourceLegacyMemory || sourceType == types.SourceDerived {
		for _, p := range reachable {
			node, err := p.Store.GetNode(ctx, ref)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			res.Content, res.Pack = node.Content, p.AgentID
			return res, nil
		}
	}

	content, err := e.loadSource(ctx, owner.AgentID, sourceType, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrSourceNotFound) {
			return nil, err
		}
		// The cause is flattened so a rejected ref reads as not found
		// rather than as invalid input to the lookup.
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSourceNotFound, sourceType, ref, err)
	}
	res.Content, res.Title = content.Text, content.Title
	return res, nil
}

// applyRange cuts res.Content down to rangeSpec and records what was applied.
func applyRange(res *SourceResult, rangeSpec string) (*SourceResult, error) {
	res.TotalLines = len(types.SplitLines(res.Content))
	if rangeSpec == "" || rangeSpec == types.RangeAll {
		res.Range = types.RangeAll
		return res, nil
	}

	r, err := types.ParseSourceRange(rangeSpec)
	if err != nil {
		return nil, validationf("%v", err)
	}
	text, err := types.SliceLines(res.Content, r)
	if err != nil {
		return nil, validationf("%v", err)
	}
	res.Content = text
	res.Range = r.String()
	return res, nil
}
