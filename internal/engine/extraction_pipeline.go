package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/spirit-memory/internal/llm"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/segment"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

const (
	// outlineLineChars bounds each outline line sent with a summary call.
	outlineLineChars = 120

	// fallbackImportance is given to raw-text nodes of segments the
	// sub-agent returned nothing for.
	fallbackImportance = 0.1

	// TagUnextracted marks raw-text fallback nodes.
	TagUnextracted = "unextracted"
)

// workItem is one segment waiting to be processed.
type workItem struct {
	seg   segment.Segment
	depth int

	// parentID is the section node the segment's nodes are PART_OF.
	parentID string

	// leaf items are extracted as they are, whatever their size.
	leaf bool
}

// createdNode remembers where a node came from for log ordering.
type createdNode struct {
	id    string
	start int
}

// progressFunc receives completed and total step counts. Both only grow.
type progressFunc func(ctx context.Context, done, total int)

// extraction is the state of one pipeline run.
type extraction struct {
	e        *MemoryEngine
	pack     *packs.Pack
	p        *extractPayload
	progress progressFunc

	mu      sync.Mutex
	res     ExtractResult
	created []createdNode
	failed  []types.SourceRange
	done    int
	total   int
}

// extract runs the pipeline over segs and writes the EXTRACT log entry.
// Only storage failures and cancellation are returned as errors; sub-agent
// failures are reported in the result.
func (e *MemoryEngine) extract(ctx context.Context, pack *packs.Pack, p *extractPayload, segs []segment.Segment, progress progressFunc) (*ExtractResult, error) {
	x := &extraction{
		e:        e,
		pack:     pack,
		p:        p,
		progress: progress,
		total:    len(segs),
		res: ExtractResult{
			SourceType: p.SourceType,
			SourceRef:  p.SourceRef,
			Title:      p.Title,
			Segments:   len(segs),
		},
	}
	if e.agent == nil {
		return nil, fmt.Errorf("%w: no sub-agent configured", ErrSubAgentFailure)
	}

	level := make([]workItem, len(segs))
	for i, s := range segs {
		level[i] = workItem{seg: s, depth: 1}
	}
	for len(level) > 0 {
		next, err := x.runLevel(ctx, level)
		if err != nil {
			return nil, err
		}
		level = next
	}

	if err := x.finish(ctx); err != nil {
		return nil, err
	}
	return &x.res, nil
}

// runLevel processes every item of one depth in parallel and returns the
// items of the next depth, ordered by line.
func (x *extraction) runLevel(ctx context.Context, level []workItem) ([]workItem, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.e.config.SegmentConcurrency)

	var (
		mu   sync.Mutex
		next []workItem
	)
	for _, it := range level {
		it := it
		g.Go(func() error {
			children, err := x.process(gctx, it)
			if err != nil {
				return err
			}
			mu.Lock()
			next = append(next, children...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(next, func(i, j int) bool { return next[i].seg.Range.Start < next[j].seg.Range.Start })
	return next, nil
}

// process handles one item. Oversized items are split and returned for the
// next level; everything else is extracted.
func (x *extraction) process(ctx context.Context, it workItem) ([]workItem, error) {
	maxTokens := x.e.config.MaxTokens
	if it.leaf || it.seg.Tokens() <= maxTokens {
		err := x.extractLeaf(ctx, it)
		x.step(ctx, 1, 0)
		return nil, err
	}

	if it.depth < x.p.MaxDepth {
		if parts := segment.Subdivide(it.seg, x.e.segmentOptions()); parts != nil {
			parent := it.parentID
			section, err := x.summarize(ctx, it, parts)
			if err != nil {
				return nil, err
			}
			if section != "" {
				parent = section
			}
			children := make([]workItem, len(parts))
			for i, part := range parts {
				children[i] = workItem{seg: part, depth: it.depth + 1, parentID: parent}
			}
			x.step(ctx, 1, len(parts))
			return children, nil
		}
	}

	// Out of depth, or indivisible: cut on line boundaries and extract the
	// pieces as they are.
	pieces := segment.HardSplit(it.seg, maxTokens)
	if len(pieces) == 1 {
		err := x.extractLeaf(ctx, workItem{seg: pieces[0], depth: it.depth, parentID: it.parentID, leaf: true})
		x.step(ctx, 1, 0)
		return nil, err
	}
	children := make([]workItem, len(pieces))
	for i, piece := range pieces {
		children[i] = workItem{seg: piece, depth: it.depth, parentID: it.parentID, leaf: true}
	}
	x.step(ctx, 1, len(pieces))
	return children, nil
}

// summarize asks for an overview of a split section and stores it as a
// section node. It returns "" when no section node was written.
func (x *extraction) summarize(ctx context.Context, it workItem, parts []segment.Segment) (string, error) {
	candidates, err := x.call(ctx, llm.SegmentRequest{
		Mode:  llm.ModeSummarize,
		Text:  segment.Outline(parts, outlineLineChars),
		Range: it.seg.Range,
		Depth: it.depth,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The section's lines are still covered by its children.
		x.e.logger.Warn("section summary failed",
			zap.String("agent", x.pack.AgentID),
			zap.String("range", it.seg.Range.String()),
			zap.Error(err))
		return "", nil
	}

	writes := x.writesFor(candidates[:min(len(candidates), 1)], it)
	if len(writes) == 0 {
		return "", nil
	}
	if err := x.write(ctx, it, writes); err != nil {
		return "", err
	}
	return writes[0].node.ID, nil
}

// extractLeaf extracts one segment and writes its nodes in one transaction.
// A sub-agent that returns nothing yields a raw-text fallback node so every
// line stays covered. Whitespace-only segments have nothing to remember and
// are skipped without a call.
func (x *extraction) extractLeaf(ctx context.Context, it workItem) error {
	if strings.TrimSpace(it.seg.Text) == "" {
		return nil
	}
	candidates, err := x.call(ctx, llm.SegmentRequest{
		Mode:  llm.ModeExtract,
		Text:  it.seg.Text,
		Range: it.seg.Range,
		Depth: it.depth,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		x.fail(ctx, it.seg.Range, err)
		return nil
	}

	writes := x.writesFor(candidates, it)
	if len(writes) == 0 {
		writes = []nodeWrite{x.fallback(it)}
	}
	return x.write(ctx, it, writes)
}

// call invokes the sub-agent with retries. Attempt n waits n*n*RetryBackoff
// before calling.
func (x *extraction) call(ctx context.Context, req llm.SegmentRequest) ([]llm.Candidate, error) {
	req.AgentID = x.pack.AgentID
	req.Context = x.p.Context
	req.SourceType = x.p.SourceType
	req.SourceRef = x.p.SourceRef

	cfg := x.e.config
	var lastErr error
	for attempt := 0; attempt <= cfg.SegmentRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * cfg.RetryBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := x.e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		candidates, err := x.e.agent.ExtractSegment(ctx, req)
		if err == nil {
			return candidates, nil
		}
		lastErr = err
		x.e.logger.Warn("sub-agent call failed",
			zap.String("agent", x.pack.AgentID),
			zap.String("mode", string(req.Mode)),
			zap.String("range", req.Range.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: lines %s: %w", ErrSubAgentFailure, req.Range, lastErr)
}

// writesFor coerces sub-agent candidates into node writes. Candidates
// without content are dropped.
func (x *extraction) writesFor(candidates []llm.Candidate, it workItem) []nodeWrite {
	now := x.e.now().UTC()
	writes := make([]nodeWrite, 0, len(candidates))
	for _, c := range candidates {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		writes = append(writes, nodeWrite{
			node: &types.MemoryNode{
				Content:     content,
				Summary:     c.Summary,
				Category:    types.CoerceCategory(c.Category),
				Importance:  scoreOr(c.Importance, types.DefaultImportance),
				Confidence:  scoreOr(c.Confidence, types.DefaultConfidence),
				CreatedAt:   now,
				SourceType:  x.p.SourceType,
				SourceRef:   x.p.SourceRef,
				SourceRange: it.seg.Range.String(),
			},
			tags:      append(append([]string{}, x.p.Tags...), c.Tags...),
			relatesTo: c.RelatesTo,
			partOf:    it.parentID,
		})
	}
	return writes
}

func (x *extraction) fallback(it workItem) nodeWrite {
	return nodeWrite{
		node: &types.MemoryNode{
			Content:     it.seg.Text,
			Category:    types.CategoryKnowledge,
			Importance:  fallbackImportance,
			Confidence:  types.DefaultConfidence,
			CreatedAt:   x.e.now().UTC(),
			SourceType:  x.p.SourceType,
			SourceRef:   x.p.SourceRef,
			SourceRange: it.seg.Range.String(),
		},
		tags:   append(append([]string{}, x.p.Tags...), TagUnextracted),
		partOf: it.parentID,
	}
}

// write commits the nodes of one segment atomically. A storage failure
// aborts the extraction; other write errors fail only this segment.
func (x *extraction) write(ctx context.Context, it workItem, writes []nodeWrite) error {
	var tags, edges int
	err := x.pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		tags, edges = 0, 0
		for _, w := range writes {
			res, err := writeNode(ctx, tx, w)
			if err != nil {
				return err
			}
			tags += res.tags
			edges += res.edges
		}
		return nil
	})
	if err != nil {
		if isStorageFailure(err) || ctx.Err() != nil {
			return err
		}
		x.fail(ctx, it.seg.Range, err)
		return nil
	}

	x.mu.Lock()
	x.res.NodesCreated += len(writes)
	x.res.TagsCreated += tags
	x.res.RelationshipsCreated += edges
	for _, w := range writes {
		x.created = append(x.created, createdNode{id: w.node.ID, start: it.seg.Range.Start})
	}
	x.mu.Unlock()
	x.e.telemetry.addNodes(ctx, len(writes), "extract")
	return nil
}

func (x *extraction) fail(ctx context.Context, r types.SourceRange, err error) {
	x.e.logger.Warn("segment failed",
		zap.String("agent", x.pack.AgentID),
		zap.String("source_ref", x.p.SourceRef),
		zap.String("range", r.String()),
		zap.Error(err))
	x.mu.Lock()
	x.failed = append(x.failed, r)
	x.mu.Unlock()
	x.e.telemetry.addFailedSegments(ctx, 1)
}

// step marks n steps done and adds more to the total.
func (x *extraction) step(ctx context.Context, n, more int) {
	x.mu.Lock()
	x.done += n
	x.total += more
	done, total := x.done, x.total
	x.mu.Unlock()
	if x.progress != nil {
		x.progress(ctx, done, total)
	}
}

// finish fills in the result and, if anything was written, appends the
// EXTRACT log entry that marks the source as processed.
func (x *extraction) finish(ctx context.Context) error {
	sort.SliceStable(x.created, func(i, j int) bool { return x.created[i].start < x.created[j].start })
	sort.Slice(x.failed, func(i, j int) bool { return x.failed[i].Start < x.failed[j].Start })

	ids := make([]string, len(x.created))
	for i, c := range x.created {
		ids[i] = c.id
	}
	ranges := make([]string, len(x.failed))
	for i, r := range x.failed {
		ranges[i] = r.String()
	}
	x.res.NodeIDs = ids
	x.res.FailedRanges = ranges

	if len(ranges) > 0 {
		x.res.Error = "sub-agent failed on lines " + strings.Join(ranges, ", ")
	}
	if len(ids) == 0 {
		x.res.Status = StatusFailed
		if x.res.Error == "" {
			x.res.Error = "no nodes were extracted"
		}
		return nil
	}
	x.res.Status = StatusCompleted

	details := fmt.Sprintf("extracted %d nodes from %d segments", len(ids), x.res.Segments)
	if len(ranges) > 0 {
		details += "; failed lines " + strings.Join(ranges, ", ")
	}
	return x.pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		if x.p.Inline {
			if err := tx.RetainSource(ctx, x.p.SourceType, x.p.SourceRef, x.p.Content); err != nil {
				return err
			}
		}
		return tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionExtract,
			AffectedIDs: ids,
			Details:     details,
			SourceType:  x.p.SourceType,
			SourceRef:   x.p.SourceRef,
			CreatedAt:   x.e.now().UTC(),
		})
	})
}
