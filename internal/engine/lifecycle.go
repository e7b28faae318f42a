package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// StoreRequest is the input of Store. Nil scores take their defaults.
type StoreRequest struct {
	Content     string
	Summary     string
	Category    string
	Importance  *float64
	Confidence  *float64
	Tags        []string
	RelatesTo   string
	SourceType  string
	SourceRef   string
	SourceRange string
}

// StoreResult reports the created node and, if the relatesTo hint matched,
// the node it was linked to.
type StoreResult struct {
	Node      *types.MemoryNode `json:"node"`
	RelatedTo string            `json:"related_to,omitempty"`
}

// UpdateRequest replaces a node's content. Unset fields are carried over
// from the node being replaced; tags are added to the old node's tags.
type UpdateRequest struct {
	ID         string
	Content    string
	Summary    string
	Category   string
	Importance *float64
	Confidence *float64
	Tags       []string
	Reason     string
}

// UpdateResult holds both versions after an update.
type UpdateResult struct {
	Previous *types.MemoryNode `json:"previous"`
	Current  *types.MemoryNode `json:"current"`
}

// MergeRequest consolidates several active nodes into one.
type MergeRequest struct {
	IDs      []string
	Content  string
	Summary  string
	Category string
	Reason   string
}

// nodeWrite is a node about to be created with its tags and relatesTo hint.
type nodeWrite struct {
	node      *types.MemoryNode
	tags      []string
	relatesTo string
	// partOf links the node to a parent section with a PART_OF edge.
	partOf string
}

// nodeWriteResult counts what writeNode created.
type nodeWriteResult struct {
	tags      int
	edges     int
	relatedTo string
}

// writeNode creates w.node with its tags and edges inside tx.
func writeNode(ctx context.Context, tx storage.Tx, w nodeWrite) (nodeWriteResult, error) {
	var res nodeWriteResult
	if err := tx.CreateNode(ctx, w.node); err != nil {
		return res, err
	}

	for _, tag := range types.NormalizeTags(w.tags) {
		created, err := tx.CreateTag(ctx, w.node.ID, tag)
		if err != nil {
			return res, err
		}
		if created {
			res.tags++
			w.node.Tags = append(w.node.Tags, tag)
		}
	}

	if hint := strings.TrimSpace(w.relatesTo); hint != "" {
		target, err := tx.FindNodeByText(ctx, hint)
		switch {
		case err == nil && target.ID != w.node.ID:
			err = tx.CreateRelationship(ctx, &types.Relationship{
				SourceID: w.node.ID,
				TargetID: target.ID,
				Type:     types.RelRelatesTo,
				Strength: types.DefaultStrength,
				Context:  hint,
			})
			if err != nil {
				return res, err
			}
			res.edges++
			res.relatedTo = target.ID
		case err != nil && !isNotFound(err):
			return res, err
		}
	}

	if w.partOf != "" {
		err := tx.CreateRelationship(ctx, &types.Relationship{
			SourceID: w.node.ID,
			TargetID: w.partOf,
			Type:     types.RelPartOf,
			Strength: types.DefaultStrength,
		})
		if err != nil {
			return res, err
		}
		res.edges++
	}
	return res, nil
}

// Store validates and creates one node, optionally linking it to an
// existing node matched by req.RelatesTo, and logs a STORE entry.
func (e *MemoryEngine) Store(ctx context.Context, pack *packs.Pack, req StoreRequest) (res *StoreResult, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "store", pack.AgentID)
	defer func() { end(span, err) }()

	node, err := e.storeNode(req)
	if err != nil {
		return nil, err
	}

	var written nodeWriteResult
	err = pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		written, err = writeNode(ctx, tx, nodeWrite{node: node, tags: req.Tags, relatesTo: req.RelatesTo})
		if err != nil {
			return err
		}
		affected := []string{node.ID}
		if written.relatedTo != "" {
			affected = append(affected, written.relatedTo)
		}
		return tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionStore,
			AffectedIDs: affected,
			Details:     fmt.Sprintf("stored %s node", node.Category),
			CreatedAt:   e.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	e.telemetry.addNodes(ctx, 1, "store")
	e.logger.Debug("node stored", zap.String("agent", pack.AgentID), zap.String("id", node.ID))
	return &StoreResult{Node: node, RelatedTo: written.relatedTo}, nil
}

// storeNode validates req into a node ready for CreateNode.
func (e *MemoryEngine) storeNode(req StoreRequest) (*types.MemoryNode, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationf("content is required")
	}
	category, err := types.ParseCategory(req.Category)
	if err != nil {
		return nil, validationf("%v", err)
	}
	sourceType, err := types.ParseSourceType(req.SourceType)
	if err != nil {
		return nil, validationf("%v", err)
	}
	if req.SourceRange != "" && req.SourceRange != types.RangeAll {
		if _, err := types.ParseSourceRange(req.SourceRange); err != nil {
			return nil, validationf("%v", err)
		}
	}

	return &types.MemoryNode{
		Content:     content,
		Summary:     req.Summary,
		Category:    category,
		Importance:  scoreOr(req.Importance, types.DefaultImportance),
		Confidence:  scoreOr(req.Confidence, types.DefaultConfidence),
		CreatedAt:   e.now().UTC(),
		SourceType:  sourceType,
		SourceRef:   strings.TrimSpace(req.SourceRef),
		SourceRange: req.SourceRange,
	}, nil
}

// Update replaces a node with a new version. The old node is kept,
// deactivated and linked to the new one with an EVOLVED_INTO edge.
func (e *MemoryEngine) Update(ctx context.Context, pack *packs.Pack, req UpdateRequest) (res *UpdateResult, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "update", pack.AgentID, attribute.String("spirit.node", req.ID))
	defer func() { end(span, err) }()

	if req.ID == "" {
		return nil, validationf("id is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationf("content is required")
	}
	var category types.Category
	if strings.TrimSpace(req.Category) != "" {
		if category, err = types.ParseCategory(req.Category); err != nil {
			return nil, validationf("%v", err)
		}
	}

	res = &UpdateResult{}
	err = pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		old, err := tx.GetNode(ctx, req.ID)
		if err != nil {
			return err
		}
		if !old.IsActive {
			return fmt.Errorf("%w: node %s is not active", storage.ErrConstraintViolation, old.ID)
		}

		next := &types.MemoryNode{
			Content:     content,
			Summary:     req.Summary,
			Category:    old.Category,
			Importance:  scoreOr(req.Importance, old.Importance),
			Confidence:  scoreOr(req.Confidence, old.Confidence),
			CreatedAt:   e.now().UTC(),
			SourceType:  old.SourceType,
			SourceRef:   old.SourceRef,
			SourceRange: old.SourceRange,
		}
		if category != "" {
			next.Category = category
		}
		tags := append(append([]string{}, old.Tags...), req.Tags...)
		if _, err := writeNode(ctx, tx, nodeWrite{node: next, tags: tags}); err != nil {
			return err
		}
		if err := tx.Supersede(ctx, old.ID, next.ID); err != nil {
			return err
		}
		if err := tx.CreateRelationship(ctx, &types.Relationship{
			SourceID: old.ID,
			TargetID: next.ID,
			Type:     types.RelEvolvedInto,
			Strength: types.DefaultStrength,
			Context:  req.Reason,
		}); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionUpdate,
			AffectedIDs: []string{old.ID, next.ID},
			Details:     req.Reason,
			CreatedAt:   e.now().UTC(),
		}); err != nil {
			return err
		}

		old.IsActive = false
		old.SupersededBy = next.ID
		res.Previous, res.Current = old, next
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.telemetry.addNodes(ctx, 1, "update")
	return res, nil
}

// Forget deactivates a node without a successor and logs the reason. The
// node stays resolvable by id and by source lookup.
func (e *MemoryEngine) Forget(ctx context.Context, pack *packs.Pack, id, reason string) (node *types.MemoryNode, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "forget", pack.AgentID, attribute.String("spirit.node", id))
	defer func() { end(span, err) }()

	if id == "" {
		return nil, validationf("id is required")
	}
	err = pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Deactivate(ctx, id); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionForget,
			AffectedIDs: []string{id},
			Details:     reason,
			CreatedAt:   e.now().UTC(),
		}); err != nil {
			return err
		}
		node, err = tx.GetNode(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Merge consolidates active nodes into one new node. Each input is
// superseded by the result and linked to it with EVOLVED_INTO.
func (e *MemoryEngine) Merge(ctx context.Context, pack *packs.Pack, req MergeRequest) (node *types.MemoryNode, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "merge", pack.AgentID, attribute.Int("spirit.inputs", len(req.IDs)))
	defer func() { end(span, err) }()

	ids := dedupe(req.IDs)
	if len(ids) < 2 {
		return nil, validationf("merge needs at least two distinct ids")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationf("content is required")
	}
	var category types.Category
	if strings.TrimSpace(req.Category) != "" {
		if category, err = types.ParseCategory(req.Category); err != nil {
			return nil, validationf("%v", err)
		}
	}

	err = pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		var (
			inputs []*types.MemoryNode
			tags   []string
		)
		for _, id := range ids {
			n, err := tx.GetNode(ctx, id)
			if err != nil {
				return err
			}
			if !n.IsActive {
				return fmt.Errorf("%w: node %s is not active", storage.ErrConstraintViolation, id)
			}
			inputs = append(inputs, n)
			tags = append(tags, n.Tags...)
		}

		node = &types.MemoryNode{
			Content:    content,
			Summary:    req.Summary,
			Category:   inputs[0].Category,
			Importance: inputs[0].Importance,
			Confidence: inputs[0].Confidence,
			CreatedAt:  e.now().UTC(),
		}
		if category != "" {
			node.Category = category
		}
		for _, n := range inputs[1:] {
			node.Importance = max(node.Importance, n.Importance)
			node.Confidence = min(node.Confidence, n.Confidence)
		}
		if _, err := writeNode(ctx, tx, nodeWrite{node: node, tags: tags}); err != nil {
			return err
		}

		for _, n := range inputs {
			if err := tx.Supersede(ctx, n.ID, node.ID); err != nil {
				return err
			}
			if err := tx.CreateRelationship(ctx, &types.Relationship{
				SourceID: n.ID,
				TargetID: node.ID,
				Type:     types.RelEvolvedInto,
				Strength: types.DefaultStrength,
				Context:  req.Reason,
			}); err != nil {
				return err
			}
		}
		return tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionMerge,
			AffectedIDs: append(append([]string{}, ids...), node.ID),
			Details:     req.Reason,
			CreatedAt:   e.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	e.telemetry.addNodes(ctx, 1, "merge")
	return node, nil
}

// Purge permanently removes a node with its tags and edges. It is refused
// while another node is superseded by it. The removal is logged as FORGET.
func (e *MemoryEngine) Purge(ctx context.Context, pack *packs.Pack, id, reason string) (err error) {
	if err := checkPack(pack); err != nil {
		return err
	}
	ctx, span := e.telemetry.start(ctx, "purge", pack.AgentID, attribute.String("spirit.node", id))
	defer func() { end(span, err) }()

	if id == "" {
		return validationf("id is required")
	}
	details := "purged"
	if reason != "" {
		details += ": " + reason
	}
	return pack.Store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.PurgeNode(ctx, id); err != nil {
			return err
		}
		return tx.AppendLog(ctx, &types.LogEntry{
			Action:      types.ActionForget,
			AffectedIDs: []string{id},
			Details:     details,
			CreatedAt:   e.now().UTC(),
		})
	})
}

// Log lists consolidation log entries, newest first.
func (e *MemoryEngine) Log(ctx context.Context, pack *packs.Pack, filter storage.LogFilter) ([]*types.LogEntry, error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	if filter.Action != "" && !filter.Action.IsValid() {
		return nil, validationf("unknown log action %q", filter.Action)
	}
	return pack.Store.ListLog(ctx, filter)
}

// History returns every version of the node, oldest first.
func (e *MemoryEngine) History(ctx context.Context, pack *packs.Pack, id string) ([]*types.MemoryNode, error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationf("id is required")
	}
	return pack.Store.GetEvolutionChain(ctx, id)
}

func scoreOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return types.Clamp01(*v)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
