package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// CreateRelationship inserts an edge between two existing, distinct nodes.
func (t *packTx) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	if r.Type == "" {
		return fmt.Errorf("%w: relationship type is required", storage.ErrInvalidInput)
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("%w: relationship from %s to itself", storage.ErrConstraintViolation, r.SourceID)
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, err := getNode(ctx, t.tx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) {
				return fmt.Errorf("%w: relationship references missing node %q", storage.ErrConstraintViolation, id)
			}
			return err
		}
	}

	if r.ID == "" {
		r.ID = types.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Strength == 0 {
		r.Strength = types.DefaultStrength
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO memory_relationships (id, source_id, target_id, type, strength, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceID, r.TargetID, r.Type, r.Strength, r.Context, formatTime(r.CreatedAt),
	)
	if err != nil {
		return storageErr("insert relationship", err)
	}
	return nil
}

// CreateTag attaches a normalized tag to a node. Duplicates are no-ops.
func (t *packTx) CreateTag(ctx context.Context, memoryID, tag string) (bool, error) {
	tag = types.NormalizeTag(tag)
	if tag == "" {
		return false, fmt.Errorf("%w: empty tag", storage.ErrInvalidInput)
	}
	if _, err := getNode(ctx, t.tx, memoryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: tag references missing node %q", storage.ErrConstraintViolation, memoryID)
		}
		return false, err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO memory_tags (id, memory_id, tag, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (memory_id, tag) DO NOTHING`,
		types.NewID(), memoryID, tag, formatTime(time.Now()),
	)
	if err != nil {
		return false, storageErr("insert tag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("rows affected", err)
	}
	return n > 0, nil
}

// GetRelationships returns every edge touching id, strongest first.
func (s *PackStore) GetRelationships(ctx context.Context, id string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, type, strength, context, created_at
		FROM memory_relationships
		WHERE source_id = ?1 OR target_id = ?1
		ORDER BY strength DESC, created_at ASC, id ASC`, id)
	if err != nil {
		return nil, storageErr("query relationships", err)
	}
	defer rows.Close()

	var rels []*types.Relationship
	for rows.Next() {
		var (
			r         types.Relationship
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &r.Context, &createdAt); err != nil {
			return nil, storageErr("scan relationship", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("parse relationship created_at", err)
		}
		rels = append(rels, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate relationships", err)
	}
	return rels, nil
}
