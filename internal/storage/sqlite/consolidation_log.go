package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// AppendLog appends an entry. The table rejects updates and deletes.
func (t *packTx) AppendLog(ctx context.Context, e *types.LogEntry) error {
	if e == nil {
		return storage.ErrInvalidInput
	}
	if !e.Action.IsValid() {
		return fmt.Errorf("%w: unknown log action %q", storage.ErrInvalidInput, e.Action)
	}
	if e.AgentID == "" {
		e.AgentID = t.owner
	}
	if e.ID == "" {
		e.ID = types.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.AffectedIDs == nil {
		e.AffectedIDs = []string{}
	}

	ids, err := json.Marshal(e.AffectedIDs)
	if err != nil {
		return fmt.Errorf("marshal affected ids: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO consolidation_log (id, agent_id, action, affected_ids, details, source_type, source_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, string(e.Action), string(ids), e.Details,
		string(e.SourceType), e.SourceRef, formatTime(e.CreatedAt),
	)
	if err != nil {
		return storageErr("append log", err)
	}
	return nil
}

// ListLog returns entries newest first.
func (s *PackStore) ListLog(ctx context.Context, filter storage.LogFilter) ([]*types.LogEntry, error) {
	filter.Normalize()

	query := `SELECT id, agent_id, action, affected_ids, details, source_type, source_ref, created_at
		FROM consolidation_log l WHERE 1 = 1`
	var args []any
	if filter.Action != "" {
		query += ` AND l.action = ?`
		args = append(args, string(filter.Action))
	}
	if filter.NodeID != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(l.affected_ids) j WHERE j.value = ?)`
		args = append(args, filter.NodeID)
	}
	query += ` ORDER BY l.created_at DESC, l.id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query log", err)
	}
	defer rows.Close()

	var entries []*types.LogEntry
	for rows.Next() {
		var (
			e          types.LogEntry
			action     string
			ids        string
			sourceType string
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &action, &ids, &e.Details, &sourceType, &e.SourceRef, &createdAt); err != nil {
			return nil, storageErr("scan log entry", err)
		}
		e.Action = types.LogAction(action)
		e.SourceType = types.SourceType(sourceType)
		if err := json.Unmarshal([]byte(ids), &e.AffectedIDs); err != nil {
			return nil, storageErr("decode affected ids", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("parse log created_at", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate log", err)
	}
	return entries, nil
}

// HasExtracted reports whether the source was recorded by a prior EXTRACT.
func (s *PackStore) HasExtracted(ctx context.Context, sourceType types.SourceType, sourceRef string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consolidation_log
		WHERE action = ? AND source_type = ? AND source_ref = ?`,
		string(types.ActionExtract), string(sourceType), sourceRef,
	).Scan(&count)
	if err != nil {
		return false, storageErr("check extract log", err)
	}
	return count > 0, nil
}
