package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// tagSeparator joins tags in the aggregated tags column. NormalizeTag strips
// control characters, so it never occurs inside a tag.
const tagSeparator = "\x1f"

// relatesToPrefix is how much leading content a relatesTo hint is matched against.
const relatesToPrefix = 200

// maxChain bounds the evolution chain returned to callers.
const maxChain = 50

// maxWalk bounds the cycle check over superseded_by links.
const maxWalk = 1000

const nodeColumns = `
	n.id, n.agent_id, n.content, n.summary, n.category, n.importance, n.confidence,
	n.created_at, n.last_accessed, n.access_count,
	n.source_type, n.source_ref, n.source_range,
	n.is_active, n.superseded_by,
	COALESCE((SELECT group_concat(t.tag, char(31)) FROM memory_tags t WHERE t.memory_id = n.id), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.MemoryNode, error) {
	var (
		n            types.MemoryNode
		category     string
		sourceType   string
		createdAt    string
		lastAccessed sql.NullString
		isActive     int
		supersededBy sql.NullString
		tags         string
	)

	err := row.Scan(
		&n.ID, &n.AgentID, &n.Content, &n.Summary, &category, &n.Importance, &n.Confidence,
		&createdAt, &lastAccessed, &n.AccessCount,
		&sourceType, &n.SourceRef, &n.SourceRange,
		&isActive, &supersededBy,
		&tags,
	)
	if err != nil {
		return nil, err
	}

	n.Category = types.Category(category)
	n.SourceType = types.SourceType(sourceType)
	n.IsActive = isActive == 1
	n.SupersededBy = supersededBy.String

	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if n.LastAccessed, err = parseNullTime(lastAccessed); err != nil {
		return nil, fmt.Errorf("parse last_accessed: %w", err)
	}
	if tags != "" {
		n.Tags = strings.Split(tags, tagSeparator)
	}
	return &n, nil
}

func getNode(ctx context.Context, q querier, id string) (*types.MemoryNode, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", storage.ErrInvalidInput)
	}
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM memory_nodes n WHERE n.id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get node", err)
	}
	return n, nil
}

func queryNodes(ctx context.Context, q querier, query string, args ...any) ([]*types.MemoryNode, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query nodes", err)
	}
	defer rows.Close()

	var nodes []*types.MemoryNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, storageErr("scan node", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate nodes", err)
	}
	return nodes, nil
}

func findNodeByText(ctx context.Context, q querier, needle string) (*types.MemoryNode, error) {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return nil, fmt.Errorf("%w: empty match text", storage.ErrInvalidInput)
	}
	row := q.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM memory_nodes n
		WHERE n.is_active = 1
		  AND (instr(`+foldFunc+`(n.summary), `+foldFunc+`(?1)) > 0
		       OR instr(`+foldFunc+`(substr(n.content, 1, ?2)), `+foldFunc+`(?1)) > 0)
		ORDER BY n.created_at ASC, n.id ASC
		LIMIT 1`, needle, relatesToPrefix)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no node matches %q", storage.ErrNotFound, needle)
	}
	if err != nil {
		return nil, storageErr("find node by text", err)
	}
	return n, nil
}

// GetNode returns a node by id regardless of its active flag.
func (s *PackStore) GetNode(ctx context.Context, id string) (*types.MemoryNode, error) {
	return getNode(ctx, s.db, id)
}

// FindNodeByText returns the oldest active node matching needle.
func (s *PackStore) FindNodeByText(ctx context.Context, needle string) (*types.MemoryNode, error) {
	return findNodeByText(ctx, s.db, needle)
}

// ListNodes returns nodes matching filter with tags populated.
func (s *PackStore) ListNodes(ctx context.Context, filter storage.NodeFilter) ([]*types.MemoryNode, error) {
	var (
		where []string
		args  []any
	)

	if !filter.IncludeInactive {
		where = append(where, "n.is_active = 1")
	}
	if filter.Category != "" {
		where = append(where, "n.category = ?")
		args = append(args, string(filter.Category))
	}
	if tags := types.NormalizeTags(filter.Tags); len(tags) > 0 {
		where = append(where, "EXISTS (SELECT 1 FROM memory_tags t WHERE t.memory_id = n.id AND t.tag IN ("+placeholders(len(tags))+"))")
		for _, t := range tags {
			args = append(args, t)
		}
	}
	if len(filter.Terms) > 0 {
		var ors []string
		for _, term := range filter.Terms {
			term = fold(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			ors = append(ors, foldFunc+`(n.content) LIKE ? ESCAPE '\' OR `+foldFunc+`(n.summary) LIKE ? ESCAPE '\'`)
			pattern := "%" + escapeLike(term) + "%"
			args = append(args, pattern, pattern)
		}
		if len(ors) > 0 {
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		}
	}

	query := `SELECT ` + nodeColumns + ` FROM memory_nodes n`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	switch filter.Order {
	case storage.OrderImportanceDesc:
		query += " ORDER BY n.importance DESC, n.created_at DESC, n.id DESC"
	default:
		query += " ORDER BY n.created_at DESC, n.id DESC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var nodes []*types.MemoryNode
	err := s.readTx(ctx, func(q querier) error {
		var err error
		nodes, err = queryNodes(ctx, q, query, args...)
		return err
	})
	return nodes, err
}

// FindNodesBySource returns every node recorded against the given source.
func (s *PackStore) FindNodesBySource(ctx context.Context, sourceType types.SourceType, sourceRef string) ([]*types.MemoryNode, error) {
	if sourceRef == "" {
		return nil, fmt.Errorf("%w: source ref is required", storage.ErrInvalidInput)
	}
	query := `SELECT ` + nodeColumns + ` FROM memory_nodes n WHERE n.source_ref = ?`
	args := []any{sourceRef}
	if sourceType != "" {
		query += ` AND n.source_type = ?`
		args = append(args, string(sourceType))
	}
	query += ` ORDER BY n.created_at ASC, n.id ASC`
	return queryNodes(ctx, s.db, query, args...)
}

// GetEvolutionChain returns the supersession chain containing id, ordered
// oldest to newest. It walks backward through nodes superseded by the
// current one and forward through superseded_by. When several nodes were
// merged into one, the oldest predecessor is followed.
func (s *PackStore) GetEvolutionChain(ctx context.Context, id string) ([]*types.MemoryNode, error) {
	var chain []*types.MemoryNode
	err := s.readTx(ctx, func(q querier) error {
		start, err := getNode(ctx, q, id)
		if err != nil {
			return err
		}

		seen := map[string]bool{start.ID: true}
		var back []*types.MemoryNode
		cur := start
		for len(back) < maxChain {
			preds, err := queryNodes(ctx, q,
				`SELECT `+nodeColumns+` FROM memory_nodes n WHERE n.superseded_by = ? ORDER BY n.created_at ASC, n.id ASC LIMIT 1`, cur.ID)
			if err != nil {
				return err
			}
			if len(preds) == 0 || seen[preds[0].ID] {
				break
			}
			cur = preds[0]
			seen[cur.ID] = true
			back = append(back, cur)
		}

		for i := len(back) - 1; i >= 0; i-- {
			chain = append(chain, back[i])
		}
		chain = append(chain, start)

		cur = start
		for len(chain) < maxChain && cur.SupersededBy != "" && !seen[cur.SupersededBy] {
			next, err := getNode(ctx, q, cur.SupersededBy)
			if err != nil {
				return err
			}
			seen[next.ID] = true
			chain = append(chain, next)
			cur = next
		}
		return nil
	})
	return chain, err
}

// TouchNodes increments access_count and sets last_accessed for ids.
func (s *PackStore) TouchNodes(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_nodes
		SET access_count = access_count + 1,
		    last_accessed = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return storageErr("touch nodes", err)
	}
	return nil
}

// packTx implements storage.Tx on one SQL transaction.
type packTx struct {
	tx    *sql.Tx
	owner string
}

func (t *packTx) GetNode(ctx context.Context, id string) (*types.MemoryNode, error) {
	return getNode(ctx, t.tx, id)
}

func (t *packTx) FindNodeByText(ctx context.Context, needle string) (*types.MemoryNode, error) {
	return findNodeByText(ctx, t.tx, needle)
}

// CreateNode inserts a node. The node must belong to the pack's owner.
func (t *packTx) CreateNode(ctx context.Context, n *types.MemoryNode) error {
	if n == nil {
		return storage.ErrInvalidInput
	}
	if n.AgentID == "" {
		n.AgentID = t.owner
	}
	if n.AgentID != t.owner {
		return fmt.Errorf("%w: node agent %q does not own this pack", storage.ErrConstraintViolation, n.AgentID)
	}
	n.Normalize()
	if n.Content == "" {
		return fmt.Errorf("%w: node content is required", storage.ErrInvalidInput)
	}
	if !n.Category.IsValid() {
		return fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, n.Category)
	}
	if n.ID == "" {
		n.ID = types.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO memory_nodes (
			id, agent_id, content, summary, category, importance, confidence,
			created_at, last_accessed, access_count,
			source_type, source_ref, source_range, is_active, superseded_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)`,
		n.ID, n.AgentID, n.Content, n.Summary, string(n.Category), n.Importance, n.Confidence,
		formatTime(n.CreatedAt), nullableTime(n.LastAccessed), n.AccessCount,
		string(n.SourceType), n.SourceRef, n.SourceRange,
	)
	if err != nil {
		return storageErr("insert node", err)
	}
	// New nodes start active; inactivity is reached through Supersede or Deactivate.
	n.IsActive = true
	n.SupersededBy = ""
	return nil
}

// Supersede deactivates oldID with newID as its successor.
func (t *packTx) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return fmt.Errorf("%w: node cannot supersede itself", storage.ErrConstraintViolation)
	}
	old, err := getNode(ctx, t.tx, oldID)
	if err != nil {
		return err
	}
	if !old.IsActive {
		return fmt.Errorf("%w: node %s is not active", storage.ErrConstraintViolation, oldID)
	}
	if _, err := getNode(ctx, t.tx, newID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: successor %s does not exist", storage.ErrConstraintViolation, newID)
		}
		return err
	}

	// Walk forward from the successor; reaching oldID would close a cycle.
	cur := newID
	for i := 0; cur != "" && i < maxWalk; i++ {
		if cur == oldID {
			return fmt.Errorf("%w: superseding %s with %s creates a cycle", storage.ErrConstraintViolation, oldID, newID)
		}
		var next sql.NullString
		err := t.tx.QueryRowContext(ctx, `SELECT superseded_by FROM memory_nodes WHERE id = ?`, cur).Scan(&next)
		if err != nil {
			return storageErr("walk supersession chain", err)
		}
		cur = next.String
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE memory_nodes SET is_active = 0, superseded_by = ? WHERE id = ? AND is_active = 1`, newID, oldID)
	if err != nil {
		return storageErr("supersede node", err)
	}
	return checkAffected(res, fmt.Errorf("%w: node %s changed concurrently", storage.ErrConstraintViolation, oldID))
}

// Deactivate marks an active node inactive without a successor.
func (t *packTx) Deactivate(ctx context.Context, id string) error {
	n, err := getNode(ctx, t.tx, id)
	if err != nil {
		return err
	}
	if !n.IsActive {
		return fmt.Errorf("%w: node %s is already inactive", storage.ErrConstraintViolation, id)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE memory_nodes SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return storageErr("deactivate node", err)
	}
	return checkAffected(res, fmt.Errorf("%w: node %s changed concurrently", storage.ErrConstraintViolation, id))
}

// PurgeNode permanently removes a node with its tags and edges.
func (t *packTx) PurgeNode(ctx context.Context, id string) error {
	if _, err := getNode(ctx, t.tx, id); err != nil {
		return err
	}

	var successors int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_nodes WHERE superseded_by = ?`, id).Scan(&successors); err != nil {
		return storageErr("check successors", err)
	}
	if successors > 0 {
		return fmt.Errorf("%w: %d node(s) are superseded by %s", storage.ErrConstraintViolation, successors, id)
	}

	for _, stmt := range []string{
		`DELETE FROM memory_relationships WHERE source_id = ?1 OR target_id = ?1`,
		`DELETE FROM memory_tags WHERE memory_id = ?1`,
		`DELETE FROM memory_nodes WHERE id = ?1`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return storageErr("purge node", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// escapeLike escapes LIKE wildcards using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
