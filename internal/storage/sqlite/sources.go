package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// RetainSource stores inline source text. The first copy wins.
func (t *packTx) RetainSource(ctx context.Context, sourceType types.SourceType, sourceRef, content string) error {
	if sourceRef == "" {
		return fmt.Errorf("%w: source ref is required", storage.ErrInvalidInput)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO source_texts (source_type, source_ref, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source_type, source_ref) DO NOTHING`,
		string(sourceType), sourceRef, content, formatTime(time.Now()))
	if err != nil {
		return storageErr("retain source", err)
	}
	return nil
}

// GetSourceText returns retained text for the source.
func (s *PackStore) GetSourceText(ctx context.Context, sourceType types.SourceType, sourceRef string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM source_texts WHERE source_type = ? AND source_ref = ?`,
		string(sourceType), sourceRef).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no retained text for %s %s", storage.ErrNotFound, sourceType, sourceRef)
	}
	if err != nil {
		return "", storageErr("get source text", err)
	}
	return content, nil
}
