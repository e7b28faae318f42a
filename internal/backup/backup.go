// Package backup moves memory packs between machines: it exports a pack to
// a single verified file and installs a copied pack file into a registry.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/internal/storage/sqlite"
)

// Result describes one exported pack file.
type Result struct {
	Path     string        `json:"path"`
	AgentID  string        `json:"agent_id"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
}

// Export writes a consistent copy of pack to dest and verifies it. dest
// must not exist.
func Export(ctx context.Context, pack *packs.Pack, dest string) (*Result, error) {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create export directory: %w", storage.ErrStorageFailure, err)
	}
	if err := pack.Store.Snapshot(ctx, dest); err != nil {
		return nil, err
	}
	if err := Verify(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("export verification failed: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: stat export: %w", storage.ErrStorageFailure, err)
	}
	return &Result{
		Path:     dest,
		AgentID:  pack.AgentID,
		Size:     info.Size(),
		Duration: time.Since(start),
		Verified: true,
	}, nil
}

// Verify runs SQLite's integrity check over the pack file at path.
func Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", storage.ErrStorageFailure, path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check: %w", storage.ErrStorageFailure, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check failed: %s", storage.ErrStorageFailure, result)
	}
	return nil
}

// Import copies the pack file at src into registry as agentID's pack. The
// file must pass the integrity check and be owned by agentID, and agentID
// must not already have a pack. src is left in place.
func Import(ctx context.Context, registry *packs.Registry, src, agentID string) (string, error) {
	if !packs.ValidAgentID(agentID) {
		return "", fmt.Errorf("%w: invalid agent id %q", storage.ErrInvalidInput, agentID)
	}
	if err := Verify(ctx, src); err != nil {
		return "", fmt.Errorf("import verification failed: %w", err)
	}
	owner, err := sqlite.ReadOwner(ctx, src)
	if err != nil {
		return "", err
	}
	if owner != agentID {
		return "", fmt.Errorf("%w: %s belongs to %s, not %s", storage.ErrPackOwnerMismatch, src, owner, agentID)
	}

	// Copy next to the registry so the final install is a rename on one
	// filesystem.
	tmp, err := os.CreateTemp(registry.Dir(), "."+agentID+"-import-*")
	if err != nil {
		return "", fmt.Errorf("%w: create import file: %w", storage.ErrStorageFailure, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := copyFile(tmp, src); err != nil {
		return "", err
	}
	if err := Verify(ctx, tmpPath); err != nil {
		return "", fmt.Errorf("imported copy verification failed: %w", err)
	}
	return registry.Install(tmpPath, agentID)
}

// copyFile copies src into dst, syncs and closes dst.
func copyFile(dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: open %s: %w", storage.ErrStorageFailure, src, err)
	}
	defer func() { _ = in.Close() }()

	if _, err := io.Copy(dst, in); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: copy pack: %w", storage.ErrStorageFailure, err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: sync pack: %w", storage.ErrStorageFailure, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: close pack: %w", storage.ErrStorageFailure, err)
	}
	return nil
}
