// Package packs manages per-agent memory packs.
//
// A Registry maps agent ids to pack files under one directory and caches the
// open stores. Every engine operation receives an explicit *Pack handle from
// the registry; no pack is ever held in package-level state.
package packs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/internal/storage/sqlite"
)

// Extension is the file suffix of a pack.
const Extension = ".spirit"

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidAgentID reports whether id can name a pack file.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Pack is an open handle on one agent's memory pack.
type Pack struct {
	AgentID string
	Store   storage.PackStore
}

// Registry opens packs on first use and keeps them open until released.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	packs map[string]*Pack
	owned map[string]bool // packs opened here, as opposed to adopted
	// grants maps an owner to the agents allowed to read its pack.
	grants map[string]map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithGrants installs read grants, keyed by owner.
func WithGrants(grants map[string][]string) Option {
	return func(r *Registry) {
		for owner, readers := range grants {
			for _, reader := range readers {
				r.grant(owner, reader)
			}
		}
	}
}

// NewRegistry returns a registry storing packs in dir, creating it if needed.
func NewRegistry(dir string, opts ...Option) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: pack directory is required", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create pack directory: %w", storage.ErrStorageFailure, err)
	}
	r := &Registry{
		dir:    dir,
		logger: zap.NewNop(),
		packs:  make(map[string]*Pack),
		owned:  make(map[string]bool),
		grants: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the directory holding pack files.
func (r *Registry) Dir() string { return r.dir }

// PathFor returns the pack file location for agentID.
func (r *Registry) PathFor(agentID string) string {
	return filepath.Join(r.dir, agentID+Extension)
}

// Open returns the pack for agentID, creating the file on first use.
func (r *Registry) Open(ctx context.Context, agentID string) (*Pack, error) {
	return r.open(ctx, agentID, true)
}

// OpenExisting returns the pack for agentID without creating one.
// Returns storage.ErrNotFound when the agent has no pack file.
func (r *Registry) OpenExisting(ctx context.Context, agentID string) (*Pack, error) {
	return r.open(ctx, agentID, false)
}

func (r *Registry) open(ctx context.Context, agentID string, create bool) (*Pack, error) {
	if !ValidAgentID(agentID) {
		return nil, fmt.Errorf("%w: invalid agent id %q", storage.ErrInvalidInput, agentID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if p, ok := r.packs[agentID]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have opened it while we waited for the lock.
	if p, ok := r.packs[agentID]; ok {
		return p, nil
	}

	path := r.PathFor(agentID)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no pack for agent %s", storage.ErrNotFound, agentID)
		}
	}

	store, err := sqlite.Open(path, agentID, sqlite.WithLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("open pack for %s: %w", agentID, err)
	}
	p := &Pack{AgentID: agentID, Store: store}
	r.packs[agentID] = p
	r.owned[agentID] = true
	r.logger.Debug("pack opened", zap.String("agent", agentID), zap.String("path", path))
	return p, nil
}

// Adopt registers a store opened by the caller. The registry will not close
// it on Release or Close.
func (r *Registry) Adopt(store storage.PackStore) (*Pack, error) {
	agentID := store.Owner()
	if !ValidAgentID(agentID) {
		return nil, fmt.Errorf("%w: invalid agent id %q", storage.ErrInvalidInput, agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.packs[agentID]; ok {
		return nil, fmt.Errorf("%w: pack for %s is already open", storage.ErrConstraintViolation, agentID)
	}
	p := &Pack{AgentID: agentID, Store: store}
	r.packs[agentID] = p
	r.owned[agentID] = false
	return p, nil
}

// Release closes and forgets the cached pack for agentID. Releasing a pack
// that is not open is a no-op.
func (r *Registry) Release(agentID string) error {
	r.mu.Lock()
	p, ok := r.packs[agentID]
	owned := r.owned[agentID]
	delete(r.packs, agentID)
	delete(r.owned, agentID)
	r.mu.Unlock()

	if !ok || !owned {
		return nil
	}
	if err := p.Store.Close(); err != nil {
		return fmt.Errorf("close pack for %s: %w", agentID, err)
	}
	return nil
}

// Close releases every open pack.
func (r *Registry) Close() error {
	r.mu.Lock()
	agents := make([]string, 0, len(r.packs))
	for id := range r.packs {
		agents = append(agents, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range agents {
		if err := r.Release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Agents lists agents that have a pack on disk or open in the registry,
// sorted by id.
func (r *Registry) Agents() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list packs: %w", storage.ErrStorageFailure, err)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), Extension)
		if ValidAgentID(id) {
			seen[id] = true
		}
	}
	r.mu.RLock()
	for id := range r.packs {
		seen[id] = true
	}
	r.mu.RUnlock()

	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

// Grant lets reader search owner's pack.
func (r *Registry) Grant(owner, reader string) error {
	if !ValidAgentID(owner) || !ValidAgentID(reader) {
		return fmt.Errorf("%w: invalid agent id in grant %q -> %q", storage.ErrInvalidInput, owner, reader)
	}
	r.mu.Lock()
	r.grant(owner, reader)
	r.mu.Unlock()
	return nil
}

func (r *Registry) grant(owner, reader string) {
	if owner == reader {
		return
	}
	if r.grants[owner] == nil {
		r.grants[owner] = make(map[string]bool)
	}
	r.grants[owner][reader] = true
}

// Revoke removes a grant. Revoking a missing grant is a no-op.
func (r *Registry) Revoke(owner, reader string) {
	r.mu.Lock()
	delete(r.grants[owner], reader)
	r.mu.Unlock()
}

// Reachable returns the packs agentID may search: its own first, then every
// pack whose owner granted it access, ordered by owner id. Granted packs
// without a file are skipped.
func (r *Registry) Reachable(ctx context.Context, agentID string) ([]*Pack, error) {
	own, err := r.Open(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := []*Pack{own}

	r.mu.RLock()
	var owners []string
	for owner, readers := range r.grants {
		if readers[agentID] {
			owners = append(owners, owner)
		}
	}
	r.mu.RUnlock()
	sort.Strings(owners)

	for _, owner := range owners {
		p, err := r.OpenExisting(ctx, owner)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Install moves a pack file into the registry for agentID. The destination
// must not exist and the pack must not be open.
func (r *Registry) Install(src, agentID string) (string, error) {
	if !ValidAgentID(agentID) {
		return "", fmt.Errorf("%w: invalid agent id %q", storage.ErrInvalidInput, agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, open := r.packs[agentID]; open {
		return "", fmt.Errorf("%w: pack for %s is open", storage.ErrConstraintViolation, agentID)
	}
	dest := r.PathFor(agentID)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: pack for %s already exists", storage.ErrConstraintViolation, agentID)
	}
	if err := os.Rename(src, dest); err != nil {
		return "", fmt.Errorf("%w: install pack: %w", storage.ErrStorageFailure, err)
	}
	return dest, nil
}
