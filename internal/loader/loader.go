// Package loader fetches original content for extraction and fact-checking.
//
// Each source type has its own Loader. Mux dispatches a Request to the loader
// registered for its SourceType and is what the engine depends on.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/pkg/types"
)

var (
	// ErrSourceNotFound is returned when a reference does not resolve.
	ErrSourceNotFound = errors.New("source not found")

	// ErrUnsupportedSource is returned when no loader handles a source type.
	ErrUnsupportedSource = errors.New("unsupported source type")

	// ErrInvalidRef is returned for a malformed source reference.
	ErrInvalidRef = errors.New("invalid source reference")
)

// Request identifies content to load. AgentID is the owner of the pack the
// reference came from; loaders that hold per-agent data scope by it.
type Request struct {
	AgentID    string
	SourceType types.SourceType
	SourceRef  string
}

// Content is loaded source text plus metadata found alongside it.
type Content struct {
	Text  string
	Title string
	// Tags are labels carried by the source itself, such as document
	// frontmatter tags.
	Tags []string
}

// Loader loads one kind of source.
type Loader interface {
	Load(ctx context.Context, req Request) (*Content, error)
}

// ContentLoader is the engine-facing collaborator.
type ContentLoader interface {
	Load(ctx context.Context, req Request) (*Content, error)
	Supports(sourceType types.SourceType) bool
}

// Mux routes requests to per-type loaders.
type Mux struct {
	mu      sync.RWMutex
	loaders map[types.SourceType]Loader
	logger  *zap.Logger
}

// NewMux creates an empty Mux.
func NewMux(logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{
		loaders: make(map[types.SourceType]Loader),
		logger:  logger,
	}
}

// Register installs l for sourceType, replacing any previous loader.
func (m *Mux) Register(sourceType types.SourceType, l Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaders[sourceType] = l
}

// Supports reports whether a loader is registered for sourceType.
func (m *Mux) Supports(sourceType types.SourceType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loaders[sourceType]
	return ok
}

// Load dispatches req by source type.
func (m *Mux) Load(ctx context.Context, req Request) (*Content, error) {
	m.mu.RLock()
	l, ok := m.loaders[req.SourceType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, req.SourceType)
	}

	c, err := l.Load(ctx, req)
	if err != nil {
		m.logger.Debug("load failed",
			zap.String("source_type", string(req.SourceType)),
			zap.String("source_ref", req.SourceRef),
			zap.Error(err))
		return nil, err
	}
	return c, nil
}

var _ ContentLoader = (*Mux)(nil)
