// Package storage provides composable storage interfaces for Spirit Memory.
//
// A memory pack is one agent's complete graph: nodes, relationships, tags,
// the consolidation log and extraction jobs. The interfaces below are kept
// small so the engine can depend on exactly what each operation needs.
// Every multi-row write happens inside Tx so a crash never leaves an edge
// pointing at a missing node.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/scrypster/spirit-memory/pkg/types"
)

// NodeReader provides read access to memory nodes.
type NodeReader interface {
	// GetNode returns a node by id regardless of its active flag.
	// Returns ErrNotFound if the id does not resolve.
	GetNode(ctx context.Context, id string) (*types.MemoryNode, error)

	// ListNodes returns nodes matching filter, with tags populated. The node
	// rows and their tags are read from one snapshot.
	ListNodes(ctx context.Context, filter NodeFilter) ([]*types.MemoryNode, error)

	// FindNodeByText returns the oldest active node whose summary or leading
	// content contains needle (case-insensitive). Returns ErrNotFound when
	// nothing matches.
	FindNodeByText(ctx context.Context, needle string) (*types.MemoryNode, error)

	// FindNodesBySource returns every node, active or not, recorded against
	// the given source.
	FindNodesBySource(ctx context.Context, sourceType types.SourceType, sourceRef string) ([]*types.MemoryNode, error)

	// GetEvolutionChain returns the supersession chain containing id,
	// ordered oldest to newest. Capped at 50 versions.
	GetEvolutionChain(ctx context.Context, id string) ([]*types.MemoryNode, error)

	// TouchNodes increments access_count and sets last_accessed for ids.
	// Unknown ids are ignored.
	TouchNodes(ctx context.Context, ids []string, at time.Time) error
}

// GraphReader provides read access to relationships.
type GraphReader interface {
	// GetRelationships returns every edge with id as source or target,
	// strongest first.
	GetRelationships(ctx context.Context, id string) ([]*types.Relationship, error)
}

// LogReader provides read access to the consolidation log.
type LogReader interface {
	// ListLog returns entries newest first.
	ListLog(ctx context.Context, filter LogFilter) ([]*types.LogEntry, error)

	// HasExtracted reports whether an EXTRACT entry exists for the source.
	HasExtracted(ctx context.Context, sourceType types.SourceType, sourceRef string) (bool, error)
}

// JobStore persists extraction jobs. Status changes are guarded in SQL so
// that a job moves only pending -> running -> completed|failed.
type JobStore interface {
	// CreateJob inserts a job in pending state.
	CreateJob(ctx context.Context, job *types.ExtractionJob) error

	// GetJob returns a job by id. Returns ErrNotFound if missing.
	GetJob(ctx context.Context, id string) (*types.ExtractionJob, error)

	// ClaimJob atomically moves a pending job to running and returns it.
	// Returns ErrJobAlreadyClaimed if the job is no longer pending.
	ClaimJob(ctx context.Context, id string, at time.Time) (*types.ExtractionJob, error)

	// UpdateJobProgress raises progress and total_steps of a running job.
	// Lower values than those stored are ignored, so progress never decreases.
	UpdateJobProgress(ctx context.Context, id string, progress, totalSteps int) error

	// FinishJob moves a running job to completed or failed.
	FinishJob(ctx context.Context, id string, status types.JobStatus, result json.RawMessage, errText string, at time.Time) error

	// ListJobs returns jobs oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.ExtractionJob, error)

	// FindActiveJob returns a pending or running job for the source.
	// Returns ErrNotFound if none exists.
	FindActiveJob(ctx context.Context, sourceType types.SourceType, sourceRef string) (*types.ExtractionJob, error)
}

// Tx is the write surface of one atomic unit. Either every write made
// through a Tx becomes visible or none does.
type Tx interface {
	GetNode(ctx context.Context, id string) (*types.MemoryNode, error)
	FindNodeByText(ctx context.Context, needle string) (*types.MemoryNode, error)

	// CreateNode inserts a node owned by the pack's agent. ID and CreatedAt
	// are filled in when empty.
	CreateNode(ctx context.Context, node *types.MemoryNode) error

	// CreateRelationship inserts an edge. Both endpoints must exist and
	// differ, otherwise ErrConstraintViolation.
	CreateRelationship(ctx context.Context, rel *types.Relationship) error

	// CreateTag attaches tag to a node. Attaching an existing tag is a no-op
	// and reports created=false.
	CreateTag(ctx context.Context, memoryID, tag string) (created bool, err error)

	// AppendLog appends a consolidation log entry.
	AppendLog(ctx context.Context, entry *types.LogEntry) error

	// Supersede deactivates oldID and points it at newID. Returns
	// ErrConstraintViolation if that would create a supersession cycle.
	Supersede(ctx context.Context, oldID, newID string) error

	// Deactivate marks an active node inactive without a successor.
	Deactivate(ctx context.Context, id string) error

	// PurgeNode permanently removes a node together with its tags and edges.
	// Refused while another node is superseded by it.
	PurgeNode(ctx context.Context, id string) error

	// RetainSource keeps the text of a source that has no external home
	// (inline content) so it can be fact-checked later. Retaining a source
	// twice keeps the first copy.
	RetainSource(ctx context.Context, sourceType types.SourceType, sourceRef, content string) error
}

// SourceArchive reads retained source texts.
type SourceArchive interface {
	// GetSourceText returns retained text for the source.
	// Returns ErrNotFound if nothing was retained.
	GetSourceText(ctx context.Context, sourceType types.SourceType, sourceRef string) (string, error)
}

// PackStore is a complete memory pack backed by one portable file.
type PackStore interface {
	NodeReader
	GraphReader
	LogReader
	JobStore
	SourceArchive

	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Owner returns the agent id recorded in the pack.
	Owner() string

	// Path returns the pack file location, or ":memory:".
	Path() string

	// Snapshot writes a consistent copy of the pack to dest.
	Snapshot(ctx context.Context, dest string) error

	Close() error
}
