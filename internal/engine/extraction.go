package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/loader"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/segment"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// Extraction statuses reported on ExtractResult.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusQueued    = "queued"
)

// contentRefPrefix marks source refs derived from a hash of inline content.
const contentRefPrefix = "sha256:"

// ExtractRequest is the input of Extract. Either Content or both
// SourceType and SourceRef must be set.
type ExtractRequest struct {
	Content    string
	SourceType string
	SourceRef  string

	// Context is passed to the sub-agent with every segment.
	Context string

	// MaxDepth bounds recursive splitting; 0 means the configured default.
	MaxDepth int

	// Force re-extracts a source that was extracted before.
	Force bool

	// Tags are added to every node the extraction creates.
	Tags []string
}

// ExtractResult summarises an extraction. For queued extractions only
// Status, JobID and the source identity are set; the job's result holds
// the rest once it finishes.
type ExtractResult struct {
	Status     string           `json:"status"`
	JobID      string           `json:"job_id,omitempty"`
	SourceType types.SourceType `json:"source_type"`
	SourceRef  string           `json:"source_ref"`
	Title      string           `json:"title,omitempty"`

	NodesCreated         int `json:"nodes_created"`
	RelationshipsCreated int `json:"relationships_created"`
	TagsCreated          int `json:"tags_created"`

	// Segments is the number of top-level segments the content was split into.
	Segments int `json:"segments"`

	// FailedRanges lists the line spans whose sub-agent calls failed.
	FailedRanges []string `json:"failed_ranges,omitempty"`

	NodeIDs []string `json:"node_ids,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// extractPayload is the persisted form of an extraction. Async jobs store
// it with the content already resolved so a worker never reloads sources.
type extractPayload struct {
	Content    string           `json:"content"`
	SourceType types.SourceType `json:"source_type"`
	SourceRef  string           `json:"source_ref"`
	Title      string           `json:"title,omitempty"`
	Context    string           `json:"context,omitempty"`
	MaxDepth   int              `json:"max_depth"`
	Tags       []string         `json:"tags,omitempty"`

	// Inline is set when the caller supplied the content; the text is then
	// retained in the pack for source lookups.
	Inline bool `json:"inline,omitempty"`
}

// Extract turns content into memory nodes with the sub-agent. Small inputs
// are processed before Extract returns; larger ones become a pending job
// and Extract returns its id.
//
// When every segment fails, Extract returns the failed result together
// with an error wrapping ErrSubAgentFailure.
func (e *MemoryEngine) Extract(ctx context.Context, pack *packs.Pack, req ExtractRequest) (res *ExtractResult, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "extract", pack.AgentID,
		attribute.String("spirit.source_type", req.SourceType),
		attribute.String("spirit.source_ref", req.SourceRef),
		attribute.Bool("spirit.force", req.Force))
	defer func() { end(span, err) }()

	p, err := e.extractPayloadFor(req)
	if err != nil {
		return nil, err
	}

	key := pack.AgentID + "\x00" + string(p.SourceType) + "\x00" + p.SourceRef
	if _, busy := e.inflight.LoadOrStore(key, struct{}{}); busy {
		return nil, &AlreadyProcessedError{SourceType: p.SourceType, SourceRef: p.SourceRef}
	}
	defer e.inflight.Delete(key)

	if !req.Force {
		if err := e.checkDuplicate(ctx, pack, p.SourceType, p.SourceRef); err != nil {
			return nil, err
		}
	}

	if p.Content == "" {
		content, err := e.loadSource(ctx, pack.AgentID, p.SourceType, p.SourceRef)
		if err != nil {
			return nil, err
		}
		p.Content = content.Text
		p.Title = content.Title
		p.Tags = types.NormalizeTags(append(p.Tags, content.Tags...))
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, validationf("source %s %s has no content", p.SourceType, p.SourceRef)
	}

	segs := segment.Split(p.Content, e.segmentOptions())
	span.SetAttributes(attribute.Int("spirit.segments", len(segs)))
	if segment.EstimateTokens(p.Content) > e.config.AsyncMaxTokens || len(segs) > e.config.AsyncMaxSegments {
		return e.submitJob(ctx, pack, p, len(segs))
	}

	started := time.Now()
	res, err = e.extract(ctx, pack, p, segs, nil)
	if err != nil {
		e.telemetry.recordExtract(ctx, started, "error")
		return nil, err
	}
	e.telemetry.recordExtract(ctx, started, res.Status)
	if res.Status == StatusFailed {
		return res, fmt.Errorf("%w: %s", ErrSubAgentFailure, res.Error)
	}
	return res, nil
}

// extractPayloadFor validates req and resolves the source identity.
func (e *MemoryEngine) extractPayloadFor(req ExtractRequest) (*extractPayload, error) {
	sourceType, err := types.ParseSourceType(req.SourceType)
	if err != nil {
		return nil, validationf("%v", err)
	}
	p := &extractPayload{
		Content:    req.Content,
		SourceType: sourceType,
		SourceRef:  strings.TrimSpace(req.SourceRef),
		Context:    req.Context,
		MaxDepth:   req.MaxDepth,
		Tags:       types.NormalizeTags(req.Tags),
		Inline:     strings.TrimSpace(req.Content) != "",
	}

	if !p.Inline {
		p.Content = ""
		if p.SourceType == "" || p.SourceRef == "" {
			return nil, validationf("content or both sourceType and sourceRef are required")
		}
	} else {
		if p.SourceRef == "" {
			sum := sha256.Sum256([]byte(p.Content))
			p.SourceRef = contentRefPrefix + hex.EncodeToString(sum[:])
		}
		if p.SourceType == "" {
			p.SourceType = types.SourceDerived
		}
	}

	switch {
	case p.MaxDepth == 0:
		p.MaxDepth = e.config.MaxDepth
	case p.MaxDepth < 1 || p.MaxDepth > MaxExtractDepth:
		return nil, validationf("maxDepth must be between 1 and %d", MaxExtractDepth)
	}
	return p, nil
}

// checkDuplicate reports AlreadyProcessed for a source with an EXTRACT log
// entry or an unfinished job.
func (e *MemoryEngine) checkDuplicate(ctx context.Context, pack *packs.Pack, sourceType types.SourceType, sourceRef string) error {
	done, err := pack.Store.HasExtracted(ctx, sourceType, sourceRef)
	if err != nil {
		return err
	}
	if done {
		return &AlreadyProcessedError{SourceType: sourceType, SourceRef: sourceRef}
	}

	job, err := pack.Store.FindActiveJob(ctx, sourceType, sourceRef)
	switch {
	case err == nil:
		return &AlreadyProcessedError{SourceType: sourceType, SourceRef: sourceRef, JobID: job.ID}
	case isNotFound(err):
		return nil
	default:
		return err
	}
}

// loadSource fetches original content through the configured loader and
// maps loader errors onto the engine taxonomy.
func (e *MemoryEngine) loadSource(ctx context.Context, agentID string, sourceType types.SourceType, sourceRef string) (*loader.Content, error) {
	if e.loader == nil {
		return nil, fmt.Errorf("%w: no content loader configured for %s", ErrSourceNotFound, sourceType)
	}
	content, err := e.loader.Load(ctx, loader.Request{AgentID: agentID, SourceType: sourceType, SourceRef: sourceRef})
	switch {
	case err == nil:
		return content, nil
	case errors.Is(err, loader.ErrSourceNotFound):
		return nil, fmt.Errorf("%w: %s %s", ErrSourceNotFound, sourceType, sourceRef)
	case errors.Is(err, loader.ErrInvalidRef), errors.Is(err, loader.ErrUnsupportedSource):
		return nil, validationf("%v", err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %s %s: %w", ErrSourceNotFound, sourceType, sourceRef, err)
	}
}

// submitJob persists p as a pending job and queues it for a worker. A job
// that does not fit the queue stays pending until the next poll.
func (e *MemoryEngine) submitJob(ctx context.Context, pack *packs.Pack, p *extractPayload, segments int) (*ExtractResult, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	job := &types.ExtractionJob{
		AgentID:    pack.AgentID,
		Type:       types.JobTypeExtract,
		Payload:    payload,
		TotalSteps: segments,
		SourceType: p.SourceType,
		SourceRef:  p.SourceRef,
		CreatedAt:  e.now().UTC(),
	}
	if err := pack.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	queued := e.queueJob(jobRef{agentID: pack.AgentID, jobID: job.ID})
	e.logger.Info("extraction job submitted",
		zap.String("agent", pack.AgentID),
		zap.String("job", job.ID),
		zap.Int("segments", segments),
		zap.Bool("queued", queued))

	return &ExtractResult{
		Status:     StatusQueued,
		JobID:      job.ID,
		SourceType: p.SourceType,
		SourceRef:  p.SourceRef,
		Title:      p.Title,
		Segments:   segments,
	}, nil
}

func (e *MemoryEngine) segmentOptions() segment.Options {
	return segment.Options{TargetTokens: e.config.TargetTokens, MaxTokens: e.config.MaxTokens}
}
