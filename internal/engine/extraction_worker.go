package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/segment"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// extractionWorker processes queued jobs until the queue is closed. Once
// ctx is cancelled it drains the queue without running anything, leaving
// those jobs pending.
func (e *MemoryEngine) extractionWorker(ctx context.Context, workerID int, queue <-chan jobRef) {
	defer e.workerWaitGroup.Done()

	e.logger.Info("extraction worker started", zap.Int("worker", workerID))

	for ref := range queue {
		e.queued.Delete(ref.jobID)
		if ctx.Err() != nil {
			continue
		}
		e.processQueuedJob(ctx, workerID, ref)
	}

	e.logger.Info("extraction worker stopped", zap.Int("worker", workerID))
}

func (e *MemoryEngine) processQueuedJob(ctx context.Context, workerID int, ref jobRef) {
	pack, err := e.registry.OpenExisting(ctx, ref.agentID)
	if err != nil {
		e.logger.Error("worker cannot open pack",
			zap.Int("worker", workerID), zap.String("agent", ref.agentID), zap.Error(err))
		return
	}

	// A claimed job runs to completion even if shutdown starts meanwhile.
	job, err := e.RunJob(context.WithoutCancel(ctx), pack, ref.jobID)
	switch {
	case errors.Is(err, storage.ErrJobAlreadyClaimed):
		e.logger.Debug("job claimed elsewhere", zap.Int("worker", workerID), zap.String("job", ref.jobID))
	case err != nil:
		e.logger.Error("job run failed",
			zap.Int("worker", workerID), zap.String("agent", ref.agentID), zap.String("job", ref.jobID), zap.Error(err))
	default:
		e.logger.Info("job finished",
			zap.Int("worker", workerID),
			zap.String("agent", ref.agentID),
			zap.String("job", job.ID),
			zap.String("status", string(job.Status)))
	}
}

// RunJob claims a pending job of pack, runs its extraction and records the
// outcome. It returns ErrJobAlreadyClaimed if the job is no longer pending.
// Workers call it for queued jobs; it can also drive a job directly.
func (e *MemoryEngine) RunJob(ctx context.Context, pack *packs.Pack, jobID string) (job *types.ExtractionJob, err error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	ctx, span := e.telemetry.start(ctx, "job", pack.AgentID, attribute.String("spirit.job", jobID))
	defer func() { end(span, err) }()

	claimed, err := pack.Store.ClaimJob(ctx, jobID, e.now().UTC())
	if err != nil {
		return nil, err
	}

	started := time.Now()
	status, result, errText := e.runClaimedJob(ctx, pack, claimed)
	e.telemetry.recordExtract(ctx, started, string(status))

	if err := pack.Store.FinishJob(ctx, jobID, status, result, errText, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("finish job %s: %w", jobID, err)
	}

	e.mu.RLock()
	callback := e.onJobFinished
	e.mu.RUnlock()
	if callback != nil {
		callback(pack.AgentID, jobID, status)
	}

	return pack.Store.GetJob(ctx, jobID)
}

// runClaimedJob executes a running job and returns its terminal state.
func (e *MemoryEngine) runClaimedJob(ctx context.Context, pack *packs.Pack, job *types.ExtractionJob) (types.JobStatus, json.RawMessage, string) {
	var p extractPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return types.JobFailed, nil, fmt.Sprintf("invalid job payload: %v", err)
	}
	if p.MaxDepth < 1 || p.MaxDepth > MaxExtractDepth {
		p.MaxDepth = e.config.MaxDepth
	}

	progress := func(ctx context.Context, done, total int) {
		if err := pack.Store.UpdateJobProgress(ctx, job.ID, done, total); err != nil {
			e.logger.Warn("job progress not recorded", zap.String("job", job.ID), zap.Error(err))
		}
	}

	segs := segment.Split(p.Content, e.segmentOptions())
	res, err := e.extract(ctx, pack, &p, segs, progress)
	if err != nil {
		return types.JobFailed, nil, err.Error()
	}

	result, err := json.Marshal(res)
	if err != nil {
		return types.JobFailed, nil, fmt.Sprintf("encode result: %v", err)
	}
	if res.Status == StatusFailed {
		return types.JobFailed, result, res.Error
	}
	return types.JobCompleted, result, res.Error
}

// startWorkerPool starts the worker goroutines.
func (e *MemoryEngine) startWorkerPool(ctx context.Context) {
	queue := e.jobQueue
	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWaitGroup.Add(1)
		go e.extractionWorker(ctx, i, queue)
	}

	e.logger.Info("started extraction workers", zap.Int("workers", e.config.NumWorkers))
}

// stopWorkerPool closes the queue and waits for workers to finish their
// current job, up to ShutdownTimeout.
func (e *MemoryEngine) stopWorkerPool(ctx context.Context) error {
	close(e.jobQueue)

	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("all extraction workers finished")
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("shutdown timeout reached, jobs still running stay marked running")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
