package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// RecoverPendingJobs queues pending jobs from every pack in the registry,
// up to RecoveryBatchSize per pack. Jobs submitted by other processes, or
// left pending by an earlier run, are found this way. It returns the
// number of jobs queued.
//
// Jobs left running by a crash are not touched; they stay running.
func (e *MemoryEngine) RecoverPendingJobs(ctx context.Context) (int, error) {
	agents, err := e.registry.Agents()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, agent := range agents {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		pack, err := e.registry.OpenExisting(ctx, agent)
		if err != nil {
			e.logger.Warn("recovery: cannot open pack", zap.String("agent", agent), zap.Error(err))
			continue
		}
		jobs, err := pack.Store.ListJobs(ctx, storage.JobFilter{
			Status: types.JobPending,
			Limit:  e.config.RecoveryBatchSize,
		})
		if err != nil {
			e.logger.Warn("recovery: cannot list jobs", zap.String("agent", agent), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			if !e.queueJob(jobRef{agentID: agent, jobID: job.ID}) {
				// Full or stopping; the rest waits for the next poll.
				return total, nil
			}
			total++
		}
	}

	if total > 0 {
		e.logger.Info("recovered pending jobs", zap.Int("queued", total))
	}
	return total, nil
}

// pollPendingJobs runs RecoverPendingJobs now and then every PollInterval
// until ctx is done.
func (e *MemoryEngine) pollPendingJobs(ctx context.Context) {
	defer e.pollerWaitGroup.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RecoverPendingJobs(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("pending job poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
