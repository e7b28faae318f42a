package engine

import (
	"go.uber.org/zap"
)

// jobRef locates a persisted job: the pack it lives in and its id.
type jobRef struct {
	agentID string
	jobID   string
}

// queueJob attempts to queue a job for the worker pool.
// Returns true if the job was queued or is already waiting, false if the
// engine is not running or the queue is full. Jobs that were not queued
// stay pending in their pack and are picked up by the next poll.
func (e *MemoryEngine) queueJob(ref jobRef) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started || e.shuttingDown {
		return false
	}
	if _, waiting := e.queued.LoadOrStore(ref.jobID, struct{}{}); waiting {
		return true
	}

	// Non-blocking: submission never waits on busy workers.
	select {
	case e.jobQueue <- ref:
		return true
	default:
		e.queued.Delete(ref.jobID)
		e.logger.Warn("job queue full, leaving job pending",
			zap.Int("queue_size", e.config.QueueSize),
			zap.String("agent", ref.agentID),
			zap.String("job", ref.jobID))
		return false
	}
}
