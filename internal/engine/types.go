// Package engine implements the memory operations over agent packs: the
// Store/Update/Forget lifecycle, scored recall with bounded traversal, the
// sub-agent extraction pipeline with its persisted job queue, and source
// fact-checking across reachable packs.
package engine

import (
	"fmt"
	"time"
)

// Config holds configuration for the memory engine.
type Config struct {
	// NumWorkers is the number of extraction worker goroutines (default: 2).
	NumWorkers int

	// QueueSize is the size of the in-process job queue buffer (default: 100).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// PollInterval is how often pending jobs are collected from every pack (default: 5s).
	PollInterval time.Duration

	// RecoveryBatchSize is the number of pending jobs collected per pack per poll (default: 100).
	RecoveryBatchSize int

	// SegmentConcurrency bounds parallel sub-agent calls within one extraction (default: 4).
	SegmentConcurrency int

	// SegmentRetries is the number of retries after a failed sub-agent call (default: 3).
	SegmentRetries int

	// RetryBackoff is the base delay; attempt n waits n*n*RetryBackoff (default: 100ms).
	RetryBackoff time.Duration

	// SegmentsPerSecond limits sub-agent calls across the engine; 0 disables the limit.
	SegmentsPerSecond float64

	// TargetTokens is the size small structural blocks are merged up to (default: 800).
	TargetTokens int

	// MaxTokens is the per-segment processing budget (default: 1500).
	MaxTokens int

	// AsyncMaxTokens and AsyncMaxSegments are the largest input extracted
	// synchronously; anything bigger becomes a job (defaults: 3000, 4).
	AsyncMaxTokens   int
	AsyncMaxSegments int

	// RelatedCap is the number of related nodes recall may append (default: 5).
	RelatedCap int

	// MaxDepth is the default extraction recursion depth (default: 3).
	MaxDepth int
}

// Recall and extraction limits.
const (
	DefaultRecallLimit = 10
	MaxRecallLimit     = 100
	MaxExtractDepth    = 10
	relatedMaxHops     = 2
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:         2,
		QueueSize:          100,
		ShutdownTimeout:    30 * time.Second,
		PollInterval:       5 * time.Second,
		RecoveryBatchSize:  100,
		SegmentConcurrency: 4,
		SegmentRetries:     3,
		RetryBackoff:       100 * time.Millisecond,
		TargetTokens:       800,
		MaxTokens:          1500,
		AsyncMaxTokens:     3000,
		AsyncMaxSegments:   4,
		RelatedCap:         5,
		MaxDepth:           3,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be > 0, got %v", c.PollInterval)
	}

	if c.RecoveryBatchSize < 1 {
		return fmt.Errorf("RecoveryBatchSize must be >= 1, got %d", c.RecoveryBatchSize)
	}

	if c.SegmentConcurrency < 1 {
		return fmt.Errorf("SegmentConcurrency must be >= 1, got %d", c.SegmentConcurrency)
	}

	if c.SegmentRetries < 0 {
		return fmt.Errorf("SegmentRetries must be >= 0, got %d", c.SegmentRetries)
	}

	if c.RetryBackoff < 0 {
		return fmt.Errorf("RetryBackoff must be >= 0, got %v", c.RetryBackoff)
	}

	if c.SegmentsPerSecond < 0 {
		return fmt.Errorf("SegmentsPerSecond must be >= 0, got %v", c.SegmentsPerSecond)
	}

	if c.TargetTokens < 1 || c.MaxTokens < c.TargetTokens {
		return fmt.Errorf("need 1 <= TargetTokens <= MaxTokens, got %d and %d", c.TargetTokens, c.MaxTokens)
	}

	if c.AsyncMaxTokens < 1 || c.AsyncMaxSegments < 1 {
		return fmt.Errorf("async thresholds must be >= 1, got %d tokens and %d segments", c.AsyncMaxTokens, c.AsyncMaxSegments)
	}

	if c.RelatedCap < 0 {
		return fmt.Errorf("RelatedCap must be >= 0, got %d", c.RelatedCap)
	}

	if c.MaxDepth < 1 || c.MaxDepth > MaxExtractDepth {
		return fmt.Errorf("MaxDepth must be within 1..%d, got %d", MaxExtractDepth, c.MaxDepth)
	}

	return nil
}
