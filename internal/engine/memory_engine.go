package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/spirit-memory/internal/llm"
	"github.com/scrypster/spirit-memory/internal/loader"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// MemoryEngine executes memory operations against agent packs. Every
// operation takes the pack it works on; the engine itself holds no
// per-agent state apart from the job queue.
//
// Synchronous operations work without Start. Start runs the worker pool
// that claims extraction jobs from every pack in the registry.
type MemoryEngine struct {
	// Configuration
	config Config

	// Collaborators
	registry *packs.Registry
	loader   loader.Loader
	agent    llm.SubAgent
	logger   *zap.Logger

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *telemetry

	// limiter spaces sub-agent calls across all extractions.
	limiter *rate.Limiter
	now     func() time.Time

	// inflight holds the sources of extractions running in this process.
	inflight sync.Map

	// Job pipeline
	jobQueue        chan jobRef
	queued          sync.Map // job id -> struct{}, jobs waiting in jobQueue
	workerWaitGroup sync.WaitGroup
	pollerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc

	// State management
	started      bool
	shuttingDown bool
	mu           sync.RWMutex

	onJobFinished func(agentID, jobID string, status types.JobStatus)
}

// Option configures a MemoryEngine.
type Option func(*MemoryEngine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *MemoryEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLoader sets the content loader used by extraction and source lookup.
func WithLoader(l loader.Loader) Option {
	return func(e *MemoryEngine) { e.loader = l }
}

// WithSubAgent sets the reasoning sub-agent used by extraction.
func WithSubAgent(a llm.SubAgent) Option {
	return func(e *MemoryEngine) { e.agent = a }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *MemoryEngine) { e.tracerProvider = tp }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *MemoryEngine) { e.meterProvider = mp }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *MemoryEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewMemoryEngine creates a memory engine over registry.
// Use DefaultConfig() for sensible defaults.
func NewMemoryEngine(registry *packs.Registry, cfg Config, opts ...Option) (*MemoryEngine, error) {
	if registry == nil {
		return nil, fmt.Errorf("pack registry is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &MemoryEngine{
		config:   cfg,
		registry: registry,
		logger:   zap.NewNop(),
		now:      time.Now,
		jobQueue: make(chan jobRef, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	limit := rate.Inf
	if cfg.SegmentsPerSecond > 0 {
		limit = rate.Limit(cfg.SegmentsPerSecond)
	}
	e.limiter = rate.NewLimiter(limit, cfg.SegmentConcurrency)
	e.telemetry = newTelemetry(e.tracerProvider, e.meterProvider, e.logger)
	return e, nil
}

// Registry returns the pack registry the engine works on.
func (e *MemoryEngine) Registry() *packs.Registry {
	return e.registry
}

// SetOnJobFinished sets a callback fired after a worker finishes a job.
func (e *MemoryEngine) SetOnJobFinished(callback func(agentID, jobID string, status types.JobStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onJobFinished = callback
}

// Start starts the worker pool and the pending-job poller. Jobs left pending
// by an earlier process are picked up by the first poll.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.logger.Info("starting memory engine", zap.Int("workers", e.config.NumWorkers))

	e.workerCtx, e.workerCancel = context.WithCancel(ctx)
	e.startWorkerPool(e.workerCtx)

	e.pollerWaitGroup.Add(1)
	go e.pollPendingJobs(e.workerCtx)

	e.started = true
	return nil
}

// Shutdown stops accepting jobs, lets running jobs finish within
// ShutdownTimeout and returns. Jobs still queued stay pending in their pack.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	e.logger.Info("shutting down memory engine")

	// Marking shutdown under the write lock guarantees no queueJob call is
	// mid-send when the queue is closed below.
	e.shuttingDown = true
	e.workerCancel()
	e.mu.Unlock()

	e.pollerWaitGroup.Wait()
	err := e.stopWorkerPool(ctx)

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.jobQueue = make(chan jobRef, e.config.QueueSize)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("worker pool shutdown had errors", zap.Error(err))
	}
	return nil
}

// Get returns a node by id, active or not.
func (e *MemoryEngine) Get(ctx context.Context, pack *packs.Pack, id string) (*types.MemoryNode, error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationf("id is required")
	}
	return pack.Store.GetNode(ctx, id)
}

// Job returns an extraction job of pack.
func (e *MemoryEngine) Job(ctx context.Context, pack *packs.Pack, id string) (*types.ExtractionJob, error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationf("job id is required")
	}
	return pack.Store.GetJob(ctx, id)
}

// Jobs lists extraction jobs of pack, optionally by status.
func (e *MemoryEngine) Jobs(ctx context.Context, pack *packs.Pack, filter storage.JobFilter) ([]*types.ExtractionJob, error) {
	if err := checkPack(pack); err != nil {
		return nil, err
	}
	return pack.Store.ListJobs(ctx, filter)
}

// QueueLength returns the number of jobs waiting for a worker.
func (e *MemoryEngine) QueueLength() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.jobQueue)
}

func checkPack(pack *packs.Pack) error {
	if pack == nil || pack.Store == nil {
		return validationf("pack is required")
	}
	return nil
}

// isStorageFailure reports whether err must abort the operation in flight.
func isStorageFailure(err error) bool {
	return errors.Is(err, storage.ErrStorageFailure)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
