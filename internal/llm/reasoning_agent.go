package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxCandidates caps how many memories one segment may yield.
const DefaultMaxCandidates = 25

// ReasoningAgent is the SubAgent backed by a TextGenerator. Calls are rate
// limited across all concurrent segments sharing the agent.
type ReasoningAgent struct {
	gen           TextGenerator
	limiter       *rate.Limiter
	logger        *zap.Logger
	maxCandidates int
}

// AgentOption configures a ReasoningAgent.
type AgentOption func(*ReasoningAgent)

// WithRateLimit limits completions to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) AgentOption {
	return func(a *ReasoningAgent) {
		if rps <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/rps)), burst)
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *zap.Logger) AgentOption {
	return func(a *ReasoningAgent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMaxCandidates caps the candidates returned per segment.
func WithMaxCandidates(n int) AgentOption {
	return func(a *ReasoningAgent) {
		if n > 0 {
			a.maxCandidates = n
		}
	}
}

// NewReasoningAgent creates a ReasoningAgent over gen.
func NewReasoningAgent(gen TextGenerator, opts ...AgentOption) *ReasoningAgent {
	a := &ReasoningAgent{
		gen:           gen,
		limiter:       rate.NewLimiter(rate.Inf, 0),
		logger:        zap.NewNop(),
		maxCandidates: DefaultMaxCandidates,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ExtractSegment prompts the model for req and parses its candidates. A
// summarize request yields at most one candidate.
func (a *ReasoningAgent) ExtractSegment(ctx context.Context, req SegmentRequest) ([]Candidate, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	text, err := a.gen.Complete(ctx, PromptFor(req))
	if err != nil {
		return nil, err
	}

	candidates, err := ParseCandidates(text)
	if err != nil {
		a.logger.Debug("unparseable sub-agent response",
			zap.String("model", a.gen.GetModel()),
			zap.String("range", req.Range.String()),
			zap.Int("response_len", len(text)))
		return nil, err
	}

	limit := a.maxCandidates
	if req.Mode == ModeSummarize {
		limit = 1
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	a.logger.Debug("segment extracted",
		zap.String("model", a.gen.GetModel()),
		zap.String("mode", string(req.Mode)),
		zap.String("range", req.Range.String()),
		zap.Int("candidates", len(candidates)),
		zap.Duration("elapsed", time.Since(start)))
	return candidates, nil
}

var _ SubAgent = (*ReasoningAgent)(nil)
