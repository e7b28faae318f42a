package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/packs"
)

// Dispatcher routes tool calls to the memory engine on behalf of an agent.
type Dispatcher struct {
	engine *engine.MemoryEngine
	logger *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher over eng.
func NewDispatcher(eng *engine.MemoryEngine, opts ...Option) *Dispatcher {
	d := &Dispatcher{engine: eng, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type handler func(ctx context.Context, pack *packs.Pack, params []byte) (any, error)

func (d *Dispatcher) handlers() map[string]handler {
	return map[string]handler{
		ToolStore:   d.handleStore,
		ToolRecall:  d.handleRecall,
		ToolUpdate:  d.handleUpdate,
		ToolForget:  d.handleForget,
		ToolExtract: d.handleExtract,
		ToolSource:  d.handleSource,
	}
}

// Call runs tool for agentID with flat params. It never panics on bad
// input and never returns a Go error: every failure is a coded Response.
func (d *Dispatcher) Call(ctx context.Context, agentID, tool string, params map[string]any) Response {
	data, err := json.Marshal(params)
	if err != nil {
		return d.fail(uuid.NewString(), tool, agentID, nil, fmt.Errorf("%w: params: %v", engine.ErrValidation, err))
	}
	return d.CallJSON(ctx, agentID, tool, data)
}

// CallJSON is Call with params as a JSON object.
func (d *Dispatcher) CallJSON(ctx context.Context, agentID, tool string, params []byte) Response {
	callID := uuid.NewString()

	h, ok := d.handlers()[tool]
	if !ok {
		return d.fail(callID, tool, agentID, nil, fmt.Errorf("%w: unknown tool %q", engine.ErrValidation, tool))
	}
	if !packs.ValidAgentID(agentID) {
		return d.fail(callID, tool, agentID, nil, fmt.Errorf("%w: invalid agent id %q", engine.ErrValidation, agentID))
	}
	pack, err := d.engine.Registry().Open(ctx, agentID)
	if err != nil {
		return d.fail(callID, tool, agentID, nil, err)
	}

	result, err := h(ctx, pack, params)
	if err != nil {
		return d.fail(callID, tool, agentID, result, err)
	}
	d.logger.Debug("tool call",
		zap.String("call_id", callID),
		zap.String("tool", tool),
		zap.String("agent", agentID))
	return Response{OK: true, Result: result, CallID: callID}
}

func (d *Dispatcher) fail(callID, tool, agentID string, result any, err error) Response {
	te := toolError(err)
	fields := []zap.Field{
		zap.String("call_id", callID),
		zap.String("tool", tool),
		zap.String("agent", agentID),
		zap.String("code", te.Code),
		zap.Error(err),
	}
	if te.Code == CodeStorageFailure || te.Code == CodeInternal {
		d.logger.Error("tool call failed", fields...)
	} else {
		d.logger.Info("tool call rejected", fields...)
	}
	return Response{OK: false, Result: result, Error: te, CallID: callID}
}

// unmarshalParams decodes a flat params object into dest. Unknown names
// are rejected so misspelled parameters are not silently ignored.
func unmarshalParams(params []byte, dest any) error {
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: %s", engine.ErrValidation, strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func (d *Dispatcher) handleStore(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args StoreArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	res, err := d.engine.Store(ctx, pack, engine.StoreRequest{
		Content:     args.Content,
		Summary:     args.Summary,
		Category:    args.Category,
		Importance:  args.Importance.ptr(),
		Confidence:  args.Confidence.ptr(),
		Tags:        args.Tags,
		RelatesTo:   args.RelatesTo,
		SourceType:  args.SourceType,
		SourceRef:   args.SourceRef,
		SourceRange: args.SourceRange,
	})
	if err != nil {
		return nil, err
	}
	return &StoreResult{ID: res.Node.ID, Node: res.Node, RelatedTo: res.RelatedTo}, nil
}

func (d *Dispatcher) handleRecall(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args RecallArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	includeRelated := true
	if args.IncludeRelated != nil {
		includeRelated = bool(*args.IncludeRelated)
	}
	results, err := d.engine.Recall(ctx, pack, engine.RecallRequest{
		Query:          args.Query,
		Category:       args.Category,
		Tags:           args.Tags,
		Limit:          int(args.Limit),
		IncludeRelated: includeRelated,
	})
	if err != nil {
		return nil, err
	}
	return &RecallResult{Count: len(results), Results: results}, nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args UpdateArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	res, err := d.engine.Update(ctx, pack, engine.UpdateRequest{
		ID:         args.ID,
		Content:    args.Content,
		Summary:    args.Summary,
		Category:   args.Category,
		Importance: args.Importance.ptr(),
		Confidence: args.Confidence.ptr(),
		Tags:       args.Tags,
		Reason:     args.Reason,
	})
	if err != nil {
		return nil, err
	}
	return &UpdateResult{ID: res.Current.ID, PreviousID: res.Previous.ID, Node: res.Current}, nil
}

func (d *Dispatcher) handleForget(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args ForgetArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	node, err := d.engine.Forget(ctx, pack, args.ID, args.Reason)
	if err != nil {
		return nil, err
	}
	return &ForgetResult{ID: node.ID, Forgotten: true}, nil
}

func (d *Dispatcher) handleExtract(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args ExtractArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}

	if id := strings.TrimSpace(args.JobID); id != "" {
		job, err := d.engine.Job(ctx, pack, id)
		if err != nil {
			return nil, err
		}
		return &JobResult{Job: job}, nil
	}

	res, err := d.engine.Extract(ctx, pack, engine.ExtractRequest{
		Content:    args.Content,
		SourceType: args.SourceType,
		SourceRef:  args.SourceRef,
		Context:    args.Context,
		MaxDepth:   int(args.MaxDepth),
		Force:      bool(args.Force),
		Tags:       args.Tags,
	})
	if res != nil {
		// A failed extraction still reports what was attempted.
		return res, err
	}
	return nil, err
}

func (d *Dispatcher) handleSource(ctx context.Context, pack *packs.Pack, params []byte) (any, error) {
	var args SourceArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	res, err := d.engine.Source(ctx, pack, engine.SourceRequest{
		Source:     args.Source,
		SourceType: args.SourceType,
		Range:      args.Range,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
