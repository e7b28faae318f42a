package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/llm"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
)

// echoAgent extracts each segment as one fact.
type echoAgent struct {
	fail bool
}

func (a *echoAgent) ExtractSegment(ctx context.Context, req llm.SegmentRequest) ([]llm.Candidate, error) {
	if a.fail {
		return nil, errors.New("model down")
	}
	return []llm.Candidate{{Content: strings.TrimSpace(req.Text), Category: "fact"}}, nil
}

func newTestDispatcher(t *testing.T, agent *echoAgent) *Dispatcher {
	t.Helper()
	registry, err := packs.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	cfg := engine.DefaultConfig()
	cfg.RetryBackoff = 0
	cfg.AsyncMaxSegments = 1
	eng, err := engine.NewMemoryEngine(registry, cfg, engine.WithSubAgent(agent))
	require.NoError(t, err)
	return NewDispatcher(eng)
}

// decode round-trips a result through JSON, the way a tool caller sees it.
func decode(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestDispatcher_StoreRecallUpdateForget(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()

	resp := d.Call(ctx, "aria", ToolStore, map[string]any{
		"content":    "User prefers dark mode",
		"category":   "preference",
		"importance": "0.9",
		"tags":       "ui, display",
	})
	require.True(t, resp.OK, "%+v", resp.Error)
	assert.NotEmpty(t, resp.CallID)
	stored := resp.Result.(*StoreResult)
	assert.Equal(t, 0.9, stored.Node.Importance)
	assert.ElementsMatch(t, []string{"ui", "display"}, stored.Node.Tags)

	resp = d.Call(ctx, "aria", ToolRecall, map[string]any{"query": "dark mode", "limit": 5})
	require.True(t, resp.OK)
	recalled := resp.Result.(*RecallResult)
	require.Equal(t, 1, recalled.Count)
	assert.Equal(t, stored.ID, recalled.Results[0].Node.ID)

	resp = d.Call(ctx, "aria", ToolUpdate, map[string]any{"id": stored.ID, "content": "User prefers light mode", "reason": "changed mind"})
	require.True(t, resp.OK)
	updated := resp.Result.(*UpdateResult)
	assert.Equal(t, stored.ID, updated.PreviousID)
	assert.NotEqual(t, stored.ID, updated.ID)

	resp = d.Call(ctx, "aria", ToolForget, map[string]any{"id": updated.ID})
	require.True(t, resp.OK)
	assert.True(t, resp.Result.(*ForgetResult).Forgotten)

	resp = d.Call(ctx, "aria", ToolRecall, map[string]any{"query": "mode"})
	require.True(t, resp.OK)
	assert.Zero(t, resp.Result.(*RecallResult).Count)
	assert.Equal(t, []any{}, decode(t, resp.Result)["results"])
}

func TestDispatcher_RecallIncludesRelatedByDefault(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()

	require.True(t, d.Call(ctx, "aria", ToolStore, map[string]any{"content": "Project Atlas kickoff"}).OK)
	require.True(t, d.Call(ctx, "aria", ToolStore, map[string]any{"content": "Budget approved", "relatesTo": "project atlas"}).OK)

	resp := d.Call(ctx, "aria", ToolRecall, map[string]any{"query": "kickoff"})
	require.True(t, resp.OK)
	assert.Equal(t, 2, resp.Result.(*RecallResult).Count)

	resp = d.Call(ctx, "aria", ToolRecall, map[string]any{"query": "kickoff", "includeRelated": "false"})
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Result.(*RecallResult).Count)
}

func TestDispatcher_ErrorCodes(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()

	stored := d.Call(ctx, "aria", ToolStore, map[string]any{"content": "first"}).Result.(*StoreResult)
	require.True(t, d.Call(ctx, "aria", ToolForget, map[string]any{"id": stored.ID}).OK)

	tests := []struct {
		name   string
		agent  string
		tool   string
		params map[string]any
		code   string
	}{
		{"unknown tool", "aria", "memoryDance", nil, CodeValidation},
		{"bad agent id", "../etc", ToolStore, map[string]any{"content": "x"}, CodeValidation},
		{"missing content", "aria", ToolStore, map[string]any{}, CodeValidation},
		{"unknown param", "aria", ToolStore, map[string]any{"content": "x", "colour": "red"}, CodeValidation},
		{"bad number", "aria", ToolStore, map[string]any{"content": "x", "importance": "very"}, CodeValidation},
		{"fractional limit", "aria", ToolRecall, map[string]any{"limit": 2.5}, CodeValidation},
		{"bad category", "aria", ToolRecall, map[string]any{"query": "x", "category": "gossip"}, CodeValidation},
		{"missing node", "aria", ToolUpdate, map[string]any{"id": "01HZZZZZZZZZZZZZZZZZZZZZZZ", "content": "x"}, CodeNotFound},
		{"forget twice", "aria", ToolForget, map[string]any{"id": stored.ID}, CodeConstraintViolation},
		{"missing job", "aria", ToolExtract, map[string]any{"jobId": "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, CodeNotFound},
		{"missing source", "aria", ToolSource, map[string]any{"source": "nowhere.md"}, CodeSourceNotFound},
		{"bad range", "aria", ToolSource, map[string]any{"source": stored.ID, "range": "9:1"}, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Call(ctx, tt.agent, tt.tool, tt.params)
			require.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code, resp.Error.Message)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestDispatcher_ExtractDuplicateAndJobPolling(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()
	params := map[string]any{"content": "Alpha team ships on Friday.", "sourceType": "document", "sourceRef": "notes.md"}

	resp := d.Call(ctx, "aria", ToolExtract, params)
	require.True(t, resp.OK, "%+v", resp.Error)
	res := resp.Result.(*engine.ExtractResult)
	assert.Equal(t, engine.StatusCompleted, res.Status)

	resp = d.Call(ctx, "aria", ToolExtract, params)
	require.False(t, resp.OK)
	assert.Equal(t, CodeAlreadyProcessed, resp.Error.Code)
	assert.Empty(t, resp.Error.JobID)

	// Two paragraphs exceed AsyncMaxSegments and become a job.
	big := strings.Repeat("word ", 400) + "\n\n" + strings.Repeat("more ", 400)
	resp = d.Call(ctx, "aria", ToolExtract, map[string]any{"content": big})
	require.True(t, resp.OK, "%+v", resp.Error)
	queued := resp.Result.(*engine.ExtractResult)
	require.Equal(t, engine.StatusQueued, queued.Status)

	resp = d.Call(ctx, "aria", ToolExtract, map[string]any{"content": big})
	require.False(t, resp.OK)
	assert.Equal(t, CodeAlreadyProcessed, resp.Error.Code)
	assert.Equal(t, queued.JobID, resp.Error.JobID)

	resp = d.Call(ctx, "aria", ToolExtract, map[string]any{"jobId": queued.JobID})
	require.True(t, resp.OK)
	job := resp.Result.(*JobResult).Job
	assert.Equal(t, "pending", string(job.Status))
}

func TestDispatcher_ExtractFailureKeepsResult(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{fail: true})

	resp := d.Call(context.Background(), "aria", ToolExtract, map[string]any{"content": "Nothing will come of this."})
	require.False(t, resp.OK)
	assert.Equal(t, CodeSubAgentFailure, resp.Error.Code)
	res, ok := resp.Result.(*engine.ExtractResult)
	require.True(t, ok)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, []string{"1:1"}, res.FailedRanges)
}

func TestDispatcher_Source(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()

	resp := d.Call(ctx, "aria", ToolExtract, map[string]any{"content": "line one\nline two\nline three"})
	require.True(t, resp.OK)
	ref := resp.Result.(*engine.ExtractResult).SourceRef

	resp = d.Call(ctx, "aria", ToolSource, map[string]any{"source": ref, "range": "2:3"})
	require.True(t, resp.OK, "%+v", resp.Error)
	src := resp.Result.(*engine.SourceResult)
	assert.Equal(t, "line two\nline three", src.Content)
	assert.Equal(t, 3, src.TotalLines)
}

func TestCallJSON(t *testing.T) {
	d := newTestDispatcher(t, &echoAgent{})
	ctx := context.Background()

	resp := d.CallJSON(ctx, "aria", ToolStore, []byte(`{"content":"from json","tags":"[\"a\",\"b\"]","importance":0.2}`))
	require.True(t, resp.OK, "%+v", resp.Error)
	node := resp.Result.(*StoreResult).Node
	assert.ElementsMatch(t, []string{"a", "b"}, node.Tags)

	resp = d.CallJSON(ctx, "aria", ToolRecall, nil)
	assert.True(t, resp.OK)

	resp = d.CallJSON(ctx, "aria", ToolStore, []byte(`{"content":`))
	require.False(t, resp.OK)
	assert.Equal(t, CodeValidation, resp.Error.Code)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", engine.ErrValidation), CodeValidation},
		{&engine.AlreadyProcessedError{SourceRef: "x"}, CodeAlreadyProcessed},
		{engine.ErrSourceNotFound, CodeSourceNotFound},
		{engine.ErrSubAgentFailure, CodeSubAgentFailure},
		{storage.ErrNotFound, CodeNotFound},
		{storage.ErrJobAlreadyClaimed, CodeConstraintViolation},
		{storage.ErrPackOwnerMismatch, CodeConstraintViolation},
		{fmt.Errorf("%w: disk full", storage.ErrStorageFailure), CodeStorageFailure},
		{context.Canceled, CodeCancelled},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "%v", tt.err)
	}
}
