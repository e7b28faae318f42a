package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/pkg/types"
)

type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func (f *fakeGenerator) GetModel() string { return "fake" }

func TestReasoningAgent_ExtractSegment(t *testing.T) {
	gen := &fakeGenerator{response: `Here you go: {"memories":[{"content":"User prefers dark mode","category":"preference"}]}`}
	agent := NewReasoningAgent(gen)

	out, err := agent.ExtractSegment(context.Background(), SegmentRequest{
		Mode:       ModeExtract,
		Text:       "I always use dark mode.",
		Range:      types.SourceRange{Start: 3, End: 7},
		Context:    "settings chat",
		SourceType: types.SourceDocument,
		SourceRef:  "notes:prefs:ui.md",
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "User prefers dark mode", out[0].Content)

	require.Len(t, gen.prompts, 1)
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "I always use dark mode.")
	assert.Contains(t, prompt, "notes:prefs:ui.md (lines 3:7)")
	assert.Contains(t, prompt, "settings chat")
	assert.Contains(t, prompt, "preference")
}

func TestReasoningAgent_SummarizeKeepsOne(t *testing.T) {
	gen := &fakeGenerator{response: `{"memories":[{"content":"one"},{"content":"two"}]}`}
	agent := NewReasoningAgent(gen)

	out, err := agent.ExtractSegment(context.Background(), SegmentRequest{Mode: ModeSummarize, Text: "[1:4] # Intro"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "one", out[0].Content)
	assert.Contains(t, gen.prompts[0], "OUTLINE:")
}

func TestReasoningAgent_MaxCandidates(t *testing.T) {
	var items []string
	for i := 0; i < 10; i++ {
		items = append(items, fmt.Sprintf(`{"content":"m%d"}`, i))
	}
	gen := &fakeGenerator{response: `[` + strings.Join(items, ",") + `]`}
	agent := NewReasoningAgent(gen, WithMaxCandidates(3))

	out, err := agent.ExtractSegment(context.Background(), SegmentRequest{Mode: ModeExtract, Text: "x"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestReasoningAgent_Errors(t *testing.T) {
	boom := errors.New("provider down")
	agent := NewReasoningAgent(&fakeGenerator{err: boom})
	_, err := agent.ExtractSegment(context.Background(), SegmentRequest{Text: "x"})
	require.ErrorIs(t, err, boom)

	agent = NewReasoningAgent(&fakeGenerator{response: "I cannot help with that."})
	_, err = agent.ExtractSegment(context.Background(), SegmentRequest{Text: "x"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestReasoningAgent_RateLimitHonoursContext(t *testing.T) {
	agent := NewReasoningAgent(&fakeGenerator{response: `[]`}, WithRateLimit(0.001, 1))

	_, err := agent.ExtractSegment(context.Background(), SegmentRequest{Text: "x"})
	require.NoError(t, err, "first call uses the burst")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = agent.ExtractSegment(ctx, SegmentRequest{Text: "x"})
	require.Error(t, err)
}
