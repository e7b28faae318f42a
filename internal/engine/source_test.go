package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/loader"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// mentorEnv is a test env where aria may read the mentor pack.
func mentorEnv(t *testing.T) (*testEnv, *packs.Pack) {
	t.Helper()
	env := newTestEnv(t, testConfig(), packs.WithGrants(map[string][]string{"mentor": {testAgent}}))
	mentor, err := env.registry.Open(context.Background(), "mentor")
	require.NoError(t, err)
	return env, mentor
}

func TestSource_GrantedPackByRef(t *testing.T) {
	env, mentor := mentorEnv(t)
	ctx := context.Background()

	_, err := env.engine.Extract(ctx, mentor, ExtractRequest{
		Content:    threeParagraphs,
		SourceType: "document",
		SourceRef:  "guide.md",
	})
	require.NoError(t, err)

	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: "guide.md"})
	require.NoError(t, err)
	assert.Equal(t, threeParagraphs, res.Content)
	assert.Equal(t, "mentor", res.Pack)
	assert.Equal(t, types.SourceDocument, res.SourceType)
	assert.Equal(t, types.RangeAll, res.Range)
	assert.Equal(t, 5, res.TotalLines)

	res, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: "guide.md", SourceType: "document", Range: "5:5"})
	require.NoError(t, err)
	assert.Equal(t, "Gamma team is hiring two backend engineers soon.", res.Content)
	assert.Equal(t, "5:5", res.Range)
}

func TestSource_GrantedPackByNodeID(t *testing.T) {
	env, mentor := mentorEnv(t)
	ctx := context.Background()

	extracted, err := env.engine.Extract(ctx, mentor, ExtractRequest{
		Content:    threeParagraphs,
		SourceType: "document",
		SourceRef:  "guide.md",
	})
	require.NoError(t, err)
	require.Len(t, extracted.NodeIDs, 3)
	beta := extracted.NodeIDs[1]

	// Without a range the node's own lines are returned.
	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: beta})
	require.NoError(t, err)
	assert.Equal(t, beta, res.NodeID)
	assert.Equal(t, "3:4", res.Range)
	assert.Contains(t, res.Content, "Beta team owns the billing service")
	assert.NotContains(t, res.Content, "Alpha")

	res, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: beta, Range: "all"})
	require.NoError(t, err)
	assert.Equal(t, threeParagraphs, res.Content)

	res, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: beta, Range: "1:1"})
	require.NoError(t, err)
	assert.Equal(t, "Alpha team ships the importer on Friday morning.", res.Content)
}

func TestSource_UngrantedPackIsInvisible(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	stranger, err := env.registry.Open(ctx, "stranger")
	require.NoError(t, err)

	_, err = env.engine.Extract(ctx, stranger, ExtractRequest{
		Content:    threeParagraphs,
		SourceType: "document",
		SourceRef:  "private.md",
	})
	require.NoError(t, err)

	_, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: "private.md"})
	assert.True(t, errors.Is(err, ErrSourceNotFound), "got %v", err)
}

// TestSource_ForgottenNodeIsItsOwnSource covers a node stored without
// provenance and later forgotten.
func TestSource_ForgottenNodeIsItsOwnSource(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	node := env.store(t, "The launch code word is heron")
	_, err := env.engine.Forget(ctx, env.pack, node.ID, "")
	require.NoError(t, err)

	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: node.ID})
	require.NoError(t, err)
	assert.Equal(t, node.Content, res.Content)
	assert.Equal(t, node.ID, res.SourceRef)
	assert.Equal(t, node.ID, res.NodeID)
	assert.Equal(t, testAgent, res.Pack)
	assert.Equal(t, types.RangeAll, res.Range)

	// A range stored with the node refers to text that was never kept.
	ranged := env.store(t, "a single line fact", func(r *StoreRequest) {
		r.SourceRange = "40:45"
	})
	res, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: ranged.ID})
	require.NoError(t, err)
	assert.Equal(t, "a single line fact", res.Content)
	assert.Equal(t, types.RangeAll, res.Range)

	res, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: ranged.ID, Range: "1:1"})
	require.NoError(t, err)
	assert.Equal(t, "a single line fact", res.Content)
}

func TestSource_RejectedRefIsNotFound(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.loader.fail(types.SourceDocument, "no-colons", fmt.Errorf("%w: want collection:path:name", loader.ErrInvalidRef))

	_, err := env.engine.Source(context.Background(), env.pack, SourceRequest{Source: "no-colons", SourceType: "document"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceNotFound), "got %v", err)
	assert.False(t, errors.Is(err, ErrValidation), "got %v", err)
}

func TestSource_LegacyMemoryRef(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	original := env.store(t, "Original wording from the old memory system")
	derived := env.store(t, "Paraphrased note", func(r *StoreRequest) {
		r.SourceType = "legacy_memory"
		r.SourceRef = original.ID
	})

	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: derived.ID})
	require.NoError(t, err)
	assert.Equal(t, original.Content, res.Content)
	assert.Equal(t, original.ID, res.SourceRef)
	assert.Equal(t, derived.ID, res.NodeID)
}

func TestSource_LoaderBacked(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.loader.add(types.SourceDocument, "notes.md", &loader.Content{Text: "one\ntwo\nthree", Title: "Notes"})

	node := env.store(t, "The second line says two", func(r *StoreRequest) {
		r.SourceType = "document"
		r.SourceRef = "notes.md"
		r.SourceRange = "2:2"
	})

	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: node.ID})
	require.NoError(t, err)
	assert.Equal(t, "two", res.Content)
	assert.Equal(t, "2:2", res.Range)
	assert.Equal(t, 3, res.TotalLines)
	assert.Equal(t, "Notes", res.Title)

	require.Len(t, env.loader.requests, 1)
	assert.Equal(t, testAgent, env.loader.requests[0].AgentID)
}

// TestSource_LoaderActsForOwner checks a source found through a granted
// pack is loaded on behalf of that pack's owner.
func TestSource_LoaderActsForOwner(t *testing.T) {
	env, mentor := mentorEnv(t)
	ctx := context.Background()
	env.loader.add(types.SourceDocument, "mentor-notes.md", &loader.Content{Text: "private to mentor"})

	_, err := env.engine.Store(ctx, mentor, StoreRequest{
		Content:    "Mentor note",
		SourceType: "document",
		SourceRef:  "mentor-notes.md",
	})
	require.NoError(t, err)

	res, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: "mentor-notes.md"})
	require.NoError(t, err)
	assert.Equal(t, "private to mentor", res.Content)
	assert.Equal(t, "mentor", res.Pack)

	require.Len(t, env.loader.requests, 1)
	assert.Equal(t, "mentor", env.loader.requests[0].AgentID)
}

func TestSource_NotFound(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	_, err := env.engine.Source(ctx, env.pack, SourceRequest{Source: "nowhere.md"})
	assert.True(t, errors.Is(err, ErrSourceNotFound), "got %v", err)

	_, err = env.engine.Source(ctx, env.pack, SourceRequest{Source: "nowhere.md", SourceType: "document"})
	assert.True(t, errors.Is(err, ErrSourceNotFound), "got %v", err)
}

func TestSource_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	node := env.store(t, "one line only")

	tests := []struct {
		name string
		req  SourceRequest
	}{
		{"empty source", SourceRequest{Source: "  "}},
		{"bad type", SourceRequest{Source: node.ID, SourceType: "fax"}},
		{"inverted range", SourceRequest{Source: node.ID, Range: "5:2"}},
		{"malformed range", SourceRequest{Source: node.ID, Range: "first"}},
		{"range past end", SourceRequest{Source: node.ID, Range: "3:4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Source(ctx, env.pack, tt.req)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}
