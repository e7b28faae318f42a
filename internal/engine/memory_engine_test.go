package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/llm"
	"github.com/scrypster/spirit-memory/internal/loader"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

const testAgent = "aria"

// fakeAgent is a scripted sub-agent. By default extract calls echo the
// segment text as one fact and summarize calls return one overview.
type fakeAgent struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(req llm.SegmentRequest, call int) ([]llm.Candidate, error)
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{calls: map[string]int{}}
}

func (a *fakeAgent) ExtractSegment(ctx context.Context, req llm.SegmentRequest) ([]llm.Candidate, error) {
	key := string(req.Mode) + " " + req.Range.String()
	a.mu.Lock()
	a.calls[key]++
	call := a.calls[key]
	fn := a.fn
	a.mu.Unlock()

	if fn != nil {
		return fn(req, call)
	}
	return echoCandidates(req), nil
}

func (a *fakeAgent) callCount(mode llm.Mode, r types.SourceRange) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[string(mode)+" "+r.String()]
}

func echoCandidates(req llm.SegmentRequest) []llm.Candidate {
	if req.Mode == llm.ModeSummarize {
		return []llm.Candidate{{
			Content:  "overview of lines " + req.Range.String(),
			Category: "knowledge",
			Tags:     []string{"section"},
		}}
	}
	return []llm.Candidate{{
		Content:  strings.TrimSpace(req.Text),
		Category: "fact",
	}}
}

// fakeLoader serves sources from a map keyed by "type ref".
type fakeLoader struct {
	mu       sync.Mutex
	sources  map[string]*loader.Content
	errs     map[string]error
	requests []loader.Request
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{sources: map[string]*loader.Content{}, errs: map[string]error{}}
}

func (l *fakeLoader) fail(sourceType types.SourceType, ref string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[string(sourceType)+" "+ref] = err
}

func (l *fakeLoader) add(sourceType types.SourceType, ref string, c *loader.Content) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[string(sourceType)+" "+ref] = c
}

func (l *fakeLoader) Load(ctx context.Context, req loader.Request) (*loader.Content, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	if err := l.errs[string(req.SourceType)+" "+req.SourceRef]; err != nil {
		return nil, err
	}
	c, ok := l.sources[string(req.SourceType)+" "+req.SourceRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", loader.ErrSourceNotFound, req.SourceRef)
	}
	return c, nil
}

// testClock advances one second per call so created_at values are distinct.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	engine   *MemoryEngine
	registry *packs.Registry
	agent    *fakeAgent
	loader   *fakeLoader
	pack     *packs.Pack
}

// testConfig keeps segments tiny so short test documents exercise splitting.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.TargetTokens = 10
	cfg.MaxTokens = 40
	cfg.AsyncMaxTokens = 10000
	cfg.AsyncMaxSegments = 10
	return cfg
}

// newTestEnv creates an engine over a temp registry with the aria pack open.
func newTestEnv(t *testing.T, cfg Config, opts ...packs.Option) *testEnv {
	t.Helper()

	registry, err := packs.NewRegistry(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	agent := newFakeAgent()
	ld := newFakeLoader()
	clock := newTestClock()

	eng, err := NewMemoryEngine(registry, cfg,
		WithSubAgent(agent),
		WithLoader(ld),
		WithClock(clock.Now))
	require.NoError(t, err)

	pack, err := registry.Open(context.Background(), testAgent)
	require.NoError(t, err)

	return &testEnv{engine: eng, registry: registry, agent: agent, loader: ld, pack: pack}
}

func (env *testEnv) store(t *testing.T, content string, mutate ...func(*StoreRequest)) *types.MemoryNode {
	t.Helper()
	req := StoreRequest{Content: content}
	for _, m := range mutate {
		m(&req)
	}
	res, err := env.engine.Store(context.Background(), env.pack, req)
	require.NoError(t, err)
	return res.Node
}

func TestNewMemoryEngine_Validation(t *testing.T) {
	_, err := NewMemoryEngine(nil, DefaultConfig())
	assert.Error(t, err)

	registry, err := packs.NewRegistry(t.TempDir())
	require.NoError(t, err)
	defer registry.Close()

	cfg := DefaultConfig()
	cfg.NumWorkers = 0
	_, err = NewMemoryEngine(registry, cfg)
	assert.Error(t, err)
}

// TestEngine_DoubleStart verifies that calling Start() twice returns an error
// without corrupting state.
func TestEngine_DoubleStart(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))
	err := env.engine.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, "engine already started", err.Error())

	env.store(t, "still usable")
	require.NoError(t, env.engine.Shutdown(ctx))
}

func TestEngine_ShutdownWithoutStart(t *testing.T) {
	env := newTestEnv(t, testConfig())
	assert.Error(t, env.engine.Shutdown(context.Background()))
}

func TestEngine_RestartAfterShutdown(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))
	require.NoError(t, env.engine.Shutdown(ctx))
	require.NoError(t, env.engine.Start(ctx))
	require.NoError(t, env.engine.Shutdown(ctx))
}

// TestEngine_SyncOpsWithoutStart verifies synchronous operations need no
// worker pool.
func TestEngine_SyncOpsWithoutStart(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	node := env.store(t, "works without start")
	got, err := env.engine.Get(ctx, env.pack, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.Content, got.Content)

	results, err := env.engine.Recall(ctx, env.pack, RecallRequest{Query: "start"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEngine_NilPack(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.engine.Store(context.Background(), nil, StoreRequest{Content: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestEngine_GetMissing(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.engine.Get(context.Background(), env.pack, types.NewID())
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = env.engine.Get(context.Background(), env.pack, "")
	assert.True(t, errors.Is(err, ErrValidation))
}
