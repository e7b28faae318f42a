package packs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/internal/storage/sqlite"
)

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestValidAgentID(t *testing.T) {
	assert.True(t, ValidAgentID("spirit_01-a"))
	assert.False(t, ValidAgentID(""))
	assert.False(t, ValidAgentID("../etc"))
	assert.False(t, ValidAgentID("a b"))
	assert.False(t, ValidAgentID(string(make([]byte, 65))))
}

func TestOpen_CreatesAndCaches(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	p1, err := r.Open(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, "aria", p1.AgentID)
	assert.FileExists(t, r.PathFor("aria"))

	p2, err := r.Open(ctx, "aria")
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = r.Open(ctx, "no/slash")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestOpenExisting_Missing(t *testing.T) {
	r := newRegistry(t)
	_, err := r.OpenExisting(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, r.PathFor("ghost"))
}

func TestRelease_ReopensFromDisk(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	p1, err := r.Open(ctx, "aria")
	require.NoError(t, err)
	require.NoError(t, r.Release("aria"))
	require.NoError(t, r.Release("aria"))

	p2, err := r.Open(ctx, "aria")
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.Equal(t, "aria", p2.Store.Owner())
}

func TestOpen_RejectsForeignPack(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	p, err := r.Open(ctx, "aria")
	require.NoError(t, err)
	require.NoError(t, r.Release(p.AgentID))

	// A pack copied under another agent's name keeps its recorded owner.
	require.NoError(t, os.Rename(r.PathFor("aria"), r.PathFor("bob")))
	_, err = r.Open(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrPackOwnerMismatch)
}

func TestAgents(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	for _, id := range []string{"zed", "aria"} {
		_, err := r.Open(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "notes.txt"), []byte("x"), 0o644))

	agents, err := r.Agents()
	require.NoError(t, err)
	assert.Equal(t, []string{"aria", "zed"}, agents)
}

func TestReachable(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, WithGrants(map[string][]string{
		"mentor":  {"aria"},
		"absent":  {"aria"},
		"another": {"bob"},
	}))
	for _, id := range []string{"mentor", "another"} {
		_, err := r.Open(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, r.Grant("zeta", "aria"))
	_, err := r.Open(ctx, "zeta")
	require.NoError(t, err)

	packs, err := r.Reachable(ctx, "aria")
	require.NoError(t, err)
	var ids []string
	for _, p := range packs {
		ids = append(ids, p.AgentID)
	}
	assert.Equal(t, []string{"aria", "mentor", "zeta"}, ids)

	r.Revoke("zeta", "aria")
	packs, err = r.Reachable(ctx, "aria")
	require.NoError(t, err)
	assert.Len(t, packs, 2)
}

func TestAdopt_NotClosedByRegistry(t *testing.T) {
	store, err := sqlite.Open(sqlite.MemoryPath, "aria")
	require.NoError(t, err)
	defer store.Close()

	r := newRegistry(t)
	p, err := r.Adopt(store)
	require.NoError(t, err)

	got, err := r.Open(context.Background(), "aria")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = r.Adopt(store)
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)

	require.NoError(t, r.Release("aria"))
	_, err = store.ListNodes(context.Background(), storage.NodeFilter{})
	assert.NoError(t, err, "adopted store must stay open")
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	src := filepath.Join(t.TempDir(), "copy.spirit")
	s, err := sqlite.Open(src, "nova")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	dest, err := r.Install(src, "nova")
	require.NoError(t, err)
	assert.Equal(t, r.PathFor("nova"), dest)

	p, err := r.OpenExisting(ctx, "nova")
	require.NoError(t, err)
	assert.Equal(t, "nova", p.Store.Owner())

	_, err = r.Install(src, "nova")
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
}
