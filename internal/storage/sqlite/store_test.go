package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

const testAgent = "aria"

// newTestStore creates an in-memory pack for testing.
func newTestStore(t *testing.T) *PackStore {
	t.Helper()
	store, err := Open(MemoryPath, testAgent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// createNode inserts a node in its own transaction.
func createNode(t *testing.T, s *PackStore, n *types.MemoryNode) *types.MemoryNode {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateNode(context.Background(), n)
	})
	require.NoError(t, err)
	return n
}

func TestOpen_StampsAndChecksOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aria.spirit")

	s, err := Open(path, testAgent)
	require.NoError(t, err)
	packID := s.PackID()
	require.NotEmpty(t, packID)
	require.NoError(t, s.Close())

	owner, err := ReadOwner(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, testAgent, owner)

	_, err = Open(path, "someone-else")
	assert.ErrorIs(t, err, storage.ErrPackOwnerMismatch)

	again, err := Open(path, testAgent)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, packID, again.PackID())
}

func TestOpen_RequiresAgent(t *testing.T) {
	_, err := Open(MemoryPath, "  ")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCreateNode_DefaultsAndClamping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := createNode(t, s, &types.MemoryNode{
		Content:    "User prefers dark mode",
		Category:   types.CategoryPreference,
		Importance: 1.7,
		Confidence: -0.2,
	})

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, testAgent, got.AgentID)
	assert.Equal(t, 1.0, got.Importance)
	assert.Equal(t, 0.0, got.Confidence)
	assert.True(t, got.IsActive)
	assert.Equal(t, 0, got.AccessCount)
	assert.Nil(t, got.LastAccessed)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestCreateNode_RejectsForeignAgent(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateNode(context.Background(), &types.MemoryNode{AgentID: "other", Content: "x"})
	})
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
}

func TestGetNode_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createNode(t, s, &types.MemoryNode{Content: "existing"})

	var created *types.MemoryNode
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		created = &types.MemoryNode{Content: "new node"}
		if err := tx.CreateNode(ctx, created); err != nil {
			return err
		}
		if _, err := tx.CreateTag(ctx, created.ID, "draft"); err != nil {
			return err
		}
		// Dangling edge: the whole unit must vanish.
		return tx.CreateRelationship(ctx, &types.Relationship{SourceID: created.ID, TargetID: "ghost", Type: types.RelRelatesTo})
	})
	require.ErrorIs(t, err, storage.ErrConstraintViolation)

	_, err = s.GetNode(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rels, err := s.GetRelationships(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestCreateRelationship_Constraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createNode(t, s, &types.MemoryNode{Content: "a"})
	b := createNode(t, s, &types.MemoryNode{Content: "b"})

	err := s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CreateRelationship(ctx, &types.Relationship{SourceID: a.ID, TargetID: a.ID, Type: "relates_to"})
	})
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)

	weak := &types.Relationship{SourceID: a.ID, TargetID: b.ID, Type: "relates_to", Strength: 0.3}
	strong := &types.Relationship{SourceID: b.ID, TargetID: a.ID, Type: types.RelPartOf}
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateRelationship(ctx, weak); err != nil {
			return err
		}
		return tx.CreateRelationship(ctx, strong)
	})
	require.NoError(t, err)

	rels, err := s.GetRelationships(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, types.RelPartOf, rels[0].Type, "strongest edge first")
	assert.Equal(t, 1.0, rels[0].Strength)
	assert.Equal(t, types.RelRelatesTo, rels[1].Type, "type is upper-cased")
}

func TestCreateTag_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := createNode(t, s, &types.MemoryNode{Content: "tagged"})

	var first, second bool
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if first, err = tx.CreateTag(ctx, n.ID, "UI Theme"); err != nil {
			return err
		}
		second, err = tx.CreateTag(ctx, n.ID, "ui theme")
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ui-theme"}, got.Tags)
}

func TestListNodes_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pref := createNode(t, s, &types.MemoryNode{Content: "Likes 100% dark themes", Category: types.CategoryPreference, Importance: 0.9})
	fact := createNode(t, s, &types.MemoryNode{Content: "Lives in Lisbon", Category: types.CategoryFact, Importance: 0.2})
	gone := createNode(t, s, &types.MemoryNode{Content: "Old dark thing", Category: types.CategoryFact})
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateTag(ctx, fact.ID, "location"); err != nil {
			return err
		}
		return tx.Deactivate(ctx, gone.ID)
	}))

	byImportance, err := s.ListNodes(ctx, storage.NodeFilter{Order: storage.OrderImportanceDesc})
	require.NoError(t, err)
	require.Len(t, byImportance, 2)
	assert.Equal(t, pref.ID, byImportance[0].ID)

	withInactive, err := s.ListNodes(ctx, storage.NodeFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, withInactive, 3)

	facts, err := s.ListNodes(ctx, storage.NodeFilter{Category: types.CategoryFact})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.ID, facts[0].ID)

	tagged, err := s.ListNodes(ctx, storage.NodeFilter{Tags: []string{"Location", "missing"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, fact.ID, tagged[0].ID)

	dark, err := s.ListNodes(ctx, storage.NodeFilter{Terms: []string{"DARK"}})
	require.NoError(t, err)
	require.Len(t, dark, 1)
	assert.Equal(t, pref.ID, dark[0].ID)

	// LIKE wildcards in terms are literal.
	pct, err := s.ListNodes(ctx, storage.NodeFilter{Terms: []string{"100%"}})
	require.NoError(t, err)
	assert.Len(t, pct, 1)
	none, err := s.ListNodes(ctx, storage.NodeFilter{Terms: []string{"l_sbon"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindNodeByText_FirstMatchWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := createNode(t, s, &types.MemoryNode{Content: "Project Atlas kickoff notes"})
	createNode(t, s, &types.MemoryNode{Content: "Second note", Summary: "atlas retro"})

	got, err := s.FindNodeByText(ctx, "ATLAS")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.FindNodeByText(ctx, "zeppelin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cafe := createNode(t, s, &types.MemoryNode{Content: "Über das Café in München"})
	for _, needle := range []string{"über das", "ÜBER DAS", "café in münchen", "CAFÉ"} {
		got, err := s.FindNodeByText(ctx, needle)
		require.NoError(t, err, needle)
		assert.Equal(t, cafe.ID, got.ID, needle)
	}
}

func TestListNodes_UnicodeTermsFoldCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := createNode(t, s, &types.MemoryNode{Content: "Über das Café in München", Summary: "ΣΟΦΙΑ visit"})

	for _, term := range []string{"über", "MÜNCHEN", "café", "σοφια"} {
		got, err := s.ListNodes(ctx, storage.NodeFilter{Terms: []string{term}})
		require.NoError(t, err, term)
		require.Len(t, got, 1, term)
		assert.Equal(t, n.ID, got[0].ID)
	}
}

func TestOpen_ForeignKeysOnEveryConnection(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "aria.spirit"), testAgent)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Drop the idle connection so the next query opens a fresh one.
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(1)

	var fk, timeout int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 1, fk)
	assert.Equal(t, 5000, timeout)
}

func TestDSNFor(t *testing.T) {
	assert.Equal(t, ":memory:?"+connPragmas, dsnFor(MemoryPath))
	assert.Equal(t, "file:/tmp/a.spirit?"+connPragmas, dsnFor("/tmp/a.spirit"))
	assert.Equal(t, "file:/tmp/a.spirit?mode=ro&"+connPragmas, dsnFor("file:/tmp/a.spirit?mode=ro"))
}

func TestSupersede_HistoryAndCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := createNode(t, s, &types.MemoryNode{Content: "v1"})
	v2 := createNode(t, s, &types.MemoryNode{Content: "v2"})
	v3 := createNode(t, s, &types.MemoryNode{Content: "v3"})

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, v1.ID, v2.ID) }))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, v2.ID, v3.ID) }))

	old, err := s.GetNode(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, v2.ID, old.SupersededBy)

	// v3 -> v1 would close the loop, and v1 is inactive anyway.
	err = s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, v3.ID, v1.ID) })
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)

	chain, err := s.GetEvolutionChain(ctx, v2.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{v1.ID, v2.ID, v3.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})
}

func TestSupersede_CycleDetectedOnActiveNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createNode(t, s, &types.MemoryNode{Content: "a"})
	b := createNode(t, s, &types.MemoryNode{Content: "b"})

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, a.ID, b.ID) }))

	// b is active; making a (inactive) its successor is refused.
	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, b.ID, a.ID) })
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
}

func TestDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := createNode(t, s, &types.MemoryNode{Content: "forget me"})

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.Deactivate(ctx, n.ID) }))
	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Empty(t, got.SupersededBy)

	err = s.WithTx(ctx, func(tx storage.Tx) error { return tx.Deactivate(ctx, n.ID) })
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)

	err = s.WithTx(ctx, func(tx storage.Tx) error { return tx.Deactivate(ctx, "nope") })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPurgeNode_RemovesEdgesAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createNode(t, s, &types.MemoryNode{Content: "a"})
	b := createNode(t, s, &types.MemoryNode{Content: "b"})
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateTag(ctx, a.ID, "x"); err != nil {
			return err
		}
		return tx.CreateRelationship(ctx, &types.Relationship{SourceID: a.ID, TargetID: b.ID, Type: types.RelRelatesTo})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.PurgeNode(ctx, a.ID) }))

	_, err := s.GetNode(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rels, err := s.GetRelationships(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestPurgeNode_RefusedWhileSuccessor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createNode(t, s, &types.MemoryNode{Content: "a"})
	b := createNode(t, s, &types.MemoryNode{Content: "b"})
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.Supersede(ctx, a.ID, b.ID) }))

	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.PurgeNode(ctx, b.ID) })
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
}

func TestTouchNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := createNode(t, s, &types.MemoryNode{Content: "touch"})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.TouchNodes(ctx, []string{n.ID, "unknown"}, at))
	require.NoError(t, s.TouchNodes(ctx, []string{n.ID}, at.Add(time.Hour)))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	require.NotNil(t, got.LastAccessed)
	assert.True(t, got.LastAccessed.Equal(at.Add(time.Hour)))
}

func TestConsolidationLog_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := createNode(t, s, &types.MemoryNode{Content: "logged"})

	entry := &types.LogEntry{
		Action:      types.ActionExtract,
		AffectedIDs: []string{n.ID},
		Details:     "extracted 1 node",
		SourceType:  types.SourceDocument,
		SourceRef:   "notes:2026:plan.md",
	}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.AppendLog(ctx, entry) }))

	ok, err := s.HasExtracted(ctx, types.SourceDocument, "notes:2026:plan.md")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasExtracted(ctx, types.SourceURL, "notes:2026:plan.md")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := s.ListLog(ctx, storage.LogFilter{NodeID: n.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{n.ID}, entries[0].AffectedIDs)
	assert.Equal(t, testAgent, entries[0].AgentID)

	_, err = s.db.ExecContext(ctx, `UPDATE consolidation_log SET details = 'rewritten'`)
	assert.Error(t, err)
	_, err = s.db.ExecContext(ctx, `DELETE FROM consolidation_log`)
	assert.Error(t, err)
}

func TestJobs_ClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := &types.ExtractionJob{Payload: json.RawMessage(`{"content":"x"}`), SourceType: types.SourceDerived, SourceRef: "sha256:abc"}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.Equal(t, types.JobPending, job.Status)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		refused int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, job.ID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, storage.ErrJobAlreadyClaimed):
				refused++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 7, refused)

	active, err := s.FindActiveJob(ctx, types.SourceDerived, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, active.Status)
	assert.NotNil(t, active.StartedAt)
}

func TestJobs_ProgressMonotonicAndTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := &types.ExtractionJob{Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateJob(ctx, job))

	// Progress cannot be reported before the job is claimed.
	assert.ErrorIs(t, s.UpdateJobProgress(ctx, job.ID, 1, 3), storage.ErrConstraintViolation)

	_, err := s.ClaimJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, 2, 3))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, 1, 2))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress)
	assert.Equal(t, 3, got.TotalSteps)

	assert.ErrorIs(t, s.FinishJob(ctx, job.ID, types.JobPending, nil, "", time.Now()), storage.ErrInvalidInput)
	require.NoError(t, s.FinishJob(ctx, job.ID, types.JobCompleted, json.RawMessage(`{"nodes_created":4}`), "", time.Now()))
	assert.ErrorIs(t, s.FinishJob(ctx, job.ID, types.JobFailed, nil, "late", time.Now()), storage.ErrConstraintViolation)

	_, err = s.ClaimJob(ctx, job.ID, time.Now())
	assert.ErrorIs(t, err, storage.ErrJobAlreadyClaimed)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.JSONEq(t, `{"nodes_created":4}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	_, err = s.FindActiveJob(ctx, "", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListJobs_ByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateJob(ctx, &types.ExtractionJob{Payload: json.RawMessage(`{}`)}))
	}
	jobs, err := s.ListJobs(ctx, storage.JobFilter{Status: types.JobPending})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	_, err = s.ClaimJob(ctx, jobs[0].ID, time.Now())
	require.NoError(t, err)

	pending, err := s.ListJobs(ctx, storage.JobFilter{Status: types.JobPending, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSnapshot_ProducesPortableCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aria.spirit"), testAgent)
	require.NoError(t, err)
	defer s.Close()
	n := createNode(t, s, &types.MemoryNode{Content: "portable"})

	dest := filepath.Join(dir, "copy.spirit")
	require.NoError(t, s.Snapshot(context.Background(), dest))
	assert.ErrorIs(t, s.Snapshot(context.Background(), dest), storage.ErrInvalidInput)

	cp, err := Open(dest, testAgent)
	require.NoError(t, err)
	defer cp.Close()
	got, err := cp.GetNode(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "portable", got.Content)
}

func TestRetainSource_FirstCopyWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetSourceText(ctx, types.SourceDerived, "sha256:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, text := range []string{"first", "second"} {
		err := s.WithTx(ctx, func(tx storage.Tx) error {
			return tx.RetainSource(ctx, types.SourceDerived, "sha256:abc", text)
		})
		require.NoError(t, err)
	}
	got, err := s.GetSourceText(ctx, types.SourceDerived, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.RetainSource(ctx, types.SourceDerived, "", "x")
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
