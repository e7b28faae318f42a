package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touchSnapshot writes an empty snapshot file for agentID taken at at.
func touchSnapshot(t *testing.T, dir, agentID string, at time.Time) string {
	t.Helper()
	path := filepath.Join(dir, SnapshotName(agentID, at))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestParseSnapshotName(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	agent, got, ok := parseSnapshotName(SnapshotName("team-lead", at))
	require.True(t, ok)
	assert.Equal(t, "team-lead", agent)
	assert.True(t, at.Equal(got))

	for _, name := range []string{"aria.spirit", "aria-yesterday.spirit", "aria-20260304T050607Z.db", "-20260304T050607Z.spirit"} {
		_, _, ok := parseSnapshotName(name)
		assert.False(t, ok, name)
	}
}

func TestListSnapshots(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	older := touchSnapshot(t, dir, "aria", now.Add(-2*time.Hour))
	newer := touchSnapshot(t, dir, "aria", now.Add(-1*time.Hour))
	touchSnapshot(t, dir, "mentor", now)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	snapshots, err := ListSnapshots(dir, "aria")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, newer, snapshots[0].Path)
	assert.Equal(t, older, snapshots[1].Path)
	assert.Equal(t, "aria", snapshots[0].AgentID)

	usage, err := DiskUsage(dir, "aria")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage)

	_, err = ListSnapshots(filepath.Join(dir, "missing"), "aria")
	assert.Error(t, err)
}

func TestPrune_Tiers(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := RetentionPolicy{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}

	keepHour1 := touchSnapshot(t, dir, "aria", now.Add(-1*time.Hour))
	keepHour2 := touchSnapshot(t, dir, "aria", now.Add(-2*time.Hour))
	dropHour3 := touchSnapshot(t, dir, "aria", now.Add(-3*time.Hour))
	keepDay := touchSnapshot(t, dir, "aria", now.Add(-2*24*time.Hour))
	dropDay := touchSnapshot(t, dir, "aria", now.Add(-3*24*time.Hour))
	keepWeek := touchSnapshot(t, dir, "aria", now.Add(-10*24*time.Hour))
	keepMonth := touchSnapshot(t, dir, "aria", now.Add(-60*24*time.Hour))
	dropMonth := touchSnapshot(t, dir, "aria", now.Add(-90*24*time.Hour))
	dropAncient := touchSnapshot(t, dir, "aria", now.Add(-400*24*time.Hour))
	other := touchSnapshot(t, dir, "mentor", now.Add(-400*24*time.Hour))

	deleted, err := Prune(dir, "aria", policy, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dropHour3, dropDay, dropMonth, dropAncient}, deleted)

	for _, p := range []string{keepHour1, keepHour2, keepDay, keepWeek, keepMonth, other} {
		assert.FileExists(t, p)
	}
	for _, p := range deleted {
		assert.NoFileExists(t, p)
	}
}

func TestPrune_ZeroPolicyDeletesAll(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	touchSnapshot(t, dir, "aria", now.Add(-time.Minute))
	touchSnapshot(t, dir, "aria", now.Add(-48*time.Hour))

	deleted, err := Prune(dir, "aria", RetentionPolicy{}, now)
	require.NoError(t, err)
	assert.Len(t, deleted, 2)
}

func TestExportSnapshot(t *testing.T) {
	ctx := context.Background()
	pack := seedPack(t, newRegistry(t), "aria", "Launch is on Friday")
	dir := t.TempDir()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	res, err := ExportSnapshot(ctx, pack, dir, at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "aria-20260601T120000Z.spirit"), res.Path)

	snapshots, err := ListSnapshots(dir, "aria")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, at.Equal(snapshots[0].Timestamp))
}
