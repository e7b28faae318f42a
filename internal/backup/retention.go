package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/spirit-memory/internal/packs"
)

// snapshotLayout is embedded in snapshot file names.
const snapshotLayout = "20060102T150405Z"

// RetentionPolicy defines how many snapshots to keep at each age tier:
// hourly under a day, daily under a week, weekly under 30 days and monthly
// under a year. Older snapshots are always deleted.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Snapshot is one timestamped export in a snapshot directory.
type Snapshot struct {
	Path      string
	AgentID   string
	Timestamp time.Time
	Size      int64
}

// SnapshotName is the file name of agentID's snapshot taken at at.
func SnapshotName(agentID string, at time.Time) string {
	return agentID + "-" + at.UTC().Format(snapshotLayout) + packs.Extension
}

// ExportSnapshot exports pack into dir under a timestamped name.
func ExportSnapshot(ctx context.Context, pack *packs.Pack, dir string, at time.Time) (*Result, error) {
	return Export(ctx, pack, filepath.Join(dir, SnapshotName(pack.AgentID, at)))
}

// parseSnapshotName splits a snapshot file name into agent and time.
func parseSnapshotName(name string) (string, time.Time, bool) {
	base, ok := strings.CutSuffix(name, packs.Extension)
	if !ok {
		return "", time.Time{}, false
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return "", time.Time{}, false
	}
	at, err := time.Parse(snapshotLayout, base[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:i], at, true
}

// ListSnapshots lists agentID's snapshots in dir, newest first. Files that
// are not snapshots are ignored.
func ListSnapshots(dir, agentID string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		agent, at, ok := parseSnapshotName(entry.Name())
		if !ok || agent != agentID {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			AgentID:   agent,
			Timestamp: at,
			Size:      info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Prune deletes agentID's snapshots in dir that policy does not keep and
// returns the deleted paths. It keeps deleting after a failure and reports
// the last error.
func Prune(dir, agentID string, policy RetentionPolicy, now time.Time) ([]string, error) {
	snapshots, err := ListSnapshots(dir, agentID)
	if err != nil {
		return nil, err
	}

	var hourly, daily, weekly, monthly, toDelete []string
	for _, s := range snapshots {
		age := now.Sub(s.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, s.Path)
		case age < 7*24*time.Hour:
			daily = append(daily, s.Path)
		case age < 30*24*time.Hour:
			weekly = append(weekly, s.Path)
		case age < 365*24*time.Hour:
			monthly = append(monthly, s.Path)
		default:
			toDelete = append(toDelete, s.Path)
		}
	}

	toDelete = append(toDelete, overflow(hourly, policy.Hourly)...)
	toDelete = append(toDelete, overflow(daily, policy.Daily)...)
	toDelete = append(toDelete, overflow(weekly, policy.Weekly)...)
	toDelete = append(toDelete, overflow(monthly, policy.Monthly)...)

	var deleted []string
	var lastErr error
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		deleted = append(deleted, path)
	}
	if lastErr != nil {
		return deleted, fmt.Errorf("failed to delete some snapshots: %w", lastErr)
	}
	return deleted, nil
}

// overflow returns the paths past the first keep, newest first order assumed.
func overflow(paths []string, keep int) []string {
	if keep < 0 {
		keep = 0
	}
	if len(paths) <= keep {
		return nil
	}
	return paths[keep:]
}

// DiskUsage totals the size of agentID's snapshots in dir.
func DiskUsage(dir, agentID string) (int64, error) {
	snapshots, err := ListSnapshots(dir, agentID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range snapshots {
		total += s.Size
	}
	return total, nil
}
