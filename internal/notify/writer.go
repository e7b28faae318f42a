// Package notify signals finished extraction jobs across processes. A worker
// writes one small event file per finished job into <data_dir>/events; any
// process waiting on a job watches that directory with fsnotify.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// EventJobFinished is written when a job reaches completed or failed.
	EventJobFinished = "job_finished"

	eventExt = ".event"

	// staleAfter is how long an unclaimed event file is kept.
	staleAfter = time.Hour
)

// Event is the payload written to an event file.
type Event struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Time    int64  `json:"time"`
}

// EventsDir is the event directory under dataDir.
func EventsDir(dataDir string) string {
	return filepath.Join(dataDir, "events")
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir string
	now func() time.Time
}

// NewEventWriter creates a writer that emits events to EventsDir(dataDir).
func NewEventWriter(dataDir string) *EventWriter {
	return &EventWriter{dir: EventsDir(dataDir), now: time.Now}
}

// NotifyJob records that agentID's job finished with status. Safe to call
// concurrently. The file appears under its final name only once complete.
func (w *EventWriter) NotifyJob(agentID, jobID, status string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	now := w.now()
	w.pruneStale(now)

	evt := Event{
		Type:    EventJobFinished,
		AgentID: agentID,
		JobID:   jobID,
		Status:  status,
		Time:    now.UnixNano(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s", evt.Time, sanitizeID(agentID), sanitizeID(jobID))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+eventExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

// pruneStale removes event files nobody claimed within staleAfter.
func (w *EventWriter) pruneStale(now time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), eventExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > staleAfter {
			_ = os.Remove(filepath.Join(w.dir, entry.Name()))
		}
	}
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
