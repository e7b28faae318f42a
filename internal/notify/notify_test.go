package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func eventFiles(t *testing.T, dataDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(EventsDir(dataDir))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), eventExt) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	if err := w.NotifyJob("aria", "01HJOB", "completed"); err != nil {
		t.Fatalf("NotifyJob failed: %v", err)
	}

	names := eventFiles(t, dir)
	if len(names) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(names))
	}
	if !strings.Contains(names[0], "aria-01HJOB") {
		t.Errorf("unexpected event file name %s", names[0])
	}

	entries, _ := os.ReadDir(EventsDir(dir))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 1)

	watcher := NewEventWatcher(dir, func(e Event) bool {
		received <- e
		return true
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if err := NewEventWriter(dir).NotifyJob("aria", "01HJOB", "failed"); err != nil {
		t.Fatalf("NotifyJob failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Type != EventJobFinished || e.AgentID != "aria" || e.JobID != "01HJOB" || e.Status != "failed" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Handled events are consumed.
	deadline := time.Now().Add(time.Second)
	for len(eventFiles(t, dir)) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(eventFiles(t, dir)); n != 0 {
		t.Errorf("expected handled event to be removed, %d left", n)
	}
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()

	// Written before the watcher starts.
	writer := NewEventWriter(dir)
	_ = writer.NotifyJob("aria", "job-1", "completed")
	_ = writer.NotifyJob("mentor", "job-2", "completed")

	received := make(chan string, 10)
	watcher := NewEventWatcher(dir, func(e Event) bool {
		received <- e.JobID
		return e.AgentID == "aria"
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if len(received) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(received))
	}

	// The unhandled event stays for another watcher.
	names := eventFiles(t, dir)
	if len(names) != 1 || !strings.Contains(names[0], "mentor-job-2") {
		t.Errorf("expected only mentor's event to remain, got %v", names)
	}
}

func TestEventWriterPrunesStale(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)
	if err := w.NotifyJob("aria", "old", "completed"); err != nil {
		t.Fatalf("NotifyJob failed: %v", err)
	}

	old := time.Now().Add(-2 * staleAfter)
	for _, name := range eventFiles(t, dir) {
		if err := os.Chtimes(filepath.Join(EventsDir(dir), name), old, old); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
	}

	if err := w.NotifyJob("aria", "new", "completed"); err != nil {
		t.Fatalf("NotifyJob failed: %v", err)
	}
	names := eventFiles(t, dir)
	if len(names) != 1 || !strings.Contains(names[0], "aria-new") {
		t.Errorf("expected only the new event, got %v", names)
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("sha256:abc/def.md")
	if got != "sha256_abc_def_md" {
		t.Errorf("expected sha256_abc_def_md, got %s", got)
	}
}
