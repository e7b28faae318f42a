package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventWatcher watches an events directory and hands each event to a
// callback. An event file is deleted once the callback reports it handled;
// other files are left for other watchers.
type EventWatcher struct {
	dir      string
	callback func(Event) bool
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatcherOption configures an EventWatcher.
type WatcherOption func(*EventWatcher)

// WithLogger sets the watcher's logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(ew *EventWatcher) {
		if l != nil {
			ew.logger = l
		}
	}
}

// NewEventWatcher creates a watcher for EventsDir(dataDir).
func NewEventWatcher(dataDir string, callback func(Event) bool, opts ...WatcherOption) *EventWatcher {
	ew := &EventWatcher{
		dir:      EventsDir(dataDir),
		callback: callback,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ew)
	}
	return ew
}

// Start begins watching. Watching starts before existing event files are
// drained so no event written in between is missed. Call Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	ew.drainExisting()
	go ew.loop()
	ew.logger.Debug("watching for job events", zap.String("dir", ew.dir))
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			// Writers publish by rename, which surfaces as Create.
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("event watcher error", zap.Error(err))
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), eventExt) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed by another watcher
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn("invalid event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		_ = os.Remove(path)
		return
	}

	if ew.callback != nil && ew.callback(event) {
		_ = os.Remove(path)
	}
}
