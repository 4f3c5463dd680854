// Package watcher observes a project directory and emits debounced batches
// of changed buildable files.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shinyobjectz/tav/internal/logging"
)

// FileWatcher watches project directories recursively and hands debounced
// change batches to its handlers.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	logger    logging.Logger

	mutex       sync.RWMutex
	filters     []FileFilter
	handlers    []ChangeHandler
	ignoredDirs map[string]bool

	stopOnce sync.Once
	done     chan struct{}
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType `json:"type"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime,omitempty"`
	Size    int64     `json:"size"`
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// MarshalText renders the event type by name.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// FileFilter reports whether a changed file is relevant.
type FileFilter func(path string) bool

// ChangeHandler receives each debounced batch.
type ChangeHandler func(batch ChangeBatch) error

// NewFileWatcher creates a new file watcher
func NewFileWatcher(debounceDelay time.Duration, logger logging.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &FileWatcher{
		watcher:     watcher,
		debouncer:   NewDebouncer(debounceDelay),
		logger:      logger.WithComponent("watcher"),
		ignoredDirs: make(map[string]bool),
		done:        make(chan struct{}),
	}, nil
}

// AddFilter adds a file filter. A change passes only if every filter
// accepts it.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// IgnoreDir excludes a directory, and everything below it, from watching.
func (fw *FileWatcher) IgnoreDir(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.ignoredDirs[abs] = true
}

// AddRecursive watches root and every non-hidden, non-ignored directory
// below it.
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("invalid root path: %w", err)
	}

	return filepath.WalkDir(cleanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != cleanRoot && fw.skipDir(path) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// WatchList returns the directories currently watched.
func (fw *FileWatcher) WatchList() []string {
	return fw.watcher.WatchList()
}

// Start starts the file watcher
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.processBatches(ctx)
	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		fw.debouncer.Stop()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) skipDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	return fw.ignoredDirs[path]
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)

	// New directories are watched as they appear, and files already inside
	// them (a copied folder, say) are reported.
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) && !fw.skipDir(event.Name) {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(ctx, err, "Failed to watch new directory", "path", event.Name)
			}
			fw.reportTree(event.Name)
		}
		return
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventTypeCreated
	case event.Has(fsnotify.Write):
		eventType = EventTypeModified
	case event.Has(fsnotify.Remove):
		eventType = EventTypeDeleted
	case event.Has(fsnotify.Rename):
		eventType = EventTypeRenamed
	case event.Has(fsnotify.Chmod):
		return
	default:
		eventType = EventTypeModified
	}

	change := ChangeEvent{Type: eventType, Path: event.Name}
	if statErr == nil {
		change.ModTime = info.ModTime()
		change.Size = info.Size()
	}
	fw.submit(change)
}

func (fw *FileWatcher) reportTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && fw.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		change := ChangeEvent{Type: EventTypeCreated, Path: path}
		if info, err := d.Info(); err == nil {
			change.ModTime = info.ModTime()
			change.Size = info.Size()
		}
		fw.submit(change)
		return nil
	})
}

func (fw *FileWatcher) submit(change ChangeEvent) {
	fw.mutex.RLock()
	filters := fw.filters
	ignored := false
	for dir := range fw.ignoredDirs {
		if change.Path == dir || strings.HasPrefix(change.Path, dir+string(filepath.Separator)) {
			ignored = true
			break
		}
	}
	fw.mutex.RUnlock()

	if ignored {
		return
	}
	for _, filter := range filters {
		if !filter(change.Path) {
			return
		}
	}
	fw.debouncer.Add(change)
}

func (fw *FileWatcher) processBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case batch := <-fw.debouncer.Output():
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			fw.logger.Debug(ctx, "Change batch", "files", batch.Len())
			for _, handler := range handlers {
				if err := handler(batch); err != nil {
					fw.logger.Warn(ctx, err, "File watcher handler error")
				}
			}
		}
	}
}
