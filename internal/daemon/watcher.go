package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/mirror"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a database file below the watched root.
type FileEvent struct {
	Path string
	Op   EventOp
}

var errWatcherRunning = errors.New("watcher already running")

// FileWatcher watches a directory tree for database file changes.
// Subdirectories, including ones created later, are watched too.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopped  bool
	watching map[string]bool

	ext    string
	logger zerolog.Logger
}

// NewFileWatcher creates a watcher for files ending in ext (case-insensitive).
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher(ext string, logger zerolog.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		events:   make(chan FileEvent, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		watching: make(map[string]bool),
		ext:      strings.ToLower(ext),
		logger:   logger,
	}, nil
}

// Start watches root and every directory below it.
func (fw *FileWatcher) Start(root string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return errWatcherRunning
	}

	root = filepath.Clean(root)
	if err := fw.watcher.Add(root); err != nil {
		return mirror.Errorf(mirror.KindPathNotFound, "watch", root, err)
	}
	fw.watching[root] = true
	fw.addTree(root)

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// addTree adds every subdirectory of dir. Callers hold fw.mu.
func (fw *FileWatcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable directory")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() || fw.watching[path] {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch subdirectory")
			return nil
		}
		fw.watching[path] = true
		return nil
	})
}

// Stop stops watching and blocks until the event loop has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	wasRunning := fw.running
	fw.running = false
	fw.stopped = true
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	if wasRunning {
		close(fw.events)
		close(fw.errors)
	}
	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				fw.handleCreate(event.Name)
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// handleCreate starts watching directories created after Start.
func (fw *FileWatcher) handleCreate(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.addTree(path)
}

func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(strings.ToLower(event.Name), fw.ext) {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Op: op}, true
}
