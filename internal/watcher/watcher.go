// Package watcher monitors the workspace attachments directory.
//
// New or modified attachment files surface as events the daemon turns into
// upload transfers. Editors and download temp files produce noisy write
// bursts, so events are debounced per path: a file only surfaces after it
// has been quiet for the settle window.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpAdd indicates a new or rewritten attachment file.
	OpAdd EventOp = iota
	// OpRemove indicates an attachment file was deleted or renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is one debounced attachment change.
type FileEvent struct {
	// Path is the absolute path to the attachment that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// AttachmentWatcher watches an attachments directory for changes.
// It uses fsnotify for cross-platform file system event monitoring.
type AttachmentWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	dir     string
	pending map[string]*time.Timer

	// settle is how long a path must stay quiet before its event fires.
	settle time.Duration
}

// NewAttachmentWatcher creates a watcher with the given settle window
// (250ms if zero). The watcher must be started with Start() before it
// will emit events.
func NewAttachmentWatcher(settle time.Duration) (*AttachmentWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if settle <= 0 {
		settle = 250 * time.Millisecond
	}

	return &AttachmentWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
		settle:  settle,
	}, nil
}

// Start begins watching the attachments directory.
func (aw *AttachmentWatcher) Start(dir string) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.running {
		return fmt.Errorf("watcher already running")
	}

	aw.dir = dir
	if err := aw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch attachments directory %s: %w", dir, err)
	}

	aw.running = true
	aw.wg.Add(1)
	go aw.processEvents()

	return nil
}

// Stop stops watching and cleans up. It blocks until the event processing
// goroutine has exited.
func (aw *AttachmentWatcher) Stop() error {
	aw.mu.Lock()
	if !aw.running {
		aw.mu.Unlock()
		return nil
	}
	aw.running = false
	for _, timer := range aw.pending {
		timer.Stop()
	}
	aw.pending = make(map[string]*time.Timer)
	aw.mu.Unlock()

	close(aw.done)

	if err := aw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	aw.wg.Wait()

	close(aw.events)
	close(aw.errors)

	return nil
}

// Events returns the channel that emits debounced FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (aw *AttachmentWatcher) Events() <-chan FileEvent {
	return aw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (aw *AttachmentWatcher) Errors() <-chan error {
	return aw.errors
}

// IsRunning returns true if the watcher is currently running.
func (aw *AttachmentWatcher) IsRunning() bool {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.running
}

// processEvents is the main loop converting fsnotify events into debounced
// FileEvent notifications.
func (aw *AttachmentWatcher) processEvents() {
	defer aw.wg.Done()

	for {
		select {
		case <-aw.done:
			return

		case event, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			aw.handleEvent(event)

		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case aw.errors <- err:
			case <-aw.done:
				return
			}
		}
	}
}

func (aw *AttachmentWatcher) handleEvent(event fsnotify.Event) {
	if ignorePath(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		aw.debounce(event.Name, OpAdd)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Removals fire immediately; there is no write storm to settle.
		aw.cancelPending(event.Name)
		aw.emit(FileEvent{Path: event.Name, Op: OpRemove})
	}
	// Chmod and other events are ignored.
}

// debounce (re)arms the settle timer for one path. Each new write pushes
// the deadline out, so a file surfaces only once it stops changing.
func (aw *AttachmentWatcher) debounce(path string, op EventOp) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if !aw.running {
		return
	}

	if timer, ok := aw.pending[path]; ok {
		timer.Stop()
	}
	aw.pending[path] = time.AfterFunc(aw.settle, func() {
		// Join the WaitGroup while still running so Stop cannot close
		// the events channel between this check and the send.
		aw.mu.Lock()
		if !aw.running {
			aw.mu.Unlock()
			return
		}
		delete(aw.pending, path)
		aw.wg.Add(1)
		aw.mu.Unlock()
		defer aw.wg.Done()

		aw.emit(FileEvent{Path: path, Op: op})
	})
}

func (aw *AttachmentWatcher) cancelPending(path string) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if timer, ok := aw.pending[path]; ok {
		timer.Stop()
		delete(aw.pending, path)
	}
}

func (aw *AttachmentWatcher) emit(ev FileEvent) {
	select {
	case aw.events <- ev:
	case <-aw.done:
	}
}

// ignorePath filters hidden files and in-progress download temp files.
func ignorePath(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}
