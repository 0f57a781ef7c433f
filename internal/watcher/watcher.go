package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	rawBufferSize          = 1024
	defaultDebounceTimeout = 50 * time.Millisecond
)

// Handler receives the watcher output. OnChange and OnError are called from a
// single goroutine, in the order the changes were observed.
type Handler struct {
	OnChange func(evt event.ChangeEvent)
	OnError  func(err error)
	OnReady  func()
}

type Option func(*FileWatcher)

// WithIgnoreDotFiles drops every path that has a segment starting with a dot.
func WithIgnoreDotFiles(ignore bool) Option {
	return func(fw *FileWatcher) {
		fw.ignoreDotFiles = ignore
	}
}

func WithDebounceTimeout(timeout time.Duration) Option {
	return func(fw *FileWatcher) {
		fw.debounceTimeout = timeout
	}
}

// FileWatcher reports the contents of a directory as add events, then keeps
// reporting changes below it as add/modify/delete events.
type FileWatcher struct {
	watchDir       string
	ignoreDotFiles bool
	ignore         *IgnoreList
	handler        Handler

	rawEvents chan notify.EventInfo
	flushed   chan string
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Debouncing fields
	eventTimers     map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration

	// relative path -> isDir for everything reported so far; owned by run
	known map[string]bool
}

func New(dir string, opts ...Option) (*FileWatcher, error) {
	dir, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	// notify reports resolved paths, so the root must be resolved too
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	if !utils.DirExists(dir) {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	fw := &FileWatcher{
		watchDir:        dir,
		ignore:          NewIgnoreList(dir),
		flushed:         make(chan string, eventBufferSize),
		done:            make(chan struct{}),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
		known:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(fw)
	}
	fw.ignore.Load()
	return fw, nil
}

func (fw *FileWatcher) Dir() string {
	return fw.watchDir
}

// Start registers the recursive watch, then scans the directory in the
// background. Changes made during the scan are reported after OnReady.
func (fw *FileWatcher) Start(ctx context.Context, h Handler) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	if h.OnChange == nil {
		h.OnChange = func(event.ChangeEvent) {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	if h.OnReady == nil {
		h.OnReady = func() {}
	}
	fw.handler = h

	// notify drops events when this is full, so it has to absorb a whole scan
	fw.rawEvents = make(chan notify.EventInfo, rawBufferSize)
	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Remove, notify.Write, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", fw.watchDir, err)
	}

	fw.wg.Add(1)
	go fw.run(ctx)
	return nil
}

func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)

		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}

		fw.debounceMu.Lock()
		for path, timer := range fw.eventTimers {
			timer.Stop()
			delete(fw.eventTimers, path)
		}
		fw.debounceMu.Unlock()

		fw.wg.Wait()
		slog.Info("file watcher stopped")
	})
}

func (fw *FileWatcher) run(ctx context.Context) {
	defer fw.wg.Done()

	fw.scan("")
	fw.handler.OnReady()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ei, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.handleRaw(ei)
		case rel := <-fw.flushed:
			fw.reconcile(rel)
		}
	}
}

func (fw *FileWatcher) handleRaw(ei notify.EventInfo) {
	rel, ok := fw.relPath(ei.Path())
	if !ok || fw.skip(rel) {
		return
	}
	// On linux a single write triggers a BURST of events until the file is completely written
	fw.debounce(rel)
}

// drain moves every pending raw event into the debouncer without blocking.
// Long scans call it so notify never finds the channel full.
func (fw *FileWatcher) drain() {
	for {
		select {
		case ei, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.handleRaw(ei)
		default:
			return
		}
	}
}

// debounce restarts the timer for rel. When it fires, rel is handed back to run.
func (fw *FileWatcher) debounce(rel string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, exists := fw.eventTimers[rel]; exists {
		timer.Stop()
	}

	fw.eventTimers[rel] = time.AfterFunc(fw.debounceTimeout, func() {
		fw.debounceMu.Lock()
		delete(fw.eventTimers, rel)
		fw.debounceMu.Unlock()

		select {
		case fw.flushed <- rel:
		case <-fw.done:
		}
	})
}

// reconcile compares rel on disk with what was last reported and emits the
// difference. Runs on the run goroutine.
func (fw *FileWatcher) reconcile(rel string) {
	info, err := os.Lstat(filepath.Join(fw.watchDir, filepath.FromSlash(rel)))
	wasDir, known := fw.known[rel]

	switch {
	case err == nil && !known:
		fw.markAncestors(rel)
		fw.emitAdd(rel, info.IsDir())
		if info.IsDir() {
			// files created inside a new directory may predate its watch
			fw.scan(rel)
		}

	case err == nil && wasDir != info.IsDir():
		fw.emitDelete(rel, wasDir)
		fw.emitAdd(rel, info.IsDir())
		if info.IsDir() {
			fw.scan(rel)
		}

	case err == nil:
		if !info.IsDir() {
			fw.emit(event.ChangeEvent{Path: rel, Kind: event.EventModify})
		}

	case errors.Is(err, fs.ErrNotExist):
		if known {
			fw.emitDelete(rel, wasDir)
		}

	default:
		fw.handler.OnError(fmt.Errorf("stat %s: %w", rel, err))
	}
}

// scan walks the directory below rel ("" for the root) and reports every
// entry not yet known as added, parents before children.
func (fw *FileWatcher) scan(rel string) {
	root := filepath.Join(fw.watchDir, filepath.FromSlash(rel))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			fw.handler.OnError(fmt.Errorf("scan %s: %w", path, err))
			return nil
		}
		if path == root {
			return nil
		}
		fw.drain()

		entry, ok := fw.relPath(path)
		if !ok {
			return nil
		}
		if fw.skip(entry) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, seen := fw.known[entry]; !seen {
			fw.emitAdd(entry, d.IsDir())
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fw.handler.OnError(fmt.Errorf("scan %s: %w", root, err))
	}
}

func (fw *FileWatcher) emitAdd(rel string, isDir bool) {
	fw.known[rel] = isDir
	fw.emit(event.ChangeEvent{Path: rel, Kind: event.EventAdd, IsDir: isDir})
}

// emitDelete reports rel as deleted and forgets everything below it.
func (fw *FileWatcher) emitDelete(rel string, isDir bool) {
	delete(fw.known, rel)
	prefix := rel + "/"
	for p := range fw.known {
		if strings.HasPrefix(p, prefix) {
			delete(fw.known, p)
		}
	}
	fw.emit(event.ChangeEvent{Path: rel, Kind: event.EventDelete, IsDir: isDir})
}

// markAncestors records the parents of rel as directories. A tree built from
// the events creates them implicitly.
func (fw *FileWatcher) markAncestors(rel string) {
	for dir := filepath.ToSlash(filepath.Dir(rel)); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(dir)) {
		if _, ok := fw.known[dir]; ok {
			return
		}
		fw.known[dir] = true
	}
}

func (fw *FileWatcher) emit(evt event.ChangeEvent) {
	slog.Debug("file watcher", "event", evt.String())
	fw.handler.OnChange(evt)
}

func (fw *FileWatcher) relPath(path string) (string, bool) {
	rel, err := filepath.Rel(fw.watchDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (fw *FileWatcher) skip(rel string) bool {
	if fw.ignoreDotFiles && isDotPath(rel) {
		return true
	}
	return fw.ignore.ShouldIgnore(rel)
}
