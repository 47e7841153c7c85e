// Package watcher implements the per-project debounced filesystem watcher
// (§4.4). Grounded on fsnotify for OS-level events and on tarsy's
// pkg/queue.WorkerPool for the idempotent Start/Stop and buffer+timer+flush
// shape (a single goroutine draining a buffer on a timer, stopped exactly
// once via sync.Once).
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeType is the coalesced change kind for one path.
type ChangeType int

const (
	Created ChangeType = iota
	Updated
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Flush is the coalesced output of one debounce window.
type Flush struct {
	CreatedOrUpdated []string
	Deleted          []string
}

// Ingestor is what a flush hands off to; satisfied by
// ingestion.Ingestor + ingestion.Parser composed by the caller.
type Ingestor interface {
	HandleFlush(projectRoot string, flush Flush) error
}

// Options configures one Watcher instance.
type Options struct {
	RootPath      string
	IncludeGlobs  []string
	ExcludeGlobs  []string
	DebounceWindow time.Duration // default 1000ms, measured from the first buffered change; later changes do not extend it
	MaxTail        time.Duration // default 5s; a second cap on that same age, so a flush happens at the smaller of the two
}

func (o *Options) setDefaults() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = time.Second
	}
	if o.MaxTail <= 0 {
		o.MaxTail = 5 * time.Second
	}
}

// Watcher is a single project's fsnotify subscription plus debounce buffer.
type Watcher struct {
	opts     Options
	ingestor Ingestor
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu          sync.Mutex
	buffer      map[string]ChangeType
	firstPending time.Time
	started     bool
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New constructs a Watcher. Call Start to begin subscribing.
func New(opts Options, ingestor Ingestor, logger *slog.Logger) *Watcher {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		opts:     opts,
		ingestor: ingestor,
		logger:   logger,
		buffer:   make(map[string]ChangeType),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to the project tree and begins the debounce-flush loop.
// Safe to call more than once; later calls are no-ops, matching
// WorkerPool.Start's idempotence.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("watcher already started, ignoring duplicate Start", "root", w.opts.RootPath)
		return nil
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := addRecursive(fsw, w.opts.RootPath); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(2)
	go w.watchLoop()
	go w.flushLoop()

	w.logger.Info("watcher started", "root", w.opts.RootPath)
	return nil
}

// Stop flushes any pending changes and releases the fsnotify subscription.
// Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.logger.Info("watcher stopped", "root", w.opts.RootPath)
	})
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher fsnotify error", "root", w.opts.RootPath, "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	if !matchesIncludeExclude(ev.Name, w.opts.IncludeGlobs, w.opts.ExcludeGlobs) {
		return
	}
	changeType := classify(ev.Op)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) == 0 {
		w.firstPending = time.Now()
	}
	w.buffer[ev.Name] = coalesce(w.buffer[ev.Name], changeType, hasPrior(w.buffer, ev.Name))
}

// QueueExternalChange folds a change reported out-of-band (e.g. via
// POST /queue-file-change) into the same debounce buffer an fsnotify
// event would land in, so both sources coalesce identically.
func (w *Watcher) QueueExternalChange(path string, change string) {
	var ct ChangeType
	switch change {
	case "deleted":
		ct = Deleted
	case "created":
		ct = Created
	default:
		ct = Updated
	}
	if !matchesIncludeExclude(path, w.opts.IncludeGlobs, w.opts.ExcludeGlobs) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) == 0 {
		w.firstPending = time.Now()
	}
	w.buffer[path] = coalesce(w.buffer[path], ct, hasPrior(w.buffer, path))
}

// coalesce applies §4.4's rules: created→updated becomes created,
// updated→updated becomes updated, anything→deleted becomes deleted.
func coalesce(prior ChangeType, next ChangeType, hadPrior bool) ChangeType {
	if next == Deleted {
		return Deleted
	}
	if !hadPrior {
		return next
	}
	if prior == Created {
		return Created
	}
	return Updated
}

func hasPrior(buf map[string]ChangeType, path string) bool {
	_, ok := buf[path]
	return ok
}

func classify(op fsnotify.Op) ChangeType {
	switch {
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return Deleted
	case op&fsnotify.Create != 0:
		return Created
	default:
		return Updated
	}
}

func (w *Watcher) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.maybeFlush()
		case <-w.stopCh:
			w.forceFlush()
			return
		}
	}
}

func (w *Watcher) maybeFlush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	age := time.Since(w.firstPending)
	ready := age >= w.opts.DebounceWindow || age >= w.opts.MaxTail
	if !ready {
		w.mu.Unlock()
		return
	}
	flush := w.drainLocked()
	w.mu.Unlock()
	w.dispatch(flush)
}

func (w *Watcher) forceFlush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	flush := w.drainLocked()
	w.mu.Unlock()
	w.dispatch(flush)
}

func (w *Watcher) drainLocked() Flush {
	var flush Flush
	for path, ct := range w.buffer {
		switch ct {
		case Deleted:
			flush.Deleted = append(flush.Deleted, path)
		default:
			flush.CreatedOrUpdated = append(flush.CreatedOrUpdated, path)
		}
	}
	w.buffer = make(map[string]ChangeType)
	return flush
}

func (w *Watcher) dispatch(flush Flush) {
	if w.ingestor == nil {
		return
	}
	if err := w.ingestor.HandleFlush(w.opts.RootPath, flush); err != nil {
		w.logger.Error("flush ingestion failed", "root", w.opts.RootPath, "error", err)
	}
}

func matchesIncludeExclude(path string, includes, excludes []string) bool {
	for _, pat := range excludes {
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pat := range includes {
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info != nil && info.IsDir() {
			if info.Name() == ".git" || info.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
}
