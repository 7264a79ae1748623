// Package watch detects file overlap between concurrently executing
// stories. Each story works in its own workspace clone, so two stories
// writing the same relative path will merge-conflict later; catching the
// overlap while both are still running lets the implementation phase
// re-plan instead of paying for the conflict downstream.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/logging"
)

// debounceWindow batches the event bursts editors and agents produce for
// a single save.
const debounceWindow = 50 * time.Millisecond

// Overlap reports one relative path written by more than one story.
type Overlap struct {
	RelativePath string
	StoryIDs     []string
	LastModified time.Time
}

// Watcher observes story workspaces and raises overlaps. Safe for
// concurrent use.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *logging.Logger

	mu sync.RWMutex
	// story ID -> workspace root
	workspaces map[string]string
	// relative path -> story ID -> last write
	writes    map[string]map[string]time.Time
	overlaps  []Overlap
	onOverlap func([]Overlap)

	ignore []string
	stopCh chan struct{}
}

// New creates a watcher. Call Start to begin processing events and Stop
// to release the underlying notifier.
func New(logger *logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		fs:         fs,
		logger:     logger,
		workspaces: make(map[string]string),
		writes:     make(map[string]map[string]time.Time),
		ignore:     []string{".git", ".armada", "node_modules", ".DS_Store"},
		stopCh:     make(chan struct{}),
	}, nil
}

// OnOverlap registers a callback invoked whenever the overlap set is
// non-empty after a write.
func (w *Watcher) OnOverlap(cb func([]Overlap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOverlap = cb
}

// AddWorkspace starts watching a story's workspace tree.
func (w *Watcher) AddWorkspace(storyID, root string) error {
	w.mu.Lock()
	w.workspaces[storyID] = root
	w.mu.Unlock()

	if err := w.fs.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	// fsnotify watches single directories; walk the tree for coverage.
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if w.ignored(filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			_ = w.fs.Add(path)
		}
		return nil
	})
}

// RemoveWorkspace stops watching a story and drops its write records.
func (w *Watcher) RemoveWorkspace(storyID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root, ok := w.workspaces[storyID]
	if !ok {
		return
	}
	_ = w.fs.Remove(root)
	delete(w.workspaces, storyID)

	for rel, stories := range w.writes {
		delete(stories, storyID)
		if len(stories) == 0 {
			delete(w.writes, rel)
		}
	}
	w.recalculate()
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fs.Close()
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	<-debounce.C

	pending := make(map[string]fsnotify.Event)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pendingMu.Lock()
			pending[ev.Name] = ev
			pendingMu.Unlock()
			debounce.Reset(debounceWindow)
		case <-debounce.C:
			pendingMu.Lock()
			batch := pending
			pending = make(map[string]fsnotify.Event)
			pendingMu.Unlock()
			for _, ev := range batch {
				w.recordWrite(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// recordWrite attributes a written path to its story and recomputes
// overlaps.
func (w *Watcher) recordWrite(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ignoredPath(path) {
		return
	}

	var storyID, rel string
	for id, root := range w.workspaces {
		if strings.HasPrefix(path, root+string(filepath.Separator)) || path == root {
			storyID = id
			rel, _ = filepath.Rel(root, path)
			break
		}
	}
	if storyID == "" || rel == "" || rel == "." {
		return
	}

	if w.writes[rel] == nil {
		w.writes[rel] = make(map[string]time.Time)
	}
	w.writes[rel][storyID] = time.Now()
	w.recalculate()
}

// recalculate rebuilds the overlap set. Caller holds w.mu.
func (w *Watcher) recalculate() {
	var overlaps []Overlap
	for rel, stories := range w.writes {
		if len(stories) < 2 {
			continue
		}
		o := Overlap{RelativePath: rel}
		for id, at := range stories {
			o.StoryIDs = append(o.StoryIDs, id)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		sort.Strings(o.StoryIDs)
		overlaps = append(overlaps, o)
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].RelativePath < overlaps[j].RelativePath })
	w.overlaps = overlaps

	if w.onOverlap != nil && len(overlaps) > 0 {
		w.onOverlap(overlaps)
	}
}

// Overlaps returns a copy of the current overlap set.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Overlap, len(w.overlaps))
	copy(out, w.overlaps)
	return out
}

// HasOverlaps reports whether any file is currently contested.
func (w *Watcher) HasOverlaps() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.overlaps) > 0
}

// FilesWrittenBy returns the relative paths a story has written.
func (w *Watcher) FilesWrittenBy(storyID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var files []string
	for rel, stories := range w.writes {
		if _, ok := stories[storyID]; ok {
			files = append(files, rel)
		}
	}
	sort.Strings(files)
	return files
}

func (w *Watcher) ignored(base string) bool {
	for _, ig := range w.ignore {
		if base == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) ignoredPath(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if w.ignored(part) {
			return true
		}
	}
	return false
}

// Violation converts an overlap set into the retryable rule violation the
// implementation phase feeds back into its next attempt.
func Violation(overlaps []Overlap) *errors.RuleViolation {
	if len(overlaps) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("concurrent stories are modifying the same files:")
	for _, o := range overlaps {
		fmt.Fprintf(&b, " %s (stories %s);", o.RelativePath, strings.Join(o.StoryIDs, ", "))
	}
	b.WriteString(" re-partition the work so each file has a single owner")
	return errors.NewRuleViolation("file-overlap", b.String())
}
