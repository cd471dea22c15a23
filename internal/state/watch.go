package state

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoryChange is a story whose passes flag flipped on disk.
type StoryChange struct {
	StoryID string
	Title   string
	Passes  bool
}

// StoryChangeCallback receives the flips detected in one debounced batch.
type StoryChangeCallback func(changes []StoryChange)

// PRDWatcher notices edits to prd.json made outside this process (usually by
// the agent) and reports which stories changed state.
type PRDWatcher struct {
	store    *PRDStore
	watcher  *fsnotify.Watcher
	callback StoryChangeCallback
	debounce time.Duration

	mu       sync.Mutex
	snapshot map[string]bool
	timer    *time.Timer
	cancel   context.CancelFunc
}

func NewPRDWatcher(store *PRDStore, callback StoryChangeCallback) (*PRDWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: atomic renames replace the file's inode.
	if err := w.Add(store.Dir()); err != nil {
		w.Close()
		return nil, err
	}
	return &PRDWatcher{
		store:    store,
		watcher:  w,
		callback: callback,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets how long to wait for writes to settle.
func (pw *PRDWatcher) SetDebounce(d time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.debounce = d
}

// Start takes a baseline snapshot and begins watching.
func (pw *PRDWatcher) Start(ctx context.Context) {
	ctx, pw.cancel = context.WithCancel(ctx)
	pw.mu.Lock()
	pw.snapshot = pw.readFlags(ctx)
	pw.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-pw.watcher.Events:
				if !ok {
					return
				}
				pw.handleEvent(ctx, event)
			case err, ok := <-pw.watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("prd watcher error", "path", pw.store.Path(), "error", err)
			}
		}
	}()
}

func (pw *PRDWatcher) Stop() {
	if pw.cancel != nil {
		pw.cancel()
	}
	pw.mu.Lock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.mu.Unlock()
	pw.watcher.Close()
}

func (pw *PRDWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(pw.store.Path()) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounce, func() { pw.flush(ctx) })
}

func (pw *PRDWatcher) readFlags(ctx context.Context) map[string]bool {
	flags := make(map[string]bool)
	prd, err := pw.store.Load(ctx)
	if err != nil {
		return flags
	}
	for _, s := range prd.UserStories {
		flags[s.ID] = s.Passes
	}
	return flags
}

func (pw *PRDWatcher) flush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	prd, err := pw.store.Load(ctx)
	if err != nil {
		slog.Debug("prd watcher reload failed", "path", pw.store.Path(), "error", err)
		return
	}

	pw.mu.Lock()
	var changes []StoryChange
	next := make(map[string]bool, len(prd.UserStories))
	for _, s := range prd.UserStories {
		next[s.ID] = s.Passes
		if prev, ok := pw.snapshot[s.ID]; (ok && prev != s.Passes) || (!ok && s.Passes) {
			changes = append(changes, StoryChange{StoryID: s.ID, Title: s.Title, Passes: s.Passes})
		}
	}
	pw.snapshot = next
	pw.mu.Unlock()

	if len(changes) > 0 && pw.callback != nil {
		pw.callback(changes)
	}
}
