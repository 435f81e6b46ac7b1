package rules

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"triage/internal/logging"
)

// Watcher reloads the matcher when the ruleset file changes on disk. Each
// reload builds a complete new Set before the swap, so in-flight Check calls
// keep reading the old set.
type Watcher struct {
	matcher *Matcher
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	pending time.Time // last relevant event, zero when none outstanding

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the matcher's ruleset file.
func NewWatcher(matcher *Matcher) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		matcher: matcher,
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled in a goroutine.
// Watching the parent directory catches editors that rename-over the file.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.matcher.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryRules).Warn("Rules watcher: watch failed for %s: %v", dir, err)
	} else {
		logging.Rules("Rules watcher: watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRules).Error("Rules watcher: close error: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Debounce rapid saves before reloading.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRules).Error("Rules watcher error: %v", err)

		case <-ticker.C:
			w.reloadIfPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.matcher.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	logging.RulesDebug("Rules watcher: %s event for %s", event.Op, event.Name)
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) reloadIfPending() {
	w.mu.Lock()
	pending := w.pending
	if pending.IsZero() || time.Since(pending) < 200*time.Millisecond {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	if err := w.matcher.Reload(); err != nil {
		// Keep serving the previous set; a half-written file is transient.
		logging.Get(logging.CategoryRules).Warn("Rules watcher: reload failed, keeping active set: %v", err)
		return
	}
	logging.Rules("Rules watcher: ruleset reloaded")
}
