package rule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"alert-dispatcher/internal/logger"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the rules directory into an index whenever its files
// change. A failed load keeps the previous snapshot.
type Watcher struct {
	dir      string
	loader   *RulesLoader
	index    *RuleIndex
	logger   *logger.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(*RuleSet)
}

func NewWatcher(dir string, loader *RulesLoader, index *RuleIndex, log *logger.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		loader:   loader,
		index:    index,
		logger:   log,
		debounce: defaultDebounce,
	}
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*RuleSet)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Reload loads the directory and installs the result.
func (w *Watcher) Reload() error {
	rs, err := w.loader.LoadFromDirectory(w.dir)
	if err != nil {
		w.logger.Error("rule reload failed; keeping previous rules",
			"dir", w.dir,
			"error", err)
		return err
	}
	w.index.Replace(rs)

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
	return nil
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw); err != nil {
		return err
	}
	w.logger.Info("watching rules directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
					w.schedule()
					continue
				}
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// Overflow means we may have missed events; reload once and keep going.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				w.logger.Warn("rules watch overflow; forcing reload", "error", err)
				w.schedule()
				continue
			}
			w.logger.Warn("rules watch error", "error", err)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher) error {
	return filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// schedule debounces bursts of events from editors writing in several steps.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.logger.Debug("rules change detected; scheduling reload", "dir", w.dir)
	w.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Reload()
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
