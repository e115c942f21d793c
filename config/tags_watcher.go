package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
)

// TagWatcher hot-reloads the service tag map when its file changes on
// disk. Workers that already registered keep their expanded service
// sets; the new map applies to registrations after the reload.
type TagWatcher struct {
	path           string
	watcher        *fsnotify.Watcher
	onReload       func(*TagMap)
	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// WatchTagMap watches the tag map file named by the config and invokes
// onReload with each successfully parsed revision. The watch covers the
// parent directory, so the file may appear after the watcher starts and
// editor rename-on-save still triggers a reload.
func WatchTagMap(cfg *Config, onReload func(*TagMap)) (*TagWatcher, error) {
	path := cfg.Tags.Path
	if path == "" {
		path = DefaultTagMapPath()
	}
	if path == "" {
		return nil, errors.New("no tag map path to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch tag map directory %s", filepath.Dir(path))
	}

	tw := &TagWatcher{
		path:           path,
		watcher:        watcher,
		onReload:       onReload,
		debouncePeriod: 500 * time.Millisecond,
	}
	go tw.watchLoop()
	return tw, nil
}

func (tw *TagWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(tw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			tw.scheduleReload()

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Tag map watcher error",
				"error", err)
		}
	}
}

// scheduleReload debounces rapid file changes before reloading
func (tw *TagWatcher) scheduleReload() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.debounceTimer != nil {
		tw.debounceTimer.Stop()
	}
	tw.debounceTimer = time.AfterFunc(tw.debouncePeriod, tw.reload)
}

func (tw *TagWatcher) reload() {
	tm, err := LoadTagMap(tw.path)
	if err != nil {
		logger.Warnw("Tag map reload failed, keeping previous map",
			"path", tw.path,
			"error", err)
		return
	}

	logger.Infow("Service tag map reloaded",
		"path", tw.path,
		"types", len(tm.Types))
	tw.onReload(tm)
}

// Stop stops watching for tag map changes
func (tw *TagWatcher) Stop() error {
	return tw.watcher.Close()
}
