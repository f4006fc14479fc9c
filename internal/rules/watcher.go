package rules

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/logging"
)

// debounce is how long file activity must settle before a reload.
// Editors save via temp-file-and-rename, which surfaces as a burst of
// events.
const debounce = 300 * time.Millisecond

// Watcher serves the current rules file and hot-reloads it on change.
// An invalid edit keeps the last good document in force.
type Watcher struct {
	path string
	log  *logging.Logger

	mu      sync.RWMutex
	current *File

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// Watch loads the rules file and starts watching its directory for
// changes. Watching the directory rather than the file survives
// rename-style saves and the file not existing yet.
func Watch(path string, log *logging.Logger) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		log:     log,
		current: initial,
		fw:      fw,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the rules in force.
func (w *Watcher) Current() *File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file immediately. On a validation error the last
// good document stays in force and the error is returned.
func (w *Watcher) Reload() error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = f
	w.mu.Unlock()
	return nil
}

// Close stops watching. The last loaded document remains readable.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	fire := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			// Permission churn doesn't change content.
			if event.Op == fsnotify.Chmod {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)

		case <-fire():
			timer = nil
			if err := w.Reload(); err != nil {
				w.log.Warn("rules reload failed, keeping previous rules",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.log.Info("rules reloaded", zap.String("path", w.path))

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("rules watcher error", zap.Error(err))
		}
	}
}
