// Package fswatch notifies when build outputs change on disk.
package fswatch

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/kpublish/pkg/errors"
)

var fs = afero.NewOsFs()

// Mocked for unit testing.
var clock = clockwork.NewRealClock()

// Watcher sends on Updates once the watched paths stop changing.
type Watcher struct {
	Updates <-chan struct{}

	watcher *fsnotify.Watcher
}

// Watch watches `paths`, and the directories beneath them. Builds write many
// files in a burst, so an update is only sent after the paths have been
// quiet for `quiet`.
func Watch(paths []string, quiet time.Duration) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(paths)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	w := &Watcher{watcher: watcher}
	events := make(chan fsnotify.Event, 64)
	go w.forward(events)
	w.Updates = debounce(combineUpdates(events), quiet)
	return w, nil
}

// Close stops the watch. Updates is closed once pending events drain.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) forward(events chan<- fsnotify.Event) {
	defer close(events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Directories created by the build need their own watch.
			if event.Has(fsnotify.Create) {
				w.addIfDir(event.Name)
			}
			events <- event
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")
		}
	}
}

func (w *Watcher) addIfDir(path string) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	subdirs, err := getSubdirs(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to list new directory")
	}
	for _, dir := range append([]string{path}, subdirs...) {
		if err := w.watcher.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// debounce forwards an update once `updates` has been idle for `quiet`.
func debounce(updates <-chan struct{}, quiet time.Duration) chan struct{} {
	debounced := make(chan struct{}, 1)
	go func() {
		defer close(debounced)
		for range updates {
			timer := clock.NewTimer(quiet)
			for waiting := true; waiting; {
				select {
				case _, ok := <-updates:
					if !ok {
						timer.Stop()
						return
					}
					timer.Reset(quiet)
				case <-timer.Chan():
					waiting = false
				}
			}

			select {
			case debounced <- struct{}{}:
			default:
			}
		}
	}()
	return debounced
}

func getPathsToWatch(roots []string) (paths []string, err error) {
	for _, path := range roots {
		fi, err := fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.FileNotFound{Path: path}
			}
			return nil, errors.WithContext(err, "stat")
		}

		paths = append(paths, path)
		if fi.IsDir() {
			// fsnotify doesn't watch directories recursively, and a
			// directory watch already covers the files directly inside it.
			subdirs, err := getSubdirs(path)
			if err != nil {
				return nil, errors.WithContext(err, "get subdirs")
			}
			paths = append(paths, subdirs...)
		}
	}
	return paths, nil
}

func getSubdirs(dir string) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if path != dir && fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
