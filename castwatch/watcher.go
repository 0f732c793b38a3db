package castwatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher watches a single configuration file for changes. The file's
// directory is watched rather than the file itself, so that editors replacing
// the file through a rename are noticed too.
type Watcher struct {
	// Changes receives the file path every time it has been written to or
	// replaced.
	Changes chan string

	w    *fsnotify.Watcher
	j    Journaler
	file string
}

// TryWatch attempts to watch the given file asynchronously, but it will log
// into the journaler if, for some reason, it fails to watch it.
func TryWatch(ctx context.Context, file string, j Journaler) *Watcher {
	w := newWatcher(file, j)

	go func() {
		if err := w.init(); err != nil {
			j.Write(EventWarning{
				Component: "watcher",
				Error:     fmt.Sprintf("not watching config because: %v", err),
			})
			return
		}

		w.watch(ctx)
	}()

	return w
}

// NewWatcher watches the given file and logs errors into the journaler. The
// watcher is stopped once the given context is canceled.
func NewWatcher(ctx context.Context, file string, j Journaler) (*Watcher, error) {
	w := newWatcher(file, j)
	if err := w.init(); err != nil {
		return nil, err
	}

	go w.watch(ctx)
	return w, nil
}

func newWatcher(file string, j Journaler) *Watcher {
	return &Watcher{
		Changes: make(chan string),
		j:       j,
		file:    filepath.Clean(file),
	}
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	if err := watcher.Add(filepath.Dir(w.file)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch config dir")
	}

	w.w = watcher
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}

			w.j.Write(EventWarning{
				Component: "watcher",
				Error:     "inotify error: " + err.Error(),
			})

		case evt, ok := <-w.w.Events:
			if !ok {
				return
			}

			if !isConfigChange(evt, w.file) {
				continue
			}

			select {
			case w.Changes <- w.file:
			case <-ctx.Done():
				return
			}
		}
	}
}

// isConfigChange returns true if the fsnotify event means that the file now
// has new contents.
func isConfigChange(evt fsnotify.Event, file string) bool {
	if filepath.Clean(evt.Name) != file {
		return false
	}

	return evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)
}
