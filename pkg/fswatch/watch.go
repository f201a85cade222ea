// Package fswatch turns filesystem notifications for a directory tree into
// calls on an operation log.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked for unit testing.
var fs = afero.NewOsFs()

// renameWindow is how long a rename waits for the event that says where the
// file went. If nothing arrives, the file was moved out of the tree.
const renameWindow = 250 * time.Millisecond

// Recorder receives the changes seen by the watcher. It's implemented by
// sync.OperationLog.
type Recorder interface {
	RecordCreate(path string)
	RecordModify(path string)
	RecordDelete(path string)
	RecordMove(src, dest string)
}

// Watcher watches a directory tree recursively. fsnotify only watches single
// directories, so each new subdirectory is added as it appears.
type Watcher struct {
	root  string
	rec   Recorder
	clock clockwork.Clock

	watcher *fsnotify.Watcher
	add     func(string) error
	events  <-chan fsnotify.Event
	errors  <-chan error

	// The source of a rename that hasn't been matched with its destination
	// yet, relative to the root.
	renamed     string
	renameTimer <-chan time.Time
}

// New starts watching `root`. Changes are reported to `rec` once Run is
// called.
func New(root string, rec Recorder, clock clockwork.Clock) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		root:    root,
		rec:     rec,
		clock:   clock,
		watcher: watcher,
		add:     watcher.Add,
		events:  watcher.Events,
		errors:  watcher.Errors,
	}

	if _, err := w.addTree(root); err != nil {
		// Close the watcher so that we release the file handlers for the
		// previously added paths.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, err
	}
	return w, nil
}

// Run reports changes until `ctx` is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flushRename()
			return nil
		case event, ok := <-w.events:
			if !ok {
				w.flushRename()
				return nil
			}
			w.handle(event)
		case err, ok := <-w.errors:
			if !ok {
				return nil
			}
			if err == fsnotify.ErrEventOverflow {
				log.WithError(err).Error("Dropped file change events. " +
					"Some changes may not be synced until the files are changed again.")
			} else {
				log.WithError(err).Warn("File watcher error")
			}
		case <-w.renameTimer:
			w.flushRename()
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	path, ok := w.relative(event.Name)
	if !ok {
		return
	}

	// A rename is followed by a create of the new name if the file stayed
	// within the tree.
	if w.renamed != "" {
		if event.Has(fsnotify.Create) && path != w.renamed {
			w.rec.RecordMove(w.renamed, path)
			w.clearRename()
			w.watchNewDir(event.Name, path, false)
			return
		} else if event.Has(fsnotify.Rename) && path == w.renamed {
			// Renaming a watched directory is reported by both the
			// directory and its parent.
			return
		} else {
			w.flushRename()
		}
	}

	switch {
	case event.Has(fsnotify.Create):
		w.rec.RecordCreate(path)
		w.watchNewDir(event.Name, path, true)
	case event.Has(fsnotify.Write):
		fi, err := fs.Stat(event.Name)
		if err != nil || fi.IsDir() {
			return
		}
		w.rec.RecordModify(path)
	case event.Has(fsnotify.Remove):
		w.rec.RecordDelete(path)
	case event.Has(fsnotify.Rename):
		w.renamed = path
		w.renameTimer = w.clock.After(renameWindow)
	}
}

// watchNewDir adds watches for a directory that just appeared in the tree.
// Files created in it before the watch was added don't generate events, so
// if `recordChildren` is set they're recorded as created.
func (w *Watcher) watchNewDir(absPath, path string, recordChildren bool) {
	isDir, err := afero.IsDir(fs, absPath)
	if err != nil || !isDir {
		return
	}

	children, err := w.addTree(absPath)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn(
			"Failed to watch new directory. Changes within it won't be synced.")
	}

	if recordChildren {
		for _, child := range children {
			w.rec.RecordCreate(child)
		}
	}
}

// addTree watches `dir` and every directory beneath it. It returns the paths
// of everything below `dir`, relative to the root, parents first.
func (w *Watcher) addTree(dir string) (children []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != dir {
				return nil
			}
			return errors.WithContext(err, "walk")
		}

		if fi.IsDir() {
			if err := w.add(path); err != nil {
				return errors.WithContext(err, fmt.Sprintf("watch %q", path))
			}
		}

		if path != dir {
			if rel, ok := w.relative(path); ok {
				children = append(children, rel)
			}
		}
		return nil
	})

	if err != nil && os.IsNotExist(errors.RootCause(err)) {
		return children, errors.FileNotFound{Path: dir}
	}
	return children, err
}

func (w *Watcher) flushRename() {
	if w.renamed == "" {
		return
	}

	// Nothing claimed the rename, so the file left the tree.
	w.rec.RecordDelete(w.renamed)
	w.clearRename()
}

func (w *Watcher) clearRename() {
	w.renamed = ""
	w.renameTimer = nil
}

// relative converts an absolute path from an event to a slash separated path
// relative to the root. It returns false for the root itself and for paths
// outside of it.
func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
