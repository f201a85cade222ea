package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goSync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/errors"
)

// callRecorder is a Recorder that remembers the calls made to it.
type callRecorder struct {
	lock    goSync.Mutex
	calls   []string
	updated chan struct{}
}

func newCallRecorder() *callRecorder {
	return &callRecorder{updated: make(chan struct{}, 1)}
}

func (r *callRecorder) RecordCreate(path string)    { r.record("create " + path) }
func (r *callRecorder) RecordModify(path string)    { r.record("modify " + path) }
func (r *callRecorder) RecordDelete(path string)    { r.record("delete " + path) }
func (r *callRecorder) RecordMove(src, dest string) { r.record("move " + src + " " + dest) }

func (r *callRecorder) record(call string) {
	r.lock.Lock()
	r.calls = append(r.calls, call)
	r.lock.Unlock()

	select {
	case r.updated <- struct{}{}:
	default:
	}
}

func (r *callRecorder) get() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.calls...)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordCreate(path string)    { m.Called(path) }
func (m *mockRecorder) RecordModify(path string)    { m.Called(path) }
func (m *mockRecorder) RecordDelete(path string)    { m.Called(path) }
func (m *mockRecorder) RecordMove(src, dest string) { m.Called(src, dest) }

func newTestWatcher(rec Recorder, clock clockwork.Clock) (*Watcher, *[]string) {
	var added []string
	return &Watcher{
		root:  "/root",
		rec:   rec,
		clock: clock,
		add: func(path string) error {
			added = append(added, path)
			return nil
		},
	}, &added
}

func TestHandle(t *testing.T) {
	event := func(op fsnotify.Op, path string) fsnotify.Event {
		return fsnotify.Event{Name: path, Op: op}
	}

	tests := []struct {
		name       string
		dirs       []string
		files      []string
		events     []fsnotify.Event
		expCalls   []string
		expWatches []string
	}{
		{
			name:     "CreateFile",
			files:    []string{"/root/a.txt"},
			events:   []fsnotify.Event{event(fsnotify.Create, "/root/a.txt")},
			expCalls: []string{"create a.txt"},
		},
		{
			name:  "CreateDirWithContents",
			dirs:  []string{"/root/d", "/root/d/e"},
			files: []string{"/root/d/f"},
			events: []fsnotify.Event{
				event(fsnotify.Create, "/root/d"),
			},
			expCalls:   []string{"create d", "create d/e", "create d/f"},
			expWatches: []string{"/root/d", "/root/d/e"},
		},
		{
			name:     "WriteFile",
			files:    []string{"/root/a.txt"},
			events:   []fsnotify.Event{event(fsnotify.Write, "/root/a.txt")},
			expCalls: []string{"modify a.txt"},
		},
		{
			name:   "WriteDir",
			dirs:   []string{"/root/d"},
			events: []fsnotify.Event{event(fsnotify.Write, "/root/d")},
		},
		{
			name:   "WriteVanishedFile",
			events: []fsnotify.Event{event(fsnotify.Write, "/root/gone")},
		},
		{
			name:     "Remove",
			events:   []fsnotify.Event{event(fsnotify.Remove, "/root/a.txt")},
			expCalls: []string{"delete a.txt"},
		},
		{
			name:   "Chmod",
			files:  []string{"/root/a.txt"},
			events: []fsnotify.Event{event(fsnotify.Chmod, "/root/a.txt")},
		},
		{
			name:  "RenameWithinTree",
			files: []string{"/root/b"},
			events: []fsnotify.Event{
				event(fsnotify.Rename, "/root/a"),
				event(fsnotify.Create, "/root/b"),
			},
			expCalls: []string{"move a b"},
		},
		{
			name: "RenameWatchedDir",
			dirs: []string{"/root/e", "/root/e/sub"},
			events: []fsnotify.Event{
				event(fsnotify.Rename, "/root/d"),
				event(fsnotify.Rename, "/root/d"),
				event(fsnotify.Create, "/root/e"),
			},
			expCalls:   []string{"move d e"},
			expWatches: []string{"/root/e", "/root/e/sub"},
		},
		{
			name:  "RenameOutOfTree",
			files: []string{"/root/c"},
			events: []fsnotify.Event{
				event(fsnotify.Rename, "/root/a"),
				event(fsnotify.Write, "/root/c"),
			},
			expCalls: []string{"delete a", "modify c"},
		},
		{
			name:  "RenameThenRecreate",
			files: []string{"/root/a"},
			events: []fsnotify.Event{
				event(fsnotify.Rename, "/root/a"),
				event(fsnotify.Create, "/root/a"),
			},
			expCalls: []string{"delete a", "create a"},
		},
		{
			name: "IgnoresRootAndOutside",
			events: []fsnotify.Event{
				event(fsnotify.Write, "/root"),
				event(fsnotify.Create, "/other/x"),
				event(fsnotify.Remove, "/rootless"),
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			defer func() { fs = afero.NewOsFs() }()
			for _, dir := range test.dirs {
				require.NoError(t, fs.MkdirAll(dir, 0755))
			}
			for _, file := range test.files {
				require.NoError(t, afero.WriteFile(fs, file, []byte("x"), 0644))
			}

			rec := newCallRecorder()
			w, added := newTestWatcher(rec, clockwork.NewFakeClock())
			for _, ev := range test.events {
				w.handle(ev)
			}

			assert.Equal(t, test.expCalls, rec.get())
			assert.Equal(t, test.expWatches, *added)
		})
	}
}

func TestRenameWindowExpires(t *testing.T) {
	rec := &mockRecorder{}
	deleted := make(chan struct{})
	rec.On("RecordDelete", "a").Run(func(mock.Arguments) { close(deleted) }).Once()

	clock := clockwork.NewFakeClock()
	w, _ := newTestWatcher(rec, clock)
	events := make(chan fsnotify.Event)
	w.events = events

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	events <- fsnotify.Event{Name: "/root/a", Op: fsnotify.Rename}
	clock.BlockUntil(1)
	clock.Advance(renameWindow)

	select {
	case <-deleted:
	case <-time.After(5 * time.Second):
		t.Fatal("rename was never flushed")
	}

	cancel()
	assert.NoError(t, <-done)
	rec.AssertExpectations(t)
}

func TestRunFlushesRenameOnExit(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("RecordDelete", "a").Once()

	w, _ := newTestWatcher(rec, clockwork.NewFakeClock())
	events := make(chan fsnotify.Event)
	w.events = events

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	events <- fsnotify.Event{Name: "/root/a", Op: fsnotify.Rename}
	cancel()
	assert.NoError(t, <-done)
	rec.AssertExpectations(t)
}

func TestWatchRealTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	rec := newCallRecorder()
	w, err := New(root, rec, clockwork.NewRealClock())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, "sub", "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	deadline := time.After(10 * time.Second)
	for {
		calls := rec.get()
		if len(calls) > 0 {
			assert.Equal(t, "create sub/new.txt", calls[0])
			return
		}

		select {
		case <-rec.updated:
		case <-deadline:
			t.Fatal("no events recorded")
		}
	}
}

func TestWatchMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	_, err := New(root, newCallRecorder(), clockwork.NewRealClock())

	var notFound errors.FileNotFound
	require.True(t, errors.As(err, &notFound), fmt.Sprintf("unexpected error: %v", err))
	assert.Equal(t, root, notFound.Path)
}
