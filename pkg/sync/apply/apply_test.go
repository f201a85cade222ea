package apply

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/proto"
)

func fileRecord(op sync.Operation, contents string) proto.Record {
	return proto.Record{
		Op:   op,
		Size: int64(len(contents)),
		Body: strings.NewReader(contents),
	}
}

func dirRecord(op sync.Operation) proto.Record {
	return proto.Record{Op: op, IsDir: true}
}

func memFs() afero.Fs {
	return afero.NewBasePathFs(afero.NewMemMapFs(), "/sync")
}

// osFs is used by the move tests since renames on the in-memory filesystem
// don't behave like real ones when the destination exists.
func osFs(t *testing.T) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
}

func assertContents(t *testing.T, fs afero.Fs, path, exp string) {
	contents, err := afero.ReadFile(fs, path)
	if assert.NoError(t, err, path) {
		assert.Equal(t, exp, string(contents), path)
	}
}

func assertMissing(t *testing.T, fs afero.Fs, path string) {
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists, "%s should not exist", path)
}

func TestApplyCreateFile(t *testing.T) {
	fs := memFs()
	applier := NewWithFs(fs)

	require.NoError(t, applier.Apply(fileRecord(sync.Create("a/b/c.txt"), "hello")))
	assertContents(t, fs, "a/b/c.txt", "hello")

	isDir, err := afero.IsDir(fs, "a/b")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestApplyCreateThenModify(t *testing.T) {
	fs := memFs()
	applier := NewWithFs(fs)

	require.NoError(t, applier.Apply(fileRecord(sync.Create("notes.txt"), "a long first draft")))
	require.NoError(t, applier.Apply(fileRecord(sync.Modify("notes.txt"), "final")))
	assertContents(t, fs, "notes.txt", "final")

	// Replaying the same records ends in the same state.
	require.NoError(t, applier.Apply(fileRecord(sync.Create("notes.txt"), "a long first draft")))
	require.NoError(t, applier.Apply(fileRecord(sync.Modify("notes.txt"), "final")))
	assertContents(t, fs, "notes.txt", "final")
}

func TestApplyEmptyFile(t *testing.T) {
	fs := memFs()
	require.NoError(t, NewWithFs(fs).Apply(fileRecord(sync.Create("empty"), "")))
	assertContents(t, fs, "empty", "")
}

func TestApplyDirectory(t *testing.T) {
	fs := memFs()
	applier := NewWithFs(fs)

	require.NoError(t, applier.Apply(dirRecord(sync.Create("photos/2019"))))
	require.NoError(t, applier.Apply(dirRecord(sync.Create("photos/2019"))))
	require.NoError(t, applier.Apply(dirRecord(sync.Modify("photos"))))

	isDir, err := afero.IsDir(fs, "photos/2019")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestApplyTypeConflicts(t *testing.T) {
	fs := memFs()
	applier := NewWithFs(fs)
	require.NoError(t, afero.WriteFile(fs, "file", []byte("x"), 0644))
	require.NoError(t, fs.MkdirAll("dir", 0755))

	tests := []struct {
		name string
		rec  proto.Record
	}{
		{name: "DirOverFile", rec: dirRecord(sync.Create("file"))},
		{name: "FileOverDir", rec: fileRecord(sync.Create("dir"), "x")},
		{name: "FileUnderFile", rec: fileRecord(sync.Create("file/child"), "x")},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var fsErr errors.FilesystemError
			assert.True(t, errors.As(applier.Apply(test.rec), &fsErr))
		})
	}
}

func TestApplyShortBody(t *testing.T) {
	rec := proto.Record{
		Op:   sync.Create("truncated"),
		Size: 10,
		Body: strings.NewReader("abc"),
	}

	var protoErr errors.ProtocolError
	assert.True(t, errors.As(NewWithFs(memFs()).Apply(rec), &protoErr))
}

func TestApplyRejectsEscapingPaths(t *testing.T) {
	applier := NewWithFs(memFs())
	for _, rec := range []proto.Record{
		{Op: sync.Delete("../outside")},
		{Op: sync.Delete("/etc")},
		{Op: sync.Move("a", "../b")},
	} {
		var fsErr errors.FilesystemError
		assert.True(t, errors.As(applier.Apply(rec), &fsErr), rec.Op.String())
	}
}

func TestApplyDelete(t *testing.T) {
	fs := memFs()
	applier := NewWithFs(fs)
	require.NoError(t, fs.MkdirAll("tree/a/b", 0755))
	require.NoError(t, afero.WriteFile(fs, "tree/a/b/leaf", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "tree/top", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "keep", []byte("x"), 0644))

	require.NoError(t, applier.Apply(proto.Record{Op: sync.Delete("tree")}))
	assertMissing(t, fs, "tree")
	assertMissing(t, fs, "tree/a/b/leaf")
	assertContents(t, fs, "keep", "x")

	// Deleting something that's already gone is fine.
	require.NoError(t, applier.Apply(proto.Record{Op: sync.Delete("tree")}))
}

func TestApplyMoveCreatesParent(t *testing.T) {
	fs := osFs(t)
	applier := NewWithFs(fs)
	require.NoError(t, afero.WriteFile(fs, "x.txt", []byte("contents"), 0644))

	move := proto.Record{Op: sync.Move("x.txt", "dir/y.txt")}
	require.NoError(t, applier.Apply(move))
	assertMissing(t, fs, "x.txt")
	assertContents(t, fs, "dir/y.txt", "contents")

	// Replaying the move is a no-op.
	require.NoError(t, applier.Apply(move))
	assertContents(t, fs, "dir/y.txt", "contents")
}

func TestApplyMoveOntoPopulatedDir(t *testing.T) {
	fs := osFs(t)
	applier := NewWithFs(fs)

	for path, contents := range map[string]string{
		"src/a":       "src a",
		"src/sub/b":   "src b",
		"src/shared":  "new",
		"dest/c":      "dest c",
		"dest/sub/d":  "dest d",
		"dest/shared": "old",
	} {
		require.NoError(t, fs.MkdirAll(parentOf(path), 0755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}

	require.NoError(t, applier.Apply(proto.Record{Op: sync.Move("src", "dest")}))

	assertMissing(t, fs, "src")
	assertContents(t, fs, "dest/a", "src a")
	assertContents(t, fs, "dest/sub/b", "src b")
	assertContents(t, fs, "dest/shared", "new")
	assertContents(t, fs, "dest/c", "dest c")
	assertContents(t, fs, "dest/sub/d", "dest d")

	require.NoError(t, applier.Apply(proto.Record{Op: sync.Move("src", "dest")}))
	assertContents(t, fs, "dest/a", "src a")
}

func TestApplyMoveIntoItself(t *testing.T) {
	fs := memFs()
	require.NoError(t, fs.MkdirAll("dir", 0755))

	var fsErr errors.FilesystemError
	err := NewWithFs(fs).Apply(proto.Record{Op: sync.Move("dir", "dir/sub")})
	assert.True(t, errors.As(err, &fsErr))
}

func TestNewConfinesToRoot(t *testing.T) {
	root := t.TempDir()
	applier := New(root)
	require.NoError(t, applier.Apply(fileRecord(sync.Create("f"), "x")))
	assertContents(t, afero.NewBasePathFs(afero.NewOsFs(), root), "f", "x")
}

func TestApplyDoesNotFollowSymlinks(t *testing.T) {
	tests := []struct {
		name       string
		rec        proto.Record
		expFsError bool
		check      func(t *testing.T, root string)
	}{
		{
			name: "DeleteRemovesLinkOnly",
			rec:  proto.Record{Op: sync.Delete("link")},
			check: func(t *testing.T, root string) {
				_, err := os.Lstat(filepath.Join(root, "link"))
				assert.True(t, os.IsNotExist(err))
			},
		},
		{
			name:       "WriteThroughLink",
			rec:        fileRecord(sync.Create("link/evil"), "x"),
			expFsError: true,
		},
		{
			name:       "MkdirThroughLink",
			rec:        dirRecord(sync.Create("link/dir")),
			expFsError: true,
		},
		{
			name:       "DeleteThroughLink",
			rec:        proto.Record{Op: sync.Delete("link/precious")},
			expFsError: true,
		},
		{
			name:       "MoveThroughLink",
			rec:        proto.Record{Op: sync.Move("local", "link/local")},
			expFsError: true,
		},
		{
			name: "FileReplacesLink",
			rec:  fileRecord(sync.Create("link"), "x"),
			check: func(t *testing.T, root string) {
				fi, err := os.Lstat(filepath.Join(root, "link"))
				require.NoError(t, err)
				assert.True(t, fi.Mode().IsRegular())
			},
		},
		{
			name: "MoveRenamesLink",
			rec:  proto.Record{Op: sync.Move("link", "renamed")},
			check: func(t *testing.T, root string) {
				fi, err := os.Lstat(filepath.Join(root, "renamed"))
				require.NoError(t, err)
				assert.True(t, fi.Mode()&os.ModeSymlink != 0)
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			base := t.TempDir()
			root := filepath.Join(base, "root")
			outside := filepath.Join(base, "outside")
			require.NoError(t, os.MkdirAll(root, 0755))
			require.NoError(t, os.MkdirAll(outside, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(outside, "precious"), []byte("keep"), 0644))
			require.NoError(t, os.WriteFile(filepath.Join(root, "local"), []byte("local"), 0644))
			require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

			err := New(root).Apply(test.rec)
			if test.expFsError {
				var fsErr errors.FilesystemError
				assert.True(t, errors.As(err, &fsErr), "%v", err)
			} else {
				assert.NoError(t, err)
			}

			contents, err := os.ReadFile(filepath.Join(outside, "precious"))
			require.NoError(t, err)
			assert.Equal(t, "keep", string(contents))

			entries, err := os.ReadDir(outside)
			require.NoError(t, err)
			assert.Len(t, entries, 1)

			if test.check != nil {
				test.check(t, root)
			}
		})
	}
}

func parentOf(path string) string {
	return path[:strings.LastIndex(path, "/")]
}
