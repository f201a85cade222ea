// Package apply replays decoded operations onto a local directory tree.
package apply

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/proto"
)

// Applier applies operations to a tree. All paths are relative to the root
// of its filesystem.
type Applier struct {
	fs afero.Fs
}

// New returns an Applier that's confined to `root`.
func New(root string) *Applier {
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), root))
}

// NewWithFs returns an Applier that operates on `fs` directly.
func NewWithFs(fs afero.Fs) *Applier {
	return &Applier{fs: fs}
}

// Apply applies a single record. Records must be applied in the order they
// were received.
func (a *Applier) Apply(rec proto.Record) error {
	p, err := sync.CleanPath(rec.Op.Path)
	if err != nil {
		return err
	}
	if err := a.checkParents(p); err != nil {
		return err
	}

	switch rec.Op.Kind {
	case sync.KindCreate, sync.KindModify:
		if rec.IsDir {
			return a.mkdir(p)
		}
		return a.writeFile(p, rec.Size, rec.Body)
	case sync.KindDelete:
		return a.removeAll(p)
	case sync.KindMove:
		dest, err := sync.CleanPath(rec.Op.Dest)
		if err != nil {
			return err
		}
		if err := a.checkParents(dest); err != nil {
			return err
		}
		return a.move(p, dest)
	}
	return errors.FilesystemError{Path: p, Reason: "unknown operation " + string(rec.Op.Kind)}
}

func (a *Applier) mkdir(p string) error {
	fi, err := a.lstat(p)
	switch {
	case err == nil && isSymlink(fi):
		// Replace the link rather than creating the directory wherever it
		// points.
		if err := a.fs.Remove(native(p)); err != nil {
			return errors.WithContext(err, "remove symlink")
		}
	case err == nil && fi.IsDir():
		return nil
	case err == nil:
		return errors.FilesystemError{Path: p, Reason: "a file is in the way of the directory"}
	case !os.IsNotExist(err):
		return errors.WithContext(err, "stat")
	}

	if err := a.fs.MkdirAll(native(p), 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return nil
}

func (a *Applier) writeFile(p string, size int64, body io.Reader) error {
	if body == nil {
		return errors.FilesystemError{Path: p, Reason: "missing file contents"}
	}

	if fi, err := a.lstat(p); err == nil {
		switch {
		case isSymlink(fi):
			// Opening the link would write to its target.
			if err := a.fs.Remove(native(p)); err != nil {
				return errors.WithContext(err, "remove symlink")
			}
		case fi.IsDir():
			return errors.FilesystemError{Path: p, Reason: "a directory is in the way of the file"}
		}
	}

	if err := a.makeParent(p); err != nil {
		return err
	}

	f, err := a.fs.OpenFile(native(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithContext(err, "open")
	}

	if _, err := io.CopyN(f, body, size); err != nil {
		f.Close()
		if err == io.EOF {
			return errors.ProtocolError{
				Field:  "file contents",
				Reason: io.ErrUnexpectedEOF.Error(),
			}
		}
		return errors.WithContext(err, "write")
	}

	if err := f.Close(); err != nil {
		return errors.WithContext(err, "close")
	}
	return nil
}

// removeAll deletes `p` depth first: the children of a directory are removed
// before the directory itself. Symlinks are removed, not followed.
func (a *Applier) removeAll(p string) error {
	fi, err := a.lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithContext(err, "stat")
	}

	if fi.IsDir() && !isSymlink(fi) {
		children, err := afero.ReadDir(a.fs, native(p))
		if err != nil {
			return errors.WithContext(err, "read dir")
		}

		for _, child := range children {
			if err := a.removeAll(path.Join(p, child.Name())); err != nil {
				return err
			}
		}
	}

	if err := a.fs.Remove(native(p)); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}
	return nil
}

func (a *Applier) move(src, dest string) error {
	if src == dest {
		return nil
	}

	if strings.HasPrefix(dest, src+"/") {
		return errors.FilesystemError{Path: dest, Reason: "cannot move a directory into itself"}
	}

	_, err := a.lstat(src)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "stat source")
	}

	// The move was already applied, e.g. by an earlier round that failed
	// before it could finish.
	if os.IsNotExist(err) {
		log.WithField("src", src).WithField("dest", dest).Debug(
			"Move source is gone. Assuming the move was already applied.")
		return nil
	}

	if err := a.makeParent(dest); err != nil {
		return err
	}

	err = a.fs.Rename(native(src), native(dest))
	if err == nil {
		return nil
	}

	conflict := errors.MoveConflictError{Src: src, Dest: dest, Cause: err}
	log.WithError(conflict).Debug("Falling back to moving files individually")
	if err := a.moveTree(src, dest); err != nil {
		return errors.WithContext(err, conflict.Error())
	}
	return a.removeAll(src)
}

// moveTree moves `src` onto `dest` one leaf file at a time, merging with
// whatever is already at `dest`. Directories are recreated rather than
// renamed, and the emptied directories under `src` are left behind.
func (a *Applier) moveTree(src, dest string) error {
	fi, err := a.lstat(src)
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	destInfo, destErr := a.lstat(dest)
	destIsDir := destErr == nil && destInfo.IsDir() && !isSymlink(destInfo)

	if !fi.IsDir() || isSymlink(fi) {
		if destIsDir {
			if err := a.removeAll(dest); err != nil {
				return err
			}
		}

		if err := a.fs.Rename(native(src), native(dest)); err != nil {
			return errors.WithContext(err, "rename file")
		}
		return nil
	}

	if destErr == nil && !destIsDir {
		if err := a.fs.Remove(native(dest)); err != nil {
			return errors.WithContext(err, "remove file in the way")
		}
	}

	if err := a.fs.MkdirAll(native(dest), fi.Mode().Perm()); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	children, err := afero.ReadDir(a.fs, native(src))
	if err != nil {
		return errors.WithContext(err, "read dir")
	}

	for _, child := range children {
		err := a.moveTree(path.Join(src, child.Name()), path.Join(dest, child.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) makeParent(p string) error {
	parent := path.Dir(p)
	if parent == "." {
		return nil
	}
	return a.mkdir(parent)
}

// checkParents fails if any directory above `p` is a symlink, since
// following it could leave the root.
func (a *Applier) checkParents(p string) error {
	dir := path.Dir(p)
	if dir == "." {
		return nil
	}

	parts := strings.Split(dir, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		fi, err := a.lstat(prefix)
		switch {
		case os.IsNotExist(err):
			return nil
		case err != nil:
			return errors.WithContext(err, "stat")
		case isSymlink(fi):
			return errors.FilesystemError{Path: p, Reason: prefix + " is a symlink"}
		}
	}
	return nil
}

func (a *Applier) lstat(p string) (os.FileInfo, error) {
	if lstater, ok := a.fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(native(p))
		return fi, err
	}
	return a.fs.Stat(native(p))
}

func isSymlink(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeSymlink != 0
}

func native(p string) string {
	return filepath.FromSlash(p)
}
