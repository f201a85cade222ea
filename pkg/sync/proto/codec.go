package proto

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
)

// Encoder writes batches of operations to the peer.
type Encoder struct {
	w  *bufio.Writer
	fs afero.Fs
}

// NewEncoder returns an Encoder that reads file contents from `fs`. Paths in
// the encoded operations are relative to the root of `fs`.
func NewEncoder(w io.Writer, fs afero.Fs) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), fs: fs}
}

// EncodeBatch writes `ops` followed by the end of batch marker, and flushes
// the connection.
func (e *Encoder) EncodeBatch(ops []sync.Operation) error {
	for _, op := range ops {
		if err := e.encode(op); err != nil {
			return errors.WithContext(err, fmt.Sprintf("encode %s", op))
		}
	}

	if err := writeField(e.w, ActionDone, ActionSize); err != nil {
		return errors.WithContext(err, "write done")
	}
	return e.w.Flush()
}

func (e *Encoder) encode(op sync.Operation) error {
	switch op.Kind {
	case sync.KindCreate, sync.KindModify:
		return e.encodeContents(op)
	case sync.KindDelete:
		if err := writeField(e.w, string(op.Kind), ActionSize); err != nil {
			return err
		}
		return writePath(e.w, op.Path)
	case sync.KindMove:
		if err := writeField(e.w, string(op.Kind), ActionSize); err != nil {
			return err
		}
		if err := writePath(e.w, op.Path); err != nil {
			return err
		}
		return writePath(e.w, op.Dest)
	default:
		return errors.New(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

func (e *Encoder) encodeContents(op sync.Operation) error {
	fi, err := lstat(e.fs, filepath.FromSlash(op.Path))
	if err != nil {
		if os.IsNotExist(err) {
			// The path was removed after the change was recorded. The
			// removal is further along in the log, so there's nothing to
			// send.
			log.WithField("path", op.Path).Debug("Skipping vanished path")
			return nil
		}
		return errors.WithContext(err, "stat")
	}

	// Links aren't synced. Following them would upload files from outside
	// the root.
	if fi.Mode()&os.ModeSymlink != 0 {
		log.WithField("path", op.Path).Debug("Skipping symlink")
		return nil
	}

	if err := writeField(e.w, string(op.Kind), ActionSize); err != nil {
		return err
	}
	if err := writePath(e.w, op.Path); err != nil {
		return err
	}

	if fi.IsDir() {
		return writeField(e.w, TypeDir, TypeSize)
	}

	f, err := e.fs.Open(filepath.FromSlash(op.Path))
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	// Stat the open handle so that the size matches what we're about to
	// read.
	fi, err = f.Stat()
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	if err := writeField(e.w, TypeFile, TypeSize); err != nil {
		return err
	}
	if err := writeNumber(e.w, fi.Size(), FileSizeSize); err != nil {
		return err
	}
	if _, err := io.CopyN(e.w, f, fi.Size()); err != nil {
		return errors.WithContext(err, "send contents")
	}
	return nil
}

func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(name)
		return fi, err
	}
	return fs.Stat(name)
}

// A Record is a single decoded operation.
type Record struct {
	Op sync.Operation

	// IsDir is set for creates and modifies of directories.
	IsDir bool

	// Size and Body are set for creates and modifies of files. Body returns
	// exactly Size bytes, and is only valid until the next call to Next.
	Size int64
	Body io.Reader
}

// Decoder reads batches of operations from the peer.
type Decoder struct {
	r    io.Reader
	body *io.LimitedReader
}

// NewDecoder returns a Decoder reading from `r`. The caller should pass the
// same buffered reader it used for the handshake so that no bytes are lost.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next record in the batch. It returns io.EOF once the end
// of batch marker is read.
func (d *Decoder) Next() (Record, error) {
	// Skip whatever the caller didn't read of the previous file.
	if d.body != nil {
		if _, err := io.Copy(ioutil.Discard, d.body); err != nil {
			return Record{}, errors.ProtocolError{Field: "file contents", Reason: err.Error()}
		}
		if d.body.N != 0 {
			return Record{}, errors.ProtocolError{
				Field:  "file contents",
				Reason: io.ErrUnexpectedEOF.Error(),
			}
		}
		d.body = nil
	}

	action, err := ReadAction(d.r)
	if err != nil {
		return Record{}, err
	}

	switch sync.Kind(action) {
	case sync.KindCreate, sync.KindModify:
		return d.readContents(sync.Kind(action))
	case sync.KindDelete:
		path, err := d.readPath()
		if err != nil {
			return Record{}, err
		}
		return Record{Op: sync.Delete(path)}, nil
	case sync.KindMove:
		src, err := d.readPath()
		if err != nil {
			return Record{}, err
		}
		dest, err := d.readPath()
		if err != nil {
			return Record{}, err
		}
		return Record{Op: sync.Move(src, dest)}, nil
	}

	if action == ActionDone {
		return Record{}, io.EOF
	}
	return Record{}, errors.ProtocolError{
		Field:  "action",
		Reason: fmt.Sprintf("unknown action %q", action),
	}
}

func (d *Decoder) readContents(kind sync.Kind) (Record, error) {
	path, err := d.readPath()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Op: sync.Operation{Kind: kind, Path: path}}

	fileType, err := readField(d.r, TypeSize, "type")
	if err != nil {
		return Record{}, err
	}

	switch fileType {
	case TypeDir:
		rec.IsDir = true
		return rec, nil
	case TypeFile:
	default:
		return Record{}, errors.ProtocolError{
			Field:  "type",
			Reason: fmt.Sprintf("unknown type %q", fileType),
		}
	}

	rec.Size, err = readNumber(d.r, FileSizeSize, "file size")
	if err != nil {
		return Record{}, err
	}
	d.body = &io.LimitedReader{R: d.r, N: rec.Size}
	rec.Body = d.body
	return rec, nil
}

func (d *Decoder) readPath() (string, error) {
	path, err := readPath(d.r)
	if err != nil {
		return "", err
	}
	return sync.CleanPath(path)
}

// DecodeBatch calls `fn` on each record of the next batch. It stops at the
// end of batch marker, or at the first error.
func DecodeBatch(d *Decoder, fn func(Record) error) error {
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
}
