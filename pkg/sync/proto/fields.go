// Package proto implements dirsync's wire format.
//
// Every field has a fixed width. Text fields are ASCII, and numeric fields
// are ASCII decimal, left justified and padded with spaces. A batch is a
// sequence of records terminated by the `updone` action:
//
//	create|modify  path-length path type [file-size contents]
//	delete         path-length path
//	rename         path-length src path-length dest
//	updone
//
// Before the batch, the client identifies itself with either `signup`, or
// `signin` followed by its key and device number.
package proto

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Field widths in bytes.
const (
	ActionSize   = 6
	DeviceSize   = 4
	PathLenSize  = 8
	FileSizeSize = 16
	TypeSize     = 4
	KeySize      = 128
)

// Action codes that aren't operations.
const (
	ActionSignin = "signin"
	ActionSignup = "signup"
	ActionDone   = "updone"
)

// Type markers sent after the path of a create or modify.
const (
	TypeFile = "file"
	TypeDir  = "fdir"
)

// NoDevice is sent in place of the device number by a device that signs in
// for the first time.
const NoDevice = "none"

// MaxDevices is the number of devices that fit in the device field.
const MaxDevices = 10000

// maxPathLen bounds the memory a peer can make us allocate for a path.
const maxPathLen = 64 * 1024

func writeField(w io.Writer, value string, size int) error {
	if len(value) > size {
		return errors.New(fmt.Sprintf("%q doesn't fit in %d bytes", value, size))
	}
	_, err := io.WriteString(w, value+strings.Repeat(" ", size-len(value)))
	return err
}

func writeNumber(w io.Writer, n int64, size int) error {
	return writeField(w, strconv.FormatInt(n, 10), size)
}

// readField blocks until exactly `size` bytes have been read.
func readField(r io.Reader, size int, name string) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", errors.ProtocolError{Field: name, Reason: err.Error()}
	}
	return string(buf), nil
}

func readNumber(r io.Reader, size int, name string) (int64, error) {
	field, err := readField(r, size, name)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil || n < 0 {
		return 0, errors.ProtocolError{
			Field:  name,
			Reason: fmt.Sprintf("%q is not a non-negative integer", field),
		}
	}
	return n, nil
}

func writePath(w io.Writer, path string) error {
	if err := writeNumber(w, int64(len(path)), PathLenSize); err != nil {
		return err
	}
	_, err := io.WriteString(w, path)
	return err
}

func readPath(r io.Reader) (string, error) {
	length, err := readNumber(r, PathLenSize, "path length")
	if err != nil {
		return "", err
	}

	if length > maxPathLen {
		return "", errors.ProtocolError{
			Field:  "path length",
			Reason: fmt.Sprintf("%d exceeds the maximum of %d", length, maxPathLen),
		}
	}
	return readField(r, int(length), "path")
}

// FormatDevice renders a device number the way it's sent on the wire.
func FormatDevice(num int) string {
	return fmt.Sprintf("%0*d", DeviceSize, num)
}
