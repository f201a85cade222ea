package errors

import (
	"fmt"
)

// ErrUnknownKey is returned when a client signs in with a key that was never
// registered.
var ErrUnknownKey = UnknownKeyError{}

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ProtocolError is returned when the peer sends bytes that don't follow the
// wire format, or closes the connection in the middle of a field.
type ProtocolError struct {
	Field  string
	Reason string
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("protocol error reading %s: %s", err.Field, err.Reason)
}

// FilesystemError is returned when an operation can't be applied to the
// local tree, e.g. because the path leaves the sync root or is blocked by a
// file of the wrong type.
type FilesystemError struct {
	Path   string
	Reason string
}

func (err FilesystemError) Error() string {
	return fmt.Sprintf("cannot apply to %q: %s", err.Path, err.Reason)
}

// MoveConflictError signals that a rename could not be done atomically. It
// never leaves the applier: the caller falls back to moving the tree file by
// file.
type MoveConflictError struct {
	Src, Dest string
	Cause     error
}

func (err MoveConflictError) Error() string {
	return fmt.Sprintf("rename %q to %q: %s", err.Src, err.Dest, err.Cause)
}

func (err MoveConflictError) Unwrap() error {
	return err.Cause
}

// UnknownKeyError is returned when a login presents a key that isn't in the
// user registry.
type UnknownKeyError struct{}

func (err UnknownKeyError) Error() string {
	return "unknown login key"
}
