package sync

import (
	"fmt"
	"path"
	"strings"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Kind is the type of filesystem change an Operation represents. The values
// double as the action codes on the wire.
type Kind string

const (
	KindCreate Kind = "create"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
	KindMove   Kind = "rename"
)

// An Operation is a single filesystem change to replicate to the peer.
// Operations are plain values: two operations on the same paths with the same
// kind are equal, which is what the redundancy filter relies on.
type Operation struct {
	Kind Kind `json:"kind"`

	// Path is the affected path, relative to the sync root and slash
	// separated. For moves it's the source.
	Path string `json:"path"`

	// Dest is only set for moves.
	Dest string `json:"dest,omitempty"`
}

// Create returns the operation for a newly created file or directory.
func Create(p string) Operation { return Operation{Kind: KindCreate, Path: p} }

// Modify returns the operation for a changed file.
func Modify(p string) Operation { return Operation{Kind: KindModify, Path: p} }

// Delete returns the operation for a removed file or directory.
func Delete(p string) Operation { return Operation{Kind: KindDelete, Path: p} }

// Move returns the operation for a rename from src to dest.
func Move(src, dest string) Operation {
	return Operation{Kind: KindMove, Path: src, Dest: dest}
}

func (op Operation) String() string {
	if op.Kind == KindMove {
		return fmt.Sprintf("%s %s -> %s", op.Kind, op.Path, op.Dest)
	}
	return fmt.Sprintf("%s %s", op.Kind, op.Path)
}

// RedundantSet holds the operations applied during the current round. It's
// passed to the next Drain so that a device doesn't echo back what it just
// received.
type RedundantSet map[Operation]struct{}

// Add inserts the operations into the set.
func (set RedundantSet) Add(ops ...Operation) {
	for _, op := range ops {
		set[op] = struct{}{}
	}
}

// Contains returns whether op is in the set.
func (set RedundantSet) Contains(op Operation) bool {
	_, ok := set[op]
	return ok
}

// CleanPath normalizes a relative, slash separated path and makes sure it
// stays within the sync root.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", errors.FilesystemError{Path: p, Reason: "not a relative path"}
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.FilesystemError{Path: p, Reason: "path escapes the sync root"}
	}
	return cleaned, nil
}
