package sync

import (
	goSync "sync"
)

type stateKind int

const (
	stateCreate stateKind = iota + 1
	stateModify
	stateDelete
	stateMovePair
)

// pathState records which pending entry currently governs a path. For moves,
// both the source and the destination point at the same pending Move.
type pathState struct {
	kind stateKind
	move Operation
}

// OperationLog is the per-device queue of operations waiting to be sent to
// the peer. Raw filesystem events are coalesced as they're recorded so that
// short-lived changes made between two sync rounds collapse into their net
// effect.
//
// All methods are safe for concurrent use. The watcher records into the log
// while the sync loop drains it.
type OperationLog struct {
	lock    goSync.Mutex
	pending []Operation
	state   map[string]pathState
}

// NewOperationLog returns an empty OperationLog.
func NewOperationLog() *OperationLog {
	return &OperationLog{state: map[string]pathState{}}
}

// RecordCreate records that `path` was created.
func (l *OperationLog) RecordCreate(path string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.create(path)
}

// RecordModify records that the contents of `path` changed.
func (l *OperationLog) RecordModify(path string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.modify(path)
}

// RecordDelete records that `path` was removed.
func (l *OperationLog) RecordDelete(path string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.delete(path)
}

// RecordMove records that `src` was renamed to `dest`.
func (l *OperationLog) RecordMove(src, dest string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.move(src, dest)
}

// Record records `op` using the Record method matching its kind.
func (l *OperationLog) Record(op Operation) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.record(op)
}

func (l *OperationLog) record(op Operation) {
	switch op.Kind {
	case KindCreate:
		l.create(op.Path)
	case KindModify:
		l.modify(op.Path)
	case KindDelete:
		l.delete(op.Path)
	case KindMove:
		l.move(op.Path, op.Dest)
	}
}

// Drain returns the pending operations that aren't in `redundant`, and
// resets the log.
func (l *OperationLog) Drain(redundant RedundantSet) []Operation {
	l.lock.Lock()
	defer l.lock.Unlock()

	var ops []Operation
	for _, op := range l.pending {
		if !redundant.Contains(op) {
			ops = append(ops, op)
		}
	}
	l.pending = nil
	l.state = map[string]pathState{}
	return ops
}

// Pending returns a copy of the pending operations in transmission order.
func (l *OperationLog) Pending() []Operation {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]Operation(nil), l.pending...)
}

// Len returns the number of pending operations.
func (l *OperationLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.pending)
}

// Restore puts `ops` back at the front of the log, ahead of anything
// recorded since. It's used to reload a log that was saved before the
// process exited, and to retry a batch that may have reached the peer.
//
// Restored operations are kept verbatim and never coalesced with later
// recordings: the peer may already have applied them, so a later delete of
// a restored create must still be sent.
func (l *OperationLog) Restore(ops []Operation) {
	l.lock.Lock()
	defer l.lock.Unlock()

	// `state` only refers to the newer entries. They stay after the restored
	// ones, so remove() still finds them first when searching from the end.
	l.pending = append(append([]Operation(nil), ops...), l.pending...)
}

func (l *OperationLog) create(path string) {
	if st, ok := l.state[path]; ok && st.kind == stateCreate {
		return
	}
	l.pending = append(l.pending, Create(path))
	l.state[path] = pathState{kind: stateCreate}
}

func (l *OperationLog) delete(path string) {
	st, ok := l.state[path]
	if !ok {
		l.pending = append(l.pending, Delete(path))
		l.state[path] = pathState{kind: stateDelete}
		return
	}

	switch st.kind {
	case stateCreate:
		// The peer never saw the file, so there's nothing to send.
		l.remove(Create(path))
		delete(l.state, path)
	case stateModify:
		l.remove(Modify(path))
		l.pending = append(l.pending, Delete(path))
		l.state[path] = pathState{kind: stateDelete}
	case stateMovePair:
		// The moved file is gone, so the move collapses into a delete of
		// the other end.
		if other, ok := l.dropMove(st.move, path); ok {
			l.delete(other)
		}
	case stateDelete:
	}
}

func (l *OperationLog) modify(path string) {
	st, ok := l.state[path]
	if !ok {
		l.pending = append(l.pending, Modify(path))
		l.state[path] = pathState{kind: stateModify}
		return
	}

	switch st.kind {
	case stateMovePair:
		other, tracked := l.dropMove(st.move, path)
		l.pending = append(l.pending, Modify(path))
		l.state[path] = pathState{kind: stateModify}
		if tracked {
			l.delete(other)
		}
	case stateDelete:
		l.create(path)
	case stateModify:
	case stateCreate:
		// Both are sent. Applying the Modify after the Create is harmless.
		l.pending = append(l.pending, Modify(path))
		l.state[path] = pathState{kind: stateModify}
	}
}

func (l *OperationLog) move(src, dest string) {
	if src == dest {
		return
	}

	st, ok := l.state[src]
	switch {
	case !ok:
		l.appendMove(src, dest)
	case st.kind == stateMovePair && st.move.Dest == src && l.governedBy(st.move.Path, st.move):
		// A file that was already moved is moved again. Replace the stale
		// move with a single move from the original location.
		origin := st.move.Path
		l.remove(st.move)
		delete(l.state, src)
		delete(l.state, origin)
		if origin != dest {
			l.appendMove(origin, dest)
		}
	case st.kind == stateMovePair:
		l.appendMove(src, dest)
	default:
		l.delete(src)
		l.modify(dest)
	}
}

func (l *OperationLog) appendMove(src, dest string) {
	op := Move(src, dest)
	l.pending = append(l.pending, op)
	l.state[src] = pathState{kind: stateMovePair, move: op}
	l.state[dest] = pathState{kind: stateMovePair, move: op}
}

// dropMove removes a pending move that `path` refers to, and returns the
// other end of the move. `tracked` is false if the other end has since been
// taken over by a newer operation.
func (l *OperationLog) dropMove(move Operation, path string) (other string, tracked bool) {
	l.remove(move)
	delete(l.state, path)

	other = move.Dest
	if path == move.Dest {
		other = move.Path
	}
	if !l.governedBy(other, move) {
		return other, false
	}
	delete(l.state, other)
	return other, true
}

func (l *OperationLog) governedBy(path string, move Operation) bool {
	st, ok := l.state[path]
	return ok && st.kind == stateMovePair && st.move == move
}

// remove deletes the most recent pending entry equal to `op`.
func (l *OperationLog) remove(op Operation) {
	for i := len(l.pending) - 1; i >= 0; i-- {
		if l.pending[i] == op {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}
