// Package session runs one sync round between two peers: each side sends
// the batch of operations it has pending and applies the batch it receives.
package session

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/apply"
	"github.com/sidkik/dirsync/pkg/sync/proto"
)

// State is the point a session has reached in the round.
type State int

const (
	// AwaitBatchA means that the first batch hasn't been exchanged yet.
	AwaitBatchA State = iota
	// AwaitBatchB means that the first batch was exchanged, and the second
	// hasn't.
	AwaitBatchB
	// Idle means that the round is over, and the connection can be closed.
	Idle
)

func (s State) String() string {
	switch s {
	case AwaitBatchA:
		return "AwaitBatchA"
	case AwaitBatchB:
		return "AwaitBatchB"
	case Idle:
		return "Idle"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Role decides which batch a peer sends. The client sends first, and the
// server answers once it has applied the client's batch.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// Session is a single sync round over a connection. It's not safe for
// concurrent use.
type Session struct {
	role    Role
	state   State
	log     *sync.OperationLog
	applier *apply.Applier
	enc     *proto.Encoder
	dec     *proto.Decoder
	logger  log.FieldLogger

	sent []sync.Operation
}

// New creates a session that sends the contents of `oplog` and applies the
// received operations to `fs`. `r` must be the reader that was used for the
// handshake, so that buffered bytes aren't lost.
func New(role Role, r io.Reader, w io.Writer, fs afero.Fs, oplog *sync.OperationLog,
	logger log.FieldLogger) *Session {

	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Session{
		role:    role,
		state:   AwaitBatchA,
		log:     oplog,
		applier: apply.NewWithFs(fs),
		enc:     proto.NewEncoder(w, fs),
		dec:     proto.NewDecoder(r),
		logger:  logger.WithField("role", role.String()),
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// Send drains the log, leaving out the operations in `redundant`, and sends
// the result to the peer. If the batch can't be sent, the drained operations
// are put back in the log so that they're retried next round.
func (s *Session) Send(redundant sync.RedundantSet) error {
	expState := AwaitBatchA
	if s.role == Server {
		expState = AwaitBatchB
	}
	if err := s.expect(expState); err != nil {
		return err
	}

	ops := s.log.Drain(redundant)
	if err := s.enc.EncodeBatch(ops); err != nil {
		s.log.Restore(ops)
		s.state = Idle
		return errors.WithContext(err, "send batch")
	}

	if len(ops) > 0 {
		s.logger.WithField("count", len(ops)).Info("Sent changes")
	}
	s.sent = ops
	s.advance()
	return nil
}

// Receive applies the peer's batch. `onApplied` is called after each
// operation is applied, before the next one is read. It returns the set of
// operations that shouldn't be echoed back to the peer.
//
// Operations applied before an error stay applied.
func (s *Session) Receive(onApplied func(sync.Operation)) (sync.RedundantSet, error) {
	expState := AwaitBatchB
	if s.role == Server {
		expState = AwaitBatchA
	}
	if err := s.expect(expState); err != nil {
		return nil, err
	}

	redundant := sync.RedundantSet{}
	var count int
	err := proto.DecodeBatch(s.dec, func(rec proto.Record) error {
		if err := s.applier.Apply(rec); err != nil {
			return errors.WithContext(err, fmt.Sprintf("apply %s", rec.Op))
		}

		s.logger.WithField("op", rec.Op.String()).Debug("Applied operation")
		redundant.Add(Echoes(rec.Op)...)
		count++

		if onApplied != nil {
			onApplied(rec.Op)
		}
		return nil
	})
	if err != nil {
		s.state = Idle
		return redundant, errors.WithContext(err, "receive batch")
	}

	if count > 0 {
		s.logger.WithField("count", count).Info("Applied changes")
	}
	s.advance()
	return redundant, nil
}

// Sent returns the operations sent by Send. There's no acknowledgement in the
// protocol, so if the round fails afterwards the caller can't tell whether
// the peer applied them.
func (s *Session) Sent() []sync.Operation {
	return s.sent
}

func (s *Session) expect(state State) error {
	if s.state != state {
		return errors.New(fmt.Sprintf("%s session is in state %s, expected %s",
			s.role, s.state, state))
	}
	return nil
}

func (s *Session) advance() {
	if s.state < Idle {
		s.state++
	}
}

// Echoes returns the operations that the watcher may record as a result of
// applying `op`. Applying a create can look like a modify and vice versa,
// and a rename can look like a delete and a create.
func Echoes(op sync.Operation) []sync.Operation {
	switch op.Kind {
	case sync.KindCreate, sync.KindModify:
		return []sync.Operation{sync.Create(op.Path), sync.Modify(op.Path)}
	case sync.KindMove:
		return []sync.Operation{op, sync.Delete(op.Path), sync.Create(op.Dest)}
	}
	return []sync.Operation{op}
}
