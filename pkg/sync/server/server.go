// Package server implements the dirsync server. It keeps a folder per user,
// and relays the changes made on each of the user's devices to the others.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	goSync "sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/proto"
	"github.com/sidkik/dirsync/pkg/sync/session"
)

// Server accepts sync rounds from client devices.
type Server struct {
	registry *UserRegistry
	router   Router
}

// New returns a server that stores user folders at the root of `fs`.
func New(fs afero.Fs) *Server {
	return &Server{registry: NewUserRegistry(fs)}
}

// Run listens on `port` and serves clients until `ctx` is cancelled. User
// folders are created under `root`.
func Run(ctx context.Context, root string, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	log.WithField("address", lis.Addr().String()).WithField("root", root).Info(
		"dirsync server is ready")
	return New(afero.NewBasePathFs(afero.NewOsFs(), root)).Serve(ctx, lis)
}

// Serve handles connections from `lis` until `ctx` is cancelled, at which
// point it closes the listener and waits for the rounds in progress to end.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lis.Close()
		case <-stop:
		}
	}()

	var wg goSync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "accept")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer util.HandlePanic()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	logger := log.WithField("remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)
	user, device, err := s.handshake(r, conn)
	if err != nil {
		logger.WithError(err).Warn("Handshake failed")
		return
	}
	defer user.lock.Unlock()

	logger = logger.WithField("user", user.Folder).WithField("device", device.Num)
	sess := session.New(session.Server, r, conn, user.fs, device.Log, logger)

	redundant, err := sess.Receive(func(op sync.Operation) {
		s.router.Fanout(user, device, op)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to receive changes")
		return
	}

	if err := sess.Send(redundant); err != nil {
		logger.WithError(err).Error("Failed to send changes")
		return
	}
	logger.Debug("Finished sync round")
}

// handshake identifies the device on the other end of the connection. On
// success, the user lock is held and must be released by the caller once the
// round is over.
func (s *Server) handshake(r io.Reader, w io.Writer) (*User, *Device, error) {
	action, err := proto.ReadAction(r)
	if err != nil {
		return nil, nil, err
	}

	switch action {
	case proto.ActionSignup:
		return s.signup(w)
	case proto.ActionSignin:
		return s.signin(r, w)
	}
	return nil, nil, errors.ProtocolError{
		Field:  "action",
		Reason: fmt.Sprintf("expected %s or %s, got %q", proto.ActionSignup, proto.ActionSignin, action),
	}
}

func (s *Server) signup(w io.Writer) (*User, *Device, error) {
	user, err := s.registry.Register()
	if err != nil {
		return nil, nil, errors.WithContext(err, "register")
	}

	user.lock.Lock()
	device := user.devices[0]
	if err := writeIdentity(w, user.Key, device.Num); err != nil {
		user.lock.Unlock()
		return nil, nil, err
	}
	return user, device, nil
}

func (s *Server) signin(r io.Reader, w io.Writer) (*User, *Device, error) {
	key, err := proto.ReadKey(r)
	if err != nil {
		return nil, nil, err
	}

	num, err := proto.ReadDevice(r)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.registry.Lookup(key)
	if err != nil {
		return nil, nil, err
	}

	user.lock.Lock()
	device, err := s.lookupDevice(user, num, w)
	if err != nil {
		user.lock.Unlock()
		return nil, nil, err
	}
	return user, device, nil
}

// lookupDevice must be called with the user lock held.
func (s *Server) lookupDevice(user *User, num *int, w io.Writer) (*Device, error) {
	if num != nil {
		device, ok := user.device(*num)
		if !ok {
			return nil, errors.ProtocolError{
				Field:  "device number",
				Reason: fmt.Sprintf("user %s has no device %d", user.Folder, *num),
			}
		}
		return device, nil
	}

	device, err := user.addDevice()
	if err != nil {
		return nil, err
	}

	// The new device starts out empty, so it needs everything the user has
	// synced so far.
	if err := sync.UploadAll(user.fs, device.Log); err != nil {
		return nil, errors.WithContext(err, "queue existing files")
	}

	if err := proto.WriteDevice(w, device.Num); err != nil {
		return nil, errors.WithContext(err, "send device number")
	}

	log.WithFields(log.Fields{
		"user":   user.Folder,
		"device": device.Num,
		"queued": device.Log.Len(),
	}).Info("Added device")
	return device, nil
}

func writeIdentity(w io.Writer, key string, device int) error {
	if err := proto.WriteKey(w, key); err != nil {
		return errors.WithContext(err, "send key")
	}
	if err := proto.WriteDevice(w, device); err != nil {
		return errors.WithContext(err, "send device number")
	}
	return nil
}
