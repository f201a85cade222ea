// Package client implements the device side of dirsync: it watches a local
// directory and periodically exchanges changes with the server.
package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/fswatch"
	"github.com/sidkik/dirsync/pkg/state"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/proto"
	"github.com/sidkik/dirsync/pkg/sync/session"
)

// Mocked for unit testing.
var (
	fs    = afero.NewOsFs()
	watch = watchImpl
)

// Config is the configuration for a client.
type Config struct {
	Host string
	Port int

	// Root is the local directory that's kept in sync.
	Root string

	// Interval is the time between sync rounds.
	Interval time.Duration

	// Key logs into an existing user. If it's empty, the client signs up as
	// a new user and uploads the contents of Root.
	Key string
}

// Store persists the client's state across restarts. It's implemented by
// state.Store.
type Store interface {
	Identity() (state.Identity, bool, error)
	SaveIdentity(state.Identity) error
	PendingOps() ([]sync.Operation, error)
	SavePendingOps([]sync.Operation) error
}

// Client syncs a local directory with the server.
type Client struct {
	addr     string
	root     string
	interval time.Duration

	fs    afero.Fs
	log   *sync.OperationLog
	store Store
	clock clockwork.Clock
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)

	identity state.Identity

	// redundant holds the operations received in the last round. They're
	// left out of the next batch sent to the server.
	redundant sync.RedundantSet
}

// New creates a client. If `store` has an identity for the same server and
// directory, the client picks up where it left off.
func New(cfg Config, store Store) (*Client, error) {
	if cfg.Interval <= 0 {
		return nil, errors.NewFriendlyError("the sync interval must be positive")
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	identity := state.Identity{Server: addr, Root: cfg.Root, Key: cfg.Key}
	oplog := sync.NewOperationLog()

	saved, found, err := store.Identity()
	if err != nil {
		return nil, errors.WithContext(err, "load identity")
	}

	switch {
	case !found:
	case saved.Server != addr || saved.Root != cfg.Root:
		log.WithFields(log.Fields{
			"server": saved.Server,
			"dir":    saved.Root,
		}).Info("Ignoring saved state for a different sync")
	case cfg.Key != "" && cfg.Key != saved.Key:
		log.Info("Ignoring saved state for a different key")
	default:
		identity = saved
		ops, err := store.PendingOps()
		if err != nil {
			return nil, errors.WithContext(err, "load pending changes")
		}
		oplog.Restore(ops)
	}

	// A returning user on a new device starts from an empty directory that
	// the server fills in.
	if err := fs.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, errors.WithContext(err, "create sync directory")
	}

	var dialer net.Dialer
	return &Client{
		addr:      addr,
		root:      cfg.Root,
		interval:  cfg.Interval,
		fs:        afero.NewBasePathFs(fs, cfg.Root),
		log:       oplog,
		store:     store,
		clock:     clockwork.NewRealClock(),
		dial:      dialer.DialContext,
		identity:  identity,
		redundant: sync.RedundantSet{},
	}, nil
}

// Run syncs once, then watches the directory for changes and syncs every
// interval until `ctx` is cancelled. Failed rounds are retried at the next
// interval.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Round(ctx); err != nil {
		if errors.Is(err, errors.ErrUnknownKey) {
			return err
		}
		log.WithError(err).Errorf("Initial sync failed. Will retry in %s.", c.interval)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watch(ctx, c.root, c.log, c.clock)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.interval):
			}

			if err := c.Round(ctx); err != nil {
				log.WithError(err).Errorf("Sync failed. Will retry in %s.", c.interval)
			}
		}
	})

	err := g.Wait()
	if saveErr := c.store.SavePendingOps(c.log.Pending()); saveErr != nil {
		log.WithError(saveErr).Warn("Failed to save pending changes")
	}
	return err
}

// Round runs a single sync round: it sends the local changes, and applies
// the changes made on the user's other devices.
func (c *Client) Round(ctx context.Context) error {
	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return errors.WithContext(err, "connect")
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if err := c.handshake(r, conn); err != nil {
		return errors.WithContext(err, "handshake")
	}

	logger := log.WithField("device", proto.FormatDevice(*c.identity.Device))
	sess := session.New(session.Client, r, conn, c.fs, c.log, logger)
	if err := sess.Send(c.redundant); err != nil {
		return err
	}

	redundant, err := sess.Receive(nil)
	c.redundant = redundant
	if err != nil {
		// Resend the batch next round in case it never made it. Applying an
		// operation twice is harmless.
		c.log.Restore(sess.Sent())
	}
	c.persist()
	return err
}

// handshake logs into the server. New users and devices are assigned their
// identity by the server.
func (c *Client) handshake(r io.Reader, w io.Writer) error {
	if c.identity.Key == "" {
		if err := proto.WriteSignup(w); err != nil {
			return err
		}

		key, err := proto.ReadKey(r)
		if err != nil {
			return err
		}

		device, err := c.readDevice(r)
		if err != nil {
			return err
		}

		c.identity.Key = key
		c.identity.Device = device
		log.WithField("key", key).Info("Registered with the server. " +
			"Use this key to sync other devices.")

		// Everything in the directory is new to the server.
		if err := sync.UploadAll(c.fs, c.log); err != nil {
			return errors.WithContext(err, "queue existing files")
		}
		c.persist()
		return nil
	}

	if err := proto.WriteSignin(w, c.identity.Key, c.identity.Device); err != nil {
		return err
	}

	if c.identity.Device != nil {
		return nil
	}

	device, err := c.readDevice(r)
	if err != nil {
		if isProtocolEOF(err) {
			return errors.ErrUnknownKey
		}
		return err
	}

	c.identity.Device = device
	log.WithField("device", *device).Info("Logged in as a new device")
	c.persist()
	return nil
}

func (c *Client) readDevice(r io.Reader) (*int, error) {
	device, err := proto.ReadDevice(r)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.ProtocolError{
			Field:  "device number",
			Reason: "server didn't assign a device number",
		}
	}
	return device, nil
}

func (c *Client) persist() {
	if err := c.store.SaveIdentity(c.identity); err != nil {
		log.WithError(err).Warn("Failed to save identity")
	}
	if err := c.store.SavePendingOps(c.log.Pending()); err != nil {
		log.WithError(err).Warn("Failed to save pending changes")
	}
}

// isProtocolEOF returns whether the server hung up in the middle of a field,
// which is how it rejects a login.
func isProtocolEOF(err error) bool {
	var protoErr errors.ProtocolError
	return errors.As(err, &protoErr) && protoErr.Reason == io.ErrUnexpectedEOF.Error()
}

func watchImpl(ctx context.Context, root string, rec fswatch.Recorder,
	clock clockwork.Clock) error {

	w, err := fswatch.New(root, rec, clock)
	if err != nil {
		return errors.WithContext(err, "watch")
	}
	defer w.Close()
	return w.Run(ctx)
}
