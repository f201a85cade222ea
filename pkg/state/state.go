// Package state persists what a client needs to pick up where it left off
// after a restart: the identity the server assigned to it, and the changes
// it hasn't sent yet.
package state

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.etcd.io/bbolt"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
)

// Mocked for unit testing.
var fs = afero.NewOsFs()

var (
	clientBucket = []byte("client")
	identityKey  = []byte("identity")
	pendingKey   = []byte("pending")
)

// Identity is what the server knows a client device by.
type Identity struct {
	// Server and Root identify the sync the identity belongs to. An identity
	// isn't reused if either changes.
	Server string `json:"server"`
	Root   string `json:"root"`

	Key    string `json:"key"`
	Device *int   `json:"device,omitempty"`
}

// Store is a client state database.
type Store struct {
	db *bbolt.DB
}

// Open opens the database at `path`, creating it if necessary. It fails
// if another process has the database open.
func Open(path string) (*Store, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.WithContext(err, "create state directory")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, errors.NewFriendlyError(
				"The state file %q is in use.\n"+
					"Is another dirsync client running with the same --state?", path)
		}
		return nil, errors.WithContext(err, "open")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(clientBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.WithContext(err, "create bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Identity returns the saved identity. The boolean is false if none was
// saved yet.
func (s *Store) Identity() (Identity, bool, error) {
	var id Identity
	found, err := s.get(identityKey, &id)
	return id, found, err
}

// SaveIdentity replaces the saved identity.
func (s *Store) SaveIdentity(id Identity) error {
	return s.put(identityKey, id)
}

// PendingOps returns the saved operations in the order they should be sent.
func (s *Store) PendingOps() ([]sync.Operation, error) {
	var ops []sync.Operation
	_, err := s.get(pendingKey, &ops)
	return ops, err
}

// SavePendingOps replaces the saved operations.
func (s *Store) SavePendingOps(ops []sync.Operation) error {
	return s.put(pendingKey, ops)
}

func (s *Store) get(key []byte, dst interface{}) (found bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(clientBucket).Get(key)
		if val == nil {
			return nil
		}

		found = true
		return json.Unmarshal(val, dst)
	})
	if err != nil {
		return false, errors.WithContext(err, "read "+string(key))
	}
	return found, nil
}

func (s *Store) put(key []byte, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return errors.WithContext(err, "marshal "+string(key))
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(clientBucket).Put(key, data)
	})
	return errors.WithContext(err, "write "+string(key))
}
