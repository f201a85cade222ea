package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	goSync "sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/sync/proto"
)

const keyChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Mocked for unit testing.
var generateKey = generateKeyImpl

// Device is one of a user's machines. Its log holds the changes made by the
// user's other devices since it last synced.
type Device struct {
	Num int
	Log *sync.OperationLog
}

// User is a set of devices that share a folder on the server.
type User struct {
	Key    string
	Folder string

	fs afero.Fs

	// lock is held for the whole sync round of any of the user's devices.
	// It guards the fields below.
	lock    goSync.Mutex
	devices []*Device
}

func newUser(key, folder string, fs afero.Fs) *User {
	user := &User{Key: key, Folder: folder, fs: fs}
	user.devices = []*Device{{Num: 0, Log: sync.NewOperationLog()}}
	return user
}

// Devices returns the user's devices ordered by number.
func (u *User) Devices() []*Device {
	u.lock.Lock()
	defer u.lock.Unlock()
	return append([]*Device(nil), u.devices...)
}

// addDevice must be called with the user lock held.
func (u *User) addDevice() (*Device, error) {
	if len(u.devices) >= proto.MaxDevices {
		return nil, errors.NewFriendlyError("user %s already has the maximum of %d devices",
			u.Folder, proto.MaxDevices)
	}

	device := &Device{Num: len(u.devices), Log: sync.NewOperationLog()}
	u.devices = append(u.devices, device)
	return device, nil
}

// device must be called with the user lock held.
func (u *User) device(num int) (*Device, bool) {
	if num < 0 || num >= len(u.devices) {
		return nil, false
	}
	return u.devices[num], true
}

// UserRegistry maps login keys to users. It lives for as long as the server
// does: nothing is persisted.
type UserRegistry struct {
	fs afero.Fs

	lock  goSync.Mutex
	users map[string]*User
}

// NewUserRegistry returns an empty registry that keeps user folders at the
// root of `fs`.
func NewUserRegistry(fs afero.Fs) *UserRegistry {
	return &UserRegistry{fs: fs, users: map[string]*User{}}
}

// Register creates a user with a fresh key and an empty folder. If a folder
// with the same name was left over from a previous run, it's wiped.
func (r *UserRegistry) Register() (*User, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var key string
	for {
		var err error
		key, err = generateKey()
		if err != nil {
			return nil, errors.WithContext(err, "generate key")
		}

		if _, ok := r.users[key]; !ok {
			break
		}
	}

	folder := fmt.Sprintf("user%d", len(r.users))
	if err := r.fs.RemoveAll(folder); err != nil && !os.IsNotExist(err) {
		return nil, errors.WithContext(err, "remove stale folder")
	}

	if err := r.fs.MkdirAll(folder, 0755); err != nil {
		return nil, errors.WithContext(err, "create folder")
	}

	user := newUser(key, folder, afero.NewBasePathFs(r.fs, folder))
	r.users[key] = user
	log.WithField("folder", folder).Info("Registered new user")
	return user, nil
}

// Lookup returns the user that owns `key`.
func (r *UserRegistry) Lookup(key string) (*User, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	user, ok := r.users[key]
	if !ok {
		return nil, errors.ErrUnknownKey
	}
	return user, nil
}

func generateKeyImpl() (string, error) {
	max := big.NewInt(int64(len(keyChars)))
	key := make([]byte, proto.KeySize)
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		key[i] = keyChars[n.Int64()]
	}
	return string(key), nil
}
