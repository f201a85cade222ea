package proto

import (
	"io"
	"strconv"
	"strings"

	"github.com/sidkik/dirsync/pkg/errors"
)

// WriteSignup asks the server to register a new user.
func WriteSignup(w io.Writer) error {
	return writeField(w, ActionSignup, ActionSize)
}

// WriteSignin logs into an existing user. `device` is nil if this device
// hasn't been assigned a number yet.
func WriteSignin(w io.Writer, key string, device *int) error {
	if err := writeField(w, ActionSignin, ActionSize); err != nil {
		return err
	}
	if err := writeField(w, key, KeySize); err != nil {
		return errors.WithContext(err, "key")
	}

	deviceField := NoDevice
	if device != nil {
		deviceField = FormatDevice(*device)
	}
	return writeField(w, deviceField, DeviceSize)
}

// ReadAction reads the next action code.
func ReadAction(r io.Reader) (string, error) {
	action, err := readField(r, ActionSize, "action")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(action), nil
}

// WriteKey sends a user's login key.
func WriteKey(w io.Writer, key string) error {
	return writeField(w, key, KeySize)
}

// ReadKey reads a login key.
func ReadKey(r io.Reader) (string, error) {
	key, err := readField(r, KeySize, "key")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(key), nil
}

// WriteDevice sends a device number.
func WriteDevice(w io.Writer, num int) error {
	return writeField(w, FormatDevice(num), DeviceSize)
}

// ReadDevice reads a device number. It returns nil if the peer sent the
// NoDevice sentinel.
func ReadDevice(r io.Reader) (*int, error) {
	field, err := readField(r, DeviceSize, "device number")
	if err != nil {
		return nil, err
	}

	field = strings.TrimSpace(field)
	if strings.EqualFold(field, NoDevice) {
		return nil, nil
	}

	num, err := strconv.Atoi(field)
	if err != nil || num < 0 {
		return nil, errors.ProtocolError{
			Field:  "device number",
			Reason: strconv.Quote(field) + " is not a device number",
		}
	}
	return &num, nil
}
