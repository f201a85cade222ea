package proto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/errors"
)

func TestSignin(t *testing.T) {
	key := strings.Repeat("k", KeySize)
	device := 7

	tests := []struct {
		name      string
		device    *int
		expDevice string
	}{
		{
			name:      "KnownDevice",
			device:    &device,
			expDevice: "0007",
		},
		{
			name:      "FirstLogin",
			device:    nil,
			expDevice: "none",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteSignin(&buf, key, test.device))
			assert.Equal(t, "signin"+key+test.expDevice, buf.String())

			action, err := ReadAction(&buf)
			require.NoError(t, err)
			assert.Equal(t, ActionSignin, action)

			readKey, err := ReadKey(&buf)
			require.NoError(t, err)
			assert.Equal(t, key, readKey)

			readDevice, err := ReadDevice(&buf)
			require.NoError(t, err)
			assert.Equal(t, test.device, readDevice)
		})
	}
}

func TestSignup(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSignup(&buf))

	action, err := ReadAction(&buf)
	require.NoError(t, err)
	assert.Equal(t, ActionSignup, action)
}

func TestShortKeyIsPadded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKey(&buf, "abc"))
	assert.Equal(t, KeySize, buf.Len())

	key, err := ReadKey(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", key)
}

func TestKeyTooLong(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteKey(&buf, strings.Repeat("k", KeySize+1)))
}

func TestReadDevice(t *testing.T) {
	zero, twelve := 0, 12

	tests := []struct {
		name      string
		field     string
		expDevice *int
		expErr    bool
	}{
		{name: "Zero", field: "0000", expDevice: &zero},
		{name: "Padded", field: "0012", expDevice: &twelve},
		{name: "None", field: "none"},
		{name: "CapitalizedNone", field: "None"},
		{name: "Garbage", field: "dev1", expErr: true},
		{name: "Negative", field: "-001", expErr: true},
		{name: "Truncated", field: "00", expErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			device, err := ReadDevice(strings.NewReader(test.field))
			if test.expErr {
				var protoErr errors.ProtocolError
				assert.True(t, errors.As(err, &protoErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expDevice, device)
		})
	}
}

func TestFormatDevice(t *testing.T) {
	assert.Equal(t, "0000", FormatDevice(0))
	assert.Equal(t, "0042", FormatDevice(42))
	assert.Equal(t, "9999", FormatDevice(MaxDevices-1))
}
