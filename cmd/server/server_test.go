package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/dirsync/pkg/errors"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		port     string
		runErr   error
		expPort  int
		expError error
	}{
		{
			name:    "Valid",
			port:    "8000",
			expPort: 8000,
		},
		{
			name:     "NotANumber",
			port:     "http",
			expError: errors.NewFriendlyError("Invalid port %q.", "http"),
		},
		{
			name:     "OutOfRange",
			port:     "0",
			expError: errors.NewFriendlyError("Invalid port %q.", "0"),
		},
		{
			name:     "ServerFails",
			port:     "8000",
			expPort:  8000,
			runErr:   errors.New("address in use"),
			expError: errors.WithContext(errors.New("address in use"), "run server"),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var called bool
			runServer = func(_ context.Context, root string, port int) error {
				called = true
				assert.Equal(t, "/srv", root)
				assert.Equal(t, test.expPort, port)
				return test.runErr
			}

			err := run(test.port, "/srv")
			assert.Equal(t, test.expError, err)
			assert.Equal(t, test.expPort != 0, called)
		})
	}
}
