package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// friendlyError is implemented by errors whose message is meant for the user,
// such as errors.FriendlyError.
type friendlyError interface {
	error
	FriendlyMessage() string
}

// HandleFatalError handles errors that are severe enough to terminate the
// program. Friendly errors are printed as-is, everything else is logged with
// its full context.
func HandleFatalError(err error) {
	var friendly friendlyError
	if errors.As(err, &friendly) {
		fmt.Fprintln(stderr, friendly.FriendlyMessage())
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before letting it crash the
// process. It must be deferred directly.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Unexpected panic: %v", r)
		panic(r)
	}
}
