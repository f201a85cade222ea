package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a thin wrapper so that
// callers only need to import this package.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is and As are re-exported for convenience.
var (
	Is = goErrors.Is
	As = goErrors.As
)

type withContext struct {
	context string
	cause   error
}

// WithContext wraps `err` with a short description of what was being done
// when it occurred. Calling WithContext on a nil error returns nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context: context, cause: err}
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err withContext) Unwrap() error {
	return err.cause
}

// RootCause returns the innermost error wrapped by WithContext.
func RootCause(err error) error {
	for {
		wrapped, ok := err.(withContext)
		if !ok {
			return err
		}
		err = wrapped.cause
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// as-is, without any of the wrapped context.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to display to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}
