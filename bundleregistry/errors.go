package bundleregistry

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyRegistered is returned when a name is registered twice.
	// Rotation has to go through UpdateBundle.
	ErrAlreadyRegistered = errors.New("bundle already registered")

	// ErrNotFound is returned for operations on a name that is not registered.
	ErrNotFound = errors.New("bundle not found")

	// ErrInvalidArgument is returned for an invalid name, a nil bundle or a nil handler.
	ErrInvalidArgument = errors.New("invalid argument")
)

// HandlerError reports a single update handler that failed or panicked.
type HandlerError struct {
	Bundle string
	Index  int
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("update handler %d for bundle %q: %v", e.Index, e.Bundle, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func notFound(name string) error {
	return errors.Wrapf(ErrNotFound, "bundle %q", name)
}

func invalid(msg string) error {
	return errors.Wrap(ErrInvalidArgument, msg)
}
