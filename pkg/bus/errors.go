package bus

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrTeardownTimeout is returned when dispatcher teardown exceeds its
	// budget and outstanding work had to be cancelled.
	ErrTeardownTimeout = errors.New("dispatcher teardown timed out")

	// ErrClosed is returned when dispatching on a torn-down dispatcher.
	ErrClosed = errors.New("dispatcher is closed")
)

// NoHandlerError is returned when a message reaches a service that has no
// request handler registered for its concrete type.
type NoHandlerError struct {
	Service string
	Type    reflect.Type
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("service %q has no handler for %s", e.Service, e.Type)
}

// MissingDependencyError is a programming error: a handler asked its scope
// for a type the container does not know. Detected at invocation time.
type MissingDependencyError struct {
	Type reflect.Type
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("no dependency registered for %s", e.Type)
}
