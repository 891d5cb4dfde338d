package cascluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no local or remote implementation exists for a
	// requested name.
	ErrNotFound = errors.New("cascluster: not found")

	// ErrOwnershipLost marks a timer cycle another node already executed.
	// It is a normal skip, never returned to callers.
	ErrOwnershipLost = errors.New("cascluster: cycle ownership lost")
)

// SerializationError reports a stored value that could not be rebuilt into the
// requested type. Cache reads degrade to a miss; the error only reaches Hooks.
type SerializationError struct {
	Cache string
	ID    string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache %q: decode %q: %v", e.Cache, e.ID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// PanicError is a recovered panic from a strategy, listener, task body or
// layer method.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Safe runs fn and converts a panic into a *PanicError.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
