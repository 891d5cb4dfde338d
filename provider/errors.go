package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable reports that the cluster transport could not be reached.
	// It is fatal to the in-flight call and never retried by the provider.
	ErrUnavailable = errors.New("provider: cluster unavailable")

	// ErrNotHeld is returned by Unlock and Condition.Wait when the caller does
	// not hold the mutex.
	ErrNotHeld = errors.New("provider: mutex not held")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("provider: closed")
)

// OpError wraps a backend failure. It matches ErrUnavailable and the cause.
type OpError struct {
	Op   string // e.g. "map.get", "mutex.lock"
	Name string // object name
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider: %s %q: cluster unavailable", e.Op, e.Name)
	}
	return fmt.Sprintf("provider: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// Unavailable wraps err as an *OpError. A nil err stays nil.
func Unavailable(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Name: name, Err: err}
}
