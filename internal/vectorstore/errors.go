package vectorstore

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidVector  = errors.New("vectorstore: invalid vector")
	ErrInvalidID      = errors.New("vectorstore: invalid id")
	ErrNotInitialized = errors.New("vectorstore: not initialized")
	ErrDegraded       = errors.New("vectorstore: initialization failed")
	ErrClosed         = errors.New("vectorstore: closed")
)

// InitError is returned by every operation on a store whose initialization
// failed. It matches ErrDegraded and unwraps to the original cause.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("vectorstore: initialization failed: %v", e.Cause)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrDegraded, e.Cause}
}
