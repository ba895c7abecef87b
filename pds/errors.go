package pds

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks a phase-2 deduction failing after phase 1
// accepted the same set. This is a bug in the filter store or in the
// serialization of requests; it is surfaced as a fatal error and must never
// be swallowed.
var ErrInvariantViolation = errors.New("phase 2 deduction failed after phase 1 accepted")

// StorageError wraps a failure from the event or filter store with the
// operation that hit it. The core never partially mutates filter state when
// surfacing one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *StorageError) Unwrap() error {
	return e.Err
}
