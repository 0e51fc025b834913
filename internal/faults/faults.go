package faults

import (
	"errors"
	"fmt"
)

// Sentinel error kinds shared across the pipeline. Callers classify with
// errors.Is rather than string matching.
var (
	// ErrNotFound means an identity key is absent in a backing store.
	ErrNotFound = errors.New("not found")

	// ErrTimeout means an adapter call exceeded its deadline.
	ErrTimeout = errors.New("adapter timeout")

	// ErrInconsistentRef means a record points at a user or product that
	// never resolves through the adapters.
	ErrInconsistentRef = errors.New("inconsistent reference")

	// ErrMergeConflict means a metric bucket received a malformed or
	// non-mergeable increment. Fatal for that bucket.
	ErrMergeConflict = errors.New("merge conflict")
)

// NotFound wraps ErrNotFound with the entity kind and key.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// Timeout wraps ErrTimeout with the store and operation that overran.
func Timeout(store, op string) error {
	return fmt.Errorf("%s.%s: %w", store, op, ErrTimeout)
}

// MergeConflict wraps ErrMergeConflict with a reason.
func MergeConflict(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrMergeConflict)
}
