package api

import (
	"errors"
	"fmt"
)

// ErrExhausted is matched by every ExhaustedError via errors.Is. Callers that
// don't care about the capacity can test for this sentinel directly.
var ErrExhausted = errors.New("pool exhausted")

// ExhaustedError is returned when a pool has no free slot. This is the
// expected backpressure signal, not a bug: the caller decides whether to
// queue, reject, or retry.
type ExhaustedError struct {
	// Capacity is the pool's configured maximum concurrent allocations.
	Capacity uint32
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("maximum concurrent allocation limit of %d reached", e.Capacity)
}

// Is implements errors.Is against ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// ErrStacksUnsupported is returned by fiber stack allocation when the
// allocator was configured without a stack size, or the platform has no
// stack pool support.
var ErrStacksUnsupported = errors.New("fiber stacks are not supported")
