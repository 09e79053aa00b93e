package blaze

import (
	"errors"
	"fmt"

	"github.com/mox692/blaze/interfaces"
)

// Pool global errors.
var (
	// ErrPoolClosed is returned by Borrow after Shutdown. Terminal.
	ErrPoolClosed = errors.New("blaze: pool is closed")

	// ErrWaitQueueFull is the synchronous rejection when the wait queue is
	// at capacity. Callers may back off and retry.
	ErrWaitQueueFull = errors.New("blaze: wait queue is full")

	// ErrWaitQueueTimeout is delivered to a waiter that aged past the
	// configured timeout before the pool could serve it.
	ErrWaitQueueTimeout = errors.New("blaze: timed out waiting for a connection")
)

// NoConnectionAllowedError reports a borrow against a key whose per-key limit
// is zero. The condition is permanent for that key.
type NoConnectionAllowedError struct {
	Key interfaces.RequestKey
}

func (e *NoConnectionAllowedError) Error() string {
	return fmt.Sprintf("blaze: no connections allowed for %s", e.Key)
}

// BuildError wraps a ConnectionBuilder failure. The reservation is reversed
// before the error propagates.
type BuildError struct {
	Key   interfaces.RequestKey
	Cause error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("blaze: failed to build connection for %s: %v", e.Key, e.Cause)
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}
