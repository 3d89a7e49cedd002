package types

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotResolved is returned when downstream topology is not known yet.
	ErrNotResolved = errors.New("topology not resolved")

	// ErrBusy is returned by collaborators which can't serve request now.
	ErrBusy = errors.New("service busy")

	// ErrPoolExhausted is returned when there are no free slices in the arena.
	ErrPoolExhausted = errors.New("slice pool exhausted")

	// ErrNotReady is returned when pool is accessed before it is ready.
	ErrNotReady = errors.New("pool not ready")

	// ErrVersionMismatch is returned when persisted metadata has unknown magic or version.
	ErrVersionMismatch = errors.New("metadata version mismatch")

	// ErrUninitialized is returned when persisted metadata has not been written yet.
	ErrUninitialized = errors.New("metadata not initialized")

	// ErrPeerLost is delivered to operations waiting for the peer SP which became unreachable.
	ErrPeerLost = errors.New("peer contact lost")
)

// IsRetryable tells if operation failed with transient condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotResolved) || errors.Is(err, ErrBusy) || errors.Is(err, ErrUninitialized)
}
