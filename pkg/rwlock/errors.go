package rwlock

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied: the calling principal may not create or open a
	// globally visible primitive under this identity.
	ErrPermissionDenied = errors.New("rwlock: permission denied for global primitive")

	// ErrNameConflict: the identity is already bound to an incompatible
	// primitive (for pools, a different capacity).
	ErrNameConflict = errors.New("rwlock: identity bound to incompatible primitive")

	// ErrClosed: operation on a coordinator whose handles were disposed.
	ErrClosed = errors.New("rwlock: coordinator is closed")

	// ErrSessionReleased: operation on a session after Release.
	ErrSessionReleased = errors.New("rwlock: session already released")
)

// NameConflictError carries what the identity was found bound to.
type NameConflictError struct {
	Identity     string
	WantCapacity int
	HaveCapacity int
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("rwlock: pool %q exists with capacity %d, requested %d",
		e.Identity, e.HaveCapacity, e.WantCapacity)
}

func (e *NameConflictError) Unwrap() error { return ErrNameConflict }

// UsageError reports a local programmer mistake, e.g. acquiring on a
// coordinator that already holds, beyond what idempotent no-op release
// handling absorbs.
type UsageError struct {
	Op     string
	Detail string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("rwlock: usage error in %s: %s", e.Op, e.Detail)
}
