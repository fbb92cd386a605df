package store

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is matched by every AuthError.
	ErrAuth     = errors.New("authentication failed")
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid argument")
)

// AuthError ends a login attempt. Reason is for the log, never the caller.
type AuthError struct {
	Handle string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %s", e.Handle, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// StateConflict is returned when an operation is refused because of the
// current shared state: a duplicate handle, a moderated tag, a held lease.
type StateConflict struct {
	Op     string
	Reason string
}

func (e *StateConflict) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func conflict(op, format string, args ...any) error {
	return &StateConflict{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is or wraps a StateConflict.
func IsConflict(err error) bool {
	var sc *StateConflict
	return errors.As(err, &sc)
}
