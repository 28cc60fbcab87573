// Package syncerr defines the error kinds shared by every primitive in this module.
//
// All kinds are sentinel errors and should be compared with errors.Is. Ordinary
// contention (ErrBusy) and argument problems are returned directly; a broken
// internal invariant is reported as an *InvariantError, which unwraps to
// ErrInvariant and is never confused with ErrAbort.
//
// Cancellation of a blocking wait is deliberately NOT an error: blocking
// operations abandoned because the cancellation signal was asserted return nil,
// exactly as if they had completed. Callers that need to tell the two apart must
// check the signal themselves after the call returns.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNullPointer is returned when a required address is absent (zero).
	ErrNullPointer = errors.New("null pointer")
	// ErrAlignment is returned when an address violates the alignment a primitive requires.
	ErrAlignment = errors.New("misaligned address")
	// ErrInvalidArgument is returned for parameters outside their allowed range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusy is returned by non-blocking variants that could not proceed immediately.
	ErrBusy = errors.New("busy")
	// ErrAbort signals a fatal protocol violation observed on the word, such as a
	// reader count underflow.
	ErrAbort = errors.New("aborted")
	// ErrAgain asks the caller to retry an extended-queue reservation.
	ErrAgain = errors.New("try again")
	// ErrStat is returned when an extended queue record is in a state that does not
	// allow the requested transition.
	ErrStat = errors.New("unexpected record state")
	// ErrInvariant is the parent of every *InvariantError.
	ErrInvariant = errors.New("invariant violated")
	// ErrNotSpecified is returned by extension points whose behaviour is not defined yet.
	ErrNotSpecified = errors.New("operation not specified")
)

// InvariantError reports that the packed state of one primitive instance is corrupt.
// The instance must be considered unusable; whether that halts a larger system is the
// caller's decision.
type InvariantError struct {
	Primitive string // e.g. "queue"
	Addr      uint64 // address of the primitive's word
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s at 0x%x: invariant violated: %s", e.Primitive, e.Addr, e.Detail)
}

// Unwrap makes errors.Is(err, ErrInvariant) hold.
func (e *InvariantError) Unwrap() error { return ErrInvariant }

// IsInvariant reports whether err carries an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
