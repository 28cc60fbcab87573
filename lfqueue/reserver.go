package lfqueue

import "github.com/ahrav/go-shmsync/syncerr"

// Reserver obtains and completes slot reservations for PushBody and PopBody.
//
// A pointer is a position in [0, 2*depth); positions at or beyond depth map to
// slot pointer-depth. Get methods return syncerr.ErrAgain when the caller should
// retry. Implementations may consult the record through the Queue accessors and
// are free to keep their own state in the header, cursor and slot-table words.
type Reserver interface {
	PushPointer(q *Queue, block bool) (int32, error)
	CompletePush(q *Queue, pointer int32) error
	PopPointer(q *Queue, block bool) (int32, error)
	CompletePop(q *Queue, pointer int32, noQueueFull bool) error
}

// Unspecified is the default Reserver. Pointer reservation has no defined
// behaviour yet, so every method returns syncerr.ErrNotSpecified.
type Unspecified struct{}

// PushPointer implements Reserver.
func (Unspecified) PushPointer(*Queue, bool) (int32, error) { return 0, syncerr.ErrNotSpecified }

// CompletePush implements Reserver.
func (Unspecified) CompletePush(*Queue, int32) error { return syncerr.ErrNotSpecified }

// PopPointer implements Reserver.
func (Unspecified) PopPointer(*Queue, bool) (int32, error) { return 0, syncerr.ErrNotSpecified }

// CompletePop implements Reserver.
func (Unspecified) CompletePop(*Queue, int32, bool) error { return syncerr.ErrNotSpecified }
