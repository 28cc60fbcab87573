// Package ticket provides a fair mutual exclusion lock whose entire state is one
// 32-bit word in shared memory. Acquirers draw a ticket from the order counter and
// proceed once the freed counter catches up, so the lock is granted in ticket order.
//
// Word layout (32 bits):
//
//	bits 31..16  order  tickets issued
//	bits 15..0   freed  tickets released
//
// order - freed (mod 2^16) is the number of lock requests issued but not yet
// released. A caller holds the lock while its ticket equals freed.
//
// Example usage:
//
//	space := memory.NewArena(4096)
//	addr, _ := space.Alloc(4, ticket.Align)
//	lock := ticket.New(space, addr)
//	_ = lock.Initialize()
//
//	// Blocking acquisition
//	_ = lock.Lock()
//	// ... critical section ...
//	_ = lock.Unlock()
//
//	// Non-blocking try-lock
//	if lock.TryLock() == nil {
//	    // ... critical section ...
//	    _ = lock.Unlock()
//	}
//
// Unlock performs no ownership check. Unlocking a lock you do not hold corrupts
// the ticket sequence.
package ticket

import (
	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

// Align is the required alignment of the lock word.
const Align = 4

var (
	orderField = word.Field{Shift: 16, Bits: 16}
	freedField = word.Field{Shift: 0, Bits: 16}
)

type state uint32

func (s state) order() uint16 { return uint16(orderField.Get(uint64(s))) }
func (s state) freed() uint16 { return uint16(freedField.Get(uint64(s))) }

func (s state) withOrder(v uint16) state { return state(orderField.Set(uint64(s), uint64(v))) }
func (s state) withFreed(v uint16) state { return state(freedField.Set(uint64(s), uint64(v))) }

// Lock is a handle to a ticket lock word. Handles are cheap; any number of them
// may refer to the same address.
type Lock struct {
	space memory.Space
	addr  memory.Addr
	opts  spin.Options
}

// New returns a handle to the lock word at addr in space. The address is
// validated on every call, not here.
func New(space memory.Space, addr memory.Addr, opts ...spin.Option) *Lock {
	return &Lock{space: space, addr: addr, opts: spin.New(opts...)}
}

func (t *Lock) word() (word.Word32, error) {
	if t.addr == memory.Null {
		return word.Word32{}, syncerr.ErrNullPointer
	}
	if !memory.Aligned(t.addr, Align) {
		return word.Word32{}, syncerr.ErrAlignment
	}
	return word.At32(t.space, t.addr)
}

// Initialize zeroes the lock word.
func (t *Lock) Initialize() error {
	w, err := t.word()
	if err != nil {
		return err
	}
	w.Store(0)
	return nil
}

const (
	ticketBaseWait uint32 = 10
	ticketWaitNext        = 5
)

// Lock draws a ticket and waits for it to be served. Waiters far back in line
// spin proportionally to their distance from the head before re-checking.
//
// If the cancellation signal is set while waiting, Lock returns nil WITHOUT
// holding the lock. Its ticket stays drawn, so the lock must not be used again
// after a cancelled Lock.
func (t *Lock) Lock() error {
	w, err := t.word()
	if err != nil {
		return err
	}

	old, _ := w.Modify(func(old uint32) (uint32, bool) {
		s := state(old)
		return uint32(s.withOrder(s.order() + 1)), true
	})
	myTicket := state(old).order()

	// Fast path for uncontended case
	if state(w.Load()).freed() == myTicket {
		return nil
	}

	served := t.opts.Until(func() bool {
		cur := state(w.Load()).freed()
		if cur == myTicket {
			return true
		}
		// How many people are in front of us?
		distance := uint32(myTicket - cur)
		if distance > 1 {
			for range distance * ticketBaseWait {
				// Empty spin loop.
			}
		} else {
			for range ticketWaitNext {
				// Empty spin loop.
			}
		}
		return false
	})
	if !served {
		t.opts.Aborted("ticket lock", t.addr)
	}
	return nil
}

// TryLock acquires the lock only if no request is outstanding. It returns
// syncerr.ErrBusy without touching the word otherwise.
func (t *Lock) TryLock() error {
	w, err := t.word()
	if err != nil {
		return err
	}
	_, ok := w.Modify(func(old uint32) (uint32, bool) {
		s := state(old)
		if s.order() != s.freed() {
			return 0, false
		}
		return uint32(s.withOrder(s.order() + 1)), true
	})
	if !ok {
		return syncerr.ErrBusy
	}
	return nil
}

// Unlock releases the lock.
func (t *Lock) Unlock() error {
	w, err := t.word()
	if err != nil {
		return err
	}
	w.Modify(func(old uint32) (uint32, bool) {
		s := state(old)
		return uint32(s.withFreed(s.freed() + 1)), true
	})
	return nil
}

// State returns the decoded counters.
func (t *Lock) State() (order, freed uint16, err error) {
	w, err := t.word()
	if err != nil {
		return 0, 0, err
	}
	s := state(w.Load())
	return s.order(), s.freed(), nil
}

// isFree reports whether no request is outstanding.
func (t *Lock) isFree() bool {
	order, freed, err := t.State()
	return err == nil && order == freed
}
