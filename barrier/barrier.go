// Package barrier provides an N-party rendezvous gate packed into one 32-bit word.
//
// Word layout (32 bits):
//
//	bits 31..16  value  arrivals, read as a signed 16-bit integer
//	bits 15..0   count  party total, 1..32767
//
// While value is non-negative the barrier accepts arrivals (Notify). The arrival
// that brings value up to count also sets bit 15 of value, the gate. With the gate
// set value is negative: further Notify calls wait, and Wait calls may pass, each
// decrementing value. When the decrement leaves only the gate bit, value is reset
// to zero and the barrier is ready for the next round.
//
// Example usage:
//
//	b := barrier.New(space, addr)
//	_ = b.Initialize(3)
//
//	// in each of the three parties
//	_ = b.Notify()
//	_ = b.Wait()
package barrier

import (
	"fmt"

	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

// Align is the required alignment of the barrier word.
const Align = 4

// MaxParties is the largest accepted party total.
const MaxParties = 32767

const gate = 0x8000

var (
	valueField = word.Field{Shift: 16, Bits: 16}
	countField = word.Field{Shift: 0, Bits: 16}
)

type state uint32

func (s state) value() int16  { return int16(valueField.Get(uint64(s))) }
func (s state) count() uint16 { return uint16(countField.Get(uint64(s))) }

func (s state) withValue(v int16) state {
	return state(valueField.Set(uint64(s), uint64(uint16(v))))
}

// arrive is the Notify transition. It abstains while the gate is set.
func arrive(old uint32) (uint32, bool) {
	s := state(old)
	v := s.value()
	if v < 0 {
		return 0, false
	}
	v++
	if v == int16(s.count()) {
		v = int16(uint16(v) | gate)
	}
	return uint32(s.withValue(v)), true
}

// depart is the Wait transition. It abstains until the gate is set.
func depart(old uint32) (uint32, bool) {
	s := state(old)
	v := s.value()
	if v >= 0 {
		return 0, false
	}
	v--
	if uint16(v) == gate {
		v = 0
	}
	return uint32(s.withValue(v)), true
}

// Barrier is a handle to a barrier word.
type Barrier struct {
	space memory.Space
	addr  memory.Addr
	opts  spin.Options
}

// New returns a handle to the barrier word at addr in space.
func New(space memory.Space, addr memory.Addr, opts ...spin.Option) *Barrier {
	return &Barrier{space: space, addr: addr, opts: spin.New(opts...)}
}

func (b *Barrier) word() (word.Word32, error) {
	if b.addr == memory.Null {
		return word.Word32{}, syncerr.ErrNullPointer
	}
	if !memory.Aligned(b.addr, Align) {
		return word.Word32{}, syncerr.ErrAlignment
	}
	return word.At32(b.space, b.addr)
}

// Initialize sets value to zero and count to total.
func (b *Barrier) Initialize(total int) error {
	w, err := b.word()
	if err != nil {
		return err
	}
	if total < 1 || total > MaxParties {
		return fmt.Errorf("party total %d: %w", total, syncerr.ErrInvalidArgument)
	}
	w.Store(uint32(countField.Set(0, uint64(total))))
	return nil
}

// Notify records one arrival, waiting first while a previous round's gate is
// still set. Closing the gate does not block the caller. If the cancellation
// signal interrupts the wait, Notify returns nil without arriving.
func (b *Barrier) Notify() error { return b.notify(true) }

// TryNotify is Notify that returns syncerr.ErrBusy instead of waiting.
func (b *Barrier) TryNotify() error { return b.notify(false) }

func (b *Barrier) notify(block bool) error {
	w, err := b.word()
	if err != nil {
		return err
	}
	_, ok, err := b.opts.Claim32(w, block, arrive)
	if err != nil {
		return err
	}
	if !ok {
		b.opts.Aborted("barrier notify", b.addr)
	}
	return nil
}

// Wait blocks until the gate is set, then records one departure. If the
// cancellation signal interrupts the wait, Wait returns nil without departing.
func (b *Barrier) Wait() error { return b.wait(true) }

// TryWait is Wait that returns syncerr.ErrBusy while the gate is open.
func (b *Barrier) TryWait() error { return b.wait(false) }

func (b *Barrier) wait(block bool) error {
	w, err := b.word()
	if err != nil {
		return err
	}
	_, ok, err := b.opts.Claim32(w, block, depart)
	if err != nil {
		return err
	}
	if !ok {
		b.opts.Aborted("barrier wait", b.addr)
	}
	return nil
}

// State returns the decoded word: value (negative while gated) and party count.
func (b *Barrier) State() (value int16, count uint16, err error) {
	w, err := b.word()
	if err != nil {
		return 0, 0, err
	}
	s := state(w.Load())
	return s.value(), s.count(), nil
}
