// Package queue provides a fixed-capacity ring buffer of fixed-size entries in
// shared memory, coordinated through one 64-bit word.
//
// The queue record is 32 bytes at a 32-byte aligned address:
//
//	0x00  u64  state word
//	0x08  u32  entry size in bytes (multiple of 16)
//	0x0c  u32  capacity in entries
//	0x10  u64  buffer address
//
// State word layout (64 bits):
//
//	bits 63..56  pop busy       set while a consumer copies out
//	bits 55..32  push position  next slot a producer claims
//	bits 31..24  push busy      set while a producer copies in
//	bits 23..0   count          committed entries not yet consumed
//
// Each side has a single busy flag, so one producer and one consumer can be
// copying at the same time while further producers and consumers retry behind
// their flag. The claim CAS updates position and count and sets the flag; the
// copy runs outside any CAS; a second CAS clears the flag. A slot claimed by an
// in-flight push is counted but not yet readable, so consumers require count to
// exceed the push busy flag. Likewise the slot an in-flight pop is reading counts
// against capacity for producers.
//
// Example usage:
//
//	q := queue.New(space, addr)
//	_ = q.Initialize(buf, 16, 4)
//	_ = q.Push(src)
//	_ = q.Pop(dst)
package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

const (
	// Align is the required alignment of the queue record.
	Align = 32
	// BufferAlign is the required alignment of the entry buffer.
	BufferAlign = 16
	// EntryGranularity is the unit the entry size must be a multiple of.
	EntryGranularity = 16
	// RecordSize is the number of bytes the record occupies.
	RecordSize = 32
)

const (
	entrySizeOffset = 0x08
	capacityOffset  = 0x0c
	bufferOffset    = 0x10
)

var (
	popBusyField  = word.Field{Shift: 56, Bits: 8}
	pushPosField  = word.Field{Shift: 32, Bits: 24}
	pushBusyField = word.Field{Shift: 24, Bits: 8}
	countField    = word.Field{Shift: 0, Bits: 24}
)

// MaxCapacity is the largest capacity the 24-bit counters can represent.
var MaxCapacity = uint32(countField.Max())

type state uint64

func (s state) popBusy() uint32  { return uint32(popBusyField.Get(uint64(s))) }
func (s state) pushPos() uint32  { return uint32(pushPosField.Get(uint64(s))) }
func (s state) pushBusy() uint32 { return uint32(pushBusyField.Get(uint64(s))) }
func (s state) count() uint32    { return uint32(countField.Get(uint64(s))) }

func (s state) with(f word.Field, v uint32) state { return state(f.Set(uint64(s), uint64(v))) }

// Snapshot is a decoded state word.
type Snapshot struct {
	PushPosition uint32
	Count        uint32
	PushBusy     bool
	PopBusy      bool
}

func (s state) snapshot() Snapshot {
	return Snapshot{
		PushPosition: s.pushPos(),
		Count:        s.count(),
		PushBusy:     s.pushBusy() != 0,
		PopBusy:      s.popBusy() != 0,
	}
}

// Queue is a handle to a queue record.
type Queue struct {
	space memory.Space
	addr  memory.Addr
	opts  spin.Options
}

// New returns a handle to the queue record at addr in space.
func New(space memory.Space, addr memory.Addr, opts ...spin.Option) *Queue {
	return &Queue{space: space, addr: addr, opts: spin.New(opts...)}
}

// layout holds the fields fixed at initialization.
type layout struct {
	entrySize uint32
	capacity  uint32
	buffer    memory.Addr
}

func (l layout) slot(position uint32) memory.Addr {
	return l.buffer + memory.Addr(uint64(position)*uint64(l.entrySize))
}

func (q *Queue) word() (word.Word64, error) {
	if q.addr == memory.Null {
		return word.Word64{}, syncerr.ErrNullPointer
	}
	if !memory.Aligned(q.addr, Align) {
		return word.Word64{}, syncerr.ErrAlignment
	}
	return word.At64(q.space, q.addr)
}

func (q *Queue) fields() (entrySize, capacity *uint32, buffer *uint64, err error) {
	if entrySize, err = q.space.Uint32(q.addr + entrySizeOffset); err != nil {
		return nil, nil, nil, err
	}
	if capacity, err = q.space.Uint32(q.addr + capacityOffset); err != nil {
		return nil, nil, nil, err
	}
	if buffer, err = q.space.Uint64(q.addr + bufferOffset); err != nil {
		return nil, nil, nil, err
	}
	return entrySize, capacity, buffer, nil
}

func (q *Queue) layout() (layout, error) {
	es, c, b, err := q.fields()
	if err != nil {
		return layout{}, err
	}
	return layout{
		entrySize: atomic.LoadUint32(es),
		capacity:  atomic.LoadUint32(c),
		buffer:    memory.Addr(atomic.LoadUint64(b)),
	}, nil
}

// Initialize zeroes the state word and records the entry buffer. buffer must
// hold capacity*entrySize bytes; it may be Null only when entrySize is zero.
func (q *Queue) Initialize(buffer memory.Addr, entrySize, capacity uint32) error {
	if q.addr == memory.Null {
		return syncerr.ErrNullPointer
	}
	if entrySize != 0 && buffer == memory.Null {
		return syncerr.ErrNullPointer
	}
	if !memory.Aligned(q.addr, Align) || !memory.Aligned(buffer, BufferAlign) {
		return syncerr.ErrAlignment
	}
	if capacity == 0 || capacity > MaxCapacity || entrySize%EntryGranularity != 0 {
		return fmt.Errorf("entry size 0x%x, capacity %d: %w", entrySize, capacity, syncerr.ErrInvalidArgument)
	}
	w, err := q.word()
	if err != nil {
		return err
	}
	es, c, b, err := q.fields()
	if err != nil {
		return err
	}
	atomic.StoreUint32(es, entrySize)
	atomic.StoreUint32(c, capacity)
	atomic.StoreUint64(b, uint64(buffer))
	w.Store(0)
	return nil
}

// prepare validates the handle, loads the layout and checks the counters
// against capacity. A counter beyond capacity means the record is corrupt.
func (q *Queue) prepare(op string) (word.Word64, layout, error) {
	w, err := q.word()
	if err != nil {
		return w, layout{}, err
	}
	l, err := q.layout()
	if err != nil {
		return w, layout{}, err
	}
	s := state(w.Load())
	if s.pushPos() > l.capacity || s.count() > l.capacity {
		q.opts.Logger.Error("queue capacity limit broken",
			"op", op, "addr", uint64(q.addr),
			"push_position", s.pushPos(), "count", s.count(), "capacity", l.capacity)
		return w, l, &syncerr.InvariantError{
			Primitive: "queue",
			Addr:      uint64(q.addr),
			Detail: fmt.Sprintf("%s: push position %d / count %d exceed capacity %d",
				op, s.pushPos(), s.count(), l.capacity),
		}
	}
	return w, l, nil
}

// Push appends the entry at src, waiting while the queue is full or another
// producer is copying. If the cancellation signal interrupts the wait, Push
// returns nil without enqueuing.
func (q *Queue) Push(src memory.Addr) error { return q.push(src, true) }

// TryPush is Push that returns syncerr.ErrBusy instead of waiting.
func (q *Queue) TryPush(src memory.Addr) error { return q.push(src, false) }

func (q *Queue) push(src memory.Addr, block bool) error {
	if src == memory.Null {
		return syncerr.ErrNullPointer
	}
	w, l, err := q.prepare("push")
	if err != nil {
		return err
	}

	old, ok, err := q.opts.Claim64(w, block, func(old uint64) (uint64, bool) {
		s := state(old)
		if s.pushBusy() != 0 || s.count()+s.popBusy() >= l.capacity {
			return 0, false
		}
		next := s.with(pushPosField, (s.pushPos()+1)%l.capacity).
			with(pushBusyField, 1).
			with(countField, s.count()+1)
		return uint64(next), true
	})
	if err != nil {
		return err
	}
	if !ok {
		q.opts.Aborted("queue push", q.addr)
		return nil
	}

	copyErr := memory.Copy(q.space, l.slot(state(old).pushPos()), src, l.entrySize)
	q.release(w, pushBusyField)
	return copyErr
}

// Pop removes the oldest entry and copies it to dst, waiting while the queue is
// empty or another consumer is copying. If the cancellation signal interrupts
// the wait, Pop returns nil without dequeuing.
func (q *Queue) Pop(dst memory.Addr) error { return q.pop(dst, true, true) }

// TryPop is Pop that returns syncerr.ErrBusy instead of waiting.
func (q *Queue) TryPop(dst memory.Addr) error { return q.pop(dst, false, true) }

// Peek copies the oldest entry to dst without removing it.
func (q *Queue) Peek(dst memory.Addr) error { return q.pop(dst, true, false) }

// TryPeek is Peek that returns syncerr.ErrBusy instead of waiting.
func (q *Queue) TryPeek(dst memory.Addr) error { return q.pop(dst, false, false) }

func (q *Queue) pop(dst memory.Addr, block, consume bool) error {
	if dst == memory.Null {
		return syncerr.ErrNullPointer
	}
	op := "peek"
	if consume {
		op = "pop"
	}
	w, l, err := q.prepare(op)
	if err != nil {
		return err
	}

	old, ok, err := q.opts.Claim64(w, block, func(old uint64) (uint64, bool) {
		s := state(old)
		if s.popBusy() != 0 || s.count() <= s.pushBusy() {
			return 0, false
		}
		next := s.with(popBusyField, 1)
		if consume {
			next = next.with(countField, s.count()-1)
		}
		return uint64(next), true
	})
	if err != nil {
		return err
	}
	if !ok {
		q.opts.Aborted("queue "+op, q.addr)
		return nil
	}

	s := state(old)
	position := (s.pushPos() + l.capacity - s.count()) % l.capacity
	copyErr := memory.Copy(q.space, dst, l.slot(position), l.entrySize)
	q.release(w, popBusyField)
	return copyErr
}

func (q *Queue) release(w word.Word64, busy word.Field) {
	w.Modify(func(old uint64) (uint64, bool) {
		return busy.Set(old, 0), true
	})
}

// Size returns the number of committed entries. It is a snapshot and may be
// stale by the time the caller looks at it.
func (q *Queue) Size() (uint32, error) {
	w, _, err := q.prepare("size")
	if err != nil {
		return 0, err
	}
	return state(w.Load()).count(), nil
}

// Clear takes both busy flags, then resets the state word, discarding every
// entry. Each flag is waited for separately; if the cancellation signal
// interrupts the second wait the pop flag stays set.
func (q *Queue) Clear() error {
	w, _, err := q.prepare("clear")
	if err != nil {
		return err
	}
	for _, busy := range []word.Field{popBusyField, pushBusyField} {
		_, ok, _ := q.opts.Claim64(w, true, func(old uint64) (uint64, bool) {
			if busy.Get(old) != 0 {
				return 0, false
			}
			return busy.Set(old, 1), true
		})
		if !ok {
			q.opts.Aborted("queue clear", q.addr)
			return nil
		}
	}
	w.Store(0)
	return nil
}

// State returns the decoded state word.
func (q *Queue) State() (Snapshot, error) {
	w, err := q.word()
	if err != nil {
		return Snapshot{}, err
	}
	return state(w.Load()).snapshot(), nil
}

// Layout returns the entry size, capacity and buffer recorded at initialization.
func (q *Queue) Layout() (entrySize, capacity uint32, buffer memory.Addr, err error) {
	if _, err = q.word(); err != nil {
		return 0, 0, memory.Null, err
	}
	l, err := q.layout()
	return l.entrySize, l.capacity, l.buffer, err
}
