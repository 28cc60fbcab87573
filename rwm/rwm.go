// Package rwm provides a single-writer/multi-reader mediator guarding a fixed
// payload buffer in shared memory.
//
// The mediator record is 16 bytes at a 16-byte aligned address:
//
//	0x00  u32  state word: readers (bits 31..16), writers (bits 15..0)
//	0x04  u32  payload size in bytes
//	0x08  u64  payload address
//
// Readers copy the whole payload out; writers replace it. Readers may overlap
// one another. A writer first claims writers=1, which keeps new readers out, then
// waits for the readers already copying to drain before it copies in. Payload
// copies always happen between two separate updates of the word, never inside a
// retried CAS.
package rwm

import (
	"fmt"
	"sync/atomic"

	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

const (
	// Align is the required alignment of the mediator record.
	Align = 16
	// PayloadAlign is the required alignment of the payload buffer.
	PayloadAlign = 128
	// PayloadGranularity is the unit the payload size must be a multiple of.
	PayloadGranularity = 128
	// MaxPayload is the largest accepted payload size.
	MaxPayload = 0x4000
	// RecordSize is the number of bytes the record occupies.
	RecordSize = 16
)

const (
	sizeOffset    = 0x04
	payloadOffset = 0x08
)

var (
	readersField = word.Field{Shift: 16, Bits: 16}
	writersField = word.Field{Shift: 0, Bits: 16}
)

type state uint32

func (s state) readers() uint16 { return uint16(readersField.Get(uint64(s))) }
func (s state) writers() uint16 { return uint16(writersField.Get(uint64(s))) }

func (s state) withReaders(v uint16) state { return state(readersField.Set(uint64(s), uint64(v))) }
func (s state) withWriters(v uint16) state { return state(writersField.Set(uint64(s), uint64(v))) }

// Mediator is a handle to a mediator record.
type Mediator struct {
	space memory.Space
	addr  memory.Addr
	opts  spin.Options
}

// New returns a handle to the mediator record at addr in space.
func New(space memory.Space, addr memory.Addr, opts ...spin.Option) *Mediator {
	return &Mediator{space: space, addr: addr, opts: spin.New(opts...)}
}

func (m *Mediator) word() (word.Word32, error) {
	if m.addr == memory.Null {
		return word.Word32{}, syncerr.ErrNullPointer
	}
	if !memory.Aligned(m.addr, Align) {
		return word.Word32{}, syncerr.ErrAlignment
	}
	return word.At32(m.space, m.addr)
}

// buffer returns the payload location recorded at initialization.
func (m *Mediator) buffer() (memory.Addr, uint32, error) {
	sp, err := m.space.Uint32(m.addr + sizeOffset)
	if err != nil {
		return memory.Null, 0, err
	}
	ap, err := m.space.Uint64(m.addr + payloadOffset)
	if err != nil {
		return memory.Null, 0, err
	}
	return memory.Addr(atomic.LoadUint64(ap)), atomic.LoadUint32(sp), nil
}

// Initialize zeroes the counters and records the payload buffer.
func (m *Mediator) Initialize(payload memory.Addr, size uint32) error {
	if m.addr == memory.Null || payload == memory.Null {
		return syncerr.ErrNullPointer
	}
	if !memory.Aligned(m.addr, Align) || !memory.Aligned(payload, PayloadAlign) {
		return syncerr.ErrAlignment
	}
	if size%PayloadGranularity != 0 || size > MaxPayload {
		return fmt.Errorf("payload size 0x%x: %w", size, syncerr.ErrInvalidArgument)
	}
	w, err := m.word()
	if err != nil {
		return err
	}
	sp, err := m.space.Uint32(m.addr + sizeOffset)
	if err != nil {
		return err
	}
	ap, err := m.space.Uint64(m.addr + payloadOffset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(sp, size)
	atomic.StoreUint64(ap, uint64(payload))
	w.Store(0)
	return nil
}

// Read copies the payload to dst. It waits while a writer holds the mediator;
// if the cancellation signal interrupts that wait it returns nil without reading.
//
// Finding no reader registered when releasing means another party broke the
// protocol; Read then returns syncerr.ErrAbort.
func (m *Mediator) Read(dst memory.Addr) error { return m.read(dst, true) }

// TryRead is Read that returns syncerr.ErrBusy instead of waiting for a writer.
func (m *Mediator) TryRead(dst memory.Addr) error { return m.read(dst, false) }

func (m *Mediator) read(dst memory.Addr, block bool) error {
	if dst == memory.Null {
		return syncerr.ErrNullPointer
	}
	w, err := m.word()
	if err != nil {
		return err
	}

	_, ok, err := m.opts.Claim32(w, block, func(old uint32) (uint32, bool) {
		s := state(old)
		if s.writers() != 0 {
			return 0, false
		}
		return uint32(s.withReaders(s.readers() + 1)), true
	})
	if err != nil {
		return err
	}
	if !ok {
		m.opts.Aborted("rwm read", m.addr)
		return nil
	}

	copyErr := m.copyOut(dst)

	last, ok := w.Modify(func(old uint32) (uint32, bool) {
		s := state(old)
		if s.readers() == 0 {
			return 0, false
		}
		return uint32(s.withReaders(s.readers() - 1)), true
	})
	if !ok {
		m.opts.Logger.Error("rwm reader count underflow",
			"addr", uint64(m.addr), "writers", state(last).writers())
		return fmt.Errorf("rwm at 0x%x: readers == 0: %w", uint64(m.addr), syncerr.ErrAbort)
	}
	return copyErr
}

func (m *Mediator) copyOut(dst memory.Addr) error {
	payload, size, err := m.buffer()
	if err != nil {
		return err
	}
	return memory.Copy(m.space, dst, payload, size)
}

func (m *Mediator) copyIn(src memory.Addr) error {
	payload, size, err := m.buffer()
	if err != nil {
		return err
	}
	return memory.Copy(m.space, payload, src, size)
}

// Write replaces the payload with the bytes at src. It claims the writer slot,
// waits for active readers to drain, copies, then resets the word.
//
// If the cancellation signal interrupts either wait, Write returns nil without
// writing. When that happens during the drain the writer slot stays claimed and
// the mediator must be re-initialized before further use.
func (m *Mediator) Write(src memory.Addr) error {
	if src == memory.Null {
		return syncerr.ErrNullPointer
	}
	w, err := m.word()
	if err != nil {
		return err
	}

	_, ok, _ := m.opts.Claim32(w, true, func(old uint32) (uint32, bool) {
		s := state(old)
		if s.writers() != 0 {
			return 0, false
		}
		return uint32(s.withWriters(1)), true
	})
	if !ok {
		m.opts.Aborted("rwm write (claim)", m.addr)
		return nil
	}

	drained := m.opts.Until(func() bool { return state(w.Load()).readers() == 0 })
	if !drained {
		m.opts.Aborted("rwm write (drain)", m.addr)
		return nil
	}

	err = m.copyIn(src)
	w.Store(0)
	return err
}

// TryWrite claims the mediator only if there are neither readers nor a writer,
// in one CAS of the whole word, and returns syncerr.ErrBusy otherwise.
func (m *Mediator) TryWrite(src memory.Addr) error {
	if src == memory.Null {
		return syncerr.ErrNullPointer
	}
	w, err := m.word()
	if err != nil {
		return err
	}
	if !w.CompareAndSwap(0, uint32(state(0).withWriters(1))) {
		return syncerr.ErrBusy
	}
	err = m.copyIn(src)
	w.Store(0)
	return err
}

// State returns the decoded counters.
func (m *Mediator) State() (readers, writers uint16, err error) {
	w, err := m.word()
	if err != nil {
		return 0, 0, err
	}
	s := state(w.Load())
	return s.readers(), s.writers(), nil
}

// Payload returns the payload address and size recorded at initialization.
func (m *Mediator) Payload() (memory.Addr, uint32, error) {
	if _, err := m.word(); err != nil {
		return memory.Null, 0, err
	}
	return m.buffer()
}
