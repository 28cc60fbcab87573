// Package lfqueue defines the extended queue record: its memory layout, the
// initialization protocol that lets any number of parties initialize the same
// record concurrently, and the push/pop bodies built on pointer reservation.
//
// The reservation operations themselves (obtaining and completing a push or pop
// pointer) are not specified yet. They are an extension point: a Reserver passed
// to New. The default, Unspecified, returns syncerr.ErrNotSpecified.
//
// Record layout (128 bytes, 128-byte aligned). Multi-lane words are described
// by lane, not by byte order:
//
//	0x00  u64      push header
//	0x08  u64      pop header
//	0x10  u32      entry size (multiple of 16, at most 0x4000)
//	0x14  u32      depth (1..32767)
//	0x18  u64      buffer address; bit 0 set for any-to-any queues
//	0x20  u64      tag word: four 16-bit lanes, lane i at bits 16i
//	0x28  u32      direction
//	0x2c  u32      status: 0 uninitialized, 1 initializing, 2 ready
//	0x30  u32      push cursor
//	0x34  u32      pop cursor
//	0x38  u64      signal address (optional)
//	0x40  8 x u64  slot table: 32 16-bit lanes, lane i in word i/4 at bits 16(i%4)
package lfqueue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

const (
	// Align is the required alignment of the record.
	Align = 128
	// BufferAlign is the required alignment of the entry buffer and caller buffers.
	BufferAlign = 16
	// EntryGranularity is the unit the entry size must be a multiple of.
	EntryGranularity = 16
	// MaxEntrySize is the largest accepted entry size.
	MaxEntrySize = 0x4000
	// MaxDepth is the largest accepted depth.
	MaxDepth = 1<<15 - 1
	// RecordSize is the number of bytes the record occupies.
	RecordSize = 128
)

const (
	pushHeaderOffset = 0x00
	popHeaderOffset  = 0x08
	entrySizeOffset  = 0x10
	depthOffset      = 0x14
	bufferOffset     = 0x18
	tagsOffset       = 0x20
	directionOffset  = 0x28
	statusOffset     = 0x2c
	pushCursorOffset = 0x30
	popCursorOffset  = 0x34
	signalOffset     = 0x38
	slotsOffset      = 0x40
	slotWords        = 8
)

// Record status values.
const (
	StatusUninitialized uint32 = 0
	StatusInitializing  uint32 = 1
	StatusReady         uint32 = 2
)

const anyToAnyTag = 1

// Direction is the producer/consumer topology of a queue.
type Direction uint32

const (
	WorkerToWorker Direction = iota
	WorkerToHost
	HostToWorker
	AnyToAny
)

func (d Direction) String() string {
	switch d {
	case WorkerToWorker:
		return "worker-to-worker"
	case WorkerToHost:
		return "worker-to-host"
	case HostToWorker:
		return "host-to-worker"
	case AnyToAny:
		return "any-to-any"
	}
	return fmt.Sprintf("direction(%d)", uint32(d))
}

// Config describes a queue to initialize.
type Config struct {
	Buffer    memory.Addr
	EntrySize uint32
	Depth     uint32
	Direction Direction
	Signal    memory.Addr // optional event address
}

// Queue is a handle to an extended queue record.
type Queue struct {
	space    memory.Space
	addr     memory.Addr
	reserver Reserver
	opts     spin.Options
}

// New returns a handle to the record at addr. A nil reserver means Unspecified.
func New(space memory.Space, addr memory.Addr, r Reserver, opts ...spin.Option) *Queue {
	if r == nil {
		r = Unspecified{}
	}
	return &Queue{space: space, addr: addr, reserver: r, opts: spin.New(opts...)}
}

// Addr returns the record address.
func (q *Queue) Addr() memory.Addr { return q.addr }

// Space returns the memory the record lives in.
func (q *Queue) Space() memory.Space { return q.space }

func (q *Queue) check() error {
	if q.addr == memory.Null {
		return syncerr.ErrNullPointer
	}
	if !memory.Aligned(q.addr, Align) {
		return syncerr.ErrAlignment
	}
	return nil
}

func (q *Queue) u32(off memory.Addr) (*uint32, error) { return q.space.Uint32(q.addr + off) }
func (q *Queue) u64(off memory.Addr) (*uint64, error) { return q.space.Uint64(q.addr + off) }

func (q *Queue) load32(off memory.Addr) (uint32, error) {
	p, err := q.u32(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (q *Queue) load64(off memory.Addr) (uint64, error) {
	p, err := q.u64(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(p), nil
}

func validate(cfg Config) error {
	if cfg.EntrySize != 0 {
		if cfg.Buffer == memory.Null {
			return syncerr.ErrNullPointer
		}
		if cfg.EntrySize > MaxEntrySize || cfg.EntrySize%EntryGranularity != 0 {
			return fmt.Errorf("entry size 0x%x: %w", cfg.EntrySize, syncerr.ErrInvalidArgument)
		}
	}
	if cfg.Depth == 0 || cfg.Depth > MaxDepth || cfg.Direction > AnyToAny {
		return fmt.Errorf("depth %d, direction %d: %w", cfg.Depth, cfg.Direction, syncerr.ErrInvalidArgument)
	}
	return nil
}

// Initialize sets up the record, or verifies it when another party already did.
//
// The first caller to move the status word from uninitialized to initializing
// writes the layout and marks the record ready. Callers that find it
// initializing wait for ready; callers that find it ready compare cfg with the
// recorded parameters and return syncerr.ErrInvalidArgument on mismatch. An
// uninitialized record that is not all zeroes, or an unknown status value, yields
// syncerr.ErrStat.
func (q *Queue) Initialize(cfg Config) error {
	if q.addr == memory.Null {
		return syncerr.ErrNullPointer
	}
	if err := validate(cfg); err != nil {
		return err
	}
	if !memory.Aligned(q.addr, Align) || !memory.Aligned(cfg.Buffer, BufferAlign) {
		return syncerr.ErrAlignment
	}
	status, err := word.At32(q.space, q.addr+statusOffset)
	if err != nil {
		return err
	}

	for {
		switch old := status.Load(); old {
		case StatusReady:
			return q.verify(cfg)
		case StatusInitializing:
			ready := q.opts.Until(func() bool { return status.Load() != StatusInitializing })
			if !ready {
				q.opts.Aborted("lfqueue initialize", q.addr)
				return nil
			}
		case StatusUninitialized:
			zero, err := q.isZero()
			if err != nil {
				return err
			}
			if !zero {
				// Another party may have claimed the record during the scan.
				if status.Load() != StatusUninitialized {
					continue
				}
				return fmt.Errorf("lfqueue at 0x%x: uninitialized record is not zeroed: %w",
					uint64(q.addr), syncerr.ErrStat)
			}
			write, err := q.plan(cfg)
			if err != nil {
				return err
			}
			if status.CompareAndSwap(StatusUninitialized, StatusInitializing) {
				write()
				status.Store(StatusReady)
				return nil
			}
		default:
			return fmt.Errorf("lfqueue at 0x%x: status %d: %w", uint64(q.addr), old, syncerr.ErrStat)
		}
	}
}

func (q *Queue) isZero() (bool, error) {
	for off := memory.Addr(0); off < RecordSize; off += 8 {
		v, err := q.load64(off)
		if err != nil {
			return false, err
		}
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}

func (q *Queue) verify(cfg Config) error {
	entrySize, err := q.EntrySize()
	if err != nil {
		return err
	}
	depth, err := q.Depth()
	if err != nil {
		return err
	}
	buffer, err := q.Buffer()
	if err != nil {
		return err
	}
	signal, err := q.SignalAddress()
	if err != nil {
		return err
	}
	dir, err := q.Direction()
	if err != nil {
		return err
	}
	if entrySize != cfg.EntrySize || depth != cfg.Depth || buffer != cfg.Buffer ||
		signal != cfg.Signal || dir != cfg.Direction {
		return fmt.Errorf("lfqueue at 0x%x already initialized with different parameters: %w",
			uint64(q.addr), syncerr.ErrInvalidArgument)
	}
	return nil
}

type store64 struct {
	off memory.Addr
	v   uint64
}

type store32 struct {
	off memory.Addr
	v   uint32
}

// plan resolves every layout word for cfg and returns the function that stores
// them. Nothing is written until the returned function runs, and it cannot fail,
// so the record never stays half written. The status word is left to the caller.
func (q *Queue) plan(cfg Config) (func(), error) {
	const allLanes = ^uint64(0)

	buffer := uint64(cfg.Buffer)
	tags := allLanes
	var pushCursor uint32
	slots := make([]uint64, slotWords)
	if cfg.Direction == AnyToAny {
		buffer |= anyToAnyTag
		tags = 0xffff_ffff // lanes 0 and 1
		pushCursor = ^uint32(0)
		slots[0] = 0xffff // lane 0
		slots[4] = 0xffff // lane 16
	}

	stores64 := []store64{
		{pushHeaderOffset, 0},
		{popHeaderOffset, 0},
		{bufferOffset, buffer},
		{tagsOffset, tags},
		{signalOffset, uint64(cfg.Signal)},
	}
	for i, v := range slots {
		stores64 = append(stores64, store64{slotsOffset + memory.Addr(i*8), v})
	}
	p64 := make([]*uint64, len(stores64))
	for i, s := range stores64 {
		p, err := q.u64(s.off)
		if err != nil {
			return nil, err
		}
		p64[i] = p
	}

	stores32 := []store32{
		{entrySizeOffset, cfg.EntrySize},
		{depthOffset, cfg.Depth},
		{directionOffset, uint32(cfg.Direction)},
		{pushCursorOffset, pushCursor},
		{popCursorOffset, 0},
	}
	p32 := make([]*uint32, len(stores32))
	for i, s := range stores32 {
		p, err := q.u32(s.off)
		if err != nil {
			return nil, err
		}
		p32[i] = p
	}

	return func() {
		for i, s := range stores64 {
			atomic.StoreUint64(p64[i], s.v)
		}
		for i, s := range stores32 {
			atomic.StoreUint32(p32[i], s.v)
		}
	}, nil
}

// Status returns the status word.
func (q *Queue) Status() (uint32, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.load32(statusOffset)
}

// Direction returns the recorded direction.
func (q *Queue) Direction() (Direction, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	d, err := q.load32(directionOffset)
	return Direction(d), err
}

// Depth returns the recorded depth.
func (q *Queue) Depth() (uint32, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.load32(depthOffset)
}

// EntrySize returns the recorded entry size.
func (q *Queue) EntrySize() (uint32, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.load32(entrySizeOffset)
}

// Buffer returns the entry buffer address without the any-to-any tag.
func (q *Queue) Buffer() (memory.Addr, error) {
	if err := q.check(); err != nil {
		return memory.Null, err
	}
	b, err := q.load64(bufferOffset)
	return memory.Addr(b &^ anyToAnyTag), err
}

// SignalAddress returns the recorded signal address.
func (q *Queue) SignalAddress() (memory.Addr, error) {
	if err := q.check(); err != nil {
		return memory.Null, err
	}
	s, err := q.load64(signalOffset)
	return memory.Addr(s), err
}

// PushBody reserves a push pointer, copies the entry at src into its slot and
// completes the reservation. A blocking call retries reservations that report
// syncerr.ErrAgain until they succeed or the cancellation signal is set, in
// which case it returns nil without pushing.
func (q *Queue) PushBody(src memory.Addr, block bool) error {
	if q.addr == memory.Null || src == memory.Null {
		return syncerr.ErrNullPointer
	}
	if !memory.Aligned(q.addr, Align) || !memory.Aligned(src, BufferAlign) {
		return syncerr.ErrAlignment
	}

	pointer, ok, err := q.reserve(block, q.reserver.PushPointer)
	if !ok {
		q.opts.Aborted("lfqueue push", q.addr)
		return nil
	}
	if err != nil {
		return err
	}
	slot, size, err := q.slot(pointer)
	if err != nil {
		return err
	}
	if err := memory.Copy(q.space, slot, src, size); err != nil {
		return err
	}
	return q.reserver.CompletePush(q, pointer)
}

// PopBody is the consumer counterpart of PushBody.
func (q *Queue) PopBody(dst memory.Addr, block bool) error {
	if q.addr == memory.Null || dst == memory.Null {
		return syncerr.ErrNullPointer
	}
	if !memory.Aligned(q.addr, Align) || !memory.Aligned(dst, BufferAlign) {
		return syncerr.ErrAlignment
	}

	pointer, ok, err := q.reserve(block, q.reserver.PopPointer)
	if !ok {
		q.opts.Aborted("lfqueue pop", q.addr)
		return nil
	}
	if err != nil {
		return err
	}
	slot, size, err := q.slot(pointer)
	if err != nil {
		return err
	}
	if err := memory.Copy(q.space, dst, slot, size); err != nil {
		return err
	}
	return q.reserver.CompletePop(q, pointer, false)
}

func (q *Queue) reserve(block bool, get func(*Queue, bool) (int32, error)) (pointer int32, ok bool, err error) {
	ok = q.opts.Until(func() bool {
		pointer, err = get(q, block)
		return !block || !errors.Is(err, syncerr.ErrAgain)
	})
	return pointer, ok, err
}

// slot maps a reserved pointer in [0, 2*depth) to its buffer address.
func (q *Queue) slot(pointer int32) (memory.Addr, uint32, error) {
	depth, err := q.Depth()
	if err != nil {
		return memory.Null, 0, err
	}
	size, err := q.EntrySize()
	if err != nil {
		return memory.Null, 0, err
	}
	buffer, err := q.Buffer()
	if err != nil {
		return memory.Null, 0, err
	}
	if pointer < 0 || int64(pointer) >= 2*int64(depth) {
		return memory.Null, 0, &syncerr.InvariantError{
			Primitive: "lfqueue",
			Addr:      uint64(q.addr),
			Detail:    fmt.Sprintf("reserved pointer %d outside [0, %d)", pointer, 2*depth),
		}
	}
	index := uint32(pointer)
	if index >= depth {
		index -= depth
	}
	return buffer + memory.Addr(uint64(index)*uint64(size)), size, nil
}
