package lfqueue

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-shmsync/cancel"
	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

type fixture struct {
	space *memory.Arena
	addr  memory.Addr
	cfg   Config
}

func newFixture(t *testing.T, dir Direction) fixture {
	t.Helper()
	space := memory.NewArena(1 << 16)
	addr, err := space.Alloc(RecordSize, Align)
	require.NoError(t, err)
	buf, err := space.Alloc(4*32, BufferAlign)
	require.NoError(t, err)
	signal, err := space.Alloc(8, 8)
	require.NoError(t, err)
	return fixture{
		space: space,
		addr:  addr,
		cfg:   Config{Buffer: buf, EntrySize: 32, Depth: 4, Direction: dir, Signal: signal},
	}
}

func (f fixture) load64(t *testing.T, off memory.Addr) uint64 {
	t.Helper()
	w, err := word.At64(f.space, f.addr+off)
	require.NoError(t, err)
	return w.Load()
}

func TestInitializeDirectional(t *testing.T) {
	f := newFixture(t, WorkerToHost)
	q := New(f.space, f.addr, nil)
	require.NoError(t, q.Initialize(f.cfg))

	status, err := q.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)

	dir, err := q.Direction()
	require.NoError(t, err)
	assert.Equal(t, WorkerToHost, dir)
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), depth)
	size, err := q.EntrySize()
	require.NoError(t, err)
	assert.Equal(t, uint32(32), size)
	buf, err := q.Buffer()
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Buffer, buf)
	sig, err := q.SignalAddress()
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Signal, sig)

	assert.Equal(t, ^uint64(0), f.load64(t, tagsOffset))
	assert.Equal(t, uint64(f.cfg.Buffer), f.load64(t, bufferOffset))
	for i := memory.Addr(0); i < slotWords; i++ {
		assert.Zero(t, f.load64(t, slotsOffset+i*8))
	}
}

func TestInitializeAnyToAny(t *testing.T) {
	f := newFixture(t, AnyToAny)
	q := New(f.space, f.addr, nil)
	require.NoError(t, q.Initialize(f.cfg))

	assert.Equal(t, uint64(f.cfg.Buffer)|anyToAnyTag, f.load64(t, bufferOffset), "buffer carries the any-to-any tag")
	buf, err := q.Buffer()
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Buffer, buf)
	assert.Equal(t, uint64(0xffff_ffff), f.load64(t, tagsOffset))
	assert.Equal(t, uint64(0xffff), f.load64(t, slotsOffset))
	assert.Equal(t, uint64(0xffff), f.load64(t, slotsOffset+4*8))

	cursor, err := q.load32(pushCursorOffset)
	require.NoError(t, err)
	assert.Equal(t, ^uint32(0), cursor)

	assert.NoError(t, q.Initialize(f.cfg), "re-initializing with equal parameters verifies")
}

func TestInitializeValidation(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	tests := []struct {
		name   string
		addr   memory.Addr
		mutate func(*Config)
		want   error
	}{
		{"null record", memory.Null, func(*Config) {}, syncerr.ErrNullPointer},
		{"null buffer", f.addr, func(c *Config) { c.Buffer = memory.Null }, syncerr.ErrNullPointer},
		{"entry too large", f.addr, func(c *Config) { c.EntrySize = MaxEntrySize + 16 }, syncerr.ErrInvalidArgument},
		{"entry granularity", f.addr, func(c *Config) { c.EntrySize = 40 }, syncerr.ErrInvalidArgument},
		{"zero depth", f.addr, func(c *Config) { c.Depth = 0 }, syncerr.ErrInvalidArgument},
		{"depth too large", f.addr, func(c *Config) { c.Depth = 1 << 15 }, syncerr.ErrInvalidArgument},
		{"bad direction", f.addr, func(c *Config) { c.Direction = 4 }, syncerr.ErrInvalidArgument},
		{"misaligned record", f.addr + 64, func(*Config) {}, syncerr.ErrAlignment},
		{"misaligned buffer", f.addr, func(c *Config) { c.Buffer += 8 }, syncerr.ErrAlignment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.cfg
			tt.mutate(&cfg)
			assert.ErrorIs(t, New(f.space, tt.addr, nil).Initialize(cfg), tt.want)
		})
	}
	status, err := New(f.space, f.addr, nil).Status()
	require.NoError(t, err)
	assert.Equal(t, StatusUninitialized, status, "rejected calls never claim the record")
}

func TestInitializeMismatchAfterReady(t *testing.T) {
	f := newFixture(t, HostToWorker)
	require.NoError(t, New(f.space, f.addr, nil).Initialize(f.cfg))

	for name, mutate := range map[string]func(*Config){
		"depth":     func(c *Config) { c.Depth = 8 },
		"entry":     func(c *Config) { c.EntrySize = 16 },
		"signal":    func(c *Config) { c.Signal = memory.Null },
		"direction": func(c *Config) { c.Direction = WorkerToWorker },
	} {
		cfg := f.cfg
		mutate(&cfg)
		assert.ErrorIs(t, New(f.space, f.addr, nil).Initialize(cfg), syncerr.ErrInvalidArgument, name)
	}
}

func TestInitializeStat(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	require.NoError(t, f.space.Write(f.addr+depthOffset, []byte{1}))
	assert.ErrorIs(t, New(f.space, f.addr, nil).Initialize(f.cfg), syncerr.ErrStat, "stale bytes in a fresh record")

	g := newFixture(t, WorkerToWorker)
	w, err := word.At32(g.space, g.addr+statusOffset)
	require.NoError(t, err)
	w.Store(7)
	assert.ErrorIs(t, New(g.space, g.addr, nil).Initialize(g.cfg), syncerr.ErrStat)
}

func TestInitializeCancelledWhileInitializing(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	w, err := word.At32(f.space, f.addr+statusOffset)
	require.NoError(t, err)
	w.Store(StatusInitializing)

	var stop cancel.Flag
	stop.Set()
	assert.NoError(t, New(f.space, f.addr, nil, spin.WithSignal(&stop)).Initialize(f.cfg))
	assert.Equal(t, StatusInitializing, w.Load())
}

func TestConcurrentInitializersConverge(t *testing.T) {
	f := newFixture(t, AnyToAny)
	const parties = 16

	var g errgroup.Group
	for range parties {
		g.Go(func() error { return New(f.space, f.addr, nil).Initialize(f.cfg) })
	}
	require.NoError(t, g.Wait())

	status, err := New(f.space, f.addr, nil).Status()
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
}

// raceSpace runs onScan the first time the record's first word is resolved,
// which happens at the start of the zero scan, after the status word was read.
type raceSpace struct {
	*memory.Arena
	record memory.Addr
	once   *sync.Once
	onScan func()
}

func (r raceSpace) Uint64(addr memory.Addr) (*uint64, error) {
	if addr == r.record {
		r.once.Do(r.onScan)
	}
	return r.Arena.Uint64(addr)
}

func TestInitializerClaimedDuringScanVerifies(t *testing.T) {
	f := newFixture(t, AnyToAny)

	var winnerErr error
	space := raceSpace{Arena: f.space, record: f.addr, once: new(sync.Once), onScan: func() {
		winnerErr = New(f.space, f.addr, nil).Initialize(f.cfg)
	}}

	require.NoError(t, New(space, f.addr, nil).Initialize(f.cfg))
	require.NoError(t, winnerErr)

	status, err := New(f.space, f.addr, nil).Status()
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
}

func TestInitializerClaimedDuringScanRejectsMismatch(t *testing.T) {
	f := newFixture(t, WorkerToHost)
	other := f.cfg
	other.Depth = f.cfg.Depth - 1

	space := raceSpace{Arena: f.space, record: f.addr, once: new(sync.Once), onScan: func() {
		assert.NoError(t, New(f.space, f.addr, nil).Initialize(other))
	}}

	assert.ErrorIs(t, New(space, f.addr, nil).Initialize(f.cfg), syncerr.ErrInvalidArgument)
}

func TestInitializeOutsideRegionLeavesRecordUninitialized(t *testing.T) {
	// The record starts 64 bytes before the end of the region.
	space := memory.NewArena(4096 + 64)
	buf, err := space.Alloc(64, BufferAlign)
	require.NoError(t, err)
	const addr = memory.Addr(4096)
	cfg := Config{Buffer: buf, EntrySize: 16, Depth: 4, Direction: WorkerToWorker}

	q := New(space, addr, nil)
	assert.ErrorIs(t, q.Initialize(cfg), memory.ErrOutOfRange)

	status, err := q.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusUninitialized, status)
}

func TestUnspecifiedReservation(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	q := New(f.space, f.addr, nil)
	require.NoError(t, q.Initialize(f.cfg))
	buf, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)

	assert.ErrorIs(t, q.PushBody(buf, true), syncerr.ErrNotSpecified)
	assert.ErrorIs(t, q.PopBody(buf, false), syncerr.ErrNotSpecified)
}

func TestBodyValidation(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	q := New(f.space, f.addr, nil)
	assert.ErrorIs(t, q.PushBody(memory.Null, true), syncerr.ErrNullPointer)
	assert.ErrorIs(t, q.PopBody(0x1008, true), syncerr.ErrAlignment)
	assert.ErrorIs(t, New(f.space, memory.Null, nil).PushBody(0x1000, true), syncerr.ErrNullPointer)
}

// scriptedReserver hands out queued pointers, reporting ErrAgain while again > 0.
type scriptedReserver struct {
	mu        sync.Mutex
	again     int
	pointers  []int32
	completed []int32
}

func (r *scriptedReserver) next(block bool) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.again > 0 {
		r.again--
		return 0, syncerr.ErrAgain
	}
	p := r.pointers[0]
	r.pointers = r.pointers[1:]
	return p, nil
}

func (r *scriptedReserver) complete(p int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, p)
	return nil
}

func (r *scriptedReserver) PushPointer(_ *Queue, block bool) (int32, error) { return r.next(block) }
func (r *scriptedReserver) CompletePush(_ *Queue, p int32) error { return r.complete(p) }
func (r *scriptedReserver) PopPointer(_ *Queue, block bool) (int32, error) { return r.next(block) }
func (r *scriptedReserver) CompletePop(_ *Queue, p int32, _ bool) error { return r.complete(p) }

func TestBodiesWithReserver(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	r := &scriptedReserver{again: 3, pointers: []int32{5, 1}}
	q := New(f.space, f.addr, r)
	require.NoError(t, q.Initialize(f.cfg))

	src, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)
	want := bytes.Repeat([]byte{0xC3}, 32)
	require.NoError(t, f.space.Write(src, want))

	// Pointer 5 with depth 4 lands in slot 1.
	require.NoError(t, q.PushBody(src, true))
	slot, err := f.space.Read(f.cfg.Buffer+32, 32)
	require.NoError(t, err)
	assert.Equal(t, want, slot)

	dst, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)
	require.NoError(t, q.PopBody(dst, false))
	got, err := f.space.Read(dst, 32)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int32{5, 1}, r.completed)
}

func TestNonBlockingBodyReturnsAgain(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	r := &scriptedReserver{again: 1, pointers: []int32{0}}
	q := New(f.space, f.addr, r)
	require.NoError(t, q.Initialize(f.cfg))
	src, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)

	assert.ErrorIs(t, q.PushBody(src, false), syncerr.ErrAgain)
	assert.NoError(t, q.PushBody(src, false))
}

func TestReservedPointerOutOfRange(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	q := New(f.space, f.addr, &scriptedReserver{pointers: []int32{8}})
	require.NoError(t, q.Initialize(f.cfg))
	src, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)

	err = q.PushBody(src, true)
	assert.ErrorIs(t, err, syncerr.ErrInvariant)
}

func TestBlockingBodyCancelled(t *testing.T) {
	f := newFixture(t, WorkerToWorker)
	var stop cancel.Flag
	stop.Set()
	r := &scriptedReserver{again: 1 << 30}
	q := New(f.space, f.addr, r, spin.WithSignal(&stop))
	require.NoError(t, q.Initialize(f.cfg))
	src, err := f.space.Alloc(32, BufferAlign)
	require.NoError(t, err)

	assert.NoError(t, q.PushBody(src, true))
	assert.Empty(t, r.completed)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "any-to-any", AnyToAny.String())
	assert.Equal(t, "direction(9)", Direction(9).String())
}
