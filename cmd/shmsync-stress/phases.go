package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/ahrav/go-shmsync/barrier"
	"github.com/ahrav/go-shmsync/lfqueue"
	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/queue"
	"github.com/ahrav/go-shmsync/rwm"
	"github.com/ahrav/go-shmsync/spin"
	"github.com/ahrav/go-shmsync/ticket"
)

const (
	entrySize   = 16
	payloadSize = rwm.PayloadGranularity
	checkMask   = 0x5bd1e995_5bd1e995
)

type harness struct {
	cfg    config
	space  region
	pool   *ants.Pool
	logger *slog.Logger
	ctx    context.Context
	stop   context.CancelFunc
	opts   []spin.Option
}

// fanOut runs task(0..n-1) on the pool and returns the first error. n must not
// exceed the pool size when tasks wait on each other. If a submission fails the
// run is stopped so that tasks waiting on peers that never started return, and
// fanOut still waits for every submitted task before returning.
func (h *harness) fanOut(n int, task func(i int) error) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	record := func(err error) {
		if err != nil {
			once.Do(func() { firstErr = err })
		}
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		err := h.pool.Submit(func() {
			defer wg.Done()
			record(task(i))
		})
		if err != nil {
			wg.Done()
			record(fmt.Errorf("failed to submit task %d: %w", i, err))
			h.stop()
			break
		}
	}
	wg.Wait()
	return firstErr
}

func (h *harness) cancelled() bool { return h.ctx.Err() != nil }

// ticketPhase increments a plain counter in the region under the ticket lock.
func (h *harness) ticketPhase() error {
	lockAddr, err := h.space.Alloc(4, ticket.Align)
	if err != nil {
		return err
	}
	counter, err := h.space.Alloc(8, 8)
	if err != nil {
		return err
	}
	lock := ticket.New(h.space, lockAddr, h.opts...)
	if err := lock.Initialize(); err != nil {
		return err
	}
	if err := h.space.Write(counter, make([]byte, 8)); err != nil {
		return err
	}

	err = h.fanOut(h.cfg.workers, func(int) error {
		for i := 0; i < h.cfg.iterations && !h.cancelled(); i++ {
			if err := lock.Lock(); err != nil {
				return err
			}
			if h.cancelled() {
				return nil
			}
			b, err := h.space.Read(counter, 8)
			if err != nil {
				_ = lock.Unlock()
				return err
			}
			binary.LittleEndian.PutUint64(b, binary.LittleEndian.Uint64(b)+1)
			err = h.space.Write(counter, b)
			if uerr := lock.Unlock(); err == nil {
				err = uerr
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || h.cancelled() {
		return err
	}

	b, err := h.space.Read(counter, 8)
	if err != nil {
		return err
	}
	want := uint64(h.cfg.workers * h.cfg.iterations)
	if got := binary.LittleEndian.Uint64(b); got != want {
		return fmt.Errorf("counter is %d, want %d", got, want)
	}
	order, freed, err := lock.State()
	if err != nil {
		return err
	}
	h.logger.Debug("ticket lock final state", "order", order, "freed", freed)
	if order != freed {
		return fmt.Errorf("lock still held: order %d, freed %d", order, freed)
	}
	return nil
}

// barrierPhase runs rounds where every worker must arrive before any leaves.
func (h *harness) barrierPhase() error {
	rounds := max(1, h.cfg.iterations/10)
	parties := h.cfg.workers

	addr, err := h.space.Alloc(4, barrier.Align)
	if err != nil {
		return err
	}
	arrivals, err := h.space.Alloc(uint64(4*rounds), 4)
	if err != nil {
		return err
	}
	if err := h.space.Write(arrivals, make([]byte, 4*rounds)); err != nil {
		return err
	}
	b := barrier.New(h.space, addr, h.opts...)
	if err := b.Initialize(parties); err != nil {
		return err
	}

	err = h.fanOut(parties, func(int) error {
		for r := 0; r < rounds && !h.cancelled(); r++ {
			arrived, err := h.space.Uint32(arrivals + memory.Addr(4*r))
			if err != nil {
				return err
			}
			atomic.AddUint32(arrived, 1)
			if err := b.Notify(); err != nil {
				return err
			}
			if err := b.Wait(); err != nil {
				return err
			}
			if h.cancelled() {
				return nil
			}
			if got := atomic.LoadUint32(arrived); got != uint32(parties) {
				return fmt.Errorf("round %d released with %d of %d arrivals", r, got, parties)
			}
		}
		return nil
	})
	if err != nil || h.cancelled() {
		return err
	}

	value, count, err := b.State()
	if err != nil {
		return err
	}
	h.logger.Debug("barrier final state", "value", value, "count", count, "rounds", rounds)
	if value != 0 {
		return fmt.Errorf("barrier value %d after the last round", value)
	}
	return nil
}

// queuePhase moves tagged entries from producers to consumers and checks that
// every entry arrives once, intact and in per-producer order.
func (h *harness) queuePhase() error {
	producers := h.cfg.workers / 2
	consumers := h.cfg.workers - producers
	total := producers * h.cfg.iterations
	capacity := uint32(h.cfg.capacity)

	addr, err := h.space.Alloc(queue.RecordSize, queue.Align)
	if err != nil {
		return err
	}
	buf, err := h.space.Alloc(uint64(capacity)*entrySize, queue.BufferAlign)
	if err != nil {
		return err
	}
	scratch, err := h.space.Alloc(uint64(h.cfg.workers)*entrySize, queue.BufferAlign)
	if err != nil {
		return err
	}
	q := queue.New(h.space, addr, h.opts...)
	if err := q.Initialize(buf, entrySize, capacity); err != nil {
		return err
	}

	var popped, sum atomic.Uint64
	err = h.fanOut(h.cfg.workers, func(w int) error {
		local := scratch + memory.Addr(w*entrySize)
		if w < producers {
			entry := make([]byte, entrySize)
			for i := 0; i < h.cfg.iterations && !h.cancelled(); i++ {
				tag := uint64(w)<<32 | uint64(i)
				binary.LittleEndian.PutUint64(entry, tag)
				binary.LittleEndian.PutUint64(entry[8:], tag^checkMask)
				if err := h.space.Write(local, entry); err != nil {
					return err
				}
				if err := q.Push(local); err != nil {
					return err
				}
			}
			return nil
		}

		c := w - producers
		share := total / consumers
		if c < total%consumers {
			share++
		}
		last := make([]int64, producers)
		for i := range last {
			last[i] = -1
		}
		for i := 0; i < share && !h.cancelled(); i++ {
			if err := q.Pop(local); err != nil {
				return err
			}
			if h.cancelled() {
				return nil
			}
			entry, err := h.space.Read(local, entrySize)
			if err != nil {
				return err
			}
			tag := binary.LittleEndian.Uint64(entry)
			if check := binary.LittleEndian.Uint64(entry[8:]); check != tag^checkMask {
				return fmt.Errorf("torn entry %#x/%#x", tag, check)
			}
			p, seq := int(tag>>32), int64(uint32(tag))
			if p >= producers || seq <= last[p] {
				return fmt.Errorf("entry %d from producer %d out of order (last %d)", seq, p, last[p])
			}
			last[p] = seq
			popped.Add(1)
			sum.Add(tag)
		}
		return nil
	})
	if err != nil || h.cancelled() {
		return err
	}

	var want uint64
	for p := 0; p < producers; p++ {
		for i := 0; i < h.cfg.iterations; i++ {
			want += uint64(p)<<32 | uint64(i)
		}
	}
	if popped.Load() != uint64(total) || sum.Load() != want {
		return fmt.Errorf("popped %d entries with sum %#x, want %d with sum %#x",
			popped.Load(), sum.Load(), total, want)
	}
	size, err := q.Size()
	if err != nil {
		return err
	}
	if size != 0 {
		return fmt.Errorf("queue holds %d entries after the run", size)
	}
	return nil
}

// rwmPhase has writers fill the payload with a single byte value while readers
// check that no read ever observes a mix of two writes.
func (h *harness) rwmPhase() error {
	writers := max(1, h.cfg.workers/4)

	addr, err := h.space.Alloc(rwm.RecordSize, rwm.Align)
	if err != nil {
		return err
	}
	payload, err := h.space.Alloc(payloadSize, rwm.PayloadAlign)
	if err != nil {
		return err
	}
	scratch, err := h.space.Alloc(uint64(h.cfg.workers)*payloadSize, rwm.PayloadAlign)
	if err != nil {
		return err
	}
	if err := h.space.Write(payload, make([]byte, payloadSize)); err != nil {
		return err
	}
	m := rwm.New(h.space, addr, h.opts...)
	if err := m.Initialize(payload, payloadSize); err != nil {
		return err
	}

	var reads atomic.Uint64
	err = h.fanOut(h.cfg.workers, func(w int) error {
		local := scratch + memory.Addr(w*payloadSize)
		for i := 0; i < h.cfg.iterations && !h.cancelled(); i++ {
			if w < writers {
				fill := make([]byte, payloadSize)
				for j := range fill {
					fill[j] = byte(w*h.cfg.iterations + i)
				}
				if err := h.space.Write(local, fill); err != nil {
					return err
				}
				if err := m.Write(local); err != nil {
					return err
				}
				continue
			}
			if err := m.Read(local); err != nil {
				return err
			}
			if h.cancelled() {
				return nil
			}
			got, err := h.space.Read(local, payloadSize)
			if err != nil {
				return err
			}
			for j := 1; j < len(got); j++ {
				if got[j] != got[0] {
					return fmt.Errorf("torn payload: byte %d is %#x, byte 0 is %#x", j, got[j], got[0])
				}
			}
			reads.Add(1)
		}
		return nil
	})
	if err != nil || h.cancelled() {
		return err
	}

	readers, writing, err := m.State()
	if err != nil {
		return err
	}
	h.logger.Debug("mediator final state", "readers", readers, "writers", writing, "reads", reads.Load())
	if readers != 0 || writing != 0 {
		return fmt.Errorf("mediator not idle: %d readers, %d writers", readers, writing)
	}
	return nil
}

// lfqueueInitPhase has every worker initialize the same extended queue record
// and checks that they all converge on one layout.
func (h *harness) lfqueueInitPhase() error {
	depth := min(uint32(h.cfg.capacity), lfqueue.MaxDepth)

	addr, err := h.space.Alloc(lfqueue.RecordSize, lfqueue.Align)
	if err != nil {
		return err
	}
	buf, err := h.space.Alloc(uint64(depth)*entrySize, lfqueue.BufferAlign)
	if err != nil {
		return err
	}
	cfg := lfqueue.Config{Buffer: buf, EntrySize: entrySize, Depth: depth, Direction: lfqueue.AnyToAny}

	err = h.fanOut(h.cfg.workers, func(int) error {
		return lfqueue.New(h.space, addr, nil, h.opts...).Initialize(cfg)
	})
	if err != nil || h.cancelled() {
		return err
	}

	q := lfqueue.New(h.space, addr, nil, h.opts...)
	status, err := q.Status()
	if err != nil {
		return err
	}
	if status != lfqueue.StatusReady {
		return fmt.Errorf("status %d after initialization", status)
	}
	gotDepth, err := q.Depth()
	if err != nil {
		return err
	}
	gotBuf, err := q.Buffer()
	if err != nil {
		return err
	}
	dir, err := q.Direction()
	if err != nil {
		return err
	}
	h.logger.Debug("lfqueue record", "depth", gotDepth, "buffer", gotBuf, "direction", dir)
	if gotDepth != depth || gotBuf != buf || dir != lfqueue.AnyToAny {
		return fmt.Errorf("record holds depth %d buffer %#x direction %s", gotDepth, uint64(gotBuf), dir)
	}
	return nil
}
