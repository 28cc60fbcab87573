package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// NullPage is the number of leading bytes Alloc never returns, so that no
// allocation can start at Null.
const NullPage = 256

// Arena is a flat region over a byte slice whose base is at least 8-byte aligned.
// It is safe for concurrent use; concurrent writes to overlapping bytes are the
// caller's problem, as with any shared memory.
type Arena struct {
	mem []byte

	_      cpu.CacheLinePad
	cursor atomic.Uint64 // next free offset for Alloc
	_      cpu.CacheLinePad
}

// NewArena allocates a heap-backed arena of at least size bytes.
func NewArena(size int) *Arena {
	if size < NullPage {
		size = NullPage
	}
	words := make([]uint64, (size+7)/8)
	return newArena(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8))
}

func newArena(mem []byte) *Arena {
	a := &Arena{mem: mem}
	a.cursor.Store(NullPage)
	return a
}

// Size returns the arena length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Alloc reserves size bytes aligned to align, which must be a power of two.
// Allocations are never freed.
func (a *Arena) Alloc(size, align uint64) (Addr, error) {
	if align == 0 || align&(align-1) != 0 {
		return Null, fmt.Errorf("memory: alignment %d is not a power of two", align)
	}
	for {
		cur := a.cursor.Load()
		start := alignUp(cur, align)
		end := start + size
		if end < start || end > uint64(len(a.mem)) {
			return Null, fmt.Errorf("alloc %d bytes: %w", size, ErrExhausted)
		}
		if a.cursor.CompareAndSwap(cur, end) {
			return Addr(start), nil
		}
	}
}

func (a *Arena) span(addr Addr, n uint64) ([]byte, error) {
	start := uint64(addr)
	end := start + n
	if end < start || end > uint64(len(a.mem)) {
		return nil, fmt.Errorf("[0x%x, +%d): %w", start, n, ErrOutOfRange)
	}
	return a.mem[start:end:end], nil
}

// Bytes returns the live bytes at [addr, addr+n) without copying.
func (a *Arena) Bytes(addr Addr, n uint32) ([]byte, error) { return a.span(addr, uint64(n)) }

// Read implements Region.
func (a *Arena) Read(addr Addr, n uint32) ([]byte, error) {
	b, err := a.span(addr, uint64(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Write implements Region.
func (a *Arena) Write(addr Addr, p []byte) error {
	b, err := a.span(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Copy implements Copier. Overlapping ranges are handled like the builtin copy.
func (a *Arena) Copy(dst, src Addr, n uint32) error {
	d, err := a.span(dst, uint64(n))
	if err != nil {
		return err
	}
	s, err := a.span(src, uint64(n))
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// Uint32 implements Space.
func (a *Arena) Uint32(addr Addr) (*uint32, error) {
	if !Aligned(addr, 4) {
		return nil, fmt.Errorf("uint32 at 0x%x: %w", uint64(addr), ErrUnaligned)
	}
	b, err := a.span(addr, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// Uint64 implements Space.
func (a *Arena) Uint64(addr Addr) (*uint64, error) {
	if !Aligned(addr, 8) {
		return nil, fmt.Errorf("uint64 at 0x%x: %w", uint64(addr), ErrUnaligned)
	}
	b, err := a.span(addr, 8)
	if err != nil {
		return nil, err
	}
	return (*uint64)(unsafe.Pointer(&b[0])), nil
}
