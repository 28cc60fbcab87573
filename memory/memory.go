// Package memory provides the flat, byte-addressable shared region the
// synchronization primitives live in.
//
// Primitives are identified only by the address of their word inside a Space.
// Payload copies go through the narrow Region contract (Read/Write); the packed
// words themselves are resolved with Uint32/Uint64 and only ever touched with
// sync/atomic.
//
// Two implementations are provided:
//   - Arena: a heap-backed region, useful inside one process and in tests.
//   - Mapping: a file-backed MAP_SHARED region, so independently started
//     processes can coordinate through the same words.
//
// Address 0 is the null address. Neither implementation hands it out.
package memory

import (
	"errors"
	"fmt"
)

// Addr is an offset into a Space.
type Addr uint64

// Null is the absent address.
const Null Addr = 0

var (
	// ErrOutOfRange is returned when an access falls outside the region.
	ErrOutOfRange = errors.New("memory: access out of range")
	// ErrUnaligned is returned when a word is resolved at an address that is not
	// naturally aligned for its width.
	ErrUnaligned = errors.New("memory: unaligned word access")
	// ErrExhausted is returned by Alloc when the region has no room left.
	ErrExhausted = errors.New("memory: region exhausted")
)

// Region is the payload-copy contract.
type Region interface {
	// Read returns a copy of n bytes starting at addr.
	Read(addr Addr, n uint32) ([]byte, error)
	// Write stores p starting at addr.
	Write(addr Addr, p []byte) error
}

// Copier is implemented by regions that can move bytes between two of their own
// addresses without an intermediate buffer.
type Copier interface {
	Copy(dst, src Addr, n uint32) error
}

// Space is a Region whose words can be resolved for atomic access.
type Space interface {
	Region
	// Uint32 resolves the 4-byte word at addr.
	Uint32(addr Addr) (*uint32, error)
	// Uint64 resolves the 8-byte word at addr.
	Uint64(addr Addr) (*uint64, error)
}

// Copy moves n bytes from src to dst within r, using r's Copier when it has one.
func Copy(r Region, dst, src Addr, n uint32) error {
	if n == 0 {
		return nil
	}
	if c, ok := r.(Copier); ok {
		return c.Copy(dst, src, n)
	}
	p, err := r.Read(src, n)
	if err != nil {
		return fmt.Errorf("copy read 0x%x: %w", src, err)
	}
	if err := r.Write(dst, p); err != nil {
		return fmt.Errorf("copy write 0x%x: %w", dst, err)
	}
	return nil
}

// Aligned reports whether addr is a multiple of align.
func Aligned(addr Addr, align uint64) bool { return uint64(addr)%align == 0 }

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
