// Package word provides atomic views over the packed 32- and 64-bit words that
// hold each primitive's entire state.
//
// A word is never aliased as a multi-field struct. Sub-fields are extracted with
// Field shift/mask accessors and every update goes through Modify, a
// read-compute-compare-and-swap loop. The function passed to Modify must be pure:
// it may run many times under contention, so payload copies and other side
// effects belong between two separate Modify calls, never inside one.
package word

import (
	"fmt"
	"sync/atomic"

	"github.com/ahrav/go-shmsync/memory"
)

// Field is a bit range inside a packed word.
type Field struct {
	Shift uint
	Bits  uint
}

func (f Field) mask() uint64 { return uint64(1)<<f.Bits - 1 }

// Get extracts the field from v.
func (f Field) Get(v uint64) uint64 { return (v >> f.Shift) & f.mask() }

// Set returns v with the field replaced by x. Bits of x beyond the field width
// are dropped, so counters wrap inside their field.
func (f Field) Set(v, x uint64) uint64 {
	m := f.mask()
	return v&^(m<<f.Shift) | (x&m)<<f.Shift
}

// Max is the largest value the field can hold.
func (f Field) Max() uint64 { return f.mask() }

// Word32 is a shared 32-bit word.
type Word32 struct{ p *uint32 }

// At32 resolves the 32-bit word at addr in s.
func At32(s memory.Space, addr memory.Addr) (Word32, error) {
	p, err := s.Uint32(addr)
	if err != nil {
		return Word32{}, fmt.Errorf("word32 at 0x%x: %w", uint64(addr), err)
	}
	return Word32{p: p}, nil
}

// Load atomically reads the word.
func (w Word32) Load() uint32 { return atomic.LoadUint32(w.p) }

// Store atomically writes the word. Used for initialization and full resets.
func (w Word32) Store(v uint32) { atomic.StoreUint32(w.p, v) }

// CompareAndSwap swaps in new if the word still holds old.
func (w Word32) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(w.p, old, new)
}

// Modify loads the word and calls f with it. If f accepts, its result is
// compare-and-swapped in, retrying from a fresh load on contention, and the
// pre-image is returned with ok set. If f abstains, Modify returns the observed
// value with ok false and leaves the word untouched.
func (w Word32) Modify(f func(old uint32) (uint32, bool)) (old uint32, ok bool) {
	for {
		old = w.Load()
		next, accept := f(old)
		if !accept {
			return old, false
		}
		if w.CompareAndSwap(old, next) {
			return old, true
		}
	}
}

// Word64 is a shared 64-bit word.
type Word64 struct{ p *uint64 }

// At64 resolves the 64-bit word at addr in s.
func At64(s memory.Space, addr memory.Addr) (Word64, error) {
	p, err := s.Uint64(addr)
	if err != nil {
		return Word64{}, fmt.Errorf("word64 at 0x%x: %w", uint64(addr), err)
	}
	return Word64{p: p}, nil
}

// Load atomically reads the word.
func (w Word64) Load() uint64 { return atomic.LoadUint64(w.p) }

// Store atomically writes the word.
func (w Word64) Store(v uint64) { atomic.StoreUint64(w.p, v) }

// CompareAndSwap swaps in new if the word still holds old.
func (w Word64) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(w.p, old, new)
}

// Modify is the 64-bit counterpart of Word32.Modify.
func (w Word64) Modify(f func(old uint64) (uint64, bool)) (old uint64, ok bool) {
	for {
		old = w.Load()
		next, accept := f(old)
		if !accept {
			return old, false
		}
		if w.CompareAndSwap(old, next) {
			return old, true
		}
	}
}
