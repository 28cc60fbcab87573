// Package cancel provides the cooperative cancellation signal polled by every
// blocking spin loop.
//
// A Signal is injected into each primitive handle rather than read from a
// process-wide global, so tests can assert it deterministically. When a Signal
// is set, blocking waits stop retrying and return success without completing
// their operation.
//
// Example usage:
//
//	var stop cancel.Flag
//	lock := ticket.New(space, addr, spin.WithSignal(&stop))
//	go func() { <-shutdown; stop.Set() }()
//	lock.Lock() // returns nil once stop is set, even if not acquired
package cancel

import (
	"context"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Signal is polled between spin iterations.
type Signal interface {
	IsSet() bool
}

// Flag is a Signal toggled explicitly. The zero value is unset.
type Flag struct {
	_   cpu.CacheLinePad
	set atomic.Bool
	_   cpu.CacheLinePad
}

// Set asserts the signal.
func (f *Flag) Set() { f.set.Store(true) }

// Reset clears the signal.
func (f *Flag) Reset() { f.set.Store(false) }

// IsSet implements Signal.
func (f *Flag) IsSet() bool { return f.set.Load() }

type never struct{}

func (never) IsSet() bool { return false }

// Never is a Signal that is never set.
var Never Signal = never{}

// Func adapts a plain function to a Signal.
type Func func() bool

// IsSet implements Signal.
func (fn Func) IsSet() bool { return fn() }

type contextSignal struct{ ctx context.Context }

func (c contextSignal) IsSet() bool { return c.ctx.Err() != nil }

// FromContext returns a Signal that is set once ctx is done.
func FromContext(ctx context.Context) Signal { return contextSignal{ctx: ctx} }
