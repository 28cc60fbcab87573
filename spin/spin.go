// Package spin implements the blocking-wait discipline shared by every
// primitive: re-observe the word, back off, poll the cancellation signal.
//
// There is no retry bound. A blocking operation keeps spinning until the state
// it waits for appears or the injected cancel.Signal is set. In the latter case
// the operation gives up and reports success to its caller, which cannot tell
// the difference from the return value alone. That contract is inherited from
// the shared-memory protocol these primitives reproduce and is a sharp edge:
// check the signal after a blocking call if completion matters.
package spin

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/ahrav/go-shmsync/cancel"
	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/syncerr"
	"github.com/ahrav/go-shmsync/word"
)

// Backoff controls how a waiter pauses between attempts.
type Backoff struct {
	SpinLimit  int           // attempts that only busy-spin
	YieldLimit int           // further attempts that yield the processor
	Sleep      time.Duration // pause once both limits are exhausted
}

const spinBaseWait = 10

// DefaultBackoff spins briefly, then yields, then sleeps in short slices.
var DefaultBackoff = Backoff{SpinLimit: 16, YieldLimit: 64, Sleep: 50 * time.Microsecond}

func (b Backoff) pause(attempt int) {
	switch {
	case attempt <= b.SpinLimit:
		// Spin proportionally to how long we've been waiting.
		for range attempt * spinBaseWait {
			// Empty spin loop.
		}
	case attempt <= b.SpinLimit+b.YieldLimit:
		runtime.Gosched()
	default:
		time.Sleep(b.Sleep)
	}
}

// Options carries what every primitive handle needs to wait: the cancellation
// signal, the logger and the backoff policy.
type Options struct {
	Signal  cancel.Signal
	Logger  *slog.Logger
	Backoff Backoff
}

// Option configures Options.
type Option func(*Options)

// WithSignal sets the cancellation signal. nil means cancel.Never.
func WithSignal(s cancel.Signal) Option { return func(o *Options) { o.Signal = s } }

// WithLogger sets the logger. nil means slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithBackoff replaces DefaultBackoff.
func WithBackoff(b Backoff) Option { return func(o *Options) { o.Backoff = b } }

// New builds Options with defaults filled in.
func New(opts ...Option) Options {
	o := Options{Backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Signal == nil {
		o.Signal = cancel.Never
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Until calls try until it reports true and returns true. If the signal is set
// after a failed attempt it stops and returns false.
func (o Options) Until(try func() bool) bool {
	for attempt := 1; !try(); attempt++ {
		o.Backoff.pause(attempt)
		if o.Signal.IsSet() {
			return false
		}
	}
	return true
}

// Claim32 applies f to w. Non-blocking claims make one attempt and return
// syncerr.ErrBusy if f abstains. Blocking claims retry until f accepts; if the
// signal interrupts them they return ok false with a nil error. On success old is
// the pre-image f accepted.
func (o Options) Claim32(w word.Word32, block bool, f func(uint32) (uint32, bool)) (old uint32, ok bool, err error) {
	if !block {
		if old, ok = w.Modify(f); !ok {
			return old, false, syncerr.ErrBusy
		}
		return old, true, nil
	}
	ok = o.Until(func() bool {
		var accepted bool
		old, accepted = w.Modify(f)
		return accepted
	})
	return old, ok, nil
}

// Claim64 is the 64-bit counterpart of Claim32.
func (o Options) Claim64(w word.Word64, block bool, f func(uint64) (uint64, bool)) (old uint64, ok bool, err error) {
	if !block {
		if old, ok = w.Modify(f); !ok {
			return old, false, syncerr.ErrBusy
		}
		return old, true, nil
	}
	ok = o.Until(func() bool {
		var accepted bool
		old, accepted = w.Modify(f)
		return accepted
	})
	return old, ok, nil
}

// Aborted logs a blocking operation abandoned because of cancellation.
func (o Options) Aborted(op string, addr memory.Addr) {
	o.Logger.Warn(op+" aborted", "addr", uint64(addr))
}
