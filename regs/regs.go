// Package regs provides 32-bit access to a device's memory-mapped registers.
package regs

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Interface reads and writes 32-bit registers at byte offsets. Accesses are
// issued in program order and cannot fail.
type Interface interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Block is a view of R whose offsets are relative to Base, e.g. the register
// block of one hardware queue.
type Block struct {
	R    Interface
	Base uint32
}

// Bits is an untyped register value.
type Bits uint32

// Poll bounds a WaitFor loop.
type Poll struct {

	// Interval is the time between reads.
	Interval time.Duration

	// MaxAttempts is the number of reads before giving up.
	// If MaxAttempts is 0, WaitFor polls forever.
	MaxAttempts int

	// Clock, if set, replaces the wall clock. Tests use a mock.
	Clock clock.Clock
}

var ErrTimedOut = errors.New("regs: timed out")

var wallClock = clock.New()

func (b Block) Read32(off uint32) uint32 {
	return b.R.Read32(b.Base + off)
}

func (b Block) Write32(off uint32, v uint32) {
	b.R.Write32(b.Base+off, v)
}

// Has reports whether every bit in mask is set.
func (b Bits) Has(mask uint32) bool {
	return uint32(b)&mask == mask
}

// WaitFor reads the register at off until cond returns true. It sleeps
// p.Interval after every unsuccessful read and returns ErrTimedOut after
// p.MaxAttempts of them, so the worst case is Interval × MaxAttempts.
func WaitFor[T ~uint32](r Interface, off uint32, p Poll, cond func(T) bool) error {
	clk := p.clock()

	for n := 1; ; n++ {
		if cond(T(r.Read32(off))) {
			return nil
		}

		clk.Sleep(p.Interval)

		if p.MaxAttempts > 0 && n >= p.MaxAttempts {
			return fmt.Errorf("%w: register %#x after %d reads at %v", ErrTimedOut, off, n, p.Interval)
		}
	}
}

// Bound returns the longest time a WaitFor with p can take, or 0 if it is
// unbounded.
func (p Poll) Bound() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

func (p Poll) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}

	return wallClock
}
