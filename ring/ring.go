// Package ring binds a NIC descriptor ring to DMA buffers and enables the
// ring in hardware.
//
// A Ring owns a table of fixed-size descriptors in bus-coherent memory and
// one data buffer per descriptor. New allocates the table; Init binds every
// descriptor to a fresh buffer, programs the queue's base address, length
// and control registers, and waits for the device to acknowledge the enable.
// After Init the ring belongs to whatever drains or fills its slots.
package ring

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unsafe"

	"github.com/benbjohnson/clock"
	"github.com/c35s/igb/dma"
	"github.com/c35s/igb/regs"
	"go.uber.org/multierr"
)

// Role says which way data moves through a ring.
type Role uint8

const (
	Receive Role = iota + 1
	Transmit
)

// Descriptor is the capability a ring needs from one descriptor variant.
// Role must not depend on the descriptor's contents: the ring asks the zero
// value once, at construction.
type Descriptor interface {

	// SetAddr stores a data buffer's bus address in the descriptor.
	SetAddr(addr uint64)

	// Role identifies the variant.
	Role() Role
}

// Slot constrains P to be a pointer to a descriptor type D.
type Slot[D any] interface {
	*D
	Descriptor
}

// Layout gives the offsets of a queue's registers relative to the queue's
// register block.
type Layout struct {
	BaseLow  uint32 // descriptor table bus address, low word
	BaseHigh uint32 // descriptor table bus address, high word
	Len      uint32 // descriptor table length in bytes
	BufCtl   uint32 // receive buffer control, size class in bits 6:0 (rx only)
	Ctl      uint32 // queue control
	Enable   uint32 // enable bit in Ctl; reads back set once the queue is on
}

// Config describes a new ring.
type Config struct {

	// Size is the number of descriptors. If Size is 0, the ring has 256.
	// Size × the descriptor size should be a multiple of 32 bytes: the
	// length register drops the remainder.
	Size int

	// BufferSize is the size of each data buffer in bytes. It must be a
	// multiple of 1K and at most 127K. If BufferSize is 0, it's 4K.
	BufferSize int

	// Align is the alignment of the descriptor table in bytes.
	// If Align is 0, the table is 4K aligned.
	Align int

	// Layout locates the queue's registers.
	Layout Layout

	// Alloc provides the descriptor table and the data buffers.
	Alloc dma.Allocator

	// Poll bounds the wait for the enable acknowledgment. A zero Interval
	// is 1ms and a zero MaxAttempts is 1000; the wait is never unbounded.
	Poll regs.Poll

	// Logger receives per-slot and enable events.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// State is a ring's position in its lifecycle.
type State uint8

const (
	Constructed State = iota
	Bound             // every slot has a buffer
	Enabled           // the device acknowledged the enable
	Closed
)

// Ring is a descriptor ring whose slots are descriptors of type D.
// A Ring is not safe for concurrent use.
type Ring[D any, P Slot[D]] struct {
	cfg   Config
	role  Role
	regs  regs.Interface
	log   *slog.Logger
	table dma.Buffer
	desc  []D
	bufs  []dma.Buffer
	state State
	armed bool // the enable bit has been written
}

const (
	DefaultSize       = 256
	DefaultBufferSize = 4096
	DefaultAlign      = 4096

	bufAlign     = 4096
	bufSizeUnit  = 1024
	bufSizeMask  = 0x7f
	baseLowMask  = 0xffff_fff0
	ringLenMask  = 0xffff_ffe0
	defaultPoll  = time.Millisecond
	defaultTries = 1000
)

var (
	ErrConfig   = errors.New("ring: invalid config")
	ErrNoMemory = errors.New("ring: no memory")
	ErrTimedOut = errors.New("ring: enable timed out")
	ErrState    = errors.New("ring: bad state")
)

var wallClock = clock.New()

// New allocates a zeroed descriptor table for a ring that programs the queue
// registers in r. It doesn't touch the registers.
func New[D any, P Slot[D]](r regs.Interface, cfg Config) (*Ring[D, P], error) {
	var zero D

	cfg = cfg.withDefaults()
	role := P(&zero).Role()

	if err := cfg.validate(role, int(unsafe.Sizeof(zero))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	table, err := cfg.Alloc.Alloc(cfg.Size*int(unsafe.Sizeof(zero)), cfg.Align, dma.Bidirectional)
	if err != nil {
		return nil, fmt.Errorf("%w: %s descriptor table: %w", ErrNoMemory, role, err)
	}

	ring := Ring[D, P]{
		cfg:   cfg,
		role:  role,
		regs:  r,
		log:   cfg.Logger.With("role", role),
		table: table,
		desc:  dma.Slice[D](table, cfg.Size),
	}

	return &ring, nil
}

// Init binds every slot to a fresh data buffer and enables the ring.
//
// If a buffer can't be allocated, Init releases the buffers it already bound
// and returns an error wrapping ErrNoMemory; the ring is still Constructed.
// If the device doesn't acknowledge the enable in time, Init returns an error
// wrapping ErrTimedOut and the ring stays Bound. Calling Init on a Bound ring
// retries the enable.
func (r *Ring[D, P]) Init() error {
	switch r.state {
	case Constructed:
		if err := r.bind(); err != nil {
			return err
		}

		fallthrough

	case Bound:
		return r.enable()

	default:
		return fmt.Errorf("%w: init %s ring in state %s", ErrState, r.role, r.state)
	}
}

// bind allocates one buffer per slot in table order and stores its bus
// address in the slot.
func (r *Ring[D, P]) bind() (err error) {
	r.bufs = make([]dma.Buffer, 0, len(r.desc))

	defer func() {
		if err != nil {
			r.unbind()
		}
	}()

	for i := range r.desc {
		buf, err := r.cfg.Alloc.Alloc(r.cfg.BufferSize, bufAlign, dma.Bidirectional)
		if err != nil {
			return fmt.Errorf("%w: %s slot %d: %w", ErrNoMemory, r.role, i, err)
		}

		r.bufs = append(r.bufs, buf)
		P(&r.desc[i]).SetAddr(buf.BusAddr())

		r.log.Debug("slot bound", "slot", i, "addr", buf.BusAddr())
	}

	r.state = Bound
	return nil
}

// unbind releases every slot buffer and zeroes the table.
func (r *Ring[D, P]) unbind() error {
	var err error
	for _, b := range r.bufs {
		err = multierr.Append(err, b.Close())
	}

	r.bufs = nil
	clear(r.table.Bytes())

	return err
}

// enable programs the queue registers in order: base low, base high, length,
// buffer control (receive only), control. Then it waits for the device to
// report the queue enabled.
func (r *Ring[D, P]) enable() error {
	var (
		l    = r.cfg.Layout
		base = r.table.BusAddr()
		n    = r.ByteLen()
	)

	// the queue must be off while its base and length change
	if err := r.disable(); err != nil {
		return err
	}

	if n != uint32(r.table.Len()) {
		r.log.Warn("ring length truncated", "bytes", r.table.Len(), "programmed", n)
	}

	r.regs.Write32(l.BaseLow, uint32(base&baseLowMask))
	r.regs.Write32(l.BaseHigh, uint32(base>>32))
	r.regs.Write32(l.Len, n)

	if r.role == Receive {
		v := r.regs.Read32(l.BufCtl)
		v = v&^bufSizeMask | uint32(r.cfg.BufferSize/bufSizeUnit)
		r.regs.Write32(l.BufCtl, v)
	}

	r.regs.Write32(l.Ctl, r.regs.Read32(l.Ctl)|l.Enable)
	r.armed = true

	clk := r.cfg.Poll.Clock
	if clk == nil {
		clk = wallClock
	}

	start := clk.Now()
	err := regs.WaitFor(r.regs, l.Ctl, r.cfg.Poll, func(v regs.Bits) bool {
		return v.Has(l.Enable)
	})

	if err != nil {
		r.log.Error("queue enable not acknowledged", "bound", r.cfg.Poll.Bound(), "err", err)
		return fmt.Errorf("%w: %s queue: %w", ErrTimedOut, r.role, err)
	}

	r.state = Enabled
	r.log.Debug("queue enabled", "base", base, "bytes", n, "elapsed", clk.Since(start))

	return nil
}

// Close disables the queue if Init ever enabled it, then releases the data
// buffers and the descriptor table.
//
// If the device doesn't acknowledge the disable, Close returns an error
// wrapping ErrTimedOut and releases nothing: the device may still be using
// the ring's memory. The ring keeps its state and Close may be retried.
func (r *Ring[D, P]) Close() error {
	if r.state == Closed {
		return nil
	}

	if err := r.disable(); err != nil {
		return err
	}

	err := r.unbind()
	err = multierr.Append(err, r.table.Close())

	r.desc = nil
	r.state = Closed

	return err
}

// disable clears the enable bit if it was set and waits for the device to
// report the queue stopped.
func (r *Ring[D, P]) disable() error {
	if !r.armed {
		return nil
	}

	l := r.cfg.Layout
	r.regs.Write32(l.Ctl, r.regs.Read32(l.Ctl)&^l.Enable)

	err := regs.WaitFor(r.regs, l.Ctl, r.cfg.Poll, func(v regs.Bits) bool {
		return uint32(v)&l.Enable == 0
	})

	if err != nil {
		r.log.Error("queue disable not acknowledged", "err", err)
		return fmt.Errorf("%w: %s queue disable: %w", ErrTimedOut, r.role, err)
	}

	r.armed = false
	return nil
}

// Len returns the number of slots.
func (r *Ring[D, P]) Len() int { return r.cfg.Size }

// Role returns the ring's role.
func (r *Ring[D, P]) Role() Role { return r.role }

// State returns the ring's lifecycle state.
func (r *Ring[D, P]) State() State { return r.state }

// BusAddr returns the bus address of the descriptor table.
func (r *Ring[D, P]) BusAddr() uint64 { return r.table.BusAddr() }

// ByteLen returns the value Init programs into the length register.
func (r *Ring[D, P]) ByteLen() uint32 {
	return uint32(r.table.Len()) & ringLenMask
}

// Desc returns slot i's descriptor. It aliases the descriptor table.
func (r *Ring[D, P]) Desc(i int) P { return &r.desc[i] }

// Buffer returns slot i's data buffer, or nil if the ring isn't bound.
func (r *Ring[D, P]) Buffer(i int) dma.Buffer {
	if i < 0 || i >= len(r.bufs) {
		return nil
	}

	return r.bufs[i]
}

func (c Config) withDefaults() Config {
	if c.Size == 0 {
		c.Size = DefaultSize
	}

	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}

	if c.Align == 0 {
		c.Align = DefaultAlign
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = defaultPoll
	}

	if c.Poll.MaxAttempts == 0 {
		c.Poll.MaxAttempts = defaultTries
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

func (c Config) validate(role Role, descSize int) error {
	if role != Receive && role != Transmit {
		return fmt.Errorf("descriptor has no role: %s", role)
	}

	if c.Size < 0 {
		return fmt.Errorf("size must be positive: %d", c.Size)
	}

	if descSize == 0 {
		return errors.New("descriptor has no size")
	}

	if uint64(c.Size)*uint64(descSize) > math.MaxUint32 {
		return fmt.Errorf("table of %d %d-byte descriptors overflows the length register", c.Size, descSize)
	}

	if c.BufferSize <= 0 || c.BufferSize%bufSizeUnit != 0 || c.BufferSize/bufSizeUnit > bufSizeMask {
		return fmt.Errorf("buffer size must be a multiple of %d up to %d: %d",
			bufSizeUnit, bufSizeUnit*bufSizeMask, c.BufferSize)
	}

	if c.Poll.Interval < 0 || c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("poll must be positive: %d reads at %v", c.Poll.MaxAttempts, c.Poll.Interval)
	}

	if c.Alloc == nil {
		return errors.New("missing allocator")
	}

	if c.Layout.Enable == 0 {
		return errors.New("layout has no enable bit")
	}

	return nil
}

func (r Role) String() string {
	switch r {
	case Receive:
		return "rx"

	case Transmit:
		return "tx"

	default:
		return fmt.Sprintf("Role(%d)", r)
	}
}

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"

	case Bound:
		return "bound"

	case Enabled:
		return "enabled"

	case Closed:
		return "closed"

	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
