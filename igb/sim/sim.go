// Package sim models an igb function's queue registers closely enough to
// exercise ring bring-up without hardware. It checks the descriptor table a
// driver programs by resolving bus addresses through a memAt callback, and
// acknowledges a queue enable only if the table is usable.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/igb/igb"
	"github.com/c35s/igb/ring"
)

// Options tune the model.
type Options struct {

	// AckAfter is the number of DCTL reads that still show the queue
	// disabled after the driver sets ENABLE.
	AckAfter int

	// Stuck makes the device ignore every enable.
	Stuck bool

	// Wedged makes an acknowledged queue ignore a cleared ENABLE.
	Wedged bool
}

// Access is one register access.
type Access struct {
	Off   uint32
	Val   uint32
	Write bool
}

// Device implements regs.Interface. It is safe for concurrent use.
type Device struct {
	memAt func(addr uint64, size int) ([]byte, error)
	opts  Options

	mu     sync.Mutex
	regs   map[uint32]uint32
	queue  [2][igb.MaxQueues]queueState
	trace  []Access
	reads  map[uint32]int
	faults []error
}

type queueState struct {
	armed bool // ENABLE written
	acked bool // ENABLE reads back set
	bad   bool // the table failed validation
	wait  int  // reads left before the ack
}

var ErrBadRing = errors.New("sim: bad ring")

var le = binary.LittleEndian

// New returns a device whose DMA engine reads memory through memAt.
func New(memAt func(addr uint64, size int) ([]byte, error), opts Options) *Device {
	return &Device{
		memAt: memAt,
		opts:  opts,
		regs:  map[uint32]uint32{},
		reads: map[uint32]int{},
	}
}

func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads[off]++
	v := d.readReg(off)
	d.trace = append(d.trace, Access{Off: off, Val: v})

	return v
}

func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.trace = append(d.trace, Access{Off: off, Val: v, Write: true})
	d.writeReg(off, v)
}

func (d *Device) readReg(off uint32) uint32 {
	v := d.regs[off]

	role, n, reg, ok := decode(off)
	if !ok || reg != igb.RegDCTL {
		return v
	}

	qs := d.state(role, n)
	if qs.armed && !qs.acked && !qs.bad && !d.opts.Stuck {
		if qs.wait > 0 {
			qs.wait--
		} else {
			qs.acked = true
		}
	}

	v &^= igb.DCTLEnable
	if qs.acked {
		v |= igb.DCTLEnable
	}

	return v
}

func (d *Device) writeReg(off uint32, v uint32) {
	role, n, reg, ok := decode(off)
	if !ok {
		d.regs[off] = v
		return
	}

	qs := d.state(role, n)

	switch reg {
	case igb.RegBAL, igb.RegBAH, igb.RegLEN, igb.RegSRRCTL:
		if qs.armed {
			d.fault(role, n, "write %#x to register %#x of a running queue", v, reg)
			return
		}

	case igb.RegDCTL:
		switch {
		case v&igb.DCTLEnable != 0 && !qs.armed:
			*qs = queueState{armed: true, wait: d.opts.AckAfter}
			if err := d.validate(role, n); err != nil {
				qs.bad = true
				d.faults = append(d.faults, err)
			}

		case v&igb.DCTLEnable == 0 && qs.acked && d.opts.Wedged:
			return

		case v&igb.DCTLEnable == 0:
			*qs = queueState{}
		}
	}

	d.regs[off] = v
}

// validate walks the descriptor table of queue n the way the DMA engine
// would on its first fetch.
func (d *Device) validate(role ring.Role, n int) error {
	var (
		base = queueBase(role, n)
		lo   = d.regs[base+igb.RegBAL]
		hi   = d.regs[base+igb.RegBAH]
		sz   = d.regs[base+igb.RegLEN]
		addr = uint64(hi)<<32 | uint64(lo)
	)

	if sz == 0 || sz%igb.DescSize != 0 {
		return fmt.Errorf("%w: %s queue %d: length %d", ErrBadRing, role, n, sz)
	}

	if role == ring.Receive && d.regs[base+igb.RegSRRCTL]&igb.SRRCTLBSizePacket == 0 {
		return fmt.Errorf("%w: %s queue %d: no receive buffer size", ErrBadRing, role, n)
	}

	table, err := d.memAt(addr, int(sz))
	if err != nil {
		return fmt.Errorf("%w: %s queue %d: table at %#x: %w", ErrBadRing, role, n, addr, err)
	}

	for i := 0; i < int(sz)/igb.DescSize; i++ {
		a := le.Uint64(table[i*igb.DescSize:])
		if a == 0 {
			return fmt.Errorf("%w: %s queue %d: slot %d has no buffer", ErrBadRing, role, n, i)
		}

		if _, err := d.memAt(a, 1); err != nil {
			return fmt.Errorf("%w: %s queue %d: slot %d: %w", ErrBadRing, role, n, i, err)
		}
	}

	return nil
}

func (d *Device) fault(role ring.Role, n int, format string, args ...any) {
	err := fmt.Errorf("%w: %s queue %d: %s", ErrBadRing, role, n, fmt.Sprintf(format, args...))
	d.faults = append(d.faults, err)
}

func (d *Device) state(role ring.Role, n int) *queueState {
	return &d.queue[role-ring.Receive][n]
}

// SetStuck changes Options.Stuck.
func (d *Device) SetStuck(stuck bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Stuck = stuck
}

// SetWedged changes Options.Wedged.
func (d *Device) SetWedged(wedged bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Wedged = wedged
}

// Enabled reports whether queue n acknowledged an enable.
func (d *Device) Enabled(role ring.Role, n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state(role, n).acked
}

// Writes returns every register write in order.
func (d *Device) Writes() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()

	var w []Access
	for _, a := range d.trace {
		if a.Write {
			w = append(w, a)
		}
	}

	return w
}

// Trace returns every register access in order.
func (d *Device) Trace() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Access(nil), d.trace...)
}

// Reads returns the number of reads of the register at off.
func (d *Device) Reads(off uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[off]
}

// Faults returns the errors the device detected.
func (d *Device) Faults() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.faults...)
}

// Reg returns the last value written to the register at off.
func (d *Device) Reg(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[off]
}

// Preset stores v in the register at off without tracing the access.
func (d *Device) Preset(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[off] = v
}

// decode maps an absolute offset to a queue register.
func decode(off uint32) (role ring.Role, n int, reg uint32, ok bool) {
	const span = igb.MaxQueues * igb.QueueStride

	switch {
	case off >= igb.RxQueueBase && off < igb.RxQueueBase+span:
		role, off = ring.Receive, off-igb.RxQueueBase

	case off >= igb.TxQueueBase && off < igb.TxQueueBase+span:
		role, off = ring.Transmit, off-igb.TxQueueBase

	default:
		return
	}

	return role, int(off / igb.QueueStride), off % igb.QueueStride, true
}

func queueBase(role ring.Role, n int) uint32 {
	if role == ring.Receive {
		return igb.RxQueueBase + uint32(n)*igb.QueueStride
	}

	return igb.TxQueueBase + uint32(n)*igb.QueueStride
}
