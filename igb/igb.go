// Package igb describes the queue registers and advanced descriptors of the
// Intel 82576 (igb) gigabit controller and brings its queues up.
package igb

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/igb/regs"
	"github.com/c35s/igb/ring"
)

// queue register blocks

const (
	RxQueueBase = 0x0c000 // receive queue 0
	TxQueueBase = 0x0e000 // transmit queue 0
	QueueStride = 0x40    // distance between queue blocks
	MaxQueues   = 16
)

// queue-relative register offsets

const (
	RegBAL    = 0x00 // descriptor base address low (RDBAL/TDBAL)
	RegBAH    = 0x04 // descriptor base address high (RDBAH/TDBAH)
	RegLEN    = 0x08 // descriptor ring length in bytes (RDLEN/TDLEN)
	RegSRRCTL = 0x0c // split and replication receive control (rx only)
	RegHead   = 0x10 // descriptor head (RDH/TDH)
	RegTail   = 0x18 // descriptor tail (RDT/TDT)
	RegDCTL   = 0x28 // descriptor control (RXDCTL/TXDCTL)
)

// DCTLEnable (RXDCTL.ENABLE, TXDCTL.ENABLE) requests the queue on when written
// and reads back set once the queue is running.
const DCTLEnable = 1 << 25

// SRRCTLBSizePacket is the receive buffer size field, in 1K units.
const SRRCTLBSizePacket = 0x7f

// DescSize is the size of an advanced descriptor in bytes.
const DescSize = 16

// Layout locates the registers the ring package programs in a queue block.
// Receive and transmit blocks share it; transmit rings ignore BufCtl.
var Layout = ring.Layout{
	BaseLow:  RegBAL,
	BaseHigh: RegBAH,
	Len:      RegLEN,
	BufCtl:   RegSRRCTL,
	Ctl:      RegDCTL,
	Enable:   DCTLEnable,
}

// DCTL is a typed view of RXDCTL or TXDCTL.
type DCTL uint32

// Enabled reports whether the queue is running.
func (c DCTL) Enabled() bool {
	return c&DCTLEnable != 0
}

// RxDesc is an advanced receive descriptor in read format:
// packet buffer address (le64) then header buffer address (le64).
type RxDesc [DescSize]byte

// TxDesc is an advanced transmit data descriptor:
// buffer address (le64), cmd_type_len (le32), olinfo_status (le32).
type TxDesc [DescSize]byte

// RxRing and TxRing are rings of advanced descriptors.
type (
	RxRing = ring.Ring[RxDesc, *RxDesc]
	TxRing = ring.Ring[TxDesc, *TxDesc]
)

var le = binary.LittleEndian

func (d *RxDesc) SetAddr(addr uint64) { le.PutUint64(d[0:8], addr) }
func (d *RxDesc) Addr() uint64        { return le.Uint64(d[0:8]) }
func (*RxDesc) Role() ring.Role       { return ring.Receive }

func (d *TxDesc) SetAddr(addr uint64) { le.PutUint64(d[0:8], addr) }
func (d *TxDesc) Addr() uint64        { return le.Uint64(d[0:8]) }
func (*TxDesc) Role() ring.Role       { return ring.Transmit }

// RxQueue returns the register block of receive queue n.
func RxQueue(r regs.Interface, n int) regs.Block {
	return regs.Block{R: r, Base: queueBase(RxQueueBase, n)}
}

// TxQueue returns the register block of transmit queue n.
func TxQueue(r regs.Interface, n int) regs.Block {
	return regs.Block{R: r, Base: queueBase(TxQueueBase, n)}
}

// NewRxRing creates a receive ring for queue n. cfg.Layout is ignored.
func NewRxRing(r regs.Interface, n int, cfg ring.Config) (*RxRing, error) {
	cfg.Layout = Layout
	return ring.New[RxDesc](RxQueue(r, n), cfg)
}

// NewTxRing creates a transmit ring for queue n. cfg.Layout is ignored.
func NewTxRing(r regs.Interface, n int, cfg ring.Config) (*TxRing, error) {
	cfg.Layout = Layout
	return ring.New[TxDesc](TxQueue(r, n), cfg)
}

func queueBase(base uint32, n int) uint32 {
	if n < 0 || n >= MaxQueues {
		panic(fmt.Sprintf("igb: queue %d out of range", n))
	}

	return base + uint32(n)*QueueStride
}
