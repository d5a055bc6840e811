//go:build linux && (amd64 || arm64)

package regs

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a register file mapped from a PCI BAR, e.g.
// /sys/bus/pci/devices/0000:03:00.0/resource0. Registers are little-endian,
// so Mapped is only built for little-endian hosts where a 32-bit load
// already has device byte order.
type Mapped struct {
	mem []byte
}

// Map maps size bytes of the resource file at path.
func Map(path string, size int) (*Mapped, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("regs: open %s: %w", path, err)
	}

	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("regs: map %s: %w", path, err)
	}

	return &Mapped{mem: mem}, nil
}

func (m *Mapped) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

func (m *Mapped) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.reg(off), v)
}

// Len returns the size of the mapping in bytes.
func (m *Mapped) Len() int {
	return len(m.mem)
}

func (m *Mapped) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	return err
}

func (m *Mapped) reg(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("regs: bad register offset %#x", off))
	}

	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}
