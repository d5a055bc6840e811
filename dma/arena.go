//go:build linux

package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena is a simulated bus-memory region. Buffers are carved from one
// anonymous mapping and are given bus addresses starting at a fixed base,
// which lets a device model resolve the addresses a driver programs into it.
// Memory is never reused: a closed buffer's range stays reserved.
type Arena struct {
	mu   sync.Mutex
	base uint64
	mem  []byte
	next uint64
	live int
}

type arenaBuf struct {
	a    *Arena
	addr uint64
	p    []byte
	once sync.Once
}

// NewArena maps size bytes of memory whose first byte has bus address base.
func NewArena(base uint64, size int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: map arena: %w", ErrNoMemory, err)
	}

	return &Arena{base: base, mem: mem}, nil
}

// Alloc implements Allocator. The direction is recorded nowhere: the
// simulated bus is coherent in both directions.
func (a *Arena) Alloc(size, align int, dir Direction) (Buffer, error) {
	if err := checkAlign(size, align); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil, fmt.Errorf("%w: arena is closed", ErrNoMemory)
	}

	start := alignUp(a.base+a.next, uint64(align)) - a.base
	end := start + uint64(size)
	if end > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %d bytes (%s) at align %d: arena has %d of %d bytes left",
			ErrNoMemory, size, dir, align, uint64(len(a.mem))-a.next, len(a.mem))
	}

	p := a.mem[start:end:end]
	clear(p)

	a.next = end
	a.live++

	return &arenaBuf{a: a, addr: a.base + start, p: p}, nil
}

// MemAt returns the n bytes at bus address addr.
func (a *Arena) MemAt(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint64(len(a.mem))
	if addr < a.base || n < 0 || addr-a.base > size || uint64(n) > size-(addr-a.base) {
		return nil, fmt.Errorf("%w: %#x+%d is outside the arena", ErrAddr, addr, n)
	}

	off := addr - a.base
	return a.mem[off : off+uint64(n)], nil
}

// InUse returns the number of buffers that have not been closed.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Base returns the bus address of the arena's first byte.
func (a *Arena) Base() uint64 {
	return a.base
}

// Close unmaps the arena. Outstanding buffers must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}

func (b *arenaBuf) Bytes() []byte   { return b.p }
func (b *arenaBuf) BusAddr() uint64 { return b.addr }
func (b *arenaBuf) Len() int        { return len(b.p) }

func (b *arenaBuf) Close() error {
	b.once.Do(func() {
		b.a.mu.Lock()
		b.a.live--
		b.a.mu.Unlock()
	})

	return nil
}
