// Package dma allocates memory that a bus-mastering device can read or write.
package dma

import (
	"errors"
	"fmt"
	"unsafe"
)

// Direction describes which side of the bus writes a buffer.
type Direction int

const (
	ToDevice      Direction = iota + 1 // device reads
	FromDevice                         // device writes
	Bidirectional                      // both
)

// Buffer is a block of device-visible memory.
type Buffer interface {

	// Bytes returns the buffer's memory as seen by the CPU.
	Bytes() []byte

	// BusAddr returns the address the device uses to reach the first byte.
	BusAddr() uint64

	// Len returns the size of the buffer in bytes.
	Len() int

	// Close releases the buffer. It is safe to call more than once.
	Close() error
}

// Allocator hands out zeroed DMA buffers.
type Allocator interface {

	// Alloc returns a zeroed buffer of size bytes whose bus address is a
	// multiple of align. The error wraps ErrNoMemory if the allocator is
	// exhausted.
	Alloc(size, align int, dir Direction) (Buffer, error)
}

var (
	ErrNoMemory = errors.New("dma: no memory")
	ErrAlign    = errors.New("dma: bad alignment")
	ErrAddr     = errors.New("dma: bad bus address")
)

// Slice returns the first n records of type T stored in b. The records alias
// b's memory, so T must match the device's layout exactly.
func Slice[T any](b Buffer, n int) []T {
	var t T
	if n == 0 {
		return nil
	}

	p := b.Bytes()
	if need := n * int(unsafe.Sizeof(t)); need > len(p) {
		panic(fmt.Sprintf("dma: %d records need %d bytes, buffer has %d", n, need, len(p)))
	}

	return unsafe.Slice((*T)(unsafe.Pointer(&p[0])), n)
}

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"

	case FromDevice:
		return "from-device"

	case Bidirectional:
		return "bidirectional"

	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func checkAlign(size, align int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrNoMemory, size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of two", ErrAlign, align)
	}

	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
