package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HugepageSize is the size of the pages Hugepages maps.
const HugepageSize = 2 << 20

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Hugepages allocates DMA memory from locked 2M hugetlb pages. A hugepage is
// physically contiguous, so an allocation that stays inside one page can be
// handed to a device by its physical address. The process needs
// CAP_SYS_ADMIN to read physical frame numbers from /proc/self/pagemap, and
// the system needs hugepages reserved in /proc/sys/vm/nr_hugepages.
//
// Without an IOMMU the bus address is the physical address.
type Hugepages struct {
	mu      sync.Mutex
	pagemap *os.File
	pages   [][]byte
	cur     []byte
	curPhys uint64
	next    int
}

type hugeBuf struct {
	p    []byte
	phys uint64
}

// OpenHugepages opens the page map used to translate addresses.
func OpenHugepages() (*Hugepages, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}

	return &Hugepages{pagemap: f}, nil
}

// Alloc implements Allocator. Requests larger than a hugepage fail.
func (h *Hugepages) Alloc(size, align int, dir Direction) (Buffer, error) {
	if err := checkAlign(size, align); err != nil {
		return nil, err
	}

	if size > HugepageSize || align > HugepageSize {
		return nil, fmt.Errorf("%w: %d bytes at align %d exceeds a hugepage", ErrNoMemory, size, align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := int(alignUp(uint64(h.next), uint64(align)))
	if h.cur == nil || start+size > len(h.cur) {
		if err := h.grow(); err != nil {
			return nil, err
		}

		start = 0
	}

	p := h.cur[start : start+size : start+size]
	clear(p)
	h.next = start + size

	return &hugeBuf{p: p, phys: h.curPhys + uint64(start)}, nil
}

// Close unmaps every hugepage. Buffers must not be used afterwards.
func (h *Hugepages) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.pages {
		unix.Munmap(p)
	}

	h.pages = nil
	h.cur = nil

	return h.pagemap.Close()
}

func (h *Hugepages) grow() error {
	p, err := unix.Mmap(-1, 0, HugepageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)

	if err != nil {
		return fmt.Errorf("%w: map hugepage: %w", ErrNoMemory, err)
	}

	phys, err := h.physAddr(uintptr(unsafe.Pointer(&p[0])))
	if err != nil {
		unix.Munmap(p)
		return err
	}

	h.pages = append(h.pages, p)
	h.cur = p
	h.curPhys = phys
	h.next = 0

	return nil
}

// physAddr translates a virtual address through /proc/self/pagemap.
func (h *Hugepages) physAddr(virt uintptr) (uint64, error) {
	pgsz := uintptr(os.Getpagesize())

	var ent [8]byte
	if _, err := h.pagemap.ReadAt(ent[:], int64(virt/pgsz*8)); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}

	v := binary.NativeEndian.Uint64(ent[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: page at %#x is not present", ErrAddr, virt)
	}

	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("%w: no frame number for %#x (need CAP_SYS_ADMIN)", ErrAddr, virt)
	}

	return uint64(pfn)*uint64(pgsz) + uint64(virt%pgsz), nil
}

func (b *hugeBuf) Bytes() []byte   { return b.p }
func (b *hugeBuf) BusAddr() uint64 { return b.phys }
func (b *hugeBuf) Len() int        { return len(b.p) }

// Close is a no-op: hugepage memory is returned when the allocator closes.
func (b *hugeBuf) Close() error { return nil }
