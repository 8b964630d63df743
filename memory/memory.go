// Package memory provides the page-frame pool behind every physical
// allocation the engine makes: enable regions, control structures, MSR
// bitmaps, translation tables and shadow pages. One anonymous mapping is
// carved into a guest region starting at physical address zero and a
// reserve at the top that frames are handed out of.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfFrames means the reserve is exhausted.
	ErrOutOfFrames = errors.New("frame reserve exhausted")

	// ErrBadAddress is an access outside the pool or off a frame boundary.
	ErrBadAddress = errors.New("address outside pool")
)

const (
	PageSize  = 0x1000
	PageShift = 12

	// LargeSize is the 2MiB leaf the identity tables start out with.
	LargeSize  = 0x200000
	LargeShift = 21

	// EntryCount is the number of 8-byte table entries in one frame.
	EntryCount = PageSize / 8
)

// Poison fills freed frames. Every byte decodes as a table entry with a
// reserved memory type, so a stale walk through a freed frame trips a
// misconfiguration instead of quietly mapping something.
const Poison = 0xEF

// PageAlign rounds addr down to a 4KiB boundary.
func PageAlign(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// PageOffset returns the byte offset of addr within its page.
func PageOffset(addr uint64) uint64 { return addr & (PageSize - 1) }

// LargeAlign rounds addr down to a 2MiB boundary.
func LargeAlign(addr uint64) uint64 { return addr &^ (LargeSize - 1) }

// Aligned reports whether addr sits on an align boundary.
func Aligned(addr, align uint64) bool { return addr&(align-1) == 0 }

// Frame is one 4KiB page of pool memory together with its physical address.
type Frame struct {
	PA  uint64
	Buf []byte
}

// Entry loads table entry i with 8-byte atomicity, so a reader racing a
// remapping core observes either the old or the new entry, never a blend.
func (f Frame) Entry(i int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&f.Buf[i*8])))
}

// SetEntry stores table entry i with 8-byte atomicity.
func (f Frame) SetEntry(i int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&f.Buf[i*8])), v)
}

// Zero clears the frame.
func (f Frame) Zero() {
	for i := range f.Buf {
		f.Buf[i] = 0
	}
}

// Pool owns the mapping. Physical addresses are offsets into it, so the
// guest address space starts at zero the way bare metal does.
type Pool struct {
	mu sync.Mutex

	arena []byte

	// guestTop is the first reserve byte; guest memory is [0, guestTop).
	guestTop uint64
	next     uint64
	free     []uint64
	tags     map[uint64]string

	allocated uint64
	recycled  uint64
}

// NewPool maps size bytes of zeroed memory and sets aside the top reserve
// bytes for frame allocation. Both must be page multiples.
func NewPool(size, reserve int) (*Pool, error) {
	if size <= 0 || reserve <= 0 || reserve >= size {
		return nil, fmt.Errorf("%w: size %#x reserve %#x", ErrBadAddress, size, reserve)
	}

	if !Aligned(uint64(size), PageSize) || !Aligned(uint64(reserve), PageSize) {
		return nil, fmt.Errorf("%w: size %#x reserve %#x", ErrBadAddress, size, reserve)
	}

	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	return &Pool{
		arena:    arena,
		guestTop: uint64(size - reserve),
		next:     uint64(size - reserve),
		tags:     map[uint64]string{},
	}, nil
}

// Close unmaps the pool. Every Frame handed out becomes invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return nil
	}

	err := unix.Munmap(p.arena)
	p.arena = nil

	return err
}

// Size returns the pool extent in bytes.
func (p *Pool) Size() uint64 { return uint64(len(p.arena)) }

// GuestSize returns the extent of the guest region at the bottom.
func (p *Pool) GuestSize() uint64 { return p.guestTop }

// Alloc hands out one zeroed frame from the reserve. The tag names the
// consumer for diagnostics.
func (p *Pool) Alloc(tag string) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pa uint64

	switch {
	case len(p.free) > 0:
		pa = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.recycled++
	case p.next+PageSize <= uint64(len(p.arena)):
		pa = p.next
		p.next += PageSize
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrOutOfFrames, tag)
	}

	f := Frame{PA: pa, Buf: p.arena[pa : pa+PageSize : pa+PageSize]}
	f.Zero()

	p.tags[pa] = tag
	p.allocated++

	return f, nil
}

// AllocRegion hands out a frame with the revision identifier in its first
// word, the layout VMXON and control-structure regions share.
func (p *Pool) AllocRegion(revision uint32, tag string) (Frame, error) {
	f, err := p.Alloc(tag)
	if err != nil {
		return Frame{}, err
	}

	f.SetEntry(0, uint64(revision))

	return f, nil
}

// Free poisons the frame and returns it to the pool.
func (p *Pool) Free(f Frame) {
	for i := range f.Buf {
		f.Buf[i] = Poison
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tags, f.PA)
	p.free = append(p.free, f.PA)
}

// FrameAt returns the frame view of an allocated, page-aligned address.
// Walkers use it to follow table links by physical address.
func (p *Pool) FrameAt(pa uint64) (Frame, error) {
	if !Aligned(pa, PageSize) || pa+PageSize > uint64(len(p.arena)) {
		return Frame{}, fmt.Errorf("%w: %#x", ErrBadAddress, pa)
	}

	return Frame{PA: pa, Buf: p.arena[pa : pa+PageSize : pa+PageSize]}, nil
}

// Slice returns a bounds-checked view of [pa, pa+n). It spans frame
// boundaries freely; the pool is one flat mapping.
func (p *Pool) Slice(pa, n uint64) ([]byte, error) {
	end := pa + n
	if end < pa || end > uint64(len(p.arena)) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrBadAddress, pa, n)
	}

	return p.arena[pa:end:end], nil
}

// Tag returns the consumer name recorded at allocation, if any.
func (p *Pool) Tag(pa uint64) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tags[pa]
}

// Stats is a point-in-time allocation summary.
type Stats struct {
	Allocated uint64
	Recycled  uint64
	FreeList  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{Allocated: p.allocated, Recycled: p.recycled, FreeList: len(p.free)}
}
