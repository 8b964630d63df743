package memory

import (
	"errors"
	"fmt"
)

// Long mode page table entry bits. These describe the host-virtual side of
// the world, not the extended tables; the encodings differ and must never
// be mixed.
const (
	pagePresent  uint64 = 1 << 0
	pageWritable uint64 = 1 << 1
	pageLarge    uint64 = 1 << 7

	pageAddrMask uint64 = 0x000FFFFFFFFFF000
)

// ErrNotMapped is a walk that reached a non-present entry.
var ErrNotMapped = errors.New("address not mapped")

// PageTable is a four-level long mode identity map of the pool, built out
// of pool frames. Its root backs the host CR3 field on every entry and
// doubles as the guest paging root: in-place guests keep running on the
// same translation they always had.
type PageTable struct {
	pool *Pool
	root Frame
}

// NewPageTable identity-maps [0, pool size) with 2MiB pages.
func NewPageTable(pool *Pool) (*PageTable, error) {
	root, err := pool.Alloc("paging/pml4")
	if err != nil {
		return nil, fmt.Errorf("paging root: %w", err)
	}

	pdpt, err := pool.Alloc("paging/pdpt")
	if err != nil {
		return nil, fmt.Errorf("paging pdpt: %w", err)
	}

	root.SetEntry(0, pdpt.PA|pagePresent|pageWritable)

	span := pool.Size()

	var pd Frame

	for base := uint64(0); base < span; base += LargeSize {
		if int(base>>LargeShift)&0x1FF == 0 {
			// First leaf of a gigabyte: hang a new directory.
			pd, err = pool.Alloc("paging/pd")
			if err != nil {
				return nil, fmt.Errorf("paging directory: %w", err)
			}

			pdpt.SetEntry(int(base>>30)&0x1FF, pd.PA|pagePresent|pageWritable)
		}

		pd.SetEntry(int(base>>LargeShift)&0x1FF, base|pagePresent|pageWritable|pageLarge)
	}

	return &PageTable{pool: pool, root: root}, nil
}

// Root returns the physical address of the top table, in the form CR3
// takes it.
func (t *PageTable) Root() uint64 { return t.root.PA }

// VirtToPhys resolves one virtual address through the live tables. The
// identity layout makes the answer predictable, but the walk is still
// performed: a guest that rearranged its own paging must be read the way
// it sees itself.
func (t *PageTable) VirtToPhys(va uint64) (uint64, error) {
	entry := t.root.PA | pagePresent

	for _, shift := range []uint{39, 30, 21} {
		table, err := t.pool.FrameAt(entry & pageAddrMask)
		if err != nil {
			return 0, fmt.Errorf("walk %#x: %w", va, err)
		}

		entry = table.Entry(int(va>>shift) & 0x1FF)
		if entry&pagePresent == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
		}

		if entry&pageLarge != 0 {
			if shift == 39 {
				return 0, fmt.Errorf("walk %#x: large leaf in the root table", va)
			}

			size := uint64(1) << shift

			return entry&pageAddrMask&^(size-1) | va&(size-1), nil
		}
	}

	table, err := t.pool.FrameAt(entry & pageAddrMask)
	if err != nil {
		return 0, fmt.Errorf("walk %#x: %w", va, err)
	}

	entry = table.Entry(int(va>>PageShift) & 0x1FF)
	if entry&pagePresent == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
	}

	return entry&pageAddrMask | PageOffset(va), nil
}
