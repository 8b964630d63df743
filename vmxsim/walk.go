package vmxsim

import (
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/vmx"
)

// The walk reads raw table frames out of the pool by physical address,
// so it sees exactly what the table builder wrote, poison included.
// Successful walks land in a per-core cache that survives table edits
// until an invalidation arrives, which is how stale translations stay
// observable.

const (
	entryAddrMask uint64 = 0x000FFFFFFFFFF000
	entryLarge    uint64 = 1 << 7
)

// access classifies one guest memory reference. The qualification
// access bits and the entry permission bits share values, so one mask
// serves both.
type access int

const (
	accessRead access = iota
	accessWrite
	accessFetch
)

func (a access) bit() uint64 {
	switch a {
	case accessRead:
		return vmx.EPTQualRead
	case accessWrite:
		return vmx.EPTQualWrite
	default:
		return vmx.EPTQualFetch
	}
}

// fault is a failed translation: a violation carrying its exit
// qualification, or a misconfiguration.
type fault struct {
	misconfig bool
	qual      uint64
}

type tlbEntry struct {
	hpa  uint64
	perm uint64
}

// translate resolves gpa for the given access, serving cache hits
// without touching the tables. Walks that complete are cached whatever
// the permission outcome, the way real translation caches work.
func (c *Core) translate(gpa uint64, a access) (uint64, *fault) {
	eptp := c.vmcs[c.current][vmx.FieldEPTPointer]
	page := memory.PageAlign(gpa)

	c.tlbMu.Lock()
	if eptp != c.tlbEPTP {
		c.tlb = map[uint64]tlbEntry{}
		c.tlbEPTP = eptp
		c.tlbGen++
	}

	e, hit := c.tlb[page]
	gen := c.tlbGen
	c.tlbMu.Unlock()

	if !hit {
		var flt *fault
		e, flt = c.walk(eptp, page)
		if flt != nil {
			if !flt.misconfig {
				flt.qual |= a.bit()
			}

			return 0, flt
		}

		c.tlbMu.Lock()
		// An invalidation may have landed mid-walk; a translation read
		// before it must not outlive it.
		if c.tlbGen == gen {
			c.tlb[page] = e
		}
		c.tlbMu.Unlock()
	}

	if e.perm&a.bit() == 0 {
		return 0, &fault{qual: a.bit() | e.perm<<3 | vmx.EPTQualGLAValid}
	}

	return e.hpa + memory.PageOffset(gpa), nil
}

// walk follows the four-level tree for one 4KiB page and returns its
// translation and effective permissions.
func (c *Core) walk(eptp, page uint64) (tlbEntry, *fault) {
	frame, err := c.pool.FrameAt(eptp & entryAddrMask)
	if err != nil {
		return tlbEntry{}, &fault{misconfig: true}
	}

	// The top two levels are always table links.
	for _, shift := range [2]uint{39, 30} {
		entry := frame.Entry(int(page>>shift) & 0x1FF)
		if flt := checkLink(entry); flt != nil {
			return tlbEntry{}, flt
		}

		frame, err = c.pool.FrameAt(entry & entryAddrMask)
		if err != nil {
			return tlbEntry{}, &fault{misconfig: true}
		}
	}

	entry := frame.Entry(int(page>>21) & 0x1FF)
	if entry&entryLarge != 0 {
		if flt := checkLeaf(entry); flt != nil {
			return tlbEntry{}, flt
		}

		base := entry & entryAddrMask
		if base&(memory.LargeSize-1) != 0 {
			return tlbEntry{}, &fault{misconfig: true}
		}

		return tlbEntry{
			hpa:  base + (page & (memory.LargeSize - 1)),
			perm: entry & 0x7,
		}, nil
	}

	if flt := checkLink(entry); flt != nil {
		return tlbEntry{}, flt
	}

	frame, err = c.pool.FrameAt(entry & entryAddrMask)
	if err != nil {
		return tlbEntry{}, &fault{misconfig: true}
	}

	entry = frame.Entry(int(page>>12) & 0x1FF)
	if flt := checkLeaf(entry); flt != nil {
		return tlbEntry{}, flt
	}

	return tlbEntry{hpa: entry & entryAddrMask, perm: entry & 0x7}, nil
}

// checkLink vets a table-link entry.
func checkLink(entry uint64) *fault {
	perm := entry & 0x7

	switch {
	case perm == 0:
		return &fault{qual: vmx.EPTQualGLAValid}
	case perm&0x3 == 0x2:
		// Writable but not readable is never valid.
		return &fault{misconfig: true}
	case (entry>>3)&0x7 != 0:
		// Reserved bits in a table link.
		return &fault{misconfig: true}
	case entry&entryLarge != 0:
		// Huge leaves above the directory are not advertised.
		return &fault{misconfig: true}
	}

	return nil
}

// checkLeaf vets a leaf entry. Only the uncacheable and write-back
// memory types are supported, which is what lets poisoned frames trip
// the walk: every poison byte decodes to an unsupported type.
func checkLeaf(entry uint64) *fault {
	perm := entry & 0x7

	switch {
	case perm == 0:
		return &fault{qual: vmx.EPTQualGLAValid}
	case perm&0x3 == 0x2:
		return &fault{misconfig: true}
	}

	if mt := (entry >> 3) & 0x7; mt != 0 && mt != 6 {
		return &fault{misconfig: true}
	}

	return nil
}
