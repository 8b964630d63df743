// Package ept builds and mutates the extended page tables that translate
// guest-physical to host-physical addresses. The tree starts as an identity
// map of the whole pool with 2MiB leaves; pages that need per-4KiB treatment
// are split on demand. All translation changes go through 8-byte atomic
// entry stores, so cores walking the tree concurrently see either the old
// or the new mapping.
package ept

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/vmx"
)

var eptLogger = logrus.WithField("source", "ept")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := eptLogger.Data
	eptLogger = logger.WithFields(fields)
}

var (
	// ErrOutOfSpan is a guest-physical address beyond the mapped extent.
	ErrOutOfSpan = errors.New("guest-physical address beyond mapped span")

	// ErrUnmapped is a walk that hit a non-present entry.
	ErrUnmapped = errors.New("guest-physical address not mapped")
)

// Entry bits. Non-leaf entries carry only the access bits and the link
// address; memory type bits are meaningful in leaves alone.
const (
	entryRead  uint64 = 1 << 0
	entryWrite uint64 = 1 << 1
	entryExec  uint64 = 1 << 2
	entryLarge uint64 = 1 << 7

	memTypeWB    uint64 = 6
	memTypeShift        = 3

	addrMask uint64 = 0x000FFFFFFFFFF000

	// One PML4 entry covers 512GiB, the most this tree maps.
	maxSpan uint64 = 1 << 39

	tableLink = entryRead | entryWrite | entryExec
	leafWB    = memTypeWB << memTypeShift
)

// Perm is the access set of a leaf mapping.
type Perm uint64

const (
	PermR Perm = Perm(entryRead)
	PermW Perm = Perm(entryWrite)
	PermX Perm = Perm(entryExec)

	PermRW  = PermR | PermW
	PermRWX = PermR | PermW | PermX
)

func (p Perm) String() string {
	buf := []byte("---")
	if p&PermR != 0 {
		buf[0] = 'r'
	}

	if p&PermW != 0 {
		buf[1] = 'w'
	}

	if p&PermX != 0 {
		buf[2] = 'x'
	}

	return string(buf)
}

func pml4Index(gpa uint64) int { return int(gpa>>39) & 0x1FF }
func pdptIndex(gpa uint64) int { return int(gpa>>30) & 0x1FF }
func pdIndex(gpa uint64) int   { return int(gpa>>21) & 0x1FF }
func ptIndex(gpa uint64) int   { return int(gpa>>12) & 0x1FF }

// Invalidator reaches one core's translation caches. The hardware handle
// of every virtualized core satisfies it.
type Invalidator interface {
	CoreID() int
	Invept(typ vmx.InveptType, eptp uint64) error
}

// Mapping is the result of a walk.
type Mapping struct {
	HPA   uint64
	Perm  Perm
	Large bool
}

// Tree is one set of extended page tables shared by every core.
type Tree struct {
	mu    sync.RWMutex
	pool  *memory.Pool
	root  memory.Frame
	span  uint64
	cores []Invalidator
}

// New builds an identity map over the whole pool with 2MiB leaves mapped
// read-write-execute, write-back.
func New(pool *memory.Pool) (*Tree, error) {
	span := pool.Size()
	if span > maxSpan {
		return nil, fmt.Errorf("%w: span %#x", ErrOutOfSpan, span)
	}

	root, err := pool.Alloc("ept/pml4")
	if err != nil {
		return nil, err
	}

	pdpt, err := pool.Alloc("ept/pdpt")
	if err != nil {
		return nil, err
	}

	root.SetEntry(0, pdpt.PA|tableLink)

	var pd memory.Frame

	for base := uint64(0); base < span; base += memory.LargeSize {
		if pdIndex(base) == 0 {
			// First leaf of a gigabyte: hang a new directory.
			pd, err = pool.Alloc("ept/pd")
			if err != nil {
				return nil, err
			}

			pdpt.SetEntry(pdptIndex(base), pd.PA|tableLink)
		}

		pd.SetEntry(pdIndex(base), base|uint64(PermRWX)|leafWB|entryLarge)
	}

	t := &Tree{pool: pool, root: root, span: span}

	eptLogger.WithFields(logrus.Fields{
		"root": fmt.Sprintf("%#x", root.PA),
		"span": fmt.Sprintf("%#x", span),
	}).Debug("identity map built")

	return t, nil
}

// EPTP composes the pointer loaded into the control structure: write-back,
// 4-level walk.
func (t *Tree) EPTP() uint64 {
	return t.root.PA | memTypeWB | (4-1)<<3
}

// Span returns the mapped extent.
func (t *Tree) Span() uint64 { return t.span }

// RegisterInvalidator adds a core to the invalidation broadcast set.
func (t *Tree) RegisterInvalidator(inv Invalidator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cores = append(t.cores, inv)
}

// DeregisterInvalidator removes a core from the broadcast set. A core must
// leave the set before it leaves root operation, or a later broadcast would
// kick a core that can no longer take one. Removal copies the set so a
// broadcast snapshot taken concurrently stays intact.
func (t *Tree) DeregisterInvalidator(inv Invalidator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make([]Invalidator, 0, len(t.cores))

	for _, have := range t.cores {
		if have != inv {
			next = append(next, have)
		}
	}

	t.cores = next
}

// Invalidate flushes the cached translations of every registered core for
// this tree's context. Callers batch their mutations and invalidate once;
// the broadcast is synchronous, so when it returns no core holds a stale
// translation.
func (t *Tree) Invalidate() error {
	return t.broadcast(vmx.InveptSingleContext)
}

// InvalidateAll flushes every cached translation on every registered core,
// whatever context it belongs to.
func (t *Tree) InvalidateAll() error {
	return t.broadcast(vmx.InveptGlobal)
}

func (t *Tree) broadcast(typ vmx.InveptType) error {
	t.mu.RLock()
	cores := t.cores
	eptp := t.EPTP()
	t.mu.RUnlock()

	for _, inv := range cores {
		if err := inv.Invept(typ, eptp); err != nil {
			return fmt.Errorf("core %d invept: %w", inv.CoreID(), err)
		}
	}

	return nil
}

// Map sets the identity translation with the given access across
// [start, start+size). Regions still covered by large leaves are written
// at large granularity; split regions are written per page. Mapping the
// same range with the same access twice is a no-op.
func (t *Tree) Map(start, size uint64, perm Perm) error {
	if !memory.Aligned(start, memory.PageSize) || !memory.Aligned(size, memory.PageSize) {
		return fmt.Errorf("%w: map %#x+%#x", memory.ErrBadAddress, start, size)
	}

	if start+size > t.span {
		return fmt.Errorf("%w: map %#x+%#x", ErrOutOfSpan, start, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for addr := start; addr < start+size; {
		pd, err := t.directory(addr)
		if err != nil {
			return err
		}

		entry := pd.Entry(pdIndex(addr))

		wholeLarge := memory.Aligned(addr, memory.LargeSize) &&
			start+size-addr >= memory.LargeSize

		if entry&entryLarge != 0 && wholeLarge {
			pd.SetEntry(pdIndex(addr), addr|uint64(perm)|leafWB|entryLarge)
			addr += memory.LargeSize

			continue
		}

		pt, err := t.splitLocked(addr)
		if err != nil {
			return err
		}

		pt.SetEntry(ptIndex(addr), addr|uint64(perm)|leafWB)
		addr += memory.PageSize
	}

	return nil
}

// Split breaks the 2MiB leaf covering gpa into 512 4KiB mappings with the
// same translation and access. The structure changes but no translation
// does, so no invalidation is required for the split alone.
func (t *Tree) Split(gpa uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.splitLocked(gpa)

	return err
}

func (t *Tree) splitLocked(gpa uint64) (memory.Frame, error) {
	pd, err := t.directory(gpa)
	if err != nil {
		return memory.Frame{}, err
	}

	entry := pd.Entry(pdIndex(gpa))
	if entry == 0 {
		return memory.Frame{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	if entry&entryLarge == 0 {
		// Already split.
		return t.pool.FrameAt(entry & addrMask)
	}

	pt, err := t.pool.Alloc("ept/pt")
	if err != nil {
		return memory.Frame{}, err
	}

	base := entry & addrMask
	access := entry & uint64(PermRWX)

	for i := 0; i < memory.EntryCount; i++ {
		pt.SetEntry(i, (base+uint64(i)*memory.PageSize)|access|leafWB)
	}

	pd.SetEntry(pdIndex(gpa), pt.PA|tableLink)

	eptLogger.WithField("gpa", fmt.Sprintf("%#x", memory.LargeAlign(gpa))).
		Debug("large leaf split")

	return pt, nil
}

// Remap points the 4KiB mapping of gpa at hpa with the given access,
// splitting the covering 2MiB leaf first if needed. The change reaches
// other cores once Invalidate runs.
func (t *Tree) Remap(gpa, hpa uint64, perm Perm) error {
	if !memory.Aligned(gpa, memory.PageSize) || !memory.Aligned(hpa, memory.PageSize) {
		return fmt.Errorf("%w: remap %#x -> %#x", memory.ErrBadAddress, gpa, hpa)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pt, err := t.splitLocked(gpa)
	if err != nil {
		return err
	}

	pt.SetEntry(ptIndex(gpa), hpa|uint64(perm)|leafWB)

	eptLogger.WithFields(logrus.Fields{
		"gpa":  fmt.Sprintf("%#x", gpa),
		"hpa":  fmt.Sprintf("%#x", hpa),
		"perm": perm.String(),
	}).Debug("page remapped")

	return nil
}

// Protect changes the access of the 4KiB mapping of gpa without moving it.
func (t *Tree) Protect(gpa uint64, perm Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt, err := t.splitLocked(gpa)
	if err != nil {
		return err
	}

	entry := pt.Entry(ptIndex(gpa))
	if entry == 0 {
		return fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	pt.SetEntry(ptIndex(gpa), entry&addrMask|uint64(perm)|leafWB)

	return nil
}

// Translate walks the tree for gpa.
func (t *Tree) Translate(gpa uint64) (Mapping, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pd, err := t.directory(gpa)
	if err != nil {
		return Mapping{}, err
	}

	entry := pd.Entry(pdIndex(gpa))

	switch {
	case entry == 0:
		return Mapping{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	case entry&entryLarge != 0:
		return Mapping{
			HPA:   entry&addrMask | gpa&(memory.LargeSize-1),
			Perm:  Perm(entry & uint64(PermRWX)),
			Large: true,
		}, nil
	}

	pt, err := t.pool.FrameAt(entry & addrMask)
	if err != nil {
		return Mapping{}, err
	}

	entry = pt.Entry(ptIndex(gpa))
	if entry == 0 {
		return Mapping{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	return Mapping{
		HPA:  entry&addrMask | memory.PageOffset(gpa),
		Perm: Perm(entry & uint64(PermRWX)),
	}, nil
}

// directory returns the page directory frame covering gpa.
func (t *Tree) directory(gpa uint64) (memory.Frame, error) {
	if gpa >= t.span {
		return memory.Frame{}, fmt.Errorf("%w: %#x", ErrOutOfSpan, gpa)
	}

	pdptEntry := t.root.Entry(pml4Index(gpa))
	if pdptEntry == 0 {
		return memory.Frame{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	pdpt, err := t.pool.FrameAt(pdptEntry & addrMask)
	if err != nil {
		return memory.Frame{}, err
	}

	pdEntry := pdpt.Entry(pdptIndex(gpa))
	if pdEntry == 0 {
		return memory.Frame{}, fmt.Errorf("%w: %#x", ErrUnmapped, gpa)
	}

	return t.pool.FrameAt(pdEntry & addrMask)
}
