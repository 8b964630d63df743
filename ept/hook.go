package ept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/vmx"
)

var (
	// ErrHookExists means the page already carries a hook.
	ErrHookExists = errors.New("page already hooked")

	// ErrHookNotFound means no hook covers the page.
	ErrHookNotFound = errors.New("page not hooked")

	// ErrTooManyHooks means the hook budget is spent.
	ErrTooManyHooks = errors.New("hook limit reached")
)

// MaxHooks bounds shadow-frame consumption.
const MaxHooks = 64

// Hook is one page living a double life: fetches keep hitting the original
// frame, data reads and writes are redirected to a shadow frame holding
// substitute content. The leaf entry for the page points at exactly one of
// the two at any instant and never grants execute together with read or
// write, so every access of the concealed type faults and gets rerouted.
type Hook struct {
	// Page is the 4KiB-aligned guest-physical address.
	Page uint64

	// Original is the translation the page had before hooking.
	Original uint64

	shadow memory.Frame

	// execFacing tracks which frame the leaf points at; mutated only
	// under the owning set's lock.
	execFacing bool

	execSwitches uint64
	dataSwitches uint64
}

// Shadow returns the host-physical address of the substitute frame.
func (h *Hook) Shadow() uint64 { return h.shadow.PA }

// ExecSwitches counts flips toward the original, execute-only frame.
func (h *Hook) ExecSwitches() uint64 { return atomic.LoadUint64(&h.execSwitches) }

// DataSwitches counts flips toward the shadow, data-only frame.
func (h *Hook) DataSwitches() uint64 { return atomic.LoadUint64(&h.dataSwitches) }

// HookSet owns every hook installed on one tree. Each structural edit and
// its invalidation broadcast complete under one lock acquisition, so no
// core can observe the edit without the broadcast having reached it.
type HookSet struct {
	mu      sync.Mutex
	tree    *Tree
	pool    *memory.Pool
	hooks   *btree.BTreeG[*Hook]
	dropped uint64
}

// NewHookSet prepares an empty set over tree.
func NewHookSet(tree *Tree, pool *memory.Pool) *HookSet {
	return &HookSet{
		tree: tree,
		pool: pool,
		hooks: btree.NewG(2, func(a, b *Hook) bool {
			return a.Page < b.Page
		}),
	}
}

// Install hooks page. The shadow frame takes content (zero-filled beyond
// it) and the leaf starts out execute-only on the original frame, so
// execution continues undisturbed and the very first data access faults
// over to the shadow. Hooking an already-hooked page is a conflict and
// leaves the existing hook untouched.
func (s *HookSet) Install(page uint64, content []byte) (*Hook, error) {
	if !memory.Aligned(page, memory.PageSize) {
		return nil, fmt.Errorf("%w: hook page %#x", memory.ErrBadAddress, page)
	}

	if len(content) > memory.PageSize {
		return nil, fmt.Errorf("%w: content %#x bytes", memory.ErrBadAddress, len(content))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hooks.Get(&Hook{Page: page}); ok {
		return nil, fmt.Errorf("%w: %#x", ErrHookExists, page)
	}

	if s.hooks.Len() >= MaxHooks {
		return nil, ErrTooManyHooks
	}

	mapping, err := s.tree.Translate(page)
	if err != nil {
		return nil, err
	}

	shadow, err := s.pool.Alloc("ept/shadow")
	if err != nil {
		return nil, err
	}

	copy(shadow.Buf, content)

	hook := &Hook{
		Page:       page,
		Original:   memory.PageAlign(mapping.HPA),
		shadow:     shadow,
		execFacing: true,
	}

	if err := s.tree.Remap(page, hook.Original, PermX); err != nil {
		s.pool.Free(shadow)

		return nil, err
	}

	if err := s.tree.Invalidate(); err != nil {
		return nil, err
	}

	s.hooks.ReplaceOrInsert(hook)

	eptLogger.WithFields(logrus.Fields{
		"page":   fmt.Sprintf("%#x", page),
		"shadow": fmt.Sprintf("%#x", shadow.PA),
	}).Info("hook installed")

	return hook, nil
}

// Remove restores the pre-hook translation of page and releases the shadow.
func (s *HookSet) Remove(page uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(memory.PageAlign(page))
}

func (s *HookSet) removeLocked(page uint64) error {
	hook, ok := s.hooks.Get(&Hook{Page: page})
	if !ok {
		return fmt.Errorf("%w: %#x", ErrHookNotFound, page)
	}

	if err := s.tree.Remap(hook.Page, hook.Original, PermRWX); err != nil {
		return err
	}

	if err := s.tree.Invalidate(); err != nil {
		return err
	}

	s.hooks.Delete(hook)
	s.pool.Free(hook.shadow)

	eptLogger.WithField("page", fmt.Sprintf("%#x", hook.Page)).Info("hook removed")

	return nil
}

// RemoveAll tears down every hook, keeping going past individual failures
// and reporting the first one.
func (s *HookSet) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pages []uint64

	s.hooks.Ascend(func(h *Hook) bool {
		pages = append(pages, h.Page)

		return true
	})

	var first error

	for _, page := range pages {
		if err := s.removeLocked(page); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// Find returns the hook covering gpa, if any.
func (s *HookSet) Find(gpa uint64) (*Hook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hooks.Get(&Hook{Page: memory.PageAlign(gpa)})
}

// Pages lists hooked pages in ascending order.
func (s *HookSet) Pages() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]uint64, 0, s.hooks.Len())

	s.hooks.Ascend(func(h *Hook) bool {
		pages = append(pages, h.Page)

		return true
	})

	return pages
}

// Len returns the number of installed hooks.
func (s *HookSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hooks.Len()
}

// OnViolation resolves a translation fault at gpa. When a hook covers the
// page, the leaf is flipped to the frame matching the access, a fetch back
// to the execute-only original, a read or write over to the shadow, and
// true is returned; the faulting core then re-enters the guest and the
// access replays against the new frame. An access that does not classify
// cleanly as fetch or data drops the hook and restores identity rather
// than guessing.
func (s *HookSet) OnViolation(gpa, qualification uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hook, ok := s.hooks.Get(&Hook{Page: memory.PageAlign(gpa)})
	if !ok {
		return false, nil
	}

	fetch := qualification&vmx.EPTQualFetch != 0
	data := qualification&(vmx.EPTQualRead|vmx.EPTQualWrite) != 0

	if fetch == data {
		// Both or neither: no clean classification exists. Giving the
		// page back untouched is safe; keeping a guessed mapping is not.
		eptLogger.WithFields(logrus.Fields{
			"page": fmt.Sprintf("%#x", hook.Page),
			"qual": fmt.Sprintf("%#x", qualification),
		}).Warn("unclassifiable access, dropping hook")

		s.dropped++

		return true, s.removeLocked(hook.Page)
	}

	if fetch {
		if err := s.tree.Remap(hook.Page, hook.Original, PermX); err != nil {
			return true, err
		}

		hook.execFacing = true

		atomic.AddUint64(&hook.execSwitches, 1)
	} else {
		if err := s.tree.Remap(hook.Page, hook.shadow.PA, PermRW); err != nil {
			return true, err
		}

		hook.execFacing = false

		atomic.AddUint64(&hook.dataSwitches, 1)
	}

	return true, s.tree.Invalidate()
}

// HookStats is the summed view of every hook's counters.
type HookStats struct {
	Installed    int
	ExecSwitches uint64
	DataSwitches uint64
	Dropped      uint64
}

func (s *HookSet) Stats() HookStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := HookStats{Installed: s.hooks.Len(), Dropped: s.dropped}

	s.hooks.Ascend(func(h *Hook) bool {
		stats.ExecSwitches += atomic.LoadUint64(&h.execSwitches)
		stats.DataSwitches += atomic.LoadUint64(&h.dataSwitches)

		return true
	})

	return stats
}
