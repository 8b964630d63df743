package hv

import (
	"fmt"
	"sync/atomic"

	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/memory"
)

var _ hypercall.Backend = (*Hypervisor)(nil)

// InstallHook services the channel's install command. Both addresses are
// guest-physical; the content at shadowSrc is copied into the shadow
// frame, so the caller may reuse its staging page immediately.
func (h *Hypervisor) InstallHook(page, shadowSrc uint64) error {
	content, err := h.pool.Slice(shadowSrc, memory.PageSize)
	if err != nil {
		return err
	}

	_, err = h.hooks.Install(page, content)

	return err
}

// RemoveHook lifts the hook on page and restores its identity mapping.
func (h *Hypervisor) RemoveHook(page uint64) error {
	return h.hooks.Remove(page)
}

// Counter answers the channel's counter query.
func (h *Hypervisor) Counter(id hypercall.CounterID) (uint64, error) {
	switch id {
	case hypercall.CounterHooks:
		return uint64(h.hooks.Stats().Installed), nil

	case hypercall.CounterExits:
		var total uint64
		for _, v := range h.cores {
			total += v.Stats().Total
		}

		return total, nil

	case hypercall.CounterExecSwitches:
		return h.hooks.Stats().ExecSwitches, nil

	case hypercall.CounterDataSwitches:
		return h.hooks.Stats().DataSwitches, nil

	case hypercall.CounterCores:
		return uint64(len(h.cores)), nil
	}

	return 0, fmt.Errorf("counter %d unknown", id)
}

// Terminate notes a core leaving. The issuing core's loop does the
// unwinding itself; the engine only keeps count.
func (h *Hypervisor) Terminate() error {
	n := atomic.AddUint64(&h.unwound, 1)
	hvLogger.WithField("unwound", n).Debug("terminate served")

	return nil
}
