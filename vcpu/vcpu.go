// Package vcpu drives one logical processor through the virtualization
// lifecycle: capability probe, region allocation, root-operation entry,
// control-structure load, launch, the exit dispatch loop and teardown.
// Transitions only move forward and a failed transition is fatal for the
// core; half-entered states cannot be backed out of safely. The only path
// to the disabled state runs through the loop, on a termination request
// from the guest side.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/ept"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmexit"
	"github.com/tigr0w/illusion/vmx"
)

var vcpuLogger = logrus.WithField("source", "vcpu")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := vcpuLogger.Data
	vcpuLogger = logger.WithFields(fields)
}

var (
	// ErrBadState is an operation attempted from the wrong lifecycle
	// state.
	ErrBadState = errors.New("wrong lifecycle state")

	// ErrReadback means a field written to the control structure read
	// back a different value. The structure cannot be trusted, so the
	// core never launches.
	ErrReadback = errors.New("control structure readback mismatch")
)

// State is a core's position in the lifecycle.
type State int

const (
	StateUnsupported State = iota
	StateProbed
	StateRegionAllocated
	StateEnabled
	StateLoaded
	StateLaunched
	StateRunning
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUnsupported:
		return "unsupported"
	case StateProbed:
		return "probed"
	case StateRegionAllocated:
		return "region-allocated"
	case StateEnabled:
		return "enabled"
	case StateLoaded:
		return "control-structure-loaded"
	case StateLaunched:
		return "launched"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Config wires one core into the shared engine state.
type Config struct {
	// Hardware is the core's capability handle.
	Hardware vmx.Hardware

	// Pool backs the enable, control-structure, bitmap and host stack
	// frames.
	Pool *memory.Pool

	// Tree is the shared translation tree. The core joins its
	// invalidation broadcast set for as long as it is in root operation.
	Tree *ept.Tree

	// Paging is the host translation root, loaded as both host and guest
	// CR3: in-place guests keep running on the tables they always had.
	Paging *memory.PageTable

	// Stealth filters identification and model-register traffic.
	Stealth *stealth.Layer

	// Hooks resolves access faults on hooked pages.
	Hooks *ept.HookSet

	// Backend answers guest calls.
	Backend hypercall.Backend

	// Entry is the guest register file on first entry. RIP and RSP must
	// be set; the rest normally starts zero.
	Entry vmx.Regs
}

// Vcpu is one logical processor's lifecycle state and dispatch context,
// owned by the goroutine running its loop. State and Stats may be read
// from other goroutines; everything else belongs to the owner.
type Vcpu struct {
	id     int
	hw     vmx.Hardware
	pool   *memory.Pool
	tree   *ept.Tree
	paging *memory.PageTable

	caps      *vmx.Capabilities
	enable    memory.Frame
	vmcs      memory.Frame
	bitmap    memory.Frame
	hostStack memory.Frame

	regs     vmx.Regs
	launched bool
	state    atomic.Int32

	dispatch vmexit.Context

	log *logrus.Entry
}

// New prepares a core in its initial state. Nothing touches hardware until
// BringUp.
func New(cfg Config) (*Vcpu, error) {
	if cfg.Hardware == nil || cfg.Pool == nil || cfg.Tree == nil || cfg.Paging == nil {
		return nil, errors.New("vcpu: hardware, pool, tree and paging are required")
	}

	v := &Vcpu{
		id:     cfg.Hardware.CoreID(),
		hw:     cfg.Hardware,
		pool:   cfg.Pool,
		tree:   cfg.Tree,
		paging: cfg.Paging,
		regs:   cfg.Entry,
		log:    vcpuLogger.WithField("core", cfg.Hardware.CoreID()),
	}

	v.dispatch = vmexit.Context{
		HW:                 cfg.Hardware,
		Stealth:            cfg.Stealth,
		Hooks:              cfg.Hooks,
		Backend:            cfg.Backend,
		ReadGuest:          v.readGuest,
		DropWriteIntercept: v.dropWriteIntercept,
		Log:                v.log,
	}

	return v, nil
}

// ID returns the owning logical processor index.
func (v *Vcpu) ID() int { return v.id }

// State returns the current lifecycle position.
func (v *Vcpu) State() State { return State(v.state.Load()) }

// Regs returns the saved guest register snapshot.
func (v *Vcpu) Regs() vmx.Regs { return v.regs }

// Stats exposes the dispatch counters.
func (v *Vcpu) Stats() vmexit.Stats { return v.dispatch.Stats() }

func (v *Vcpu) transition(next State) {
	v.log.WithFields(logrus.Fields{
		"from": v.State().String(),
		"to":   next.String(),
	}).Debug("lifecycle transition")

	v.state.Store(int32(next))
}

// BringUp walks the core from its initial state to control-structure-loaded,
// ready for the loop to launch. The first failing step aborts with the core
// left in its last good state.
func (v *Vcpu) BringUp() error {
	for _, step := range []func() error{
		v.probe,
		v.allocateRegions,
		v.enterRoot,
		v.load,
	} {
		if err := step(); err != nil {
			return err
		}
	}

	return nil
}

func (v *Vcpu) probe() error {
	if s := v.State(); s != StateUnsupported {
		return fmt.Errorf("%w: probe from %s", ErrBadState, s)
	}

	caps, err := vmx.Probe(v.hw)
	if err != nil {
		return fmt.Errorf("core %d: %w", v.id, err)
	}

	v.caps = caps
	v.transition(StateProbed)

	return nil
}

func (v *Vcpu) allocateRegions() error {
	if s := v.State(); s != StateProbed {
		return fmt.Errorf("%w: allocate from %s", ErrBadState, s)
	}

	var err error

	if v.enable, err = v.pool.AllocRegion(v.caps.RevisionID,
		fmt.Sprintf("vcpu%d/vmxon", v.id)); err != nil {
		return err
	}

	if v.vmcs, err = v.pool.AllocRegion(v.caps.RevisionID,
		fmt.Sprintf("vcpu%d/vmcs", v.id)); err != nil {
		return err
	}

	if v.bitmap, err = v.pool.Alloc(fmt.Sprintf("vcpu%d/msr-bitmap", v.id)); err != nil {
		return err
	}

	if v.hostStack, err = v.pool.Alloc(fmt.Sprintf("vcpu%d/host-stack", v.id)); err != nil {
		return err
	}

	v.transition(StateRegionAllocated)

	return nil
}

func (v *Vcpu) enterRoot() error {
	if s := v.State(); s != StateRegionAllocated {
		return fmt.Errorf("%w: enable from %s", ErrBadState, s)
	}

	v.hw.WriteCR4(v.hw.ReadCR4() | vmx.CR4VMXE)

	if err := v.hw.VMXOn(v.enable.PA); err != nil {
		return fmt.Errorf("core %d vmxon: %w", v.id, err)
	}

	// From here on the core can cache translations, so it has to hear
	// every broadcast.
	v.tree.RegisterInvalidator(v.hw)
	v.transition(StateEnabled)

	return nil
}

func (v *Vcpu) load() error {
	if s := v.State(); s != StateEnabled {
		return fmt.Errorf("%w: load from %s", ErrBadState, s)
	}

	if err := v.hw.VMClear(v.vmcs.PA); err != nil {
		return fmt.Errorf("core %d vmclear: %w", v.id, err)
	}

	if err := v.hw.VMPtrLd(v.vmcs.PA); err != nil {
		return fmt.Errorf("core %d vmptrld: %w", v.id, err)
	}

	if err := v.populate(); err != nil {
		return fmt.Errorf("core %d: %w", v.id, err)
	}

	v.transition(StateLoaded)

	return nil
}

// Loop launches the guest and dispatches exits until a handler stops the
// core or a fatal error surfaces; on both paths the core is unwound
// before Loop returns. It pins the calling goroutine to its thread:
// resumes and the teardown must happen on the core that executed the
// launch.
func (v *Vcpu) Loop() error {
	if s := v.State(); s != StateLoaded {
		return fmt.Errorf("%w: loop from %s", ErrBadState, s)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := v.RunOnce()
		if err != nil {
			v.log.WithError(err).Error("dispatch loop aborted")

			if downErr := v.TearDown(); downErr != nil {
				v.log.WithError(downErr).Error("teardown after abort failed")
			}

			return err
		}

		if !cont {
			return v.TearDown()
		}
	}
}

// RunOnce performs one guest entry and handles the resulting exit. The
// first call launches, later calls resume. The returned flag turns false
// once a handler has asked the core to stop.
func (v *Vcpu) RunOnce() (bool, error) {
	rflags, err := v.hw.Run(&v.regs, v.launched)
	if err != nil {
		return false, fmt.Errorf("core %d entry: %w", v.id, err)
	}

	if err := vmx.CheckVMResult(v.hw, rflags); err != nil {
		return false, fmt.Errorf("core %d entry: %w", v.id, err)
	}

	exit, err := vmexit.Read(v.hw)
	if err != nil {
		return false, err
	}

	// The launch state advances only when the entry actually reached the
	// guest; an entry failure leaves it untouched.
	if !v.launched && !exit.EntryFailure {
		v.launched = true
		v.transition(StateLaunched)
	}

	action, err := vmexit.Dispatch(&v.dispatch, &v.regs, exit)
	if err != nil {
		return false, err
	}

	if v.State() == StateLaunched {
		v.transition(StateRunning)
	}

	return v.apply(action)
}

func (v *Vcpu) apply(a vmexit.Action) (bool, error) {
	if a.Stop {
		return false, nil
	}

	if a.Event != nil {
		if err := vmx.Inject(v.hw, *a.Event); err != nil {
			return false, fmt.Errorf("core %d inject: %w", v.id, err)
		}
	}

	if a.NextRIP != 0 {
		v.regs.RIP = a.NextRIP
	}

	return true, nil
}

// TearDown unwinds the core out of root operation and releases its frames.
// It is idempotent; tearing down a core that never enabled is a no-op.
func (v *Vcpu) TearDown() error {
	if v.State() == StateDisabled {
		return nil
	}

	if v.State() >= StateEnabled {
		v.tree.DeregisterInvalidator(v.hw)

		if err := v.hw.VMClear(v.vmcs.PA); err != nil {
			return fmt.Errorf("core %d teardown vmclear: %w", v.id, err)
		}

		if err := v.hw.VMXOff(); err != nil {
			return fmt.Errorf("core %d vmxoff: %w", v.id, err)
		}

		v.hw.WriteCR4(v.hw.ReadCR4() &^ vmx.CR4VMXE)
	}

	if v.State() >= StateRegionAllocated {
		for _, f := range []memory.Frame{v.enable, v.vmcs, v.bitmap, v.hostStack} {
			v.pool.Free(f)
		}
	}

	v.transition(StateDisabled)
	v.log.WithField("exits", v.dispatch.Exits()).Info("core disabled")

	return nil
}

// readGuest copies guest memory at a guest-virtual address, chunked at page
// boundaries through the live paging tables.
func (v *Vcpu) readGuest(gva uint64, buf []byte) error {
	for len(buf) > 0 {
		pa, err := v.paging.VirtToPhys(gva)
		if err != nil {
			return err
		}

		n := memory.PageSize - memory.PageOffset(gva)
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}

		src, err := v.pool.Slice(pa, n)
		if err != nil {
			return err
		}

		copy(buf, src)
		buf = buf[n:]
		gva += n
	}

	return nil
}
