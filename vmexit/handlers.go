package vmexit

import (
	"errors"
	"fmt"

	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
)

// handlers is the fixed reason-to-handler table. A reason family gets one
// implementation; new reasons are added here without touching the others.
var handlers = map[vmx.ExitReason]Handler{
	vmx.ExitTripleFault:  hostFatal{err: ErrTripleFault},
	vmx.ExitCPUID:        cpuidHandler{},
	vmx.ExitVMCALL:       hypercallHandler{},
	vmx.ExitVMCLEAR:      vmInstruction{},
	vmx.ExitVMLAUNCH:     vmInstruction{},
	vmx.ExitVMPTRLD:      vmInstruction{},
	vmx.ExitVMPTRST:      vmInstruction{},
	vmx.ExitVMREAD:       vmInstruction{},
	vmx.ExitVMRESUME:     vmInstruction{},
	vmx.ExitVMWRITE:      vmInstruction{},
	vmx.ExitVMXOFF:       vmInstruction{},
	vmx.ExitVMXON:        vmInstruction{},
	vmx.ExitINVEPT:       vmInstruction{},
	vmx.ExitINVVPID:      vmInstruction{},
	vmx.ExitRDMSR:        msrHandler{},
	vmx.ExitWRMSR:        msrHandler{write: true},
	vmx.ExitEPTViolation: violationHandler{},
	vmx.ExitEPTMisconfig: hostFatal{err: ErrEPTMisconfig},
	vmx.ExitXSETBV:       xsetbvHandler{},
}

// hostFatal covers reasons after which no handler mutation can make
// resumption safe.
type hostFatal struct{ err error }

func (h hostFatal) Handle(_ *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	return Action{}, fmt.Errorf("%w: qualification %#x at %#x",
		h.err, e.Qualification, regs.RIP)
}

// cpuidHandler emulates the identification instruction through the
// spoofing layer. Results come back zero-extended, matching how the
// instruction clobbers the full 64-bit registers.
type cpuidHandler struct{}

func (cpuidHandler) Handle(c *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	leaf, subleaf := uint32(regs.RAX), uint32(regs.RCX)

	eax, ebx, ecx, edx := c.HW.CPUID(leaf, subleaf)
	out := c.Stealth.Table.Transform(leaf, subleaf,
		stealth.Leaf{EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})

	regs.RAX = uint64(out.EAX)
	regs.RBX = uint64(out.EBX)
	regs.RCX = uint64(out.ECX)
	regs.RDX = uint64(out.EDX)

	return c.advance(regs, e)
}

// msrHandler emulates model-specific register accesses through the
// stealth filter. A refused index faults exactly like a nonexistent
// register would on real silicon.
type msrHandler struct{ write bool }

func (h msrHandler) Handle(c *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	index := uint32(regs.RCX)

	if !h.write {
		value, err := c.Stealth.MSR.Read(index)
		if err != nil {
			if errors.Is(err, vmx.ErrBadMSR) {
				c.log().WithField("index", fmt.Sprintf("%#x", index)).
					Debug("rdmsr refused")

				return injectGP(), nil
			}

			return Action{}, fmt.Errorf("rdmsr %#x: %w", index, err)
		}

		regs.RAX, regs.RDX = vmx.SplitMSR(value)

		return c.advance(regs, e)
	}

	value := vmx.JoinMSR(regs.RAX, regs.RDX)

	drop, err := c.Stealth.MSR.Write(index, value)
	if err != nil {
		if errors.Is(err, vmx.ErrBadMSR) {
			c.log().WithField("index", fmt.Sprintf("%#x", index)).
				Debug("wrmsr refused")

			return injectGP(), nil
		}

		return Action{}, fmt.Errorf("wrmsr %#x: %w", index, err)
	}

	if drop && c.DropWriteIntercept != nil {
		if err := c.DropWriteIntercept(index); err != nil {
			return Action{}, fmt.Errorf("drop write intercept %#x: %w", index, err)
		}
	}

	return c.advance(regs, e)
}

// hypercallHandler multiplexes the call instruction. Without the
// signature the trap is disclaimed the way a processor with no
// virtualization extension would, so the instruction stays useless for
// probing.
type hypercallHandler struct{}

func (hypercallHandler) Handle(c *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	if !hypercall.IsRequest(regs) {
		return injectUD(), nil
	}

	act, err := c.advance(regs, e)
	if err != nil {
		return Action{}, err
	}

	if hypercall.Dispatch(regs, c.Backend) {
		act.Stop = true
	}

	return act, nil
}

// vmInstruction disclaims the virtualization instruction set. A guest
// probing for the extension sees the fault it would get on a processor
// without it.
type vmInstruction struct{}

func (vmInstruction) Handle(*Context, *vmx.Regs, *Exit) (Action, error) {
	return injectUD(), nil
}

// violationHandler resolves stealth-hook faults by flipping the leaf to
// the frame matching the access type and replaying the instruction. A
// violation on a page without a hook means a restrictive mapping the
// engine never wrote, which is not survivable.
type violationHandler struct{}

func (violationHandler) Handle(c *Context, _ *vmx.Regs, e *Exit) (Action, error) {
	handled, err := c.Hooks.OnViolation(e.GuestPhys, e.Qualification)
	if err != nil {
		return Action{}, fmt.Errorf("violation at %#x: %w", e.GuestPhys, err)
	}

	if !handled {
		return Action{}, fmt.Errorf("%w: %#x, qualification %#x",
			ErrStrayViolation, e.GuestPhys, e.Qualification)
	}

	// Replay the access against the switched leaf.
	return Action{}, nil
}

// xsetbvHandler runs the extended-control-register load for the guest,
// since the exit is unconditional. The checks mirror the architectural
// fault conditions so a bogus load faults instead of corrupting extended
// state.
type xsetbvHandler struct{}

func (xsetbvHandler) Handle(c *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	index := uint32(regs.RCX)
	if index != 0 {
		return injectGP(), nil
	}

	value := vmx.JoinMSR(regs.RAX, regs.RDX)

	eax, _, _, edx := c.HW.CPUID(0xD, 0)
	supported := uint64(eax) | uint64(edx)<<32

	switch {
	case value&vmx.XCR0X87 == 0:
		return injectGP(), nil
	case value&^supported != 0:
		return injectGP(), nil
	case value&vmx.XCR0AVX != 0 && value&vmx.XCR0SSE == 0:
		return injectGP(), nil
	}

	if err := c.HW.XSetBV(index, value); err != nil {
		return Action{}, fmt.Errorf("xsetbv %#x: %w", value, err)
	}

	return c.advance(regs, e)
}
