package probe

import (
	"fmt"

	"github.com/tigr0w/illusion/hv"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
	"github.com/tigr0w/illusion/vmxsim"
)

// SelfTest proves the engine pipeline end to end without touching real
// hardware: one software core runs a short concealment script and the
// answers it observed are checked afterwards. A host report can say
// "capable" while a kernel module would still fail to load, so this is
// the honest half of the probe.
func SelfTest() error {
	var core *vmxsim.Core

	h, err := hv.New(hv.Config{
		Cores:      1,
		MemorySpan: 6 << 20,
		Stealth:    stealth.DefaultConfig(),
		Source: func(id int, pool *memory.Pool) (vmx.Hardware, vmx.Regs, error) {
			core = vmxsim.NewCore(id, pool,
				vmxsim.CPUID(1, 0),
				vmxsim.CPUID(vmx.CPUIDHypervisorBase, 0),
				vmxsim.ReadMSR(vmx.MSRVMXBasic),
				vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdPing)),
				vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdTerminate)),
			)

			return core, vmx.Regs{RIP: 0x100000, RSP: 0x8000, RFLAGS: 0x2}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("self test build: %w", err)
	}

	if err := h.Install(); err != nil {
		return fmt.Errorf("self test install: %w", err)
	}

	if err := h.Uninstall(); err != nil {
		return fmt.Errorf("self test uninstall: %w", err)
	}

	// The terminate call stops the loop before it retires, so four
	// operations come back.
	out := core.Outcomes()
	if len(out) != 4 {
		return fmt.Errorf("self test retired %d operations, want 4", len(out))
	}

	if ecx := out[0].Regs.RCX; ecx&uint64(vmx.CPUIDFeatureVMX) != 0 {
		return fmt.Errorf("feature leaf still advertises vmx: ecx %#x", ecx)
	}

	if r := out[1].Regs; r.RAX|r.RBX|r.RCX|r.RDX != 0 {
		return fmt.Errorf("hypervisor leaf not blank: %#x %#x %#x %#x",
			r.RAX, r.RBX, r.RCX, r.RDX)
	}

	if ev := out[2].Event; ev == nil || ev.Vector != vmx.VectorGP {
		return fmt.Errorf("capability register read survived concealment: %+v", ev)
	}

	if got := hypercall.Status(out[3].Regs.RAX); got != hypercall.StatusOK {
		return fmt.Errorf("ping answered %v", got)
	}

	if out[3].Regs.RDX != hypercall.Version {
		return fmt.Errorf("ping reported interface %d, want %d",
			out[3].Regs.RDX, hypercall.Version)
	}

	return nil
}
