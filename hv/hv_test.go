package hv_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tigr0w/illusion/hv"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
	"github.com/tigr0w/illusion/vmxsim"
)

const (
	hookPage  = 0x180000
	stagePage = 0x188000
)

func terminate() vmxsim.Op {
	return vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdTerminate))
}

// build constructs an engine over simulated cores, one per script. Core
// scripts start at disjoint addresses so their instruction frames never
// collide in the shared pool.
func build(t *testing.T, scripts ...[]vmxsim.Op) (*hv.Hypervisor, []*vmxsim.Core) {
	t.Helper()

	cores := make([]*vmxsim.Core, len(scripts))

	h, err := hv.New(hv.Config{
		Cores:      len(scripts),
		MemorySpan: 6 << 20,
		Stealth:    stealth.DefaultConfig(),
		Source: func(core int, pool *memory.Pool) (vmx.Hardware, vmx.Regs, error) {
			c := vmxsim.NewCore(core, pool, scripts[core]...)
			cores[core] = c

			regs := vmx.Regs{
				RIP:    uint64(0x100000 + core*0x40000),
				RSP:    uint64(0x8000 + core*0x1000),
				RFLAGS: 0x2,
			}

			return c, regs, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	return h, cores
}

func exitPattern(outcomes []vmxsim.Outcome) []int {
	pattern := make([]int, len(outcomes))
	for i, o := range outcomes {
		pattern[i] = o.Exits
	}

	return pattern
}

func TestInstallServiceUninstall(t *testing.T) {
	t.Parallel()

	// Core 0 stages hook content in guest memory, installs the hook over
	// the channel, reads through it and asks for the hook count. Core 1
	// checks the concealed feature word and pings.
	h, cores := build(t,
		[]vmxsim.Op{
			vmxsim.Store(stagePage, 0x5A),
			vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdInstallHook),
				hookPage, stagePage),
			vmxsim.Load(hookPage),
			vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdCounter),
				uint64(hypercall.CounterHooks)),
			terminate(),
		},
		[]vmxsim.Op{
			vmxsim.CPUID(1, 0),
			vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdPing)),
			terminate(),
		},
	)

	if err := h.Install(); err != nil {
		t.Fatal(err)
	}

	if err := h.Uninstall(); err != nil {
		t.Fatal(err)
	}

	out0 := cores[0].Outcomes()
	if diff := cmp.Diff([]int{0, 1, 1, 1}, exitPattern(out0)); diff != "" {
		t.Fatalf("core 0 exit pattern (-want +got):\n%s", diff)
	}

	if got := hypercall.Status(out0[1].Regs.RAX); got != hypercall.StatusOK {
		t.Errorf("install status = %s", got)
	}

	// The read went through the shadow frame holding the staged byte.
	if out0[2].Regs.RAX != 0x5A {
		t.Errorf("hooked read = %#x, want staged content", out0[2].Regs.RAX)
	}

	if out0[3].Regs.RDX != 1 {
		t.Errorf("hook counter = %d, want 1", out0[3].Regs.RDX)
	}

	out1 := cores[1].Outcomes()
	if len(out1) != 2 {
		t.Fatalf("core 1 outcomes = %d, want 2", len(out1))
	}

	if out1[0].Regs.RCX&uint64(vmx.CPUIDFeatureVMX) != 0 {
		t.Errorf("core 1 feature word %#x advertises the extension", out1[0].Regs.RCX)
	}

	if got := hypercall.Status(out1[1].Regs.RAX); got != hypercall.StatusOK {
		t.Errorf("ping status = %s", got)
	}

	status := h.Status()
	if !status.Ready {
		t.Error("engine never reported ready")
	}

	for _, c := range status.Cores {
		if c.State != "disabled" {
			t.Errorf("core %d state = %s, want disabled", c.ID, c.State)
		}
	}

	// Core 0 serviced four exits (install, hooked read, counter,
	// terminate), core 1 three (feature leaf, ping, terminate).
	if status.Exits != 7 {
		t.Errorf("total exits = %d, want 7", status.Exits)
	}

	if status.Hooks.Installed != 0 {
		t.Errorf("hooks after uninstall = %d", status.Hooks.Installed)
	}

	if status.Unwound != 2 {
		t.Errorf("unwound = %d, want 2", status.Unwound)
	}
}

func TestHookRemoveRestoresIdentity(t *testing.T) {
	t.Parallel()

	h, cores := build(t, []vmxsim.Op{
		vmxsim.Store(stagePage, 0x5A),
		vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdInstallHook),
			hookPage, stagePage),
		vmxsim.Load(hookPage),
		vmxsim.Hypercall(hypercall.Signature, uint64(hypercall.CmdRemoveHook),
			hookPage),
		vmxsim.Load(hookPage),
		terminate(),
	})

	if err := h.Install(); err != nil {
		t.Fatal(err)
	}

	if err := h.Uninstall(); err != nil {
		t.Fatal(err)
	}

	out := cores[0].Outcomes()

	// The second read costs no exit: removal restored the identity leaf
	// and broadcast the invalidation, so the page reads as itself again.
	if diff := cmp.Diff([]int{0, 1, 1, 1, 0}, exitPattern(out)); diff != "" {
		t.Fatalf("exit pattern (-want +got):\n%s", diff)
	}

	if out[2].Regs.RAX != 0x5A {
		t.Errorf("hooked read = %#x, want staged content", out[2].Regs.RAX)
	}

	if out[4].Regs.RAX != 0 {
		t.Errorf("restored read = %#x, want the original frame", out[4].Regs.RAX)
	}
}

func TestPhaseOrderEnforced(t *testing.T) {
	t.Parallel()

	h, _ := build(t, []vmxsim.Op{terminate()})

	if err := h.Uninstall(); !errors.Is(err, hv.ErrPhase) {
		t.Fatalf("uninstall before install err = %v, want ErrPhase", err)
	}

	if err := h.Install(); err != nil {
		t.Fatal(err)
	}

	if err := h.Install(); !errors.Is(err, hv.ErrPhase) {
		t.Fatalf("second install err = %v, want ErrPhase", err)
	}

	if err := h.Uninstall(); err != nil {
		t.Fatal(err)
	}

	if err := h.Uninstall(); !errors.Is(err, hv.ErrPhase) {
		t.Fatalf("second uninstall err = %v, want ErrPhase", err)
	}
}

func TestLoopErrorSurfaces(t *testing.T) {
	t.Parallel()

	// No terminate: the script runs dry and the core's loop dies on it.
	h, _ := build(t, []vmxsim.Op{vmxsim.CPUID(1, 0)})

	if err := h.Install(); err != nil {
		t.Fatal(err)
	}

	err := h.Uninstall()
	if err == nil {
		t.Fatal("exhausted script surfaced no error")
	}

	// The dying loop still unwound its core.
	for _, c := range h.Status().Cores {
		if c.State != "disabled" {
			t.Errorf("core %d state = %s, want disabled", c.ID, c.State)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	source := func(core int, pool *memory.Pool) (vmx.Hardware, vmx.Regs, error) {
		return vmxsim.NewCore(core, pool), vmx.Regs{}, nil
	}

	for _, tc := range []struct {
		name string
		cfg  hv.Config
	}{
		{"no cores", hv.Config{MemorySpan: 4 << 20, Source: source}},
		{"no span", hv.Config{Cores: 1, Source: source}},
		{"no source", hv.Config{Cores: 1, MemorySpan: 4 << 20}},
	} {
		if _, err := hv.New(tc.cfg); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}
