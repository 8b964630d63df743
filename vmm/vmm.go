// Package vmm drives the demonstration install behind the default CLI
// mode: a software-backed engine over a handful of simulated cores,
// each running a short guest script, with a printable account of what
// the guests observed afterwards.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tigr0w/illusion/hv"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
	"github.com/tigr0w/illusion/vmxsim"
)

// ErrNotBuilt is returned when a phase runs before Init.
var ErrNotBuilt = errors.New("monitor not initialized")

// Address plan for the demonstration guests. The hook pages sit below
// every instruction window so no script collides with them, and each
// core fetches from its own window so the shared pool stays quiet.
const (
	hookPage  uint64 = 0x40000
	stagePage uint64 = 0x48000
	parkPage  uint64 = 0x50000

	entryBase   = 0x100000
	entryStride = 0x40000
	stackBase   = 0x8000
	stackStride = 0x1000

	// maxCores keeps every stack below the hook pages.
	maxCores = 32
)

// stageMark is the byte core 0 plants in the staging page; it comes
// back as the low byte of every read through the hook shadow.
const stageMark byte = 0x5A

type Config struct {
	NCPUs   int
	MemSize int

	// Hide conceals the virtualization extension from the guests.
	Hide bool

	// Vendor names the identity the vendor leaves present, empty for
	// bare hardware.
	Vendor string

	// ProfilePath optionally loads the whole stealth profile from a
	// YAML file, overriding Hide and Vendor.
	ProfilePath string

	// Output receives the run account, stdout when nil.
	Output io.Writer
}

type VMM struct {
	Config

	engine *hv.Hypervisor
	cores  []*vmxsim.Core
}

func New(c Config) *VMM {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	return &VMM{Config: c}
}

// Init resolves the stealth profile and assembles the engine with one
// scripted core per requested CPU. Nothing runs yet.
func (v *VMM) Init() error {
	if v.NCPUs < 1 || v.NCPUs > maxCores {
		return fmt.Errorf("%d cores outside 1..%d", v.NCPUs, maxCores)
	}

	span := entryBase + v.NCPUs*entryStride
	if v.MemSize < span {
		return fmt.Errorf("memory %#x too small for %d cores, need %#x",
			v.MemSize, v.NCPUs, span)
	}

	cfg, err := v.stealthConfig()
	if err != nil {
		return err
	}

	v.cores = make([]*vmxsim.Core, v.NCPUs)

	v.engine, err = hv.New(hv.Config{
		Cores:      v.NCPUs,
		MemorySpan: v.MemSize,
		Stealth:    cfg,
		Source: func(id int, pool *memory.Pool) (vmx.Hardware, vmx.Regs, error) {
			core := vmxsim.NewCore(id, pool, script(id)...)
			v.cores[id] = core

			regs := vmx.Regs{
				RIP:    uint64(entryBase + id*entryStride),
				RSP:    uint64(stackBase + id*stackStride),
				RFLAGS: 0x2,
			}

			return core, regs, nil
		},
	})

	return err
}

func (v *VMM) stealthConfig() (stealth.Config, error) {
	if v.ProfilePath != "" {
		return stealth.LoadConfig(v.ProfilePath)
	}

	cfg := stealth.DefaultConfig()
	cfg.Conceal = v.Hide
	cfg.Profile = stealth.Profile(v.Vendor)

	return cfg, cfg.Validate()
}

// Install brings the engine up on every core. The guest scripts start
// running as soon as their loops are released.
func (v *VMM) Install() error {
	if v.engine == nil {
		return ErrNotBuilt
	}

	return v.engine.Install()
}

// Run waits for every guest to finish its script, tears the engine
// down and writes the account of what each core observed.
func (v *VMM) Run() error {
	if v.engine == nil {
		return ErrNotBuilt
	}

	if err := v.engine.Uninstall(); err != nil {
		return err
	}

	_, err := io.WriteString(v.Output, v.account())

	return err
}

// script builds the demonstration each guest runs. Core 0 operates the
// hook channel end to end; the rest behave like curious guests probing
// for a hypervisor.
func script(core int) []vmxsim.Op {
	hc := func(cmd hypercall.Command, args ...uint64) vmxsim.Op {
		return vmxsim.Hypercall(hypercall.Signature, uint64(cmd), args...)
	}

	if core == 0 {
		return []vmxsim.Op{
			vmxsim.Store(stagePage, stageMark),
			hc(hypercall.CmdInstallHook, hookPage, stagePage),
			vmxsim.Load(hookPage),
			vmxsim.Execute(hookPage),
			vmxsim.Execute(parkPage),
			vmxsim.Load(hookPage),
			hc(hypercall.CmdCounter, uint64(hypercall.CounterExecSwitches)),
			hc(hypercall.CmdCounter, uint64(hypercall.CounterDataSwitches)),
			hc(hypercall.CmdRemoveHook, hookPage),
			vmxsim.Load(hookPage),
			hc(hypercall.CmdTerminate),
		}
	}

	return []vmxsim.Op{
		vmxsim.CPUID(1, 0),
		vmxsim.CPUID(vmx.CPUIDHypervisorBase, 0),
		vmxsim.ReadMSR(vmx.MSRVMXBasic),
		vmxsim.TryVMXON(0x3000),
		hc(hypercall.CmdPing),
		hc(hypercall.CmdTerminate),
	}
}

func (v *VMM) account() string {
	var b strings.Builder

	for id, core := range v.cores {
		fmt.Fprintf(&b, "core %d\n", id)

		for _, o := range core.Outcomes() {
			fmt.Fprintf(&b, "  %-32s exits=%d  %s\n", describe(o.Op), o.Exits, result(o))
		}
	}

	st := v.engine.Status()
	fmt.Fprintf(&b, "engine: %d cores, %d exits serviced, %d hooks left, %d terminate calls\n",
		len(st.Cores), st.Exits, st.Hooks.Installed, st.Unwound)

	return b.String()
}

func describe(op vmxsim.Op) string {
	switch op.Kind {
	case vmxsim.OpCPUID:
		return fmt.Sprintf("cpuid %#x/%#x", op.Leaf, op.Subleaf)
	case vmxsim.OpReadMSR:
		return fmt.Sprintf("rdmsr %#x", op.Index)
	case vmxsim.OpWriteMSR:
		return fmt.Sprintf("wrmsr %#x, %#x", op.Index, op.Value)
	case vmxsim.OpXSetBV:
		return fmt.Sprintf("xsetbv %#x", op.Value)
	case vmxsim.OpVMXON:
		return fmt.Sprintf("vmxon %#x", op.Addr)
	case vmxsim.OpLoad:
		return fmt.Sprintf("load [%#x]", op.Addr)
	case vmxsim.OpStore:
		return fmt.Sprintf("store [%#x], %#x", op.Addr, op.Data)
	case vmxsim.OpExec:
		return fmt.Sprintf("exec %#x", op.Addr)
	case vmxsim.OpHypercall:
		cmd := hypercall.Command(op.Cmd)
		switch cmd {
		case hypercall.CmdInstallHook:
			return fmt.Sprintf("vmcall %s %#x<-%#x", cmd, op.Args[0], op.Args[1])
		case hypercall.CmdRemoveHook:
			return fmt.Sprintf("vmcall %s %#x", cmd, op.Args[0])
		case hypercall.CmdCounter:
			return fmt.Sprintf("vmcall %s %s", cmd, hypercall.CounterID(op.Args[0]))
		default:
			return fmt.Sprintf("vmcall %s", cmd)
		}
	default:
		return op.Kind.String()
	}
}

func result(o vmxsim.Outcome) string {
	if o.Event != nil {
		switch o.Event.Vector {
		case vmx.VectorUD:
			return "#UD"
		case vmx.VectorGP:
			return "#GP"
		default:
			return fmt.Sprintf("vector %d", o.Event.Vector)
		}
	}

	switch o.Op.Kind {
	case vmxsim.OpCPUID:
		return fmt.Sprintf("eax=%#x ebx=%#x ecx=%#x edx=%#x",
			o.Regs.RAX, o.Regs.RBX, o.Regs.RCX, o.Regs.RDX)
	case vmxsim.OpReadMSR:
		return fmt.Sprintf("value=%#x", vmx.JoinMSR(o.Regs.RAX, o.Regs.RDX))
	case vmxsim.OpLoad:
		return fmt.Sprintf("rax=%#x", o.Regs.RAX)
	case vmxsim.OpHypercall:
		status := hypercall.Status(o.Regs.RAX)

		cmd := hypercall.Command(o.Op.Cmd)
		if status == hypercall.StatusOK && (cmd == hypercall.CmdPing || cmd == hypercall.CmdCounter) {
			return fmt.Sprintf("%s, rdx=%#x", status, o.Regs.RDX)
		}

		return status.String()
	default:
		return "ok"
	}
}
