package vmexit_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tigr0w/illusion/ept"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/insn"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmexit"
	"github.com/tigr0w/illusion/vmx"
)

// dispatchCore fakes just the hardware surface the handlers touch.
type dispatchCore struct {
	cpuid map[uint64][4]uint32
	msrs  map[uint32]uint64
	vmcs  map[uint32]uint64
	xcr0  uint64
}

func cpuidKey(leaf, subleaf uint32) uint64 {
	return uint64(leaf)<<32 | uint64(subleaf)
}

func (d *dispatchCore) CoreID() int { return 0 }

func (d *dispatchCore) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	v := d.cpuid[cpuidKey(leaf, subleaf)]

	return v[0], v[1], v[2], v[3]
}

func (d *dispatchCore) ReadMSR(index uint32) (uint64, error) {
	v, ok := d.msrs[index]
	if !ok {
		return 0, vmx.ErrBadMSR
	}

	return v, nil
}

func (d *dispatchCore) WriteMSR(index uint32, value uint64) error {
	d.msrs[index] = value

	return nil
}

func (d *dispatchCore) ReadCR0() uint64 { return 0 }
func (d *dispatchCore) WriteCR0(uint64) {}
func (d *dispatchCore) ReadCR4() uint64 { return 0 }
func (d *dispatchCore) WriteCR4(uint64) {}

func (d *dispatchCore) XSetBV(_ uint32, value uint64) error {
	d.xcr0 = value

	return nil
}

func (d *dispatchCore) VMXOn(uint64) error   { return nil }
func (d *dispatchCore) VMXOff() error        { return nil }
func (d *dispatchCore) VMClear(uint64) error { return nil }
func (d *dispatchCore) VMPtrLd(uint64) error { return nil }

func (d *dispatchCore) VMRead(field uint32) (uint64, error) {
	return d.vmcs[field], nil
}

func (d *dispatchCore) VMWrite(field uint32, value uint64) error {
	d.vmcs[field] = value

	return nil
}

func (d *dispatchCore) Run(*vmx.Regs, bool) (uint64, error) { return 0, nil }

func (d *dispatchCore) Invept(vmx.InveptType, uint64) error { return nil }

type recordingBackend struct {
	installedPage uint64
	installedSrc  uint64
	removed       uint64
	terminated    bool
	failTerminate bool
}

func (b *recordingBackend) InstallHook(page, shadowSrc uint64) error {
	b.installedPage, b.installedSrc = page, shadowSrc

	return nil
}

func (b *recordingBackend) RemoveHook(page uint64) error {
	b.removed = page

	return nil
}

func (b *recordingBackend) Counter(hypercall.CounterID) (uint64, error) {
	return 7, nil
}

func (b *recordingBackend) Terminate() error {
	if b.failTerminate {
		return errors.New("teardown refused")
	}

	b.terminated = true

	return nil
}

// guestRIP is where the tests plant the trapping instruction bytes.
const guestRIP = 0x10000

func newTestContext(t *testing.T) (*vmexit.Context, *dispatchCore, *memory.Pool) {
	t.Helper()

	pool, err := memory.NewPool(4<<20, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Error(err)
		}
	})

	tree, err := ept.New(pool)
	if err != nil {
		t.Fatal(err)
	}

	core := &dispatchCore{
		cpuid: map[uint64][4]uint32{},
		msrs:  map[uint32]uint64{},
		vmcs:  map[uint32]uint64{},
	}

	layer, err := stealth.New(stealth.DefaultConfig(), core)
	if err != nil {
		t.Fatal(err)
	}

	c := &vmexit.Context{
		HW:      core,
		Stealth: layer,
		Hooks:   ept.NewHookSet(tree, pool),
		Backend: &recordingBackend{},
		ReadGuest: func(gva uint64, buf []byte) error {
			src, err := pool.Slice(gva, uint64(len(buf)))
			if err != nil {
				return err
			}

			copy(buf, src)

			return nil
		},
	}

	return c, core, pool
}

// plant writes instruction bytes at guestRIP and returns their length.
func plant(t *testing.T, pool *memory.Pool, code ...byte) uint64 {
	t.Helper()

	buf, err := pool.Slice(guestRIP, uint64(len(code)))
	if err != nil {
		t.Fatal(err)
	}

	copy(buf, code)

	return uint64(len(code))
}

func TestDispatchCPUID(t *testing.T) {
	t.Parallel()

	c, core, pool := newTestContext(t)

	core.cpuid[cpuidKey(1, 0)] = [4]uint32{
		0x000906EA, 0, vmx.CPUIDFeatureVMX | vmx.CPUIDFeatureXSAVE, 0xBFEBFBFF,
	}

	length := plant(t, pool, 0x0F, 0xA2)

	regs := &vmx.Regs{
		RAX: 1,
		RBX: 0xFFFFFFFF_00000000,
		RIP: guestRIP,
	}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitCPUID,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.NextRIP != guestRIP+length {
		t.Errorf("next rip = %#x, want %#x", act.NextRIP, guestRIP+length)
	}

	if act.Event != nil || act.Stop {
		t.Errorf("action = %+v, want plain advance", act)
	}

	if regs.RCX&uint64(vmx.CPUIDFeatureVMX) != 0 {
		t.Error("virtualization bit visible through dispatch")
	}

	if regs.RCX&uint64(vmx.CPUIDFeatureXSAVE) == 0 {
		t.Error("unrelated feature bit lost")
	}

	if regs.RAX != 0x000906EA {
		t.Errorf("rax = %#x, want zero-extended leaf value", regs.RAX)
	}

	if regs.RBX>>32 != 0 {
		t.Errorf("rbx high half survived: %#x", regs.RBX)
	}
}

func TestDispatchLengthDesync(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	plant(t, pool, 0x0F, 0xA2)

	regs := &vmx.Regs{RAX: 1, RIP: guestRIP}

	_, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitCPUID,
		InstrLen: 3,
	})
	if !errors.Is(err, vmexit.ErrRIPDesync) {
		t.Fatalf("err = %v, want ErrRIPDesync", err)
	}
}

func TestDispatchUndecodableRIP(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	// A full window of prefix bytes never completes an instruction.
	plant(t, pool, bytes.Repeat([]byte{0x66}, insn.MaxLen)...)

	regs := &vmx.Regs{RAX: 1, RIP: guestRIP}

	_, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitCPUID,
		InstrLen: 2,
	})
	if !errors.Is(err, insn.ErrUndecodable) {
		t.Fatalf("err = %v, want ErrUndecodable", err)
	}
}

func TestDispatchRDMSR(t *testing.T) {
	t.Parallel()

	c, core, pool := newTestContext(t)

	core.msrs[vmx.MSREFER] = 0xD01

	length := plant(t, pool, 0x0F, 0x32)

	regs := &vmx.Regs{RCX: uint64(vmx.MSREFER), RIP: guestRIP}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitRDMSR,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.NextRIP != guestRIP+length {
		t.Errorf("next rip = %#x, want %#x", act.NextRIP, guestRIP+length)
	}

	if regs.RAX != 0xD01 || regs.RDX != 0 {
		t.Errorf("rax:rdx = %#x:%#x, want split register value", regs.RAX, regs.RDX)
	}
}

func TestDispatchRDMSRFaults(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	length := plant(t, pool, 0x0F, 0x32)

	// Outside every architectural range.
	regs := &vmx.Regs{RCX: 0x2000, RIP: guestRIP}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitRDMSR,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.Event == nil || act.Event.Vector != vmx.VectorGP {
		t.Fatalf("action = %+v, want #GP injection", act)
	}

	if act.NextRIP != 0 {
		t.Error("faulting access must not advance")
	}
}

func TestDispatchWRMSRDropsIntercept(t *testing.T) {
	t.Parallel()

	c, core, pool := newTestContext(t)

	var dropped uint32

	c.DropWriteIntercept = func(index uint32) error {
		dropped = index

		return nil
	}

	length := plant(t, pool, 0x0F, 0x30)

	const entry = 0xFFFFF800_00001000

	lo, hi := vmx.SplitMSR(entry)
	regs := &vmx.Regs{RCX: uint64(vmx.MSRLSTAR), RAX: lo, RDX: hi, RIP: guestRIP}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitWRMSR,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.NextRIP != guestRIP+length {
		t.Errorf("next rip = %#x, want %#x", act.NextRIP, guestRIP+length)
	}

	if dropped != vmx.MSRLSTAR {
		t.Errorf("dropped intercept for %#x, want syscall entry register", dropped)
	}

	if core.msrs[vmx.MSRLSTAR] != entry {
		t.Errorf("register = %#x, first write should pass through", core.msrs[vmx.MSRLSTAR])
	}
}

func TestDispatchHypercall(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	length := plant(t, pool, 0x0F, 0x01, 0xC1)

	regs := &vmx.Regs{
		RAX: hypercall.Signature,
		RCX: uint64(hypercall.CmdPing),
		RIP: guestRIP,
	}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitVMCALL,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.NextRIP != guestRIP+length || act.Stop {
		t.Errorf("action = %+v, want advance without stop", act)
	}

	if regs.RAX != uint64(hypercall.StatusOK) || regs.RDX != hypercall.Version {
		t.Errorf("rax:rdx = %#x:%#x, want ok and version", regs.RAX, regs.RDX)
	}
}

func TestDispatchHypercallTerminate(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	backend := &recordingBackend{}
	c.Backend = backend

	length := plant(t, pool, 0x0F, 0x01, 0xC1)

	regs := &vmx.Regs{
		RAX: hypercall.Signature,
		RCX: uint64(hypercall.CmdTerminate),
		RIP: guestRIP,
	}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitVMCALL,
		InstrLen: length,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !act.Stop {
		t.Error("terminate request did not stop the loop")
	}

	if act.NextRIP != guestRIP+length {
		t.Error("terminate must still advance past the call")
	}

	if !backend.terminated {
		t.Error("backend never saw the terminate")
	}
}

func TestDispatchForeignVMCALL(t *testing.T) {
	t.Parallel()

	c, _, pool := newTestContext(t)

	plant(t, pool, 0x0F, 0x01, 0xC1)

	regs := &vmx.Regs{RAX: 0x1234, RIP: guestRIP}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
		Reason:   vmx.ExitVMCALL,
		InstrLen: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act.Event == nil || act.Event.Vector != vmx.VectorUD {
		t.Fatalf("action = %+v, want #UD injection", act)
	}

	if act.NextRIP != 0 {
		t.Error("disclaimed call must not advance")
	}
}

func TestDispatchDisclaimsVMXInstructions(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	reasons := []vmx.ExitReason{
		vmx.ExitVMCLEAR, vmx.ExitVMLAUNCH, vmx.ExitVMPTRLD, vmx.ExitVMPTRST,
		vmx.ExitVMREAD, vmx.ExitVMRESUME, vmx.ExitVMWRITE, vmx.ExitVMXOFF,
		vmx.ExitVMXON, vmx.ExitINVEPT, vmx.ExitINVVPID,
	}

	for _, reason := range reasons {
		regs := &vmx.Regs{RIP: guestRIP}

		act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{Reason: reason})
		if err != nil {
			t.Fatalf("%v: %v", reason, err)
		}

		if act.Event == nil || act.Event.Vector != vmx.VectorUD {
			t.Errorf("%v: action = %+v, want #UD injection", reason, act)
		}
	}
}

func TestDispatchUnknownReason(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	regs := &vmx.Regs{RIP: guestRIP}

	act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{Reason: vmx.ExitHLT})
	if err != nil {
		t.Fatal(err)
	}

	if act.Event == nil || act.Event.Vector != vmx.VectorUD {
		t.Fatalf("action = %+v, want #UD injection", act)
	}

	stats := c.Stats()
	if stats.Unknown != 1 {
		t.Errorf("unknown = %d, want 1", stats.Unknown)
	}

	if stats.ByReason[vmx.ExitHLT] != 1 {
		t.Errorf("by reason = %v, want HLT counted", stats.ByReason)
	}
}

func TestDispatchEPTViolation(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	const page = 0x6000

	hook, err := c.Hooks.Install(page, []byte{0x90})
	if err != nil {
		t.Fatal(err)
	}

	act, err := vmexit.Dispatch(c, &vmx.Regs{RIP: guestRIP}, &vmexit.Exit{
		Reason:        vmx.ExitEPTViolation,
		Qualification: vmx.EPTQualRead,
		GuestPhys:     page + 0x80,
	})
	if err != nil {
		t.Fatal(err)
	}

	if act != (vmexit.Action{}) {
		t.Errorf("action = %+v, want bare replay", act)
	}

	if hook.DataSwitches() != 1 {
		t.Error("violation did not switch the leaf")
	}
}

func TestDispatchStrayViolationFatal(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	_, err := vmexit.Dispatch(c, &vmx.Regs{RIP: guestRIP}, &vmexit.Exit{
		Reason:        vmx.ExitEPTViolation,
		Qualification: vmx.EPTQualWrite,
		GuestPhys:     0x8000,
	})
	if !errors.Is(err, vmexit.ErrStrayViolation) {
		t.Fatalf("err = %v, want ErrStrayViolation", err)
	}
}

func TestDispatchHostFatalReasons(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	tests := []struct {
		reason vmx.ExitReason
		want   error
	}{
		{vmx.ExitEPTMisconfig, vmexit.ErrEPTMisconfig},
		{vmx.ExitTripleFault, vmexit.ErrTripleFault},
	}

	for _, tc := range tests {
		_, err := vmexit.Dispatch(c, &vmx.Regs{}, &vmexit.Exit{Reason: tc.reason})
		if !errors.Is(err, tc.want) {
			t.Errorf("%v: err = %v, want %v", tc.reason, err, tc.want)
		}
	}
}

func TestDispatchEntryFailure(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t)

	_, err := vmexit.Dispatch(c, &vmx.Regs{}, &vmexit.Exit{
		Reason:       vmx.ExitCPUID,
		EntryFailure: true,
	})
	if !errors.Is(err, vmexit.ErrEntryFailure) {
		t.Fatalf("err = %v, want ErrEntryFailure", err)
	}
}

func TestDispatchXSETBV(t *testing.T) {
	t.Parallel()

	const supported = vmx.XCR0X87 | vmx.XCR0SSE | vmx.XCR0AVX

	tests := []struct {
		name  string
		rcx   uint64
		value uint64
		fault bool
	}{
		{"full state", 0, supported, false},
		{"legacy only", 0, vmx.XCR0X87, false},
		{"nonzero index", 1, vmx.XCR0X87, true},
		{"missing x87", 0, vmx.XCR0SSE, true},
		{"avx without sse", 0, vmx.XCR0X87 | vmx.XCR0AVX, true},
		{"unsupported bit", 0, supported | 1<<9, true},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, core, pool := newTestContext(t)

			core.cpuid[cpuidKey(0xD, 0)] = [4]uint32{uint32(supported), 0, 0, 0}

			length := plant(t, pool, 0x0F, 0x01, 0xD1)

			lo, hi := vmx.SplitMSR(tc.value)
			regs := &vmx.Regs{RCX: tc.rcx, RAX: lo, RDX: hi, RIP: guestRIP}

			act, err := vmexit.Dispatch(c, regs, &vmexit.Exit{
				Reason:   vmx.ExitXSETBV,
				InstrLen: length,
			})
			if err != nil {
				t.Fatal(err)
			}

			if tc.fault {
				if act.Event == nil || act.Event.Vector != vmx.VectorGP {
					t.Fatalf("action = %+v, want #GP injection", act)
				}

				if core.xcr0 != 0 {
					t.Error("faulting load reached the register")
				}

				return
			}

			if act.NextRIP != guestRIP+length {
				t.Errorf("next rip = %#x, want %#x", act.NextRIP, guestRIP+length)
			}

			if core.xcr0 != tc.value {
				t.Errorf("xcr0 = %#x, want %#x", core.xcr0, tc.value)
			}
		})
	}
}

func TestReadExit(t *testing.T) {
	t.Parallel()

	core := &dispatchCore{vmcs: map[uint32]uint64{
		vmx.FieldExitReason:        uint64(vmx.ExitEPTViolation),
		vmx.FieldExitQualification: vmx.EPTQualFetch,
		vmx.FieldGuestPhysAddr:     0x7C00,
		vmx.FieldGuestLinearAddr:   0xFFFF800000007C00,
		vmx.FieldExitInstrLen:      3,
	}}

	e, err := vmexit.Read(core)
	if err != nil {
		t.Fatal(err)
	}

	if e.Reason != vmx.ExitEPTViolation || e.EntryFailure {
		t.Errorf("reason = %v entry failure %v", e.Reason, e.EntryFailure)
	}

	if e.Qualification != vmx.EPTQualFetch || e.GuestPhys != 0x7C00 {
		t.Errorf("qualification %#x gpa %#x", e.Qualification, e.GuestPhys)
	}

	if e.GuestLinear != 0xFFFF800000007C00 || e.InstrLen != 3 {
		t.Errorf("gla %#x len %d", e.GuestLinear, e.InstrLen)
	}

	core.vmcs[vmx.FieldExitReason] |= 1 << 31

	e, err = vmexit.Read(core)
	if err != nil {
		t.Fatal(err)
	}

	if !e.EntryFailure {
		t.Error("entry-failure bit not surfaced")
	}
}
