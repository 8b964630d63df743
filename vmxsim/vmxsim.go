// Package vmxsim is a software stand-in for VMX-capable silicon. A Core
// implements the vmx.Hardware surface over a memory.Pool: enable and
// control-structure regions are validated the way the processor manual
// prescribes, guest execution is a queued script of operations whose
// instruction bytes are placed at the guest's RIP and trapped on, and
// guest-physical translation walks the real table frames in the pool
// through a per-core cache that only an explicit invalidation flushes.
//
// The backend is deterministic and needs no privilege, so the full
// engine runs on any machine.
package vmxsim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/vmx"
)

var simLogger = logrus.WithField("source", "vmxsim")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := simLogger.Data
	simLogger = logger.WithFields(fields)
}

// revision is the control-structure revision identifier the simulated
// silicon reports in IA32_VMX_BASIC and demands at the head of every
// enable and control-structure region.
const revision uint32 = 0x12

// Core simulates one logical processor. All methods must be called from
// the goroutine driving the core, with one exception: Invept may be
// issued by another core as a cross-core invalidation kick, so the
// translation cache carries its own lock.
//
// SetCPUIDLeaf, SetMSR and Queue configure the core and must not race
// Run; call them before the core's loop starts or from a handler on the
// core's own exit path.
type Core struct {
	id   int
	pool *memory.Pool

	cpuid map[uint64][4]uint32
	msrs  map[uint32]uint64
	cr0   uint64
	cr4   uint64
	xcr0  uint64

	inVMX   bool
	vmxonPA uint64

	// current is the loaded control-structure address, zero when none.
	current  uint64
	vmcs     map[uint64]map[uint32]uint64
	launched map[uint64]bool

	tlbMu   sync.Mutex
	tlb     map[uint64]tlbEntry
	tlbEPTP uint64
	tlbGen  uint64

	guest guestState
}

// NewCore builds a core over pool with the given script of guest
// operations. The core starts with bare-metal reset defaults: VMX
// advertised but feature control unlocked, extended state at x87 only.
func NewCore(id int, pool *memory.Pool, script ...Op) *Core {
	c := &Core{
		id:       id,
		pool:     pool,
		cpuid:    defaultCPUID(),
		msrs:     defaultMSRs(),
		cr0:      0x80000031,
		cr4:      0x40220,
		xcr0:     vmx.XCR0X87,
		vmcs:     map[uint64]map[uint32]uint64{},
		launched: map[uint64]bool{},
		tlb:      map[uint64]tlbEntry{},
	}
	c.guest.script = append(c.guest.script, script...)

	return c
}

func defaultMSRs() map[uint32]uint64 {
	pin := uint64(0x16) | 0xFF<<32
	proc := uint64(0x04006172) | 0xFFFFFFFF<<32
	exit := uint64(0x00036DFB) | 0x00FFFFFF<<32
	entry := uint64(0x000011FB) | 0x0000FFFF<<32

	return map[uint32]uint64{
		vmx.MSRFeatureControl: 0,

		vmx.MSRVMXBasic:        uint64(revision) | 1<<55,
		vmx.MSRVMXPinBased:     pin,
		vmx.MSRVMXProcBased:    proc,
		vmx.MSRVMXExit:         exit,
		vmx.MSRVMXEntry:        entry,
		vmx.MSRVMXTruePinBased: pin,
		vmx.MSRVMXTrueProc:     proc,
		vmx.MSRVMXTrueExit:     exit,
		vmx.MSRVMXTrueEntry:    entry,
		vmx.MSRVMXProcBased2:   0xFF << 32,
		vmx.MSRVMXCR0Fixed0:    vmx.CR0PE | vmx.CR0NE | vmx.CR0PG,
		vmx.MSRVMXCR0Fixed1:    0xFFFFFFFF,
		vmx.MSRVMXCR4Fixed0:    vmx.CR4VMXE,
		vmx.MSRVMXCR4Fixed1:    0x7FFFFF,
		vmx.MSRVMXEPTVPIDCap: vmx.EPTCapExecOnly | vmx.EPTCapPageWalk4 |
			vmx.EPTCapMemTypeWB | vmx.EPTCap2MBPage |
			vmx.EPTCapInveptSingle | vmx.EPTCapInveptGlobal,

		vmx.MSREFER:         vmx.EFERSCE | vmx.EFERLME | vmx.EFERLMA | vmx.EFERNXE,
		vmx.MSRIA32PAT:      0x0007040600070406,
		vmx.MSRIA32DebugCtl: 0,
		vmx.MSRSysenterCS:   0,
		vmx.MSRSysenterESP:  0,
		vmx.MSRSysenterEIP:  0,
		vmx.MSRSTAR:         0,
		vmx.MSRLSTAR:        0xFFFFFFFF81A00000,
		vmx.MSRFSBase:       0,
		vmx.MSRGSBase:       0,
	}
}

func defaultCPUID() map[uint64][4]uint32 {
	return map[uint64][4]uint32{
		// Highest leaf and the vendor string.
		leafKey(0, 0): {0xD, 0x756E6547, 0x6C65746E, 0x49656E69},
		// Family/model/stepping plus the feature words.
		leafKey(1, 0): {
			0x000906EA,
			0x00100800,
			1 | vmx.CPUIDFeatureVMX | vmx.CPUIDFeatureXSAVE,
			0xBFEBFBFF,
		},
		// Extended state: x87, SSE and AVX supported.
		leafKey(0xD, 0): {0x7, 0x340, 0x340, 0},
	}
}

func leafKey(leaf, subleaf uint32) uint64 {
	return uint64(leaf)<<32 | uint64(subleaf)
}

// SetCPUIDLeaf overrides one identification leaf.
func (c *Core) SetCPUIDLeaf(leaf, subleaf uint32, eax, ebx, ecx, edx uint32) {
	c.cpuid[leafKey(leaf, subleaf)] = [4]uint32{eax, ebx, ecx, edx}
}

// SetMSR overrides one model-specific register.
func (c *Core) SetMSR(index uint32, value uint64) {
	c.msrs[index] = value
}

// MSR returns the live value of a model-specific register, unfiltered.
// Assertions use it to see which guest writes actually reached the core.
func (c *Core) MSR(index uint32) uint64 { return c.msrs[index] }

// XCR0 returns the live extended control register.
func (c *Core) XCR0() uint64 { return c.xcr0 }

// InVMX reports whether the core is in VMX root operation.
func (c *Core) InVMX() bool { return c.inVMX }

func (c *Core) CoreID() int { return c.id }

func (c *Core) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	v := c.cpuid[leafKey(leaf, subleaf)]

	return v[0], v[1], v[2], v[3]
}

func (c *Core) ReadMSR(index uint32) (uint64, error) {
	v, ok := c.msrs[index]
	if !ok {
		return 0, fmt.Errorf("%w: rdmsr %#x", vmx.ErrBadMSR, index)
	}

	return v, nil
}

func (c *Core) WriteMSR(index uint32, value uint64) error {
	if index >= vmx.MSRVMXBasic && index <= vmx.MSRVMXTrueEntry {
		return fmt.Errorf("%w: capability register %#x is read-only", vmx.ErrBadMSR, index)
	}

	if index == vmx.MSRFeatureControl {
		cur := c.msrs[index]
		if cur&vmx.FeatureControlLock != 0 && cur != value {
			return fmt.Errorf("%w: feature control is locked", vmx.ErrBadMSR)
		}
	}

	c.msrs[index] = value

	return nil
}

func (c *Core) ReadCR0() uint64       { return c.cr0 }
func (c *Core) WriteCR0(value uint64) { c.cr0 = value }
func (c *Core) ReadCR4() uint64       { return c.cr4 }
func (c *Core) WriteCR4(value uint64) { c.cr4 = value }

func (c *Core) XSetBV(ecx uint32, value uint64) error {
	if ecx != 0 {
		return fmt.Errorf("extended control register %d not implemented", ecx)
	}

	c.xcr0 = value

	return nil
}

// VMXOn models the enable instruction with the manual's preconditions:
// CR4.VMXE set, feature control locked with VMX permitted, and a
// page-aligned region stamped with the expected revision identifier.
func (c *Core) VMXOn(pa uint64) error {
	if c.inVMX {
		return fmt.Errorf("%w: %s", vmx.ErrVMFailValid, vmx.VMErrVMXONInRoot)
	}

	if c.cr4&vmx.CR4VMXE == 0 {
		return errors.New("vmxon: CR4 vmx-enable bit clear")
	}

	fc := c.msrs[vmx.MSRFeatureControl]
	if fc&vmx.FeatureControlLock == 0 || fc&vmx.FeatureControlVMXOutsideSMX == 0 {
		return errors.New("vmxon: feature control does not permit vmx")
	}

	frame, err := c.regionAt(pa)
	if err != nil {
		return fmt.Errorf("%w: %v", vmx.ErrVMFailInvalid, err)
	}

	if uint32(frame.Entry(0))&0x7FFFFFFF != revision {
		return fmt.Errorf("%w: region revision mismatch", vmx.ErrVMFailInvalid)
	}

	c.inVMX = true
	c.vmxonPA = pa
	simLogger.WithField("core", c.id).Debug("entered vmx root operation")

	return nil
}

func (c *Core) VMXOff() error {
	if !c.inVMX {
		return fmt.Errorf("%w: vmxoff outside vmx operation", vmx.ErrNotReady)
	}

	c.inVMX = false
	c.current = 0
	simLogger.WithField("core", c.id).Debug("left vmx root operation")

	return nil
}

func (c *Core) VMClear(pa uint64) error {
	if !c.inVMX {
		return fmt.Errorf("%w: vmclear outside vmx operation", vmx.ErrNotReady)
	}

	if _, err := c.regionAt(pa); err != nil {
		return fmt.Errorf("%w: %s: %v", vmx.ErrVMFailValid, vmx.VMErrVMCLEARBadAddr, err)
	}

	if pa == c.vmxonPA {
		return fmt.Errorf("%w: %s", vmx.ErrVMFailValid, vmx.VMErrVMCLEAROnVMXON)
	}

	c.launched[pa] = false
	if c.vmcs[pa] == nil {
		c.vmcs[pa] = map[uint32]uint64{}
	}

	if c.current == pa {
		c.current = 0
	}

	return nil
}

func (c *Core) VMPtrLd(pa uint64) error {
	if !c.inVMX {
		return fmt.Errorf("%w: vmptrld outside vmx operation", vmx.ErrNotReady)
	}

	frame, err := c.regionAt(pa)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", vmx.ErrVMFailValid, vmx.VMErrVMPTRLDBadAddr, err)
	}

	if pa == c.vmxonPA {
		return fmt.Errorf("%w: %s", vmx.ErrVMFailValid, vmx.VMErrVMPTRLDOnVMXON)
	}

	if uint32(frame.Entry(0))&0x7FFFFFFF != revision {
		return fmt.Errorf("%w: %s", vmx.ErrVMFailValid, vmx.VMErrVMPTRLDBadRevision)
	}

	if c.vmcs[pa] == nil {
		c.vmcs[pa] = map[uint32]uint64{}
	}

	c.current = pa

	return nil
}

func (c *Core) VMRead(field uint32) (uint64, error) {
	if !c.inVMX || c.current == 0 {
		return 0, fmt.Errorf("%w: no current control structure", vmx.ErrNotReady)
	}

	return c.vmcs[c.current][field], nil
}

func (c *Core) VMWrite(field uint32, value uint64) error {
	if !c.inVMX || c.current == 0 {
		return fmt.Errorf("%w: no current control structure", vmx.ErrNotReady)
	}

	if readOnlyField(field) {
		return fmt.Errorf("%w: %s", vmx.ErrVMFailValid, vmx.VMErrWriteReadOnlyField)
	}

	c.vmcs[c.current][field] = value

	return nil
}

func readOnlyField(field uint32) bool {
	switch field {
	case vmx.FieldVMInstructionError, vmx.FieldExitReason,
		vmx.FieldExitIntrInfo, vmx.FieldExitIntrErrCode,
		vmx.FieldExitInstrLen, vmx.FieldExitInstrInfo,
		vmx.FieldExitQualification, vmx.FieldGuestLinearAddr,
		vmx.FieldGuestPhysAddr:
		return true
	}

	return false
}

// Run validates entry the way the launch and resume instructions do and
// then drives the guest script until an operation traps. A VMfail comes
// back as the matching RFLAGS bit with the error number, if any, in the
// instruction-error field; an entry failure comes back as a synthetic
// exit with the failure bit set in the reason.
func (c *Core) Run(regs *vmx.Regs, launched bool) (uint64, error) {
	if !c.inVMX {
		return 0, fmt.Errorf("%w: entry outside vmx operation", vmx.ErrNotReady)
	}

	if c.current == 0 {
		return vmx.RFlagsCF, nil
	}

	f := c.vmcs[c.current]

	if !launched && c.launched[c.current] {
		return c.vmfail(f, vmx.VMErrVMLAUNCHNonClear), nil
	}

	if launched && !c.launched[c.current] {
		return c.vmfail(f, vmx.VMErrVMRESUMENonLaunched), nil
	}

	if !c.entryControlsValid(f) {
		return c.vmfail(f, vmx.VMErrEntryBadControls), nil
	}

	// Control checks passed; guest-state problems are reported as an
	// entry failure, after which the launch state is left alone.
	if f[vmx.FieldVMCSLinkPointer] != vmx.VMCSLinkUnused {
		c.entryFailure(f)
		return 0, nil
	}

	c.launched[c.current] = true

	return 0, c.runGuest(regs, f)
}

func (c *Core) vmfail(f map[uint32]uint64, code vmx.InstructionError) uint64 {
	f[vmx.FieldVMInstructionError] = uint64(code)

	return vmx.RFlagsZF
}

func (c *Core) entryControlsValid(f map[uint32]uint64) bool {
	proc := uint32(f[vmx.FieldProcBasedControls])
	if proc&vmx.ProcBasedSecondary == 0 {
		return false
	}

	if uint32(f[vmx.FieldProcBased2Controls])&vmx.ProcBased2EnableEPT == 0 {
		return false
	}

	eptp := f[vmx.FieldEPTPointer]
	if eptp&0x7 != 6 || (eptp>>3)&0x7 != 3 {
		return false
	}

	if _, err := c.pool.FrameAt(eptp & entryAddrMask); err != nil {
		return false
	}

	return true
}

func (c *Core) entryFailure(f map[uint32]uint64) {
	f[vmx.FieldExitReason] = uint64(vmx.ExitInvalidState) | 1<<31
	f[vmx.FieldExitQualification] = 0
	f[vmx.FieldExitInstrLen] = 0
}

// Invept flushes this core's translation cache. Remote cores call it on
// this core's handle when they broadcast a table change.
func (c *Core) Invept(typ vmx.InveptType, eptp uint64) error {
	c.tlbMu.Lock()
	defer c.tlbMu.Unlock()

	switch typ {
	case vmx.InveptGlobal:
		c.tlb = map[uint64]tlbEntry{}
		c.tlbGen++
	case vmx.InveptSingleContext:
		if eptp == c.tlbEPTP {
			c.tlb = map[uint64]tlbEntry{}
			c.tlbGen++
		}
	default:
		return fmt.Errorf("invept type %d not supported", typ)
	}

	return nil
}

// regionAt fetches the frame backing an enable or control-structure
// region operand, rejecting unaligned and out-of-pool addresses.
func (c *Core) regionAt(pa uint64) (memory.Frame, error) {
	if !memory.Aligned(pa, memory.PageSize) {
		return memory.Frame{}, fmt.Errorf("region %#x not page aligned", pa)
	}

	return c.pool.FrameAt(pa)
}
