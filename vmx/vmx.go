// Package vmx holds the Intel VT-x architectural constants and the narrow
// hardware interface the rest of the engine is written against. Privileged
// instructions (VMXON, VMLAUNCH, RDMSR, ...) are reachable only through the
// Hardware interface so that a software-simulated backend can stand in for
// real silicon; see the vmxsim package.
package vmx

import (
	"fmt"
)

// Hardware is the capability surface consumed by the engine. One handle per
// logical processor; all methods act on the core the handle belongs to, with
// the exception of Invept, which a remote core may issue on another core's
// handle to model a cross-core invalidation kick.
type Hardware interface {
	// CoreID returns the owning logical processor index.
	CoreID() int

	// CPUID executes the identification instruction for leaf/subleaf.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error

	ReadCR0() uint64
	WriteCR0(value uint64)
	ReadCR4() uint64
	WriteCR4(value uint64)

	// XSetBV loads the extended control register selected by ecx on behalf
	// of the guest after the handler has validated the value.
	XSetBV(ecx uint32, value uint64) error

	// VMXOn enters VMX root operation using the enable region at pa.
	VMXOn(pa uint64) error
	VMXOff() error

	// VMClear initializes/launders the control structure at pa.
	VMClear(pa uint64) error
	// VMPtrLd makes the control structure at pa current for this core.
	VMPtrLd(pa uint64) error

	VMRead(field uint32) (uint64, error)
	VMWrite(field uint32, value uint64) error

	// Run enters the guest with the given register snapshot, via the launch
	// instruction when launched is false and the resume instruction
	// otherwise. It returns on the next trap with the snapshot updated to
	// the guest state at the exit and the raw RFLAGS of the VM instruction,
	// which callers must feed to CheckVMResult.
	Run(regs *Regs, launched bool) (uint64, error)

	// Invept invalidates cached guest-physical translations on this core.
	Invept(typ InveptType, eptp uint64) error
}

// InveptType selects the invalidation scope.
type InveptType uint64

const (
	InveptSingleContext InveptType = 1
	InveptGlobal        InveptType = 2
)

// Capabilities is the result of probing one core, cached once per process
// before any core is brought up.
type Capabilities struct {
	// RevisionID is the control-structure revision from IA32_VMX_BASIC,
	// written to the head of every enable and control-structure region.
	RevisionID uint32

	// TrueControls reports whether the TRUE_* capability registers must be
	// used for control adjustment (IA32_VMX_BASIC bit 55).
	TrueControls bool

	// EPT4LevelWB reports support for a 4-level write-back translation tree.
	EPT4LevelWB bool

	// InveptSingle and InveptAll report the supported invalidation scopes.
	InveptSingle bool
	InveptAll    bool
}

// Probe verifies that the core supports VMX operation and that firmware has
// not locked it out, enabling the feature control bits when they are still
// unlocked. There is no fallback: a probe failure means this core can never
// be virtualized.
func Probe(hw Hardware) (*Capabilities, error) {
	_, _, ecx, _ := hw.CPUID(1, 0)
	if ecx&CPUIDFeatureVMX == 0 {
		return nil, ErrVMXUnsupported
	}

	fc, err := hw.ReadMSR(MSRFeatureControl)
	if err != nil {
		return nil, fmt.Errorf("IA32_FEATURE_CONTROL: %w", err)
	}

	switch {
	case fc&FeatureControlLock == 0:
		// Unlocked: claim it ourselves, the way firmware would have.
		fc |= FeatureControlLock | FeatureControlVMXOutsideSMX
		if err := hw.WriteMSR(MSRFeatureControl, fc); err != nil {
			return nil, fmt.Errorf("IA32_FEATURE_CONTROL: %w", err)
		}
	case fc&FeatureControlVMXOutsideSMX == 0:
		return nil, ErrVMXDisabledByFirmware
	}

	basic, err := hw.ReadMSR(MSRVMXBasic)
	if err != nil {
		return nil, fmt.Errorf("IA32_VMX_BASIC: %w", err)
	}

	eptCap, err := hw.ReadMSR(MSRVMXEPTVPIDCap)
	if err != nil {
		return nil, fmt.Errorf("IA32_VMX_EPT_VPID_CAP: %w", err)
	}

	caps := &Capabilities{
		RevisionID:   uint32(basic) & 0x7FFFFFFF,
		TrueControls: basic&(1<<55) != 0,
		EPT4LevelWB:  eptCap&EPTCapPageWalk4 != 0 && eptCap&EPTCapMemTypeWB != 0,
		InveptSingle: eptCap&EPTCapInveptSingle != 0,
		InveptAll:    eptCap&EPTCapInveptGlobal != 0,
	}

	if !caps.EPT4LevelWB {
		return nil, ErrEPTUnsupported
	}

	return caps, nil
}

// AdjustControls folds the allowed-0/allowed-1 settings of a capability
// register into a desired control value: bits set in the low word are
// mandatory, bits clear in the high word are forbidden.
func AdjustControls(desired uint32, capability uint64) uint32 {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)

	return (desired | allowed0) & allowed1
}

// CheckVMResult turns the RFLAGS outcome of a VM instruction into an error,
// reading back the VM-instruction-error field on a VMfailValid result.
// Reference: SDM 31.2 CONVENTIONS, 31.4 VM INSTRUCTION ERROR NUMBERS.
func CheckVMResult(hw Hardware, rflags uint64) error {
	switch {
	case rflags&RFlagsZF != 0:
		code, err := hw.VMRead(FieldVMInstructionError)
		if err != nil {
			return fmt.Errorf("%w: error field unreadable: %v", ErrVMFailValid, err)
		}

		return fmt.Errorf("%w: %s", ErrVMFailValid, InstructionError(code))
	case rflags&RFlagsCF != 0:
		return ErrVMFailInvalid
	}

	return nil
}
