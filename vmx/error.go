package vmx

import (
	"errors"
	"fmt"
)

var (
	// ErrVMXUnsupported means CPUID does not advertise VMX on this core.
	ErrVMXUnsupported = errors.New("vmx not supported")

	// ErrVMXDisabledByFirmware means IA32_FEATURE_CONTROL is locked with
	// VMX-outside-SMX clear, so the feature can never be enabled.
	ErrVMXDisabledByFirmware = errors.New("vmx disabled by firmware lock")

	// ErrEPTUnsupported means the translation capabilities lack a 4-level
	// write-back tree, which this engine requires.
	ErrEPTUnsupported = errors.New("required ept capabilities missing")

	// ErrVMFailInvalid is a VM instruction failure with no current control
	// structure to report an error number through.
	ErrVMFailInvalid = errors.New("vm instruction failed, no error number")

	// ErrVMFailValid is a VM instruction failure with an error number.
	ErrVMFailValid = errors.New("vm instruction failed")

	// ErrBadMSR is a model-specific register access outside the valid
	// ranges, which real silicon answers with #GP.
	ErrBadMSR = errors.New("msr index out of range")

	// ErrNotReady flags an operation issued before the core reached the
	// state that permits it.
	ErrNotReady = errors.New("core not in required state")
)

// InstructionError is the VM-instruction error number read back after a
// failed VM instruction with a current control structure.
type InstructionError uint64

const (
	VMErrVMCALLInRoot        InstructionError = 1
	VMErrVMCLEARBadAddr      InstructionError = 2
	VMErrVMCLEAROnVMXON      InstructionError = 3
	VMErrVMLAUNCHNonClear    InstructionError = 4
	VMErrVMRESUMENonLaunched InstructionError = 5
	VMErrVMRESUMEAfterOff    InstructionError = 6
	VMErrEntryBadControls    InstructionError = 7
	VMErrEntryBadHostState   InstructionError = 8
	VMErrVMPTRLDBadAddr      InstructionError = 9
	VMErrVMPTRLDOnVMXON      InstructionError = 10
	VMErrVMPTRLDBadRevision  InstructionError = 11
	VMErrUnsupportedField    InstructionError = 12
	VMErrWriteReadOnlyField  InstructionError = 13
	VMErrVMXONInRoot         InstructionError = 15
)

func (e InstructionError) String() string {
	switch e {
	case VMErrVMCALLInRoot:
		return "VMCALL executed in VMX root operation"
	case VMErrVMCLEARBadAddr:
		return "VMCLEAR with invalid physical address"
	case VMErrVMCLEAROnVMXON:
		return "VMCLEAR with VMXON pointer"
	case VMErrVMLAUNCHNonClear:
		return "VMLAUNCH with non-clear VMCS"
	case VMErrVMRESUMENonLaunched:
		return "VMRESUME with non-launched VMCS"
	case VMErrVMRESUMEAfterOff:
		return "VMRESUME after VMXOFF"
	case VMErrEntryBadControls:
		return "VM entry with invalid control fields"
	case VMErrEntryBadHostState:
		return "VM entry with invalid host-state fields"
	case VMErrVMPTRLDBadAddr:
		return "VMPTRLD with invalid physical address"
	case VMErrVMPTRLDOnVMXON:
		return "VMPTRLD with VMXON pointer"
	case VMErrVMPTRLDBadRevision:
		return "VMPTRLD with incorrect revision identifier"
	case VMErrUnsupportedField:
		return "read/write of unsupported VMCS component"
	case VMErrWriteReadOnlyField:
		return "write to read-only VMCS component"
	case VMErrVMXONInRoot:
		return "VMXON executed in VMX root operation"
	default:
		return fmt.Sprintf("instruction error %d", uint64(e))
	}
}
