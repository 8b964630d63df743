package vmx

// VMCS field encodings. Only the fields this engine touches are listed;
// the grouping follows SDM appendix B (16-bit, 64-bit, 32-bit, natural-width,
// each split into control, read-only and guest/host state areas).
const (
	// 16-bit guest state.
	FieldGuestESSelector uint32 = 0x0800
	FieldGuestCSSelector uint32 = 0x0802
	FieldGuestSSSelector uint32 = 0x0804
	FieldGuestDSSelector uint32 = 0x0806
	FieldGuestFSSelector uint32 = 0x0808
	FieldGuestGSSelector uint32 = 0x080A
	FieldGuestLDTRSel    uint32 = 0x080C
	FieldGuestTRSelector uint32 = 0x080E

	// 16-bit host state.
	FieldHostESSelector uint32 = 0x0C00
	FieldHostCSSelector uint32 = 0x0C02
	FieldHostSSSelector uint32 = 0x0C04
	FieldHostDSSelector uint32 = 0x0C06
	FieldHostFSSelector uint32 = 0x0C08
	FieldHostGSSelector uint32 = 0x0C0A
	FieldHostTRSelector uint32 = 0x0C0C

	// 64-bit control.
	FieldMSRBitmap        uint32 = 0x2004
	FieldVMExitMSRStore   uint32 = 0x2006
	FieldVMExitMSRLoad    uint32 = 0x2008
	FieldVMEntryMSRLoad   uint32 = 0x200A
	FieldEPTPointer       uint32 = 0x201A
	FieldGuestPhysAddr    uint32 = 0x2400
	FieldVMCSLinkPointer  uint32 = 0x2800
	FieldGuestIA32Debug   uint32 = 0x2802
	FieldGuestIA32PAT     uint32 = 0x2804
	FieldGuestIA32EFER    uint32 = 0x2806
	FieldHostIA32PAT      uint32 = 0x2C00
	FieldHostIA32EFER     uint32 = 0x2C02

	// 32-bit control.
	FieldPinBasedControls   uint32 = 0x4000
	FieldProcBasedControls  uint32 = 0x4002
	FieldExceptionBitmap    uint32 = 0x4004
	FieldCR3TargetCount     uint32 = 0x400A
	FieldVMExitControls     uint32 = 0x400C
	FieldVMEntryControls    uint32 = 0x4012
	FieldVMEntryIntrInfo    uint32 = 0x4016
	FieldVMEntryExcErrCode  uint32 = 0x4018
	FieldVMEntryInstrLen    uint32 = 0x401A
	FieldProcBased2Controls uint32 = 0x401E

	// 32-bit read-only data.
	FieldVMInstructionError uint32 = 0x4400
	FieldExitReason         uint32 = 0x4402
	FieldExitIntrInfo       uint32 = 0x4404
	FieldExitIntrErrCode    uint32 = 0x4406
	FieldExitInstrLen       uint32 = 0x440C
	FieldExitInstrInfo      uint32 = 0x440E

	// 32-bit guest state.
	FieldGuestCSLimit       uint32 = 0x4802
	FieldGuestCSAccess      uint32 = 0x4816
	FieldGuestInterruptible uint32 = 0x4824
	FieldGuestActivityState uint32 = 0x4826
	FieldGuestSysenterCS    uint32 = 0x482A

	// 32-bit host state.
	FieldHostSysenterCS uint32 = 0x4C00

	// Natural-width read-only data.
	FieldExitQualification uint32 = 0x6400
	FieldGuestLinearAddr   uint32 = 0x640A

	// Natural-width guest state.
	FieldGuestCR0         uint32 = 0x6800
	FieldGuestCR3         uint32 = 0x6802
	FieldGuestCR4         uint32 = 0x6804
	FieldGuestESBase      uint32 = 0x6806
	FieldGuestCSBase      uint32 = 0x6808
	FieldGuestSSBase      uint32 = 0x680A
	FieldGuestDSBase      uint32 = 0x680C
	FieldGuestFSBase      uint32 = 0x680E
	FieldGuestGSBase      uint32 = 0x6810
	FieldGuestTRBase      uint32 = 0x6814
	FieldGuestGDTRBase    uint32 = 0x6816
	FieldGuestIDTRBase    uint32 = 0x6818
	FieldGuestDR7         uint32 = 0x681A
	FieldGuestRSP         uint32 = 0x681C
	FieldGuestRIP         uint32 = 0x681E
	FieldGuestRFLAGS      uint32 = 0x6820
	FieldGuestSysenterESP uint32 = 0x6824
	FieldGuestSysenterEIP uint32 = 0x6826

	// Natural-width host state.
	FieldHostCR0         uint32 = 0x6C00
	FieldHostCR3         uint32 = 0x6C02
	FieldHostCR4         uint32 = 0x6C04
	FieldHostFSBase      uint32 = 0x6C06
	FieldHostGSBase      uint32 = 0x6C08
	FieldHostTRBase      uint32 = 0x6C0A
	FieldHostGDTRBase    uint32 = 0x6C0C
	FieldHostIDTRBase    uint32 = 0x6C0E
	FieldHostSysenterESP uint32 = 0x6C10
	FieldHostSysenterEIP uint32 = 0x6C12
	FieldHostRSP         uint32 = 0x6C14
	FieldHostRIP         uint32 = 0x6C16
)

// Pin-based execution controls.
const (
	PinBasedExtIntExit uint32 = 1 << 0
	PinBasedNMIExit    uint32 = 1 << 3
)

// Primary processor-based execution controls.
const (
	ProcBasedHLTExit       uint32 = 1 << 7
	ProcBasedCR3LoadExit   uint32 = 1 << 15
	ProcBasedCR3StoreExit  uint32 = 1 << 16
	ProcBasedUseMSRBitmaps uint32 = 1 << 28
	ProcBasedSecondary     uint32 = 1 << 31
)

// Secondary processor-based execution controls.
const (
	ProcBased2EnableEPT    uint32 = 1 << 1
	ProcBased2EnableRDTSCP uint32 = 1 << 3
	ProcBased2EnableVPID   uint32 = 1 << 5
	ProcBased2UnrestGuest  uint32 = 1 << 7
	ProcBased2EnableXSAVES uint32 = 1 << 20
)

// VM-exit controls.
const (
	ExitCtlHostAddrSpace64 uint32 = 1 << 9
	ExitCtlAckIntOnExit    uint32 = 1 << 15
	ExitCtlSaveEFER        uint32 = 1 << 20
	ExitCtlLoadEFER        uint32 = 1 << 21
)

// VM-entry controls.
const (
	EntryCtlIA32eGuest uint32 = 1 << 9
	EntryCtlLoadEFER   uint32 = 1 << 15
)

// The link pointer must read all-ones when shadowing is off.
const VMCSLinkUnused uint64 = 0xFFFFFFFFFFFFFFFF

// RFLAGS bits consulted for VM instruction outcomes and guest fixups.
const (
	RFlagsCF uint64 = 1 << 0
	RFlagsZF uint64 = 1 << 6
	RFlagsIF uint64 = 1 << 9
)

// CR0/CR4 bits the engine pins or inspects.
const (
	CR0PE uint64 = 1 << 0
	CR0NE uint64 = 1 << 5
	CR0PG uint64 = 1 << 31

	CR4VMXE uint64 = 1 << 13
)

// CPUID leaf 1 ECX feature bits.
const (
	CPUIDFeatureVMX    uint32 = 1 << 5
	CPUIDFeatureXSAVE  uint32 = 1 << 26
	CPUIDFeatureHyperV uint32 = 1 << 31
)

// Identification leaves reserved for hypervisor vendors.
const (
	CPUIDHypervisorBase uint32 = 0x40000000
	CPUIDHypervisorMax  uint32 = 0x400000FF
)
