package vmx

// Model-specific register indices.
const (
	MSRIA32PAT        uint32 = 0x277
	MSRIA32DebugCtl   uint32 = 0x1D9
	MSRSysenterCS     uint32 = 0x174
	MSRSysenterESP    uint32 = 0x175
	MSRSysenterEIP    uint32 = 0x176
	MSRFeatureControl uint32 = 0x3A

	MSRVMXBasic        uint32 = 0x480
	MSRVMXPinBased     uint32 = 0x481
	MSRVMXProcBased    uint32 = 0x482
	MSRVMXExit         uint32 = 0x483
	MSRVMXEntry        uint32 = 0x484
	MSRVMXMisc         uint32 = 0x485
	MSRVMXCR0Fixed0    uint32 = 0x486
	MSRVMXCR0Fixed1    uint32 = 0x487
	MSRVMXCR4Fixed0    uint32 = 0x488
	MSRVMXCR4Fixed1    uint32 = 0x489
	MSRVMXProcBased2   uint32 = 0x48B
	MSRVMXEPTVPIDCap   uint32 = 0x48C
	MSRVMXTruePinBased uint32 = 0x48D
	MSRVMXTrueProc     uint32 = 0x48E
	MSRVMXTrueExit     uint32 = 0x48F
	MSRVMXTrueEntry    uint32 = 0x490

	MSREFER   uint32 = 0xC0000080
	MSRSTAR   uint32 = 0xC0000081
	MSRLSTAR  uint32 = 0xC0000082
	MSRFSBase uint32 = 0xC0000100
	MSRGSBase uint32 = 0xC0000101
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock          uint64 = 1 << 0
	FeatureControlVMXInsideSMX  uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2
)

// IA32_VMX_EPT_VPID_CAP bits the engine checks.
const (
	EPTCapExecOnly     uint64 = 1 << 0
	EPTCapPageWalk4    uint64 = 1 << 6
	EPTCapMemTypeWB    uint64 = 1 << 14
	EPTCap2MBPage      uint64 = 1 << 16
	EPTCapInveptSingle uint64 = 1 << 25
	EPTCapInveptGlobal uint64 = 1 << 26
)

// IA32_EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// XCR0 state-component bits checked when the guest loads the register.
const (
	XCR0X87 uint64 = 1 << 0
	XCR0SSE uint64 = 1 << 1
	XCR0AVX uint64 = 1 << 2
)

// Architectural index ranges. Accesses outside both ranges raise #GP on
// real silicon; the engine mirrors that when it emulates the access.
const (
	MSRLowMin  uint32 = 0x00000000
	MSRLowMax  uint32 = 0x00001FFF
	MSRHighMin uint32 = 0xC0000000
	MSRHighMax uint32 = 0xC0001FFF

	// The synthetic range vendors park paravirtual registers in.
	MSRSyntheticMin uint32 = 0x40000000
	MSRSyntheticMax uint32 = 0x400000FF
)

// ValidMSR reports whether index lies in an architectural range.
func ValidMSR(index uint32) bool {
	return (index >= MSRLowMin && index <= MSRLowMax) ||
		(index >= MSRHighMin && index <= MSRHighMax)
}

// SyntheticMSR reports whether index lies in the vendor paravirtual range.
func SyntheticMSR(index uint32) bool {
	return index >= MSRSyntheticMin && index <= MSRSyntheticMax
}

// MSR values travel split across RAX/RDX with the high halves ignored.
const MSRMaskLow uint64 = 0xFFFFFFFF

// SplitMSR breaks a 64-bit register value into the RAX/RDX halves.
func SplitMSR(value uint64) (lo, hi uint64) {
	return value & MSRMaskLow, value >> 32
}

// JoinMSR assembles a 64-bit value from the RAX/RDX halves.
func JoinMSR(lo, hi uint64) uint64 {
	return hi<<32 | lo&MSRMaskLow
}
