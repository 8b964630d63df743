package vmx

// Regs is the general purpose register snapshot exchanged with the guest on
// every entry and exit. RSP, RIP and RFLAGS live in the control structure
// rather than the snapshot; Run keeps the three mirrored here so handlers
// read and write one place.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}
