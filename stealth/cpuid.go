package stealth

import (
	"github.com/tigr0w/illusion/vmx"
)

// Leaf is one identification result.
type Leaf struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// The VMware vendor signature, "VMwareVMware" across EBX, ECX, EDX.
const (
	vmwareVendorEBX uint32 = 0x61774D56
	vmwareVendorECX uint32 = 0x4D566572
	vmwareVendorEDX uint32 = 0x65726177

	// vmwareMaxLeaf is the highest vendor leaf VMware reports, which is
	// also its timing information leaf.
	vmwareMaxLeaf uint32 = 0x40000010
)

type leafKey struct {
	leaf    uint32
	subleaf uint32
}

// SpoofTable rewrites identification results on their way to the guest.
// It is immutable once built.
type SpoofTable struct {
	conceal   bool
	profile   Profile
	tscKHz    uint32
	apicKHz   uint32
	overrides map[leafKey]Leaf
}

// NewSpoofTable compiles the rules for cfg.
func NewSpoofTable(cfg Config) *SpoofTable {
	t := &SpoofTable{
		conceal:   cfg.Conceal,
		profile:   cfg.Profile,
		tscKHz:    cfg.TSCKHz,
		apicKHz:   cfg.APICKHz,
		overrides: make(map[leafKey]Leaf, len(cfg.Leaves)),
	}

	for _, o := range cfg.Leaves {
		t.overrides[leafKey{o.Leaf, o.Subleaf}] = Leaf{o.EAX, o.EBX, o.ECX, o.EDX}
	}

	return t
}

// Transform maps the genuine result of (leaf, subleaf) to what the guest
// gets to see.
func (t *SpoofTable) Transform(leaf, subleaf uint32, in Leaf) Leaf {
	if out, ok := t.overrides[leafKey{leaf, subleaf}]; ok {
		return out
	}

	if leaf == 1 {
		return t.features(in)
	}

	if leaf >= vmx.CPUIDHypervisorBase && leaf <= vmx.CPUIDHypervisorMax {
		return t.vendorRange(leaf, in)
	}

	return in
}

// features adjusts the leaf-1 feature words. Concealment drops the
// virtualization extension bit and the hypervisor-present bit; a vendor
// profile raises hypervisor-present again, the way that vendor does.
func (t *SpoofTable) features(in Leaf) Leaf {
	out := in

	if t.conceal {
		out.ECX &^= vmx.CPUIDFeatureVMX
		out.ECX &^= vmx.CPUIDFeatureHyperV
	}

	if t.profile == ProfileVMware {
		out.ECX |= vmx.CPUIDFeatureHyperV
	}

	return out
}

func (t *SpoofTable) vendorRange(leaf uint32, in Leaf) Leaf {
	if t.profile == ProfileVMware {
		switch leaf {
		case vmx.CPUIDHypervisorBase:
			return Leaf{vmwareMaxLeaf, vmwareVendorEBX, vmwareVendorECX, vmwareVendorEDX}
		case vmwareMaxLeaf:
			return Leaf{t.tscKHz, t.apicKHz, 0, 0}
		default:
			return Leaf{}
		}
	}

	if t.conceal {
		return Leaf{}
	}

	return in
}
