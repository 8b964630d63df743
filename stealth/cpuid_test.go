package stealth_test

import (
	"encoding/binary"
	"testing"

	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
)

func TestConcealClearsPresence(t *testing.T) {
	t.Parallel()

	table := stealth.NewSpoofTable(stealth.Config{Conceal: true})

	in := stealth.Leaf{
		ECX: vmx.CPUIDFeatureVMX | vmx.CPUIDFeatureHyperV | vmx.CPUIDFeatureXSAVE,
		EDX: 0xBFEBFBFF,
	}

	out := table.Transform(1, 0, in)

	if out.ECX&vmx.CPUIDFeatureVMX != 0 {
		t.Error("extension bit still visible")
	}

	if out.ECX&vmx.CPUIDFeatureHyperV != 0 {
		t.Error("hypervisor bit still visible")
	}

	if out.ECX&vmx.CPUIDFeatureXSAVE == 0 {
		t.Error("unrelated feature bit lost")
	}

	if out.EDX != in.EDX {
		t.Error("EDX disturbed")
	}
}

func TestConcealEmptiesVendorRange(t *testing.T) {
	t.Parallel()

	table := stealth.NewSpoofTable(stealth.Config{Conceal: true})

	filled := stealth.Leaf{EAX: 1, EBX: 2, ECX: 3, EDX: 4}

	for _, leaf := range []uint32{0x40000000, 0x40000010, 0x400000FF} {
		if got := table.Transform(leaf, 0, filled); got != (stealth.Leaf{}) {
			t.Errorf("leaf %#x = %+v, want zeros", leaf, got)
		}
	}

	// Leaves outside the vendor range pass untouched.
	if got := table.Transform(0x40000100, 0, filled); got != filled {
		t.Errorf("leaf past range = %+v", got)
	}

	if got := table.Transform(0x3FFFFFFF, 0, filled); got != filled {
		t.Errorf("leaf before range = %+v", got)
	}
}

func TestVMwareIdentity(t *testing.T) {
	t.Parallel()

	table := stealth.NewSpoofTable(stealth.Config{
		Conceal: true,
		Profile: stealth.ProfileVMware,
		TSCKHz:  2_904_000,
		APICKHz: 66_000,
	})

	base := table.Transform(0x40000000, 0, stealth.Leaf{})

	if base.EAX != 0x40000010 {
		t.Errorf("max vendor leaf = %#x, want 0x40000010", base.EAX)
	}

	var sig [12]byte

	binary.LittleEndian.PutUint32(sig[0:], base.EBX)
	binary.LittleEndian.PutUint32(sig[4:], base.ECX)
	binary.LittleEndian.PutUint32(sig[8:], base.EDX)

	if string(sig[:]) != "VMwareVMware" {
		t.Errorf("vendor signature = %q", sig)
	}

	timing := table.Transform(0x40000010, 0, stealth.Leaf{})
	if timing.EAX != 2_904_000 || timing.EBX != 66_000 {
		t.Errorf("timing leaf = %+v", timing)
	}

	// Unimplemented vendor leaves answer zero under the profile too.
	if got := table.Transform(0x40000002, 0, stealth.Leaf{EAX: 9}); got != (stealth.Leaf{}) {
		t.Errorf("vendor leaf 2 = %+v", got)
	}

	// The profile raises hypervisor-present even while concealment
	// drops the extension bit.
	features := table.Transform(1, 0, stealth.Leaf{ECX: vmx.CPUIDFeatureVMX})

	if features.ECX&vmx.CPUIDFeatureHyperV == 0 {
		t.Error("hypervisor bit should be set under the profile")
	}

	if features.ECX&vmx.CPUIDFeatureVMX != 0 {
		t.Error("extension bit should stay hidden")
	}
}

func TestOverrideWins(t *testing.T) {
	t.Parallel()

	table := stealth.NewSpoofTable(stealth.Config{
		Conceal: true,
		Leaves: []stealth.LeafOverride{
			{Leaf: 1, Subleaf: 0, EAX: 0x000906EA, ECX: 0x7FFAFBBF},
		},
	})

	out := table.Transform(1, 0, stealth.Leaf{ECX: vmx.CPUIDFeatureVMX})

	if out.EAX != 0x000906EA || out.ECX != 0x7FFAFBBF {
		t.Errorf("override not applied: %+v", out)
	}

	// A different subleaf falls back to the rules.
	out = table.Transform(1, 1, stealth.Leaf{ECX: vmx.CPUIDFeatureVMX})
	if out.ECX&vmx.CPUIDFeatureVMX != 0 {
		t.Error("rules skipped for unmatched subleaf")
	}
}

func TestTransparentWhenDisabled(t *testing.T) {
	t.Parallel()

	table := stealth.NewSpoofTable(stealth.Config{})

	in := stealth.Leaf{EAX: 0xA, ECX: vmx.CPUIDFeatureVMX | vmx.CPUIDFeatureHyperV}

	if got := table.Transform(1, 0, in); got != in {
		t.Errorf("leaf 1 = %+v, want passthrough", got)
	}

	vendor := stealth.Leaf{EBX: 0x4B4D564B}
	if got := table.Transform(0x40000000, 0, vendor); got != vendor {
		t.Errorf("vendor leaf = %+v, want passthrough", got)
	}
}
