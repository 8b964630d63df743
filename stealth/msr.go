package stealth

import (
	"fmt"
	"sync"

	"github.com/tigr0w/illusion/vmx"
)

// RawMSR is the host-side register access used where the filter passes an
// access through.
type RawMSR interface {
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error
}

// MSRFilter mediates every intercepted model-register access. Concealment
// presents feature control as locked with the extension disabled and faults
// reads of the extension's capability registers; the syscall entry register
// is shadowed so the guest reads back the value it originally wrote no
// matter where the entry actually points.
type MSRFilter struct {
	conceal bool
	profile Profile
	raw     RawMSR

	mu sync.Mutex

	// originalLSTAR is the first syscall entry the guest installed;
	// zero until that write is seen.
	originalLSTAR uint64

	// hookLSTAR is what actually reaches hardware when the guest
	// rewrites the original value. It starts out equal to the original
	// and moves when a syscall hook is planted.
	hookLSTAR uint64
}

// NewMSRFilter builds the filter for one core.
func NewMSRFilter(cfg Config, raw RawMSR) *MSRFilter {
	return &MSRFilter{conceal: cfg.Conceal, profile: cfg.Profile, raw: raw}
}

// permitted applies the range policy. Bare hardware answers only the two
// architectural ranges; the paravirtual range faults the way it does on a
// machine with no hypervisor. The VMware identity keeps faulting that range
// (VMware does not implement those registers either) but tolerates strays
// outside the architectural ranges.
func (f *MSRFilter) permitted(index uint32) bool {
	if f.profile == ProfileVMware {
		return !vmx.SyntheticMSR(index)
	}

	return vmx.ValidMSR(index)
}

// Read resolves an intercepted register read. A vmx.ErrBadMSR return means
// the access must surface to the guest as a general protection fault.
func (f *MSRFilter) Read(index uint32) (uint64, error) {
	if !f.permitted(index) {
		return 0, fmt.Errorf("%w: read %#x", vmx.ErrBadMSR, index)
	}

	if f.conceal && index >= vmx.MSRVMXBasic && index <= vmx.MSRVMXTrueEntry {
		// A processor with the extension hidden has no capability
		// registers to answer from.
		return 0, fmt.Errorf("%w: read %#x", vmx.ErrBadMSR, index)
	}

	switch index {
	case vmx.MSRLSTAR:
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.originalLSTAR != 0 {
			return f.originalLSTAR, nil
		}

		// Nothing recorded yet; the guest has not set its entry point.
		return f.raw.ReadMSR(index)

	case vmx.MSRFeatureControl:
		value, err := f.raw.ReadMSR(index)
		if err != nil {
			return 0, err
		}

		if f.conceal {
			value |= vmx.FeatureControlLock
			value &^= vmx.FeatureControlVMXOutsideSMX
		}

		return value, nil

	default:
		return f.raw.ReadMSR(index)
	}
}

// Write resolves an intercepted register write. The returned flag asks the
// caller to stop intercepting writes to this register; reads stay
// intercepted so the shadow keeps answering.
func (f *MSRFilter) Write(index uint32, value uint64) (bool, error) {
	if !f.permitted(index) {
		return false, fmt.Errorf("%w: write %#x", vmx.ErrBadMSR, index)
	}

	if index != vmx.MSRLSTAR {
		return false, f.raw.WriteMSR(index, value)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.originalLSTAR == 0 {
		f.originalLSTAR = value
		f.hookLSTAR = value

		stealthLogger.WithField("entry", fmt.Sprintf("%#x", value)).
			Debug("syscall entry recorded")
	}

	if value == f.originalLSTAR {
		// Writing the original back is an integrity pass; keep the
		// effective target in place underneath it.
		return true, f.raw.WriteMSR(index, f.hookLSTAR)
	}

	// A retarget away from the recorded entry never reaches hardware.
	stealthLogger.WithField("value", fmt.Sprintf("%#x", value)).
		Warn("syscall entry retarget swallowed")

	return true, nil
}

// SyscallEntry returns the recorded original entry point, zero before the
// guest installs one.
func (f *MSRFilter) SyscallEntry() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.originalLSTAR
}
