// Package probe answers the operator question that precedes any
// install: what does this machine expose about hardware
// virtualization, and would the engine even get off the ground here.
// Everything in it is read-only with respect to the host.
package probe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tigr0w/illusion/vmx"
)

var probeLogger = logrus.WithField("source", "probe")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	probeLogger = logger
}

const (
	cpuinfoPath = "/proc/cpuinfo"
	msrPath     = "/dev/cpu/0/msr"
)

// Host is the capability picture of the running machine.
type Host struct {
	Vendor string
	Brand  string
	Cores  int

	// VMX is the extension bit from the feature leaf as this process
	// sees it. A concealing hypervisor underneath us clears it.
	VMX bool

	// Hypervisor reports the leaf-1 guest bit, set when something
	// already owns root operation on this machine.
	Hypervisor bool

	// KernelVMX is the kernel's own view from /proc/cpuinfo, which
	// survives some spoofs that fool direct CPUID.
	KernelVMX bool

	FeatureControl FeatureControl
}

// FeatureControl decodes the lock register that decides whether VMXON
// can succeed. Reading it needs the msr device and privileges, so
// Readable distinguishes "absent" from "zero".
type FeatureControl struct {
	Readable   bool
	Raw        uint64
	Locked     bool
	OutsideSMX bool
}

// Detect gathers the host picture. The pieces that need privileges or
// a Linux proc filesystem degrade to their zero values instead of
// failing the probe.
func Detect() *Host {
	h := &Host{
		Vendor:     cpuid.CPU.VendorString,
		Brand:      cpuid.CPU.BrandName,
		Cores:      cpuid.CPU.LogicalCores,
		VMX:        cpuid.CPU.Supports(cpuid.VMX),
		Hypervisor: cpuid.CPU.Supports(cpuid.HYPERVISOR),
	}

	flags, err := kernelFlags(cpuinfoPath)
	if err != nil {
		probeLogger.WithError(err).Debug("kernel flags unavailable")
	}

	h.KernelVMX = flags["vmx"]

	fc, err := readFeatureControl(msrPath)
	if err != nil {
		probeLogger.WithError(err).Debug("feature control unreadable")
	}

	h.FeatureControl = fc

	return h
}

// kernelFlags collects the feature flag set the kernel reports for the
// boot processor. Only the first flags line matters.
func kernelFlags(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}

		set := make(map[string]bool, 128)
		for _, flag := range strings.Fields(rest) {
			set[flag] = true
		}

		return set, nil
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%s: no flags line", path)
}

// readFeatureControl reads IA32_FEATURE_CONTROL through the msr
// device, where the file offset selects the register index.
func readFeatureControl(path string) (FeatureControl, error) {
	f, err := os.Open(path)
	if err != nil {
		return FeatureControl{}, err
	}
	defer f.Close()

	var buf [8]byte

	n, err := unix.Pread(int(f.Fd()), buf[:], int64(vmx.MSRFeatureControl))
	if err != nil {
		return FeatureControl{}, fmt.Errorf("read feature control: %w", err)
	}

	if n != len(buf) {
		return FeatureControl{}, fmt.Errorf("read feature control: short read of %d", n)
	}

	raw := binary.LittleEndian.Uint64(buf[:])

	return FeatureControl{
		Readable:   true,
		Raw:        raw,
		Locked:     raw&vmx.FeatureControlLock != 0,
		OutsideSMX: raw&vmx.FeatureControlVMXOutsideSMX != 0,
	}, nil
}

// Report renders the probe one finding per line.
func (h *Host) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "processor:       %s (%s, %d logical cores)\n", h.Brand, h.Vendor, h.Cores)
	fmt.Fprintf(&b, "vmx extension:   %s\n", yesNo(h.VMX))
	fmt.Fprintf(&b, "kernel sees vmx: %s\n", yesNo(h.KernelVMX))
	fmt.Fprintf(&b, "hypervisor bit:  %s\n", yesNo(h.Hypervisor))

	switch fc := h.FeatureControl; {
	case !fc.Readable:
		b.WriteString("feature control: unreadable (msr device absent or no privilege)\n")
	case fc.Locked && fc.OutsideSMX:
		fmt.Fprintf(&b, "feature control: %#x, locked with vmx enabled\n", fc.Raw)
	case fc.Locked:
		fmt.Fprintf(&b, "feature control: %#x, locked with vmx disabled\n", fc.Raw)
	default:
		fmt.Fprintf(&b, "feature control: %#x, unlocked\n", fc.Raw)
	}

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}

	return "no"
}
