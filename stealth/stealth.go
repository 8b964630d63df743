// Package stealth substitutes the identification and model-register values
// that would betray the engine to the guest. The identification side clears
// the virtualization feature bit and empties or impersonates the vendor
// leaves; the register side shadows the syscall entry register and presents
// feature control as locked off. Every substitution is a pure function of
// the requested leaf or register, so responses never vary between runs.
package stealth

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var stealthLogger = logrus.WithField("source", "stealth")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := stealthLogger.Data
	stealthLogger = logger.WithFields(fields)
}

// ErrBadProfile is an unrecognized vendor profile name.
var ErrBadProfile = errors.New("unknown vendor profile")

// Profile selects whose hypervisor the guest should believe it runs under.
type Profile string

const (
	// ProfileNone presents bare hardware.
	ProfileNone Profile = ""

	// ProfileVMware presents the VMware identity: vendor leaves, timing
	// leaf and the paravirtual register range answered in kind.
	ProfileVMware Profile = "vmware"
)

// Config is the stealth layer configuration, usually loaded from YAML.
type Config struct {
	// Conceal clears the virtualization feature bit and zeroes the
	// vendor leaf range.
	Conceal bool `yaml:"conceal"`

	// Profile optionally layers a vendor identity on top. Concealment
	// and impersonation are independent; both may be on at once.
	Profile Profile `yaml:"profile"`

	// TSCKHz and APICKHz feed the vendor timing leaf.
	TSCKHz  uint32 `yaml:"tsc_khz"`
	APICKHz uint32 `yaml:"apic_khz"`

	// Leaves are exact-value overrides consulted before any rule.
	Leaves []LeafOverride `yaml:"leaves"`
}

// LeafOverride pins one (leaf, subleaf) to fixed register values.
type LeafOverride struct {
	Leaf    uint32 `yaml:"leaf"`
	Subleaf uint32 `yaml:"subleaf"`
	EAX     uint32 `yaml:"eax"`
	EBX     uint32 `yaml:"ebx"`
	ECX     uint32 `yaml:"ecx"`
	EDX     uint32 `yaml:"edx"`
}

// DefaultConfig conceals presence without impersonating anyone.
func DefaultConfig() Config {
	return Config{
		Conceal: true,
		TSCKHz:  2_800_000,
		APICKHz: 66_000,
	}
}

// LoadConfig reads a YAML stealth configuration.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("stealth config: %w", err)
	}

	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("stealth config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects unknown profiles.
func (c Config) Validate() error {
	switch c.Profile {
	case ProfileNone, ProfileVMware:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadProfile, c.Profile)
	}
}

// Layer bundles the identification and register sides for the dispatcher.
type Layer struct {
	Table *SpoofTable
	MSR   *MSRFilter
}

// New assembles the layer. raw is the host-side register access used for
// passthrough, normally the core's hardware handle.
func New(cfg Config, raw RawMSR) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stealthLogger.WithFields(logrus.Fields{
		"conceal": cfg.Conceal,
		"profile": string(cfg.Profile),
	}).Info("stealth layer armed")

	return &Layer{
		Table: NewSpoofTable(cfg),
		MSR:   NewMSRFilter(cfg, raw),
	}, nil
}
