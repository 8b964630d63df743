// Package hypercall defines the guest-to-host call channel. A call is one
// trapping instruction with a register-encoded frame: RAX carries the
// signature, RCX the command, RDX/R8/R9 the arguments; the answer comes
// back in RAX (status) and RDX (value). Anything trapping with the wrong
// signature is not a call at all and must surface to the guest as the
// undefined-opcode fault bare hardware would raise.
package hypercall

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/vmx"
)

var hcLogger = logrus.WithField("source", "hypercall")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := hcLogger.Data
	hcLogger = logger.WithFields(fields)
}

// Signature is the ASCII tag "illu" packed big-endian. Only frames carrying
// it in RAX are treated as calls.
const Signature uint64 = 0x696C6C75

// Version is returned by Ping in the value register.
const Version uint64 = 1

// Command selects the operation.
type Command uint64

const (
	CmdPing Command = iota
	CmdInstallHook
	CmdRemoveHook
	CmdCounter
	CmdTerminate
)

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "ping"
	case CmdInstallHook:
		return "install-hook"
	case CmdRemoveHook:
		return "remove-hook"
	case CmdCounter:
		return "counter"
	case CmdTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("command %d", uint64(c))
	}
}

// Status is the outcome in RAX.
type Status uint64

const (
	StatusOK Status = iota
	StatusUnknown
	StatusFailed
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown command"
	case StatusFailed:
		return "failed"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status %d", uint64(s))
	}
}

// CounterID selects a statistic for CmdCounter.
type CounterID uint64

const (
	CounterHooks CounterID = iota
	CounterExits
	CounterExecSwitches
	CounterDataSwitches
	CounterCores
)

func (id CounterID) String() string {
	switch id {
	case CounterHooks:
		return "hooks"
	case CounterExits:
		return "exits"
	case CounterExecSwitches:
		return "exec-switches"
	case CounterDataSwitches:
		return "data-switches"
	case CounterCores:
		return "cores"
	default:
		return fmt.Sprintf("counter %d", uint64(id))
	}
}

var (
	// ErrUnknownCommand mirrors StatusUnknown on the guest side.
	ErrUnknownCommand = errors.New("hypercall: unknown command")

	// ErrFailed mirrors StatusFailed on the guest side.
	ErrFailed = errors.New("hypercall: command failed")

	// ErrUnsupported means the channel is not available here.
	ErrUnsupported = errors.New("hypercall: not available")
)

// Backend is the host side of the channel. The engine supplies one; every
// dispatched call lands on it.
type Backend interface {
	// InstallHook arms a stealth hook on page using the page at
	// shadowSrc as content.
	InstallHook(page, shadowSrc uint64) error

	// RemoveHook disarms the hook on page.
	RemoveHook(page uint64) error

	// Counter reads one statistic.
	Counter(id CounterID) (uint64, error)

	// Terminate asks the engine to unwind this core.
	Terminate() error
}

// IsRequest reports whether the trapping frame carries the signature.
func IsRequest(regs *vmx.Regs) bool {
	return regs.RAX == Signature
}

// Dispatch resolves one call in place: regs supplies the frame and receives
// the answer. An unknown command writes StatusUnknown and touches nothing
// else, so probing software learns as little as possible.
//
// The returned flag is true for a terminate request the caller must act on.
func Dispatch(regs *vmx.Regs, backend Backend) bool {
	cmd := Command(regs.RCX)

	hcLogger.WithFields(logrus.Fields{
		"command": cmd.String(),
		"arg0":    fmt.Sprintf("%#x", regs.RDX),
		"arg1":    fmt.Sprintf("%#x", regs.R8),
	}).Debug("dispatching call")

	switch cmd {
	case CmdPing:
		regs.RAX = uint64(StatusOK)
		regs.RDX = Version

	case CmdInstallHook:
		regs.RAX = uint64(toStatus(backend.InstallHook(regs.RDX, regs.R8)))

	case CmdRemoveHook:
		regs.RAX = uint64(toStatus(backend.RemoveHook(regs.RDX)))

	case CmdCounter:
		value, err := backend.Counter(CounterID(regs.RDX))
		if err != nil {
			regs.RAX = uint64(StatusFailed)

			break
		}

		regs.RAX = uint64(StatusOK)
		regs.RDX = value

	case CmdTerminate:
		if err := backend.Terminate(); err != nil {
			regs.RAX = uint64(StatusFailed)

			break
		}

		regs.RAX = uint64(StatusOK)

		return true

	default:
		regs.RAX = uint64(StatusUnknown)
	}

	return false
}

func toStatus(err error) Status {
	if err != nil {
		hcLogger.WithError(err).Warn("command failed")

		return StatusFailed
	}

	return StatusOK
}

// statusErr maps a wire status to the client-side sentinel.
func statusErr(status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusUnknown:
		return ErrUnknownCommand
	case StatusUnsupported:
		return ErrUnsupported
	default:
		return fmt.Errorf("%w: %s", ErrFailed, status)
	}
}
