// Package vmexit routes traps out of the guest. Each iteration of a core's
// run loop reads one Exit record and hands it to the handler registered for
// the reason; handlers work on the saved register snapshot and describe the
// resume through an Action, they never touch the control structure
// themselves.
package vmexit

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/ept"
	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/insn"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vmx"
)

var exitLogger = logrus.WithField("source", "vmexit")

// SetLogger redirects the package output to the given logger while keeping
// the source field.
func SetLogger(logger *logrus.Entry) {
	fields := exitLogger.Data
	exitLogger = logger.WithFields(fields)
}

var (
	// ErrEntryFailure means the processor refused the last entry outright.
	ErrEntryFailure = errors.New("vm-entry failure")

	// ErrTripleFault is an unrecoverable guest shutdown.
	ErrTripleFault = errors.New("guest triple fault")

	// ErrEPTMisconfig means a translation entry the engine wrote is
	// malformed. The tree can no longer be trusted.
	ErrEPTMisconfig = errors.New("ept misconfiguration")

	// ErrStrayViolation is an access fault on a page with no hook. The
	// engine never wrote a restrictive entry there, so something else did.
	ErrStrayViolation = errors.New("ept violation outside any hook")

	// ErrRIPDesync means the reported instruction length does not match
	// the bytes actually at the guest instruction pointer. Advancing the
	// wrong amount would desynchronize guest execution.
	ErrRIPDesync = errors.New("instruction length desync")
)

// Exit is the ephemeral record of one trap, read from the control
// structure before dispatch and discarded after the resume.
type Exit struct {
	Reason        vmx.ExitReason
	EntryFailure  bool
	Qualification uint64
	GuestPhys     uint64
	GuestLinear   uint64
	InstrLen      uint64
}

// Read collects the current trap's exit information.
func Read(hw vmx.Hardware) (*Exit, error) {
	raw, err := hw.VMRead(vmx.FieldExitReason)
	if err != nil {
		return nil, fmt.Errorf("exit reason: %w", err)
	}

	e := &Exit{
		Reason:       vmx.ExitReason(raw & 0xFFFF),
		EntryFailure: raw&(1<<31) != 0,
	}

	for _, f := range []struct {
		field uint32
		dst   *uint64
	}{
		{vmx.FieldExitQualification, &e.Qualification},
		{vmx.FieldGuestPhysAddr, &e.GuestPhys},
		{vmx.FieldGuestLinearAddr, &e.GuestLinear},
		{vmx.FieldExitInstrLen, &e.InstrLen},
	} {
		v, err := hw.VMRead(f.field)
		if err != nil {
			return nil, fmt.Errorf("exit field %#x: %w", f.field, err)
		}

		*f.dst = v
	}

	return e, nil
}

// Action tells the run loop how to resume after a handled trap. The zero
// value replays the same instruction, which is what a translation switch
// wants. NextRIP moves the guest past an emulated instruction, Event is
// delivered ahead of the next guest instruction, and Stop unwinds the
// core to its disabled state.
type Action struct {
	NextRIP uint64
	Event   *vmx.Event
	Stop    bool
}

// Handler is one reason family's resolution strategy.
type Handler interface {
	Handle(c *Context, regs *vmx.Regs, e *Exit) (Action, error)
}

// Context is the per-core dispatch state threaded through every handler.
type Context struct {
	HW      vmx.Hardware
	Stealth *stealth.Layer
	Hooks   *ept.HookSet
	Backend hypercall.Backend

	// ReadGuest copies guest memory at a guest-virtual address. It backs
	// the length cross-check at the trap point.
	ReadGuest func(gva uint64, buf []byte) error

	// DropWriteIntercept stops further write traps for one
	// model-specific register once the filter has no more use for them.
	DropWriteIntercept func(index uint32) error

	// Log overrides the package logger, usually with a core field.
	Log *logrus.Entry

	total   uint64
	unknown uint64
	counts  [64]uint64
}

func (c *Context) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}

	return exitLogger
}

// Exits returns the number of traps dispatched on this core.
func (c *Context) Exits() uint64 {
	return atomic.LoadUint64(&c.total)
}

// Stats is a snapshot of the per-reason dispatch counters.
type Stats struct {
	Total    uint64
	Unknown  uint64
	ByReason map[vmx.ExitReason]uint64
}

func (c *Context) Stats() Stats {
	s := Stats{
		Total:    atomic.LoadUint64(&c.total),
		Unknown:  atomic.LoadUint64(&c.unknown),
		ByReason: make(map[vmx.ExitReason]uint64),
	}

	for i := range c.counts {
		if n := atomic.LoadUint64(&c.counts[i]); n != 0 {
			s.ByReason[vmx.ExitReason(i)] = n
		}
	}

	return s
}

// Dispatch routes one trap. Reasons with no registered handler get the
// guest-facing default, an invalid-opcode fault, so an unexpected trap
// never takes the host down unless host integrity is already gone.
func Dispatch(c *Context, regs *vmx.Regs, e *Exit) (Action, error) {
	atomic.AddUint64(&c.total, 1)

	if r := int(e.Reason); r < len(c.counts) {
		atomic.AddUint64(&c.counts[r], 1)
	}

	if e.EntryFailure {
		return Action{}, fmt.Errorf("%w: %s, qualification %#x",
			ErrEntryFailure, e.Reason, e.Qualification)
	}

	h, ok := handlers[e.Reason]
	if !ok {
		atomic.AddUint64(&c.unknown, 1)
		c.log().WithFields(logrus.Fields{
			"reason": e.Reason.String(),
			"rip":    fmt.Sprintf("%#x", regs.RIP),
		}).Warn("no handler for exit, disclaiming instruction")

		return injectUD(), nil
	}

	return h.Handle(c, regs, e)
}

func injectUD() Action {
	ev := vmx.UndefinedOpcode()

	return Action{Event: &ev}
}

func injectGP() Action {
	ev := vmx.GeneralProtection()

	return Action{Event: &ev}
}

// advance computes the resume point one instruction past the trap. The
// reported length is trusted only when it matches what actually sits at
// RIP; a disagreement or an undecodable byte sequence is fatal because
// resuming anywhere else would corrupt the guest.
func (c *Context) advance(regs *vmx.Regs, e *Exit) (Action, error) {
	if c.ReadGuest == nil {
		if e.InstrLen == 0 {
			return Action{}, fmt.Errorf("%w: no length source at %#x",
				ErrRIPDesync, regs.RIP)
		}

		return Action{NextRIP: regs.RIP + e.InstrLen}, nil
	}

	var buf [insn.MaxLen]byte
	if err := c.ReadGuest(regs.RIP, buf[:]); err != nil {
		return Action{}, fmt.Errorf("read guest %#x: %w", regs.RIP, err)
	}

	length, err := insn.Length(buf[:])
	if err != nil {
		return Action{}, fmt.Errorf("at %#x: %w", regs.RIP, err)
	}

	if e.InstrLen != 0 && e.InstrLen != length {
		return Action{}, fmt.Errorf("%w: reported %d, decoded %d at %#x",
			ErrRIPDesync, e.InstrLen, length, regs.RIP)
	}

	return Action{NextRIP: regs.RIP + length}, nil
}
