package vmxsim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tigr0w/illusion/vmx"
)

// The simulated guest is a script of operations. Each operation stands
// for one instruction: its encoding is placed at the guest's RIP, the
// fetch and any data access go through the translation walk, and the
// instruction either completes silently or traps to the host. A trapped
// operation stays pending until the host resumes past it, replays it,
// or injects an event, exactly the three outcomes a real guest
// instruction can have under an exit handler.

// OpKind selects the instruction an Op stands for.
type OpKind int

const (
	// OpCPUID executes the identification instruction.
	OpCPUID OpKind = iota
	// OpReadMSR and OpWriteMSR access a model-specific register.
	OpReadMSR
	OpWriteMSR
	// OpHypercall executes VMCALL with the register call frame loaded.
	OpHypercall
	// OpXSetBV loads an extended control register.
	OpXSetBV
	// OpVMXON attempts the enable instruction from inside the guest.
	OpVMXON
	// OpLoad and OpStore access guest memory at Addr.
	OpLoad
	OpStore
	// OpExec jumps to Addr and executes the byte planted there.
	OpExec
)

func (k OpKind) String() string {
	switch k {
	case OpCPUID:
		return "cpuid"
	case OpReadMSR:
		return "rdmsr"
	case OpWriteMSR:
		return "wrmsr"
	case OpHypercall:
		return "vmcall"
	case OpXSetBV:
		return "xsetbv"
	case OpVMXON:
		return "vmxon"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpExec:
		return "exec"
	default:
		return fmt.Sprintf("op %d", int(k))
	}
}

// Op is one scripted guest instruction.
type Op struct {
	Kind OpKind

	// Leaf and Subleaf feed OpCPUID.
	Leaf    uint32
	Subleaf uint32

	// Index selects the register for OpReadMSR, OpWriteMSR and OpXSetBV.
	Index uint32
	// Value carries the OpWriteMSR and OpXSetBV payload.
	Value uint64

	// Addr is the target of OpLoad, OpStore, OpExec and OpVMXON.
	Addr uint64
	// Data is the OpStore payload byte.
	Data byte

	// Sig, Cmd and Args form the OpHypercall register frame.
	Sig  uint64
	Cmd  uint64
	Args [3]uint64
}

// CPUID queries an identification leaf.
func CPUID(leaf, subleaf uint32) Op {
	return Op{Kind: OpCPUID, Leaf: leaf, Subleaf: subleaf}
}

// ReadMSR reads a model-specific register.
func ReadMSR(index uint32) Op {
	return Op{Kind: OpReadMSR, Index: index}
}

// WriteMSR writes a model-specific register.
func WriteMSR(index uint32, value uint64) Op {
	return Op{Kind: OpWriteMSR, Index: index, Value: value}
}

// Hypercall issues VMCALL with up to three arguments.
func Hypercall(sig, cmd uint64, args ...uint64) Op {
	op := Op{Kind: OpHypercall, Sig: sig, Cmd: cmd}
	copy(op.Args[:], args)

	return op
}

// XSetBV loads XCR0.
func XSetBV(value uint64) Op {
	return Op{Kind: OpXSetBV, Value: value}
}

// Load reads eight bytes from guest memory into RAX.
func Load(addr uint64) Op {
	return Op{Kind: OpLoad, Addr: addr}
}

// Store writes one byte to guest memory.
func Store(addr uint64, data byte) Op {
	return Op{Kind: OpStore, Addr: addr, Data: data}
}

// Execute jumps to addr and runs the instruction byte planted there.
func Execute(addr uint64) Op {
	return Op{Kind: OpExec, Addr: addr}
}

// TryVMXON attempts to enter VMX operation from inside the guest with
// the enable region at addr.
func TryVMXON(addr uint64) Op {
	return Op{Kind: OpVMXON, Addr: addr}
}

// Outcome records one completed operation.
type Outcome struct {
	Op Op

	// Exits counts the traps the operation cost, replays included. Zero
	// means it completed without host involvement.
	Exits int

	// Event is non-nil when the host answered the operation with an
	// injected exception instead of completion.
	Event *vmx.Event

	// Regs is the register snapshot at the moment the operation retired.
	Regs vmx.Regs
}

// Queue appends operations to the guest script.
func (c *Core) Queue(ops ...Op) {
	c.guest.script = append(c.guest.script, ops...)
}

// Outcomes returns the records of every retired operation. Read it only
// after the core's loop has returned. Operations cut short by a host
// stop never retire and leave no record.
func (c *Core) Outcomes() []Outcome {
	out := make([]Outcome, len(c.guest.outcomes))
	copy(out, c.guest.outcomes)

	return out
}

// opExitBudget bounds the traps a single operation may cost before the
// core declares it livelocked. A handler that keeps replaying the same
// instruction without changing anything trips this.
const opExitBudget = 32

type guestState struct {
	script []Op
	pc     int

	started bool
	rip     uint64

	// pending marks an instruction materialized but not yet retired.
	pending bool
	opRIP   uint64
	opLen   uint64
	exits   int

	outcomes []Outcome
}

// Instruction encodings, manual appendix A. Memory operands address
// through RBX, so every encoding is position independent.
func encoding(op Op) []byte {
	switch op.Kind {
	case OpCPUID:
		return []byte{0x0F, 0xA2}
	case OpReadMSR:
		return []byte{0x0F, 0x32}
	case OpWriteMSR:
		return []byte{0x0F, 0x30}
	case OpHypercall:
		return []byte{0x0F, 0x01, 0xC1}
	case OpXSetBV:
		return []byte{0x0F, 0x01, 0xD1}
	case OpVMXON:
		return []byte{0xF3, 0x0F, 0xC7, 0x33}
	case OpLoad:
		// MOV RAX, [RBX]
		return []byte{0x48, 0x8B, 0x03}
	case OpStore:
		// MOV [RBX], AL
		return []byte{0x88, 0x03}
	case OpExec:
		return []byte{0x90}
	default:
		return nil
	}
}

// runGuest resumes the script. It returns nil when an operation trapped
// and the exit fields are filled in, or an error when the guest or the
// host driving it has gone off the rails.
func (c *Core) runGuest(regs *vmx.Regs, f map[uint32]uint64) error {
	g := &c.guest

	if !g.started {
		g.started = true
		g.rip = regs.RIP
	}

	// A queued event aborts the pending instruction: the guest takes the
	// exception and the operation retires with it.
	if info := f[vmx.FieldVMEntryIntrInfo]; info&(1<<31) != 0 {
		f[vmx.FieldVMEntryIntrInfo] = 0

		if !g.pending {
			return errors.New("event injected with no instruction in flight")
		}

		ev := decodeEvent(info, f[vmx.FieldVMEntryExcErrCode])
		regs.RIP = g.opRIP
		c.retire(regs, &ev)
	} else if g.pending {
		switch regs.RIP {
		case g.opRIP:
			// Host replays the same instruction.
		case g.opRIP + g.opLen:
			// Host emulated it and advanced.
			c.retire(regs, nil)
		default:
			return fmt.Errorf("resumed at %#x, pending instruction spans %#x+%d",
				regs.RIP, g.opRIP, g.opLen)
		}
	}

	for {
		if g.pc >= len(g.script) {
			return errors.New("guest script exhausted")
		}

		op := g.script[g.pc]

		if !g.pending {
			if err := c.materialize(op); err != nil {
				return err
			}
		}

		if g.exits > opExitBudget {
			return fmt.Errorf("instruction at %#x livelocked after %d traps",
				g.opRIP, g.exits)
		}

		if c.step(regs, f, op) {
			return nil
		}
	}
}

// materialize places the operation's instruction bytes at the guest's
// RIP. Placement writes go straight to the backing frame, modeling code
// that was already resident before the hypervisor arrived.
func (c *Core) materialize(op Op) error {
	g := &c.guest

	g.opRIP = g.rip
	if op.Kind == OpExec {
		g.opRIP = op.Addr
	}

	code := encoding(op)
	g.opLen = uint64(len(code))

	buf, err := c.pool.Slice(g.opRIP, g.opLen)
	if err != nil {
		return fmt.Errorf("script places code outside memory: %w", err)
	}

	copy(buf, code)
	g.pending = true

	return nil
}

// retire completes the pending operation and records its outcome.
func (c *Core) retire(regs *vmx.Regs, ev *vmx.Event) {
	g := &c.guest

	g.outcomes = append(g.outcomes, Outcome{
		Op:    g.script[g.pc],
		Exits: g.exits,
		Event: ev,
		Regs:  *regs,
	})

	g.pc++
	g.pending = false
	g.exits = 0

	if ev == nil {
		g.rip = regs.RIP
	}
	// After a fault the next operation goes down at the same spot.
}

// step executes the pending operation once. It returns true when the
// operation trapped and the exit is ready for the host.
func (c *Core) step(regs *vmx.Regs, f map[uint32]uint64, op Op) bool {
	g := &c.guest
	regs.RIP = g.opRIP

	// The fetch itself goes through translation.
	if _, flt := c.translate(g.opRIP, accessFetch); flt != nil {
		c.trap(regs, f, flt, g.opRIP)
		return true
	}

	switch op.Kind {
	case OpCPUID:
		regs.RAX, regs.RCX = uint64(op.Leaf), uint64(op.Subleaf)
		c.exit(regs, f, vmx.ExitCPUID, 0)

		return true

	case OpReadMSR:
		regs.RCX = uint64(op.Index)
		if c.msrIntercepted(f, op.Index, false) {
			c.exit(regs, f, vmx.ExitRDMSR, 0)
			return true
		}

		v, err := c.ReadMSR(op.Index)
		if err != nil {
			c.faultThrough(regs, vmx.GeneralProtection())
			return false
		}

		regs.RAX, regs.RDX = vmx.SplitMSR(v)
		c.complete(regs)

		return false

	case OpWriteMSR:
		regs.RCX = uint64(op.Index)
		regs.RAX, regs.RDX = vmx.SplitMSR(op.Value)
		if c.msrIntercepted(f, op.Index, true) {
			c.exit(regs, f, vmx.ExitWRMSR, 0)
			return true
		}

		if err := c.WriteMSR(op.Index, op.Value); err != nil {
			c.faultThrough(regs, vmx.GeneralProtection())
			return false
		}

		c.complete(regs)

		return false

	case OpHypercall:
		regs.RAX, regs.RCX = op.Sig, op.Cmd
		regs.RDX, regs.R8, regs.R9 = op.Args[0], op.Args[1], op.Args[2]
		c.exit(regs, f, vmx.ExitVMCALL, 0)

		return true

	case OpXSetBV:
		regs.RCX = uint64(op.Index)
		regs.RAX, regs.RDX = vmx.SplitMSR(op.Value)
		c.exit(regs, f, vmx.ExitXSETBV, 0)

		return true

	case OpVMXON:
		regs.RBX = op.Addr
		c.exit(regs, f, vmx.ExitVMXON, 0)

		return true

	case OpLoad:
		regs.RBX = op.Addr
		hpa, flt := c.translate(op.Addr, accessRead)
		if flt != nil {
			c.trap(regs, f, flt, op.Addr)
			return true
		}

		regs.RAX = c.read64(hpa)
		c.complete(regs)

		return false

	case OpStore:
		regs.RBX = op.Addr
		hpa, flt := c.translate(op.Addr, accessWrite)
		if flt != nil {
			c.trap(regs, f, flt, op.Addr)
			return true
		}

		if buf, err := c.pool.Slice(hpa, 1); err == nil {
			buf[0] = op.Data
		}
		c.complete(regs)

		return false

	case OpExec:
		// The planted byte already ran when the fetch succeeded.
		c.complete(regs)

		return false

	default:
		c.exit(regs, f, vmx.ExitTripleFault, 0)

		return true
	}
}

// complete retires the pending operation without host involvement.
func (c *Core) complete(regs *vmx.Regs) {
	regs.RIP = c.guest.opRIP + c.guest.opLen
	c.retire(regs, nil)
}

// faultThrough retires the operation with an exception the guest raised
// and handled on its own, no exit involved.
func (c *Core) faultThrough(regs *vmx.Regs, ev vmx.Event) {
	regs.RIP = c.guest.opRIP
	c.retire(regs, &ev)
}

// trap fills the exit fields for a translation fault.
func (c *Core) trap(regs *vmx.Regs, f map[uint32]uint64, flt *fault, gpa uint64) {
	if flt.misconfig {
		c.exitAt(regs, f, vmx.ExitEPTMisconfig, 0, gpa, 0)
		return
	}

	// Linear and physical addresses coincide: the script runs flat.
	c.exitAt(regs, f, vmx.ExitEPTViolation, flt.qual, gpa, gpa)
}

func (c *Core) exit(regs *vmx.Regs, f map[uint32]uint64, reason vmx.ExitReason, qual uint64) {
	c.exitAt(regs, f, reason, qual, 0, 0)
}

func (c *Core) exitAt(regs *vmx.Regs, f map[uint32]uint64, reason vmx.ExitReason, qual, gpa, gla uint64) {
	g := &c.guest
	g.exits++
	regs.RIP = g.opRIP

	f[vmx.FieldExitReason] = uint64(reason)
	f[vmx.FieldExitQualification] = qual
	f[vmx.FieldGuestPhysAddr] = gpa
	f[vmx.FieldGuestLinearAddr] = gla
	f[vmx.FieldExitInstrLen] = g.opLen
	f[vmx.FieldGuestRIP] = g.opRIP
	f[vmx.FieldGuestRSP] = regs.RSP
	f[vmx.FieldGuestRFLAGS] = regs.RFLAGS
}

// msrIntercepted consults the bitmap page the way the processor does:
// no bitmap means every access exits, indices outside both architectural
// ranges always exit, otherwise the matching bit decides.
func (c *Core) msrIntercepted(f map[uint32]uint64, index uint32, write bool) bool {
	if uint32(f[vmx.FieldProcBasedControls])&vmx.ProcBasedUseMSRBitmaps == 0 {
		return true
	}

	frame, err := c.pool.FrameAt(f[vmx.FieldMSRBitmap])
	if err != nil {
		return true
	}

	var base uint64
	var bit uint32

	switch {
	case index <= vmx.MSRLowMax:
		bit = index
	case index >= vmx.MSRHighMin && index <= vmx.MSRHighMax:
		base = 0x400
		bit = index - vmx.MSRHighMin
	default:
		return true
	}

	if write {
		base += 0x800
	}

	return frame.Buf[base+uint64(bit/8)]&(1<<(bit%8)) != 0
}

func (c *Core) read64(hpa uint64) uint64 {
	buf, err := c.pool.Slice(hpa, 8)
	if err != nil {
		return 0
	}

	return binary.LittleEndian.Uint64(buf)
}

func decodeEvent(info, errCode uint64) vmx.Event {
	ev := vmx.Event{
		Vector: uint8(info & 0xFF),
		Type:   vmx.EventType((info >> 8) & 0x7),
	}

	if info&(1<<11) != 0 {
		ev.HasError = true
		ev.ErrorCode = uint32(errCode)
	}

	return ev
}
