package vcpu

import (
	"fmt"

	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/vmx"
)

// Flat long mode segmentation: one code descriptor, one data descriptor,
// one task register slot.
const (
	selectorCode uint64 = 0x10
	selectorData uint64 = 0x18
	selectorTask uint64 = 0x40

	// csAccessFlat is a present 64-bit ring-0 code segment, accessed,
	// 4KiB granular.
	csAccessFlat uint64 = 0xA09B

	// dr7Reset is the architectural reset value of the debug control.
	dr7Reset uint64 = 0x400
)

// reentryMarker fills the host instruction pointer slot. The run
// implementation owns the actual host transition, so the value only shows
// up in field dumps; it is chosen to be unmistakable there.
const reentryMarker uint64 = 0xFFFFFFFFCAFE0000

type fieldValue struct {
	field uint32
	value uint64
}

// write puts one field and reads it back. The control structure is opaque
// memory interpreted by the processor; the readback is the only way to
// know the write landed before an entry consumes it.
func (v *Vcpu) write(field uint32, value uint64) error {
	if err := v.hw.VMWrite(field, value); err != nil {
		return fmt.Errorf("field %#x: %w", field, err)
	}

	got, err := v.hw.VMRead(field)
	if err != nil {
		return fmt.Errorf("field %#x readback: %w", field, err)
	}

	if got != value {
		return fmt.Errorf("%w: field %#x wrote %#x, read %#x",
			ErrReadback, field, value, got)
	}

	return nil
}

func (v *Vcpu) writeAll(fields []fieldValue) error {
	for _, fv := range fields {
		if err := v.write(fv.field, fv.value); err != nil {
			return err
		}
	}

	return nil
}

// populate fills the current control structure: execution controls, then
// the host state every exit returns to, then the guest state the first
// entry loads.
func (v *Vcpu) populate() error {
	if err := v.controls(); err != nil {
		return err
	}

	if err := v.hostState(); err != nil {
		return err
	}

	return v.guestState()
}

// adjusted folds a desired control value through the matching capability
// register, using the TRUE variant when the basic register demands it.
func (v *Vcpu) adjusted(desired uint32, legacy, trueIndex uint32) (uint32, error) {
	index := legacy
	if v.caps.TrueControls {
		index = trueIndex
	}

	capability, err := v.hw.ReadMSR(index)
	if err != nil {
		return 0, err
	}

	return vmx.AdjustControls(desired, capability), nil
}

func (v *Vcpu) controls() error {
	pin, err := v.adjusted(0, vmx.MSRVMXPinBased, vmx.MSRVMXTruePinBased)
	if err != nil {
		return err
	}

	proc, err := v.adjusted(vmx.ProcBasedUseMSRBitmaps|vmx.ProcBasedSecondary,
		vmx.MSRVMXProcBased, vmx.MSRVMXTrueProc)
	if err != nil {
		return err
	}

	// The secondary controls have no TRUE variant.
	proc2Cap, err := v.hw.ReadMSR(vmx.MSRVMXProcBased2)
	if err != nil {
		return err
	}

	proc2 := vmx.AdjustControls(vmx.ProcBased2EnableEPT, proc2Cap)

	exit, err := v.adjusted(
		vmx.ExitCtlHostAddrSpace64|vmx.ExitCtlSaveEFER|vmx.ExitCtlLoadEFER,
		vmx.MSRVMXExit, vmx.MSRVMXTrueExit)
	if err != nil {
		return err
	}

	entry, err := v.adjusted(vmx.EntryCtlIA32eGuest|vmx.EntryCtlLoadEFER,
		vmx.MSRVMXEntry, vmx.MSRVMXTrueEntry)
	if err != nil {
		return err
	}

	v.armBitmap()

	return v.writeAll([]fieldValue{
		{vmx.FieldPinBasedControls, uint64(pin)},
		{vmx.FieldProcBasedControls, uint64(proc)},
		{vmx.FieldProcBased2Controls, uint64(proc2)},
		{vmx.FieldVMExitControls, uint64(exit)},
		{vmx.FieldVMEntryControls, uint64(entry)},
		{vmx.FieldExceptionBitmap, 0},
		{vmx.FieldCR3TargetCount, 0},
		{vmx.FieldMSRBitmap, v.bitmap.PA},
		{vmx.FieldEPTPointer, v.tree.EPTP()},
		{vmx.FieldVMCSLinkPointer, vmx.VMCSLinkUnused},
	})
}

func (v *Vcpu) hostState() error {
	pat, err := v.hw.ReadMSR(vmx.MSRIA32PAT)
	if err != nil {
		return err
	}

	efer, err := v.hw.ReadMSR(vmx.MSREFER)
	if err != nil {
		return err
	}

	return v.writeAll([]fieldValue{
		{vmx.FieldHostCSSelector, selectorCode},
		{vmx.FieldHostESSelector, selectorData},
		{vmx.FieldHostSSSelector, selectorData},
		{vmx.FieldHostDSSelector, selectorData},
		{vmx.FieldHostFSSelector, selectorData},
		{vmx.FieldHostGSSelector, selectorData},
		{vmx.FieldHostTRSelector, selectorTask},
		{vmx.FieldHostCR0, v.hw.ReadCR0()},
		{vmx.FieldHostCR3, v.paging.Root()},
		{vmx.FieldHostCR4, v.hw.ReadCR4()},
		{vmx.FieldHostFSBase, 0},
		{vmx.FieldHostGSBase, 0},
		{vmx.FieldHostTRBase, 0},
		{vmx.FieldHostGDTRBase, 0},
		{vmx.FieldHostIDTRBase, 0},
		{vmx.FieldHostSysenterCS, 0},
		{vmx.FieldHostSysenterESP, 0},
		{vmx.FieldHostSysenterEIP, 0},
		{vmx.FieldHostIA32PAT, pat},
		{vmx.FieldHostIA32EFER, efer},
		{vmx.FieldHostRSP, v.hostStack.PA + memory.PageSize},
		{vmx.FieldHostRIP, reentryMarker},
	})
}

// fixed folds a control register through its fixed-bit capability pair:
// bits set in fixed0 must be one, bits clear in fixed1 must be zero.
func (v *Vcpu) fixed(cr uint64, fixed0, fixed1 uint32) (uint64, error) {
	f0, err := v.hw.ReadMSR(fixed0)
	if err != nil {
		return 0, err
	}

	f1, err := v.hw.ReadMSR(fixed1)
	if err != nil {
		return 0, err
	}

	return (cr | f0) & f1, nil
}

func (v *Vcpu) guestState() error {
	cr0, err := v.fixed(v.hw.ReadCR0(), vmx.MSRVMXCR0Fixed0, vmx.MSRVMXCR0Fixed1)
	if err != nil {
		return err
	}

	cr4, err := v.fixed(v.hw.ReadCR4(), vmx.MSRVMXCR4Fixed0, vmx.MSRVMXCR4Fixed1)
	if err != nil {
		return err
	}

	pat, err := v.hw.ReadMSR(vmx.MSRIA32PAT)
	if err != nil {
		return err
	}

	efer, err := v.hw.ReadMSR(vmx.MSREFER)
	if err != nil {
		return err
	}

	// Bit 1 always reads as one; keep the snapshot and the field agreed.
	v.regs.RFLAGS |= 0x2

	return v.writeAll([]fieldValue{
		{vmx.FieldGuestCSSelector, selectorCode},
		{vmx.FieldGuestESSelector, selectorData},
		{vmx.FieldGuestSSSelector, selectorData},
		{vmx.FieldGuestDSSelector, selectorData},
		{vmx.FieldGuestFSSelector, selectorData},
		{vmx.FieldGuestGSSelector, selectorData},
		{vmx.FieldGuestLDTRSel, 0},
		{vmx.FieldGuestTRSelector, selectorTask},
		{vmx.FieldGuestCSBase, 0},
		{vmx.FieldGuestESBase, 0},
		{vmx.FieldGuestSSBase, 0},
		{vmx.FieldGuestDSBase, 0},
		{vmx.FieldGuestFSBase, 0},
		{vmx.FieldGuestGSBase, 0},
		{vmx.FieldGuestTRBase, 0},
		{vmx.FieldGuestGDTRBase, 0},
		{vmx.FieldGuestIDTRBase, 0},
		{vmx.FieldGuestCSLimit, 0xFFFFFFFF},
		{vmx.FieldGuestCSAccess, csAccessFlat},
		{vmx.FieldGuestInterruptible, 0},
		{vmx.FieldGuestActivityState, 0},
		{vmx.FieldGuestCR0, cr0},
		{vmx.FieldGuestCR3, v.paging.Root()},
		{vmx.FieldGuestCR4, cr4},
		{vmx.FieldGuestDR7, dr7Reset},
		{vmx.FieldGuestIA32Debug, 0},
		{vmx.FieldGuestIA32PAT, pat},
		{vmx.FieldGuestIA32EFER, efer},
		{vmx.FieldGuestSysenterCS, 0},
		{vmx.FieldGuestSysenterESP, 0},
		{vmx.FieldGuestSysenterEIP, 0},
		{vmx.FieldGuestRIP, v.regs.RIP},
		{vmx.FieldGuestRSP, v.regs.RSP},
		{vmx.FieldGuestRFLAGS, v.regs.RFLAGS},
	})
}

// writeQuadrant is the byte offset of the write-intercept half of the
// bitmap page.
const writeQuadrant = 0x800

type interceptKind uint8

const (
	interceptRead interceptKind = 1 << iota
	interceptWrite
)

// bitmapSlot maps a register index to its bit position within the read
// quadrants. Registers outside the two architectural ranges have no slot;
// the processor traps those unconditionally.
func bitmapSlot(index uint32) (base uint64, bit uint32, ok bool) {
	switch {
	case index <= vmx.MSRLowMax:
		return 0, index, true
	case index >= vmx.MSRHighMin && index <= vmx.MSRHighMax:
		return 0x400, index - vmx.MSRHighMin, true
	default:
		return 0, 0, false
	}
}

// armBitmap lays out the four 1KiB quadrants: low reads, high reads, low
// writes, high writes. A set bit traps the access. The engine traps only
// what the stealth layer has an answer for; everything else runs at
// native speed.
func (v *Vcpu) armBitmap() {
	v.bitmap.Zero()

	// Capability registers and feature control answer through the
	// stealth filter.
	for index := vmx.MSRVMXBasic; index <= vmx.MSRVMXTrueEntry; index++ {
		v.setIntercept(index, interceptRead)
	}

	v.setIntercept(vmx.MSRFeatureControl, interceptRead)

	// The syscall entry is shadowed in both directions until the filter
	// releases the write side.
	v.setIntercept(vmx.MSRLSTAR, interceptRead|interceptWrite)
}

func (v *Vcpu) setIntercept(index uint32, kind interceptKind) {
	base, bit, ok := bitmapSlot(index)
	if !ok {
		return
	}

	if kind&interceptRead != 0 {
		v.bitmap.Buf[base+uint64(bit/8)] |= 1 << (bit % 8)
	}

	if kind&interceptWrite != 0 {
		v.bitmap.Buf[writeQuadrant+base+uint64(bit/8)] |= 1 << (bit % 8)
	}
}

// dropWriteIntercept stops trapping writes to one register, on the
// dispatcher's behalf. The processor consults the bitmap page on every
// access, so the clear takes effect on the next one.
func (v *Vcpu) dropWriteIntercept(index uint32) error {
	base, bit, ok := bitmapSlot(index)
	if !ok {
		return fmt.Errorf("msr %#x has no bitmap slot", index)
	}

	v.bitmap.Buf[writeQuadrant+base+uint64(bit/8)] &^= 1 << (bit % 8)

	return nil
}
