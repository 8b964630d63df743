// Package insn decodes guest instructions at the trap point. Most exits
// carry the instruction length in the control structure, but fixups done
// from raw memory (and length validation of what the guest actually has at
// RIP) need a real decoder.
package insn

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrUndecodable means the bytes at RIP are not a valid 64-bit instruction.
var ErrUndecodable = errors.New("instruction not decodable")

// MaxLen is the architectural instruction length limit.
const MaxLen = 15

// Decoded is one instruction lifted from guest memory.
type Decoded struct {
	Inst x86asm.Inst
	Len  uint64
}

// Decode lifts the instruction starting at buf[0] in 64-bit mode.
func Decode(buf []byte) (Decoded, error) {
	d, err := x86asm.Decode(buf, 64)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: % #02x: %v", ErrUndecodable, clip(buf), err)
	}

	return Decoded{Inst: d, Len: uint64(d.Len)}, nil
}

// Length returns just the byte length of the instruction at buf[0].
func Length(buf []byte) (uint64, error) {
	d, err := Decode(buf)
	if err != nil {
		return 0, err
	}

	return d.Len, nil
}

// Asm renders the instruction in GNU syntax for logs.
func (d Decoded) Asm(pc uint64) string {
	return x86asm.GNUSyntax(d.Inst, pc, nil)
}

// Is reports whether the instruction has the given opcode.
func (d Decoded) Is(op x86asm.Op) bool {
	return d.Inst.Op == op
}

func clip(buf []byte) []byte {
	if len(buf) > MaxLen {
		return buf[:MaxLen]
	}

	return buf
}
