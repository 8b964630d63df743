package insn_test

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tigr0w/illusion/insn"
)

func TestDecodeTrapInstructions(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		buf  []byte
		op   x86asm.Op
		n    uint64
	}{
		{"cpuid", []byte{0x0F, 0xA2}, x86asm.CPUID, 2},
		{"rdmsr", []byte{0x0F, 0x32}, x86asm.RDMSR, 2},
		{"wrmsr", []byte{0x0F, 0x30}, x86asm.WRMSR, 2},
		{"hlt", []byte{0xF4}, x86asm.HLT, 1},
		{"xsetbv", []byte{0x0F, 0x01, 0xD1}, x86asm.XSETBV, 3},
		{"rdtscp", []byte{0x0F, 0x01, 0xF9}, x86asm.RDTSCP, 3},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, err := insn.Decode(tc.buf)
			if err != nil {
				t.Fatal(err)
			}

			if !d.Is(tc.op) {
				t.Errorf("op = %v, want %v", d.Inst.Op, tc.op)
			}

			if d.Len != tc.n {
				t.Errorf("len = %d, want %d", d.Len, tc.n)
			}
		})
	}
}

func TestDecodeWithTrailer(t *testing.T) {
	t.Parallel()

	// Decode must take the first instruction only, whatever follows.
	buf := []byte{0x0F, 0xA2, 0x90, 0x90, 0xCC}

	n, err := insn.Length(buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("len = %d, want 2", n)
	}
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	if _, err := insn.Decode([]byte{0xFF}); !errors.Is(err, insn.ErrUndecodable) {
		t.Fatalf("err = %v, want ErrUndecodable", err)
	}
}

func TestAsm(t *testing.T) {
	t.Parallel()

	d, err := insn.Decode([]byte{0x0F, 0xA2})
	if err != nil {
		t.Fatal(err)
	}

	if got := d.Asm(0x1000); got != "cpuid" {
		t.Errorf("asm = %q", got)
	}
}
