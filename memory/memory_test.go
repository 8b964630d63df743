package memory_test

import (
	"errors"
	"testing"

	"github.com/tigr0w/illusion/memory"
)

func newTestPool(t *testing.T) *memory.Pool {
	t.Helper()

	pool, err := memory.NewPool(1<<20, 16*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Error(err)
		}
	})

	return pool
}

func TestAllocZeroedAligned(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	f, err := pool.Alloc("test")
	if err != nil {
		t.Fatal(err)
	}

	if !memory.Aligned(f.PA, memory.PageSize) {
		t.Errorf("frame at %#x not page aligned", f.PA)
	}

	if f.PA < pool.GuestSize() {
		t.Errorf("frame at %#x inside guest region", f.PA)
	}

	for i, b := range f.Buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}

	if got := pool.Tag(f.PA); got != "test" {
		t.Errorf("tag = %q", got)
	}
}

func TestAllocRegionRevision(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	f, err := pool.AllocRegion(0x1A, "vmxon")
	if err != nil {
		t.Fatal(err)
	}

	if got := f.Entry(0); got != 0x1A {
		t.Errorf("revision word = %#x, want 0x1a", got)
	}
}

func TestExhaustion(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	for i := 0; i < 16; i++ {
		if _, err := pool.Alloc("fill"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := pool.Alloc("over"); !errors.Is(err, memory.ErrOutOfFrames) {
		t.Fatalf("err = %v, want ErrOutOfFrames", err)
	}
}

func TestFreeRecycles(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	f, err := pool.Alloc("first")
	if err != nil {
		t.Fatal(err)
	}

	f.SetEntry(3, 0xDEAD)
	pool.Free(f)

	if f.Buf[0] != memory.Poison {
		t.Errorf("freed frame not poisoned: %#x", f.Buf[0])
	}

	g, err := pool.Alloc("second")
	if err != nil {
		t.Fatal(err)
	}

	if g.PA != f.PA {
		t.Errorf("recycled %#x, want %#x", g.PA, f.PA)
	}

	if got := g.Entry(3); got != 0 {
		t.Errorf("recycled frame entry = %#x, want 0", got)
	}

	stats := pool.Stats()
	if stats.Recycled != 1 {
		t.Errorf("recycled count = %d, want 1", stats.Recycled)
	}
}

func TestSliceBounds(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	buf, err := pool.Slice(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	if len(buf) != 0x2000 {
		t.Errorf("len = %#x", len(buf))
	}

	if _, err := pool.Slice(pool.Size()-8, 16); !errors.Is(err, memory.ErrBadAddress) {
		t.Fatalf("err = %v, want ErrBadAddress", err)
	}

	// Overflowing end must not wrap to a valid range.
	if _, err := pool.Slice(^uint64(0)-7, 16); !errors.Is(err, memory.ErrBadAddress) {
		t.Fatalf("err = %v, want ErrBadAddress", err)
	}
}

func TestFrameAt(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)

	f, err := pool.Alloc("table")
	if err != nil {
		t.Fatal(err)
	}

	f.SetEntry(511, 0xABCD)

	view, err := pool.FrameAt(f.PA)
	if err != nil {
		t.Fatal(err)
	}

	if got := view.Entry(511); got != 0xABCD {
		t.Errorf("entry through view = %#x", got)
	}

	if _, err := pool.FrameAt(f.PA | 0x10); !errors.Is(err, memory.ErrBadAddress) {
		t.Fatalf("unaligned: err = %v, want ErrBadAddress", err)
	}
}

func TestAlignHelpers(t *testing.T) {
	t.Parallel()

	if got := memory.PageAlign(0x1234); got != 0x1000 {
		t.Errorf("PageAlign = %#x", got)
	}

	if got := memory.PageOffset(0x1234); got != 0x234 {
		t.Errorf("PageOffset = %#x", got)
	}

	if got := memory.LargeAlign(0x3F_FFFF); got != 0 {
		t.Errorf("LargeAlign = %#x", got)
	}

	if !memory.Aligned(0x200000, memory.LargeSize) {
		t.Error("0x200000 should be 2MiB aligned")
	}
}
