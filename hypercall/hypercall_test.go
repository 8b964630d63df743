package hypercall_test

import (
	"errors"
	"testing"

	"github.com/tigr0w/illusion/hypercall"
	"github.com/tigr0w/illusion/vmx"
)

type fakeBackend struct {
	installedPage uint64
	installedSrc  uint64
	removedPage   uint64
	terminated    bool
	counters      map[hypercall.CounterID]uint64
	fail          error
}

func (b *fakeBackend) InstallHook(page, shadowSrc uint64) error {
	b.installedPage, b.installedSrc = page, shadowSrc

	return b.fail
}

func (b *fakeBackend) RemoveHook(page uint64) error {
	b.removedPage = page

	return b.fail
}

func (b *fakeBackend) Counter(id hypercall.CounterID) (uint64, error) {
	v, ok := b.counters[id]
	if !ok {
		return 0, errors.New("no such counter")
	}

	return v, nil
}

func (b *fakeBackend) Terminate() error {
	b.terminated = true

	return b.fail
}

func frame(cmd hypercall.Command, args ...uint64) *vmx.Regs {
	regs := &vmx.Regs{RAX: hypercall.Signature, RCX: uint64(cmd)}

	if len(args) > 0 {
		regs.RDX = args[0]
	}

	if len(args) > 1 {
		regs.R8 = args[1]
	}

	if len(args) > 2 {
		regs.R9 = args[2]
	}

	return regs
}

func TestIsRequest(t *testing.T) {
	t.Parallel()

	if !hypercall.IsRequest(&vmx.Regs{RAX: hypercall.Signature}) {
		t.Error("signature frame not recognized")
	}

	if hypercall.IsRequest(&vmx.Regs{RAX: 0x1234}) {
		t.Error("non-signature frame recognized")
	}
}

func TestDispatchPing(t *testing.T) {
	t.Parallel()

	regs := frame(hypercall.CmdPing)

	if hypercall.Dispatch(regs, &fakeBackend{}) {
		t.Error("ping asked for termination")
	}

	if hypercall.Status(regs.RAX) != hypercall.StatusOK {
		t.Errorf("status = %v", hypercall.Status(regs.RAX))
	}

	if regs.RDX != hypercall.Version {
		t.Errorf("version = %d", regs.RDX)
	}
}

func TestDispatchInstallHook(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	regs := frame(hypercall.CmdInstallHook, 0x5000, 0x9000)

	hypercall.Dispatch(regs, backend)

	if hypercall.Status(regs.RAX) != hypercall.StatusOK {
		t.Fatalf("status = %v", hypercall.Status(regs.RAX))
	}

	if backend.installedPage != 0x5000 || backend.installedSrc != 0x9000 {
		t.Errorf("backend saw %#x/%#x", backend.installedPage, backend.installedSrc)
	}
}

func TestDispatchBackendFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fail: errors.New("no frames")}
	regs := frame(hypercall.CmdRemoveHook, 0x5000)

	hypercall.Dispatch(regs, backend)

	if hypercall.Status(regs.RAX) != hypercall.StatusFailed {
		t.Errorf("status = %v, want failed", hypercall.Status(regs.RAX))
	}
}

func TestDispatchCounter(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{counters: map[hypercall.CounterID]uint64{
		hypercall.CounterExits: 42,
	}}

	regs := frame(hypercall.CmdCounter, uint64(hypercall.CounterExits))
	hypercall.Dispatch(regs, backend)

	if hypercall.Status(regs.RAX) != hypercall.StatusOK || regs.RDX != 42 {
		t.Errorf("status %v value %d", hypercall.Status(regs.RAX), regs.RDX)
	}

	regs = frame(hypercall.CmdCounter, uint64(hypercall.CounterID(99)))
	hypercall.Dispatch(regs, backend)

	if hypercall.Status(regs.RAX) != hypercall.StatusFailed {
		t.Errorf("missing counter status = %v", hypercall.Status(regs.RAX))
	}
}

func TestDispatchTerminate(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	regs := frame(hypercall.CmdTerminate)

	if !hypercall.Dispatch(regs, backend) {
		t.Error("terminate should ask for termination")
	}

	if !backend.terminated {
		t.Error("backend not told to terminate")
	}
}

func TestDispatchUnknownLeavesFrame(t *testing.T) {
	t.Parallel()

	regs := frame(hypercall.Command(77), 0x1111, 0x2222, 0x3333)
	regs.RBX = 0x4444

	hypercall.Dispatch(regs, &fakeBackend{})

	if hypercall.Status(regs.RAX) != hypercall.StatusUnknown {
		t.Fatalf("status = %v", hypercall.Status(regs.RAX))
	}

	// Everything but the status register stays byte for byte.
	if regs.RDX != 0x1111 || regs.R8 != 0x2222 || regs.R9 != 0x3333 || regs.RBX != 0x4444 {
		t.Errorf("frame disturbed: %+v", regs)
	}
}
