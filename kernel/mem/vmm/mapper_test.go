package vmm

import (
	"testing"
	"unsafe"

	"zincos/kernel"
	"zincos/kernel/mem"
	"zincos/kernel/mem/pmm"
)

// testArena backs a fake physical address space with a real Go byte slice,
// so HHDMBase+physAddr resolves to addressable memory, and hands out frames
// by simple bump allocation (each test gets its own arena, sized generously
// for a handful of page tables).
type testArena struct {
	backing  []byte
	hhdm     uintptr
	next     uintptr
	freed    []pmm.Frame
}

func newTestArena(t *testing.T, pages int) *testArena {
	t.Helper()
	backing := make([]byte, uintptr(pages+1)*uintptr(mem.PageSize))
	base := uintptr(unsafe.Pointer(&backing[0]))
	// Round up to a page boundary within the slice so frame arithmetic
	// (which assumes 4 KiB alignment) holds.
	aligned := (base + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
	return &testArena{backing: backing, hhdm: 0, next: aligned - base}
}

func (a *testArena) allocFrame() (pmm.Frame, *kernel.Error) {
	if len(a.freed) > 0 {
		f := a.freed[len(a.freed)-1]
		a.freed = a.freed[:len(a.freed)-1]
		return f, nil
	}
	if a.next+uintptr(mem.PageSize) > uintptr(len(a.backing)) {
		return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "arena exhausted"}
	}
	f := pmm.FrameFromAddress(a.next)
	a.next += uintptr(mem.PageSize)
	return f, nil
}

func (a *testArena) freeFrame(f pmm.Frame) *kernel.Error {
	a.freed = append(a.freed, f)
	return nil
}

func (a *testArena) hhdmBase() uintptr {
	return uintptr(unsafe.Pointer(&a.backing[0]))
}

func newTestMapper(t *testing.T, arenaPages int) (*X86Mapper, *testArena, func()) {
	t.Helper()
	arena := newTestArena(t, arenaPages)

	restoreCPU := fixCurrentCPU(0)
	restoreActive := fixActiveRoot(0)
	restoreSwitch := fixSwitchRoot()
	restoreFlush := fixFlushTLB()

	var m X86Mapper
	kernelFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocFrame: %v", err)
	}
	mem.Memset(arena.hhdmBase()+kernelFrame.Address(), 0, mem.PageSize)
	activeRootFn = func() uintptr { return kernelFrame.Address() }

	m.Init(arena.hhdmBase(), arena.allocFrame, arena.freeFrame)

	cleanup := func() {
		restoreCPU()
		restoreActive()
		restoreSwitch()
		restoreFlush()
	}
	return &m, arena, cleanup
}

func fixCurrentCPU(idx uint32) func() {
	orig := currentCPUFn
	currentCPUFn = func() uint32 { return idx }
	return func() { currentCPUFn = orig }
}

func fixActiveRoot(addr uintptr) func() {
	orig := activeRootFn
	activeRootFn = func() uintptr { return addr }
	return func() { activeRootFn = orig }
}

func fixSwitchRoot() func() {
	orig := switchRootFn
	switchRootFn = func(uintptr) {}
	return func() { switchRootFn = orig }
}

func fixFlushTLB() func() {
	orig := flushTLBEntryFn
	flushTLBEntryFn = func(uintptr) {}
	return func() { flushTLBEntryFn = orig }
}

func TestMapThenQueryThenUnmap(t *testing.T) {
	m, arena, cleanup := newTestMapper(t, 16)
	defer cleanup()

	dataFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocFrame: %v", err)
	}

	const va = uintptr(0x0000_0000_0020_0000) // 2 MiB, user-canonical
	if ok := m.Map4K(m.KernelRoot(), va, dataFrame.Address(), FlagWritable|FlagUser); !ok {
		t.Fatal("expected Map4K to succeed")
	}

	q, ok := m.Query4K(m.KernelRoot(), va)
	if !ok {
		t.Fatal("expected Query4K to find the mapping")
	}
	if q.PhysAddr != dataFrame.Address() {
		t.Fatalf("expected phys addr %#x; got %#x", dataFrame.Address(), q.PhysAddr)
	}
	if !q.Writable || !q.User {
		t.Fatalf("expected writable+user mapping; got %+v", q)
	}

	phys, ok := m.Unmap4K(m.KernelRoot(), va)
	if !ok {
		t.Fatal("expected Unmap4K to succeed")
	}
	if phys != dataFrame.Address() {
		t.Fatalf("expected unmapped phys addr %#x; got %#x", dataFrame.Address(), phys)
	}

	if _, ok := m.Query4K(m.KernelRoot(), va); ok {
		t.Fatal("expected no mapping after unmap")
	}
}

func TestMapRejectsMisalignedAddress(t *testing.T) {
	m, arena, cleanup := newTestMapper(t, 16)
	defer cleanup()

	frame, _ := arena.allocFrame()
	if ok := m.Map4K(m.KernelRoot(), 0x1001, frame.Address(), FlagWritable); ok {
		t.Fatal("expected Map4K to reject a misaligned virtual address")
	}
}

func TestMapRejectsNonCanonicalAddress(t *testing.T) {
	m, arena, cleanup := newTestMapper(t, 16)
	defer cleanup()

	frame, _ := arena.allocFrame()
	nonCanonical := mem.UserAddrMax + 1 // page-aligned, first address past the lower canonical half
	if ok := m.Map4K(m.KernelRoot(), nonCanonical, frame.Address(), FlagWritable); ok {
		t.Fatal("expected Map4K to reject a non-canonical virtual address")
	}
}

func TestCreateRootClonesKernelHalf(t *testing.T) {
	m, arena, cleanup := newTestMapper(t, 32)
	defer cleanup()

	// Install a kernel-half mapping before cloning.
	kernelVA := mem.KernelHalfStart
	kFrame, _ := arena.allocFrame()
	if ok := m.Map4K(m.KernelRoot(), kernelVA, kFrame.Address(), FlagWritable); !ok {
		t.Fatal("expected kernel-half Map4K to succeed")
	}

	root, ok := m.CreateRoot()
	if !ok {
		t.Fatal("expected CreateRoot to succeed")
	}

	q, ok := m.Query4K(root, kernelVA)
	if !ok {
		t.Fatal("expected the cloned root to see the kernel-half mapping")
	}
	if q.PhysAddr != kFrame.Address() {
		t.Fatalf("expected cloned mapping to point at %#x; got %#x", kFrame.Address(), q.PhysAddr)
	}
}

func TestDestroyRootFreesUserPageTables(t *testing.T) {
	m, arena, cleanup := newTestMapper(t, 32)
	defer cleanup()

	root, ok := m.CreateRoot()
	if !ok {
		t.Fatal("expected CreateRoot to succeed")
	}

	dataFrame, _ := arena.allocFrame()
	const va = uintptr(0x0000_0000_0010_0000)
	if ok := m.Map4K(root, va, dataFrame.Address(), FlagWritable|FlagUser); !ok {
		t.Fatal("expected Map4K into the new root to succeed")
	}

	// DestroyRoot asserts leaves were already unmapped by the caller.
	m.Unmap4K(root, va)

	freedBefore := len(arena.freed)
	m.DestroyRoot(root)
	if len(arena.freed) <= freedBefore {
		t.Fatal("expected DestroyRoot to return page-table frames to the allocator")
	}
}

func TestActivateSkipsRedundantSwitch(t *testing.T) {
	m, _, cleanup := newTestMapper(t, 16)
	defer cleanup()

	switchCalls := 0
	switchRootFn = func(uintptr) { switchCalls++ }

	m.Activate(m.KernelRoot())
	if switchCalls != 0 {
		t.Fatalf("expected Activate to skip an already-active root; got %d switches", switchCalls)
	}

	m.Activate(Root(uintptr(m.KernelRoot()) + uintptr(mem.PageSize)))
	if switchCalls != 1 {
		t.Fatalf("expected Activate to switch once for a different root; got %d", switchCalls)
	}
}
