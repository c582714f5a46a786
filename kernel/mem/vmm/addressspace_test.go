package vmm

import (
	"testing"
)

func newTestAddressSpace(t *testing.T, arenaPages int) (*AddressSpace, *testArena, func()) {
	t.Helper()
	m, arena, cleanup := newTestMapper(t, arenaPages)

	as, err := NewAddressSpace(m, arena.allocFrame, arena.freeFrame)
	if err != nil {
		cleanup()
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as, arena, cleanup
}

func TestMapAnonymousZeroesAndMaps(t *testing.T) {
	as, _, cleanup := newTestAddressSpace(t, 64)
	defer cleanup()

	const va = uintptr(0x0000_0000_0040_0000)
	if err := as.MapAnonymous(va, 4, FlagWritable|FlagUser); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}

	if !as.IsUserRangeAccessible(va, 4*uintptr(4096), true) {
		t.Fatal("expected the anonymous range to be user-writable")
	}
}

func TestMapAnonymousRollsBackOnFailure(t *testing.T) {
	// Arena sized to allow the address space root clone plus only a
	// couple of page-table levels before frames run out, forcing
	// MapAnonymous to fail partway through and roll back every page it
	// had already installed.
	as, arena, cleanup := newTestAddressSpace(t, 6)
	defer cleanup()

	const va = uintptr(0x0000_0000_0050_0000)
	err := as.MapAnonymous(va, 64, FlagWritable|FlagUser)
	if err == nil {
		t.Fatal("expected MapAnonymous to fail once the arena is exhausted")
	}

	freedBefore := len(arena.freed)
	if freedBefore == 0 {
		t.Fatal("expected rollback to return at least one frame to the allocator")
	}

	for page := va; page < va+64*4096; page += 4096 {
		if as.IsUserRangeAccessible(page, 1, false) {
			t.Fatalf("expected page %#x to be rolled back and unmapped", page)
		}
	}
}

func TestUnmapAndFreeReturnsFrames(t *testing.T) {
	as, arena, cleanup := newTestAddressSpace(t, 64)
	defer cleanup()

	const va = uintptr(0x0000_0000_0060_0000)
	if err := as.MapAnonymous(va, 2, FlagWritable|FlagUser); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}

	freedBefore := len(arena.freed)
	if err := as.UnmapAndFree(va, 2); err != nil {
		t.Fatalf("UnmapAndFree: %v", err)
	}
	if len(arena.freed) != freedBefore+2 {
		t.Fatalf("expected 2 frames freed; got %d", len(arena.freed)-freedBefore)
	}
	if as.IsUserRangeAccessible(va, 1, false) {
		t.Fatal("expected the range to be unmapped")
	}
}

func TestIsUserRangeAccessibleRejectsKernelOnlyMapping(t *testing.T) {
	as, _, cleanup := newTestAddressSpace(t, 64)
	defer cleanup()

	const va = uintptr(0x0000_0000_0070_0000)
	if err := as.MapAnonymous(va, 1, FlagWritable); err != nil { // no FlagUser
		t.Fatalf("MapAnonymous: %v", err)
	}

	if as.IsUserRangeAccessible(va, 1, false) {
		t.Fatal("expected a kernel-only mapping to be reported as inaccessible to user mode")
	}
}

func TestIsUserRangeAccessibleRejectsWriteToReadOnly(t *testing.T) {
	as, _, cleanup := newTestAddressSpace(t, 64)
	defer cleanup()

	const va = uintptr(0x0000_0000_0080_0000)
	if err := as.MapAnonymous(va, 1, FlagUser); err != nil { // no FlagWritable
		t.Fatalf("MapAnonymous: %v", err)
	}

	if !as.IsUserRangeAccessible(va, 1, false) {
		t.Fatal("expected a read-only user mapping to be readable")
	}
	if as.IsUserRangeAccessible(va, 1, true) {
		t.Fatal("expected a read-only user mapping to reject a write check")
	}
}

func TestReleaseDestroysRootAtZeroRefcount(t *testing.T) {
	as, arena, cleanup := newTestAddressSpace(t, 64)
	defer cleanup()

	as.Retain()

	const va = uintptr(0x0000_0000_0090_0000)
	if err := as.MapAnonymous(va, 1, FlagWritable|FlagUser); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	if err := as.UnmapAndFree(va, 1); err != nil {
		t.Fatalf("UnmapAndFree: %v", err)
	}

	as.Release()
	freedBeforeFinalRelease := len(arena.freed)

	as.Release()
	if len(arena.freed) <= freedBeforeFinalRelease {
		t.Fatal("expected the final Release to destroy the root and free its frame")
	}
}
