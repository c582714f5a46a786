package syscall

import (
	"testing"
	"unsafe"

	"zincos/kernel/mem"
	"zincos/kernel/mem/vmm"
)

func addrOf(b *byte) uintptr { return uintptr(unsafe.Pointer(b)) }

// fakeMapper is a permissive vmm.Mapper stand-in: every query answers the
// same fixed allow/allowWrite verdict regardless of address, so tests can
// exercise uaccess's validation and bounce-copy logic without a real
// page-table walk. Grounded on the same fake-collaborator idiom
// kernel/mem/vmm's own tests use for the PMM side (a hosted stand-in
// instead of real hardware state).
type fakeMapper struct {
	allow      bool
	allowWrite bool
}

func (m *fakeMapper) Map4K(vmm.Root, uintptr, uintptr, vmm.PageTableEntryFlag) bool { return true }
func (m *fakeMapper) Unmap4K(vmm.Root, uintptr) (uintptr, bool)                     { return 0, true }
func (m *fakeMapper) CreateRoot() (vmm.Root, bool)                                  { return vmm.Root(1), true }
func (m *fakeMapper) DestroyRoot(vmm.Root)                                         {}
func (m *fakeMapper) Activate(vmm.Root)                                            {}
func (m *fakeMapper) ActiveRoot() vmm.Root                                         { return vmm.Root(1) }
func (m *fakeMapper) KernelRoot() vmm.Root                                         { return vmm.Root(1) }
func (m *fakeMapper) HHDMBase() uintptr                                            { return 0 }
func (m *fakeMapper) Query4K(vmm.Root, uintptr) (vmm.QueryResult, bool) {
	if !m.allow {
		return vmm.QueryResult{}, false
	}
	return vmm.QueryResult{User: true, Writable: m.allowWrite}, true
}

func newTestSpace(t *testing.T, allow, allowWrite bool) *vmm.AddressSpace {
	t.Helper()
	as, err := vmm.NewAddressSpace(&fakeMapper{allow: allow, allowWrite: allowWrite}, nil, nil)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

func TestValidateUserRangeRejectsNullWithLength(t *testing.T) {
	if err := ValidateUserRange(0, 8); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress for a null pointer with nonzero length; got %v", err)
	}
}

func TestValidateUserRangeAllowsNullWithZeroLength(t *testing.T) {
	if err := ValidateUserRange(0, 0); err != nil {
		t.Fatalf("expected a zero-length range to always validate; got %v", err)
	}
}

func TestValidateUserRangeRejectsAboveCeiling(t *testing.T) {
	if err := ValidateUserRange(mem.UserAddrMax, 8); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress past USER_ADDR_MAX; got %v", err)
	}
}

func TestValidateUserRangeRejectsWrap(t *testing.T) {
	if err := ValidateUserRange(^uintptr(0)-4, 16); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress for a wrapping range; got %v", err)
	}
}

func TestValidateUserBufferRejectsUnmappedRange(t *testing.T) {
	as := newTestSpace(t, false, false)
	if err := ValidateUserBuffer(as, 0x1000, 16, false); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for an unmapped range; got %v", err)
	}
}

func TestValidateUserBufferRejectsWriteWithoutWritable(t *testing.T) {
	as := newTestSpace(t, true, false)
	if err := ValidateUserBuffer(as, 0x1000, 16, true); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for a write into a read-only page; got %v", err)
	}
}

func TestCopyInCopyOutRoundTrip(t *testing.T) {
	as := newTestSpace(t, true, true)

	src := []byte("hello, zincos")
	va := uintptr(0)
	if len(src) > 0 {
		va = addrOf(&src[0])
	}

	dst := make([]byte, len(src))
	if err := CopyIn(as, dst, va); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(dst) != string(src) {
		t.Fatalf("expected CopyIn to read %q; got %q", src, dst)
	}

	out := make([]byte, len(src))
	outVA := addrOf(&out[0])
	if err := CopyOut(as, outVA, src); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if string(out) != string(src) {
		t.Fatalf("expected CopyOut to write %q; got %q", src, out)
	}
}

func TestCopyInChunksAcrossMultipleBounceBuffers(t *testing.T) {
	as := newTestSpace(t, true, true)

	src := make([]byte, bounceBufferSize*3+17)
	for i := range src {
		src[i] = byte(i)
	}

	dst := make([]byte, len(src))
	if err := CopyIn(as, dst, addrOf(&src[0])); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("mismatch at byte %d: got %d want %d", i, dst[i], src[i])
		}
	}
}
