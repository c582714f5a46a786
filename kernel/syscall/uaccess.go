package syscall

import (
	"unsafe"

	"zincos/kernel"
	"zincos/kernel/mem"
	"zincos/kernel/mem/vmm"
)

// uintptrOf returns the address of a kernel-owned byte, for handing to
// mem.Memcopy alongside a raw user address.
func uintptrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

// bounceBufferSize is the kernel-stack scratch buffer the dispatcher copies
// user data through, chunked, so a uaccess fault can never happen while a
// subsystem lock (endpoint, registry, handle table) is held (spec.md §4.9
// step 3).
const bounceBufferSize = 256

// ErrBadAddress is returned by ValidateUserRange for a range that is
// provably invalid without consulting any address space: null with a
// non-zero length, above USER_ADDR_MAX, or wrapping the address space.
var ErrBadAddress = &kernel.Error{Module: "syscall", Message: "invalid user address range", Kind: kernel.KindFault}

// ErrNotMapped is returned by ValidateUserBuffer when some page in the
// requested range is not present, not user-accessible, or (for a write)
// not writable.
var ErrNotMapped = &kernel.Error{Module: "syscall", Message: "user buffer not mapped", Kind: kernel.KindFault}

// ValidateUserRange rejects a [va, va+length) range that is invalid
// independent of any address space's page tables: a null pointer paired
// with a non-zero length, a range extending past USER_ADDR_MAX, or one
// whose end wraps around the address space.
func ValidateUserRange(va uintptr, length uintptr) *kernel.Error {
	if length == 0 {
		return nil
	}
	if va == 0 {
		return ErrBadAddress
	}
	end := va + length
	if end < va {
		return ErrBadAddress
	}
	if end-1 > mem.UserAddrMax {
		return ErrBadAddress
	}
	return nil
}

// ValidateUserBuffer adds the per-address-space check to ValidateUserRange:
// every page in the range must be present, user-accessible, and (if write
// is true) writable in space.
func ValidateUserBuffer(space *vmm.AddressSpace, va uintptr, length uintptr, write bool) *kernel.Error {
	if err := ValidateUserRange(va, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if !space.IsUserRangeAccessible(va, length, write) {
		return ErrNotMapped
	}
	return nil
}

// CopyIn validates [va, va+len(dst)) for reading and copies it into dst in
// bounceBufferSize-sized chunks.
func CopyIn(space *vmm.AddressSpace, dst []byte, va uintptr) *kernel.Error {
	if err := ValidateUserBuffer(space, va, uintptr(len(dst)), false); err != nil {
		return err
	}
	for off := 0; off < len(dst); off += bounceBufferSize {
		n := len(dst) - off
		if n > bounceBufferSize {
			n = bounceBufferSize
		}
		mem.Memcopy(uintptrOf(&dst[off]), va+uintptr(off), mem.Size(n))
	}
	return nil
}

// CopyOut validates [va, va+len(src)) for writing and copies src into it in
// bounceBufferSize-sized chunks.
func CopyOut(space *vmm.AddressSpace, va uintptr, src []byte) *kernel.Error {
	if err := ValidateUserBuffer(space, va, uintptr(len(src)), true); err != nil {
		return err
	}
	for off := 0; off < len(src); off += bounceBufferSize {
		n := len(src) - off
		if n > bounceBufferSize {
			n = bounceBufferSize
		}
		mem.Memcopy(va+uintptr(off), uintptrOf(&src[off]), mem.Size(n))
	}
	return nil
}

// CopyOutValue is copy_to_user_value (spec.md §4.9 step 6): it marshals a
// fixed-size wire value (e.g. an IPC message) to va.
func CopyOutValue(space *vmm.AddressSpace, va uintptr, wire []byte) *kernel.Error {
	return CopyOut(space, va, wire)
}
