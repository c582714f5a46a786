package mem

import (
	"reflect"
	"unsafe"
)

func overlay(addr uintptr, size Size) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// OverlayUint64 views the size-uint64 region starting at addr as a []uint64
// without copying. kernel/mem/pmm/allocator uses it to address the frame
// bitmap directly through its HHDM mapping.
func OverlayUint64(addr uintptr, size int) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  size,
		Cap:  size,
		Data: addr,
	}))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-at-a-time loop it uses log2(size) copy calls, which is
// considerably faster since page-sized regions are always aligned.
// kernel/mem/vmm uses it to zero freshly allocated page-table frames and
// anonymous user pages (never leaking kernel data to userspace); kernel/heap
// uses it to poison freed payloads in debug builds.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)

	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. It is the primitive
// kernel/syscall's uaccess bounce-buffer copy and kernel/mem/vmm's
// copy-on-write fault handler build on; both need a copy that works on raw
// addresses rather than typed Go slices.
func Memcopy(dst, src uintptr, size Size) {
	if size == 0 {
		return
	}
	copy(overlay(dst, size), overlay(src, size))
}
