// Package goruntime redirects the Go runtime's own memory manager
// (runtime.sysReserve/sysMap/sysAlloc) onto the kernel heap instead of the
// mmap/brk syscalls it expects on a hosted OS, so ordinary Go code (make,
// append, closures, interfaces) works in a freestanding kernel binary.
//
// The teacher's own version of this file reserved a dedicated virtual
// region and mapped pages into it lazily, because its page-table scheme
// had no address at which a physical frame was always valid to dereference.
// This kernel's mapper is HHDM-based (every physical frame has a stable
// virtual alias at hhdmBase+phys), so there is no separate region to
// reserve: redirecting straight onto the one heap arena kernel/heap already
// knows how to grow, rather than re-deriving a second grow-on-demand
// scheme, is the direct translation of the same idea onto the new memory
// layout.
package goruntime

import (
	"unsafe"

	"zincos/kernel/heap"
)

// runtimeHeap backs every redirected runtime allocation. Init installs it;
// until then every hook call panics, matching the teacher's own assumption
// that these functions are never reachable before the kernel heap exists.
var runtimeHeap *heap.Heap

// Init installs h as the arena every subsequent sysReserve/sysMap/sysAlloc
// call allocates from. kmain calls this with the same heap it hands to
// sched.SetKernelHeap, immediately after kernel/heap.Init.
func Init(h *heap.Heap) {
	runtimeHeap = h
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve replaces runtime.sysReserve. On a hosted OS this reserves
// address space without committing memory; here there is no separate
// reservation step, so it immediately carves size bytes out of the kernel
// heap and reports them as already backed.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	p := runtimeHeap.Alloc(size, unsafe.Alignof(uintptr(0)))
	*reserved = p != nil
	return p
}

// sysMap replaces runtime.sysMap. Every region this package hands out is
// already backed by real pages the moment sysReserve returns it, so sysMap
// only has to report the stat delta; reserved must always be true, since
// the runtime only calls sysMap on a pointer sysReserve returned.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc replaces runtime.sysAlloc: reserve and commit in one step.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	p := runtimeHeap.Alloc(size, unsafe.Alignof(uintptr(0)))
	if p == nil {
		return nil
	}
	mSysStatInc(sysStat, size)
	return p
}

// keepLinked references every hook as a function value so the linker
// can't see them as unreferenced and strip them: their only real callers
// are the runtime's own go:linkname redirects, which need the symbols to
// survive in the final binary but never show up as an ordinary call site.
// Unlike the teacher's version, these are never actually invoked here —
// runtimeHeap is nil until Init runs, and a dummy call at package-init
// time would dereference it too early.
var keepLinked = [3]func(){
	func() { sysReserve(nil, 0, new(bool)) },
	func() { sysMap(nil, 0, true, new(uint64)) },
	func() { sysAlloc(0, new(uint64)) },
}

var _ = keepLinked
