// Package kmain sequences kernel bring-up: from the boot handshake struct
// an out-of-scope UEFI loader hands off, through the physical/virtual
// memory managers, the kernel heap, the scheduler, and finally onto the
// idle task. It is new code: the teacher's Kmain only brought up a bump
// frame allocator, a recursive-mapping VMM, and the Go runtime bootstrap
// before looping forever with no scheduler and no IPC/syscall layer.
package kmain

import (
	"unsafe"

	"zincos/kernel"
	"zincos/kernel/boot"
	"zincos/kernel/cpu"
	"zincos/kernel/driver/tty"
	"zincos/kernel/driver/video/console"
	"zincos/kernel/goruntime"
	"zincos/kernel/hal"
	"zincos/kernel/heap"
	"zincos/kernel/irq"
	"zincos/kernel/kfmt/early"
	"zincos/kernel/mem"
	"zincos/kernel/mem/pmm/allocator"
	"zincos/kernel/mem/vmm"
	"zincos/kernel/sched"
	_ "zincos/kernel/syscall"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelHeapCapacity bounds the arena kernel/heap.Init grows into on
// demand; the heap's own GrowFn only ever maps up to this many bytes past
// heapBase.
const kernelHeapCapacity = 64 * mem.Mb

// heapBase is a fixed virtual address in the kernel's half of the address
// space, reserved for the heap arena. The mapper is HHDM-based (every
// physical frame already has a stable virtual alias at hhdmBase+phys), so
// this is the one VA range the kernel hand-picks rather than derives from
// a frame's physical address.
const heapBase = uintptr(0xffff_ff00_0000_0000)

var kernelHeap heap.Heap

// Kmain is the only Go symbol the entry stub calls, once on the bootstrap
// processor, after rt0 has set up a minimal g0 on the loader-provided boot
// stack. Kmain does not return: if sched.StartOnBSP ever comes back, Kmain
// halts the CPU itself via kernel.Panic.
//
//go:noinline
func Kmain(infoPtr uintptr) {
	info := (*boot.Info)(unsafe.Pointer(infoPtr))
	if err := info.Validate(); err != nil {
		kernel.Panic(err)
	}

	attachConsole(info)
	early.Printf("zincos booting: %d memory map entries, hhdm base 0x%16x\n", len(info.MemoryMap), info.HHDMBase)

	if err := allocator.Init(info); err != nil {
		kernel.Panic(err)
	}

	vmm.KernelMapper.Init(info.HHDMBase, allocator.FrameAllocator.AllocFrame, allocator.FrameAllocator.FreeFrame)
	vmm.InstallFaultHandlers()
	irq.Init()

	kernelHeap.Init(heapBase, mem.Size(kernelHeapCapacity), growKernelHeap, true)
	sched.SetKernelHeap(&kernelHeap)
	goruntime.Init(&kernelHeap)

	sched.Init(int(info.CPUCount))

	early.Printf("zincos: %d CPU(s) online, starting scheduler\n", info.CPUCount)
	sched.StartOnBSP(idleLoop)

	kernel.Panic(errKmainReturned)
}

// attachConsole wires a text-mode console through hal.SetConsole so
// early.Printf has somewhere to go for the rest of boot. The loader
// reports a linear-framebuffer geometry, but a pixel-font text renderer is
// outside this repository's scope; boot instead drives the legacy 80x25
// VGA text-mode cell array at its well-known physical address, reached
// through the HHDM the same as every other physical address in this
// kernel.
func attachConsole(info *boot.Info) {
	var ega console.Ega
	ega.Init(80, 25, info.HHDMBase+0xB8000)

	var vt tty.Vt
	vt.AttachTo(&ega)
	vt.Clear()
	hal.SetConsole(&vt)
}

// heapMappedFrontier is the first VA past the last page growKernelHeap has
// already mapped; kernel/heap.Heap itself only remembers mappedTo as an
// offset it doesn't expose, so the grow callback has to keep its own watermark
// to know which pages in [frontier, newEnd) are actually missing.
var heapMappedFrontier = heapBase

// growKernelHeap backs kernel/heap's on-demand growth: it installs one
// freshly allocated physical frame per page between the heap's current
// mapped frontier and newEnd, directly against the kernel mapping root
// (the kernel heap is never reached through a process AddressSpace). A
// single call can be asked to cover several pages at once (a large
// allocation can push newEnd past more than one page boundary in one
// growForRequest call), so every page from the frontier up to newEnd must
// be mapped, not just the page newEnd itself falls in.
func growKernelHeap(newEnd uintptr) bool {
	root := vmm.KernelMapper.KernelRoot()
	start := heapMappedFrontier
	for va := start; va < newEnd; va += uintptr(mem.PageSize) {
		frame, err := allocator.FrameAllocator.AllocFrame()
		if err != nil {
			return false
		}
		if !vmm.KernelMapper.Map4K(root, va, frame.Address(), vmm.FlagWritable) {
			allocator.FrameAllocator.FreeFrame(frame)
			return false
		}
		heapMappedFrontier = va + uintptr(mem.PageSize)
	}
	return true
}

// idleLoop is CPU 0's idle task entry point: halt until the next tick,
// then reschedule if the tick marked this CPU as needing one. Every other
// CPU's idle task (spawned by sched.StartOnAP) runs this same loop.
func idleLoop(uintptr) {
	for {
		cpu.Halt()
		if sched.NeedResched() {
			sched.Schedule()
		}
	}
}
