// Package boot owns the handshake between the (out-of-scope) UEFI loader
// and the kernel core: a stable-layout BootInfo struct and the memory map
// it carries ownership of into the PMM.
package boot

import "zincos/kernel"

// Magic identifies a well-formed BootInfo payload. The loader writes it as
// the first field; Validate rejects anything else rather than trusting an
// uninitialized or stale structure.
const Magic = uint64(0x5a494e434f53_00)

// RegionType classifies one entry of the boot memory map.
type RegionType uint8

const (
	// RegionReserved is never usable by the PMM.
	RegionReserved RegionType = iota
	// RegionUsable is free RAM reported by the firmware.
	RegionUsable
	// RegionBootloaderReclaimable holds loader structures (the memory
	// map itself, the BootInfo struct) that become free once the PMM
	// has copied whatever it needs out of them.
	RegionBootloaderReclaimable
	// RegionKernel holds the loaded kernel image.
	RegionKernel
	// RegionFramebuffer holds the linear framebuffer.
	RegionFramebuffer
	// RegionACPIReclaimable holds ACPI tables reclaimable after the
	// (out-of-scope) ACPI parser has consumed them.
	RegionACPIReclaimable
)

// MemoryMapEntry describes one contiguous physical region as reported by
// the firmware memory map.
type MemoryMapEntry struct {
	PhysAddr uintptr
	Length   uint64
	Type     RegionType
}

// FramebufferInfo describes the linear framebuffer geometry handed off by
// the loader. The pixel format and font rendering it takes to turn this
// into a text console are out of scope; Info only carries the geometry.
type FramebufferInfo struct {
	PhysAddr      uintptr
	Width, Height uint32
	PixelsPerScan uint32
	BytesPerPixel uint8
}

// Info is the stable-layout boot handshake struct (spec.md §6). It is
// produced by the UEFI loader and consumed exactly once, by kernel/kmain,
// which transfers ownership of MemoryMap to the PMM during Init.
type Info struct {
	Magic uint64

	Framebuffer FramebufferInfo

	MemoryMap []MemoryMapEntry

	// HHDMBase is the virtual offset such that HHDMBase+physAddr is a
	// valid kernel-accessible virtual address for any physical frame.
	HHDMBase uintptr

	KernelPhysBase uintptr
	KernelVirtBase uintptr
	KernelSize     uint64

	InitrdPhysBase uintptr
	InitrdSize     uint64

	RSDPAddr uintptr

	CPUCount uint32

	// SelfPhysAddr/SelfSize and MemoryMapPhysAddr/MemoryMapSize describe
	// the loader-owned backing storage for this struct and its
	// MemoryMap slice. The PMM reserves both ranges during Init even
	// though their RegionBootloaderReclaimable entries would otherwise
	// read as free, since the PMM's own bitmap construction still has
	// live readers pointing at them.
	SelfPhysAddr      uintptr
	SelfSize          uint64
	MemoryMapPhysAddr uintptr
	MemoryMapSize     uint64
}

// ErrBadMagic is returned by Validate when Info.Magic does not match Magic.
var ErrBadMagic = &kernel.Error{Module: "boot", Message: "invalid BootInfo magic", Kind: kernel.KindGeneric}

// Validate checks that info carries a well-formed magic constant. Boot code
// calls this before trusting any other field; a mismatch is a kernel-fatal
// condition (the loader and kernel disagree about the handoff layout).
func (info *Info) Validate() *kernel.Error {
	if info.Magic != Magic {
		return ErrBadMagic
	}
	return nil
}

// VisitUsableRegions calls fn once for every memory-map entry that the PMM
// may hand out as free frames: RegionUsable and RegionBootloaderReclaimable
// (per spec.md §4.1, the latter is free once the PMM has taken what it
// needs from it). Iteration stops early if fn returns false.
func (info *Info) VisitUsableRegions(fn func(*MemoryMapEntry) bool) {
	for i := range info.MemoryMap {
		entry := &info.MemoryMap[i]
		if entry.Type != RegionUsable && entry.Type != RegionBootloaderReclaimable {
			continue
		}
		if !fn(entry) {
			return
		}
	}
}
