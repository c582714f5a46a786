// Package allocator implements the kernel's physical frame allocator: a
// global free bitmap behind a spinlock, fronted by a small per-CPU cache so
// that the common allocate/free path never contends the global lock
// (spec.md §4.1).
package allocator

import (
	"zincos/kernel"
	"zincos/kernel/boot"
	"zincos/kernel/cpu"
	"zincos/kernel/kfmt/early"
	"zincos/kernel/mem"
	"zincos/kernel/mem/pmm"
	"zincos/kernel/sync"
)

const (
	// MaxCPUs bounds the per-CPU cache array. SMP bring-up is expected
	// to stay well under this on the target hardware.
	MaxCPUs = 64

	// cacheSize (C) is the fixed capacity of each per-CPU cache.
	cacheSize = 64

	// refillCount (R) is how many frames a cache refill pulls from the
	// global bitmap at once.
	refillCount = 32

	// flushThreshold triggers draining half the cache back to the
	// global bitmap once free() pushes the count this high.
	flushThreshold = 56
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Kind: kernel.KindOutOfMemory}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "double free of physical frame", Kind: kernel.KindGeneric}
)

// panicFn is called when drain finds a frame whose global bitmap bit is
// already clear: that frame was freed at least twice before the duplicate
// ever reached the bitmap, since the cache itself never checks for one
// (spec.md §4.1/§7 — double free in the PMM is kernel-fatal). A package
// variable, like kernel/heap's own panicFn, so hosted tests can observe the
// detection without halting the test binary.
var panicFn = kernel.Panic

// currentCPUFn resolves the calling CPU's cache index. It is a package
// variable, rather than a direct call to cpu.CurrentCPU, so hosted tests can
// substitute a fixed index instead of reading the (assembly-only) per-CPU
// GS slot.
var currentCPUFn = cpu.CurrentCPU

type frameCache struct {
	frames [cacheSize]pmm.Frame
	count  int
}

// BitmapAllocator is the kernel's sole physical frame allocator. A single
// instance, FrameAllocator, is initialized at boot and used for the
// lifetime of the kernel; every frame not in a boot-usable region starts
// marked used, and the allocator flips bits as frames are handed out or
// reclaimed.
type BitmapAllocator struct {
	lock       sync.Spinlock
	bitmap     []uint64 // 1 bit per frame; 0 = free, 1 = used.
	frameCount uint64

	caches [MaxCPUs]frameCache
}

// FrameAllocator is the allocator instance used by the rest of the kernel.
var FrameAllocator BitmapAllocator

// Init sets up FrameAllocator from the boot memory map: it places the
// bitmap in a usable region, marks every frame used, then frees the usable
// and bootloader-reclaimable regions minus the reserves (first 1 MiB,
// kernel image, framebuffer, boot info, memory map, and the bitmap itself).
func Init(info *boot.Info) *kernel.Error {
	return FrameAllocator.init(info)
}

func (a *BitmapAllocator) init(info *boot.Info) *kernel.Error {
	var maxEnd uint64
	info.VisitUsableRegions(func(e *boot.MemoryMapEntry) bool {
		if end := uint64(e.PhysAddr) + e.Length; end > maxEnd {
			maxEnd = end
		}
		return true
	})

	a.frameCount = maxEnd >> mem.PageShift
	bitmapWords := (a.frameCount + 63) / 64
	bitmapBytes := bitmapWords * 8

	bitmapPhys, err := findBitmapRegion(info, bitmapBytes)
	if err != nil {
		return err
	}

	bitmapAddr := info.HHDMBase + bitmapPhys
	a.bitmap = mem.OverlayUint64(bitmapAddr, int(bitmapWords))

	// Everything starts reserved.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	// Free the usable/reclaimable regions.
	info.VisitUsableRegions(func(e *boot.MemoryMapEntry) bool {
		a.markRange(uint64(e.PhysAddr), e.Length, false)
		return true
	})

	// Re-reserve the ranges spec.md §4.1 calls out explicitly.
	a.markRange(0, 1*uint64(mem.Mb), true)
	a.markRange(uint64(info.KernelPhysBase), info.KernelSize, true)
	fbBytes := uint64(info.Framebuffer.Width) * uint64(info.Framebuffer.Height) * uint64(info.Framebuffer.BytesPerPixel)
	a.markRange(uint64(info.Framebuffer.PhysAddr), fbBytes, true)
	a.markRange(uint64(info.SelfPhysAddr), info.SelfSize, true)
	a.markRange(uint64(info.MemoryMapPhysAddr), info.MemoryMapSize, true)
	a.markRange(uint64(bitmapPhys), bitmapBytes, true)

	// Tail bits above frameCount (padding out to a 64-bit boundary) stay
	// used; markRange above never touches them since no region extends
	// past maxEnd.

	early.Printf("[pmm] frames: %d total, bitmap: %d bytes\n", a.frameCount, bitmapBytes)
	return nil
}

// findBitmapRegion returns the physical address of a usable region large
// enough to hold the bitmap. It does not consult the allocator bitmap
// (which does not exist yet); it scans the boot memory map directly.
func findBitmapRegion(info *boot.Info, need uint64) (uintptr, *kernel.Error) {
	var found uintptr
	var ok bool
	info.VisitUsableRegions(func(e *boot.MemoryMapEntry) bool {
		if e.Length >= need {
			found = e.PhysAddr
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return 0, errOutOfMemory
	}
	return found, nil
}

func (a *BitmapAllocator) bitIndex(frame pmm.Frame) (word int, mask uint64) {
	return int(uint64(frame) / 64), uint64(1) << (uint64(frame) % 64)
}

func (a *BitmapAllocator) isFree(frame pmm.Frame) bool {
	word, mask := a.bitIndex(frame)
	return a.bitmap[word]&mask == 0
}

func (a *BitmapAllocator) setUsed(frame pmm.Frame, used bool) {
	word, mask := a.bitIndex(frame)
	if used {
		a.bitmap[word] |= mask
	} else {
		a.bitmap[word] &^= mask
	}
}

// markRange marks every frame that overlaps [physAddr, physAddr+length) as
// used or free. Used during Init only; later mutation goes through
// AllocFrame/FreeFrame so the free-count bookkeeping in the caches stays
// consistent.
func (a *BitmapAllocator) markRange(physAddr, length uint64, used bool) {
	if length == 0 {
		return
	}
	start := pmm.Frame(physAddr >> mem.PageShift)
	end := pmm.Frame((physAddr + length + uint64(mem.PageSize) - 1) >> mem.PageShift)
	for f := start; f < end && uint64(f) < a.frameCount; f++ {
		a.setUsed(f, used)
	}
}

// scanFreeFrame finds and reserves the first clear bit in the global
// bitmap. Caller must hold a.lock.
func (a *BitmapAllocator) scanFreeFrame() (pmm.Frame, *kernel.Error) {
	for word := range a.bitmap {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << uint(bit)
			if a.bitmap[word]&mask == 0 {
				a.bitmap[word] |= mask
				return pmm.Frame(uint64(word)*64 + uint64(bit)), nil
			}
		}
	}
	return pmm.InvalidFrame, errOutOfMemory
}

// refill pulls up to refillCount frames from the global bitmap into the
// local cache. Caller must hold a.lock.
func (a *BitmapAllocator) refill(c *frameCache) *kernel.Error {
	for c.count < cacheSize && c.count < refillCount {
		f, err := a.scanFreeFrame()
		if err != nil {
			if c.count > 0 {
				return nil
			}
			return err
		}
		c.frames[c.count] = f
		c.count++
	}
	return nil
}

// AllocFrame hands out one physical frame. It first tries the calling
// CPU's local cache; on a miss it refills the cache from the global bitmap
// under the lock.
func (a *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	c := &a.caches[currentCPUFn()%MaxCPUs]
	if c.count == 0 {
		a.lock.Acquire()
		err := a.refill(c)
		a.lock.Release()
		if err != nil {
			return pmm.InvalidFrame, err
		}
	}
	c.count--
	return c.frames[c.count], nil
}

// FreeFrame returns a frame to the calling CPU's local cache. It does not
// check whether the cache already holds the frame: correctness depends on
// callers never freeing a frame they do not own, per spec.md §4.1; a
// violation corrupts allocator state rather than being caught here.
//
// If the local cache grows past flushThreshold, half of it is drained back
// to the global bitmap so a CPU that only frees never starves one that only
// allocates.
func (a *BitmapAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	if !f.IsValid() || uint64(f) >= a.frameCount {
		return errDoubleFree
	}

	c := &a.caches[currentCPUFn()%MaxCPUs]
	if c.count >= cacheSize {
		a.drain(c, cacheSize/2)
	}
	c.frames[c.count] = f
	c.count++

	if c.count >= flushThreshold {
		a.drain(c, c.count/2)
	}
	return nil
}

// drain pushes n frames from the cache back to the global bitmap. This is
// where a double free is actually caught: the cache itself never checks
// whether a frame it already holds is being pushed again, so the global
// bitmap bit is the only place left to notice that a frame was freed twice
// before one of the two frees ever reaches here.
func (a *BitmapAllocator) drain(c *frameCache, n int) {
	if n > c.count {
		n = c.count
	}
	a.lock.Acquire()
	for i := 0; i < n; i++ {
		c.count--
		frame := c.frames[c.count]
		word, mask := a.bitIndex(frame)
		if a.bitmap[word]&mask == 0 {
			a.lock.Release()
			panicFn(errDoubleFree)
			return
		}
		a.bitmap[word] &^= mask
	}
	a.lock.Release()
}

// FreeFrames returns the number of frames not currently marked used in the
// global bitmap. It does not account for frames parked in a per-CPU cache
// (those are already marked used in the bitmap), so it is a lower bound on
// true availability — used for diagnostics, not allocation decisions.
func (a *BitmapAllocator) FreeFrames() uint64 {
	var free uint64
	for _, word := range a.bitmap {
		for bit := 0; bit < 64; bit++ {
			if word&(uint64(1)<<uint(bit)) == 0 {
				free++
			}
		}
	}
	return free
}
