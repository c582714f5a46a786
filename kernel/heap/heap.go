// Package heap implements the kernel's dynamic allocator: a segregated
// free-list allocator over a dedicated virtual range, grown lazily by
// mapping fresh pages on demand (spec.md §4.4). Its block bookkeeping
// (header/footer magic, poisoning on free, a linear integrity walk) follows
// the same "catch corruption immediately, never silently continue" posture
// as the teacher's kernel/mem/pmm bitmap allocator, generalized from a
// single free list to 32 size-class bins.
package heap

import (
	"unsafe"

	"zincos/kernel"
	"zincos/kernel/kfmt/early"
	"zincos/kernel/mem"
	"zincos/kernel/sync"
)

const (
	headerMagic = uint64(0x4845_4150_4c49_5645) // "HEAPLIVE"
	freeMagic   = uint64(0x4845_4150_4652_4545) // "HEAPFREE"

	// alignMin is the coarsest alignment every block boundary and user
	// pointer respects, regardless of the caller's requested alignment.
	alignMin = uintptr(16)

	// numBins is the number of size classes, indexed by ceil(log2(size)).
	numBins = 32

	backptrSize = uintptr(8)
	footerSize  = uintptr(8)

	// usedBit is stowed in the low bit of sizeAndFlags; block sizes are
	// always alignMin-aligned so this bit is otherwise always zero.
	usedBit = uint64(1)

	// noneOffset marks an empty prev/next-free link or the absence of a
	// wilderness block. Offset 0 is always a real header (the arena's
	// first block), so it cannot double as "none".
	noneOffset = ^uint64(0)
)

// blockHeader is 48 bytes: 6 uint64 fields, each naturally 8-aligned.
type blockHeader struct {
	magic        uint64
	sizeAndFlags uint64 // total block size, low bit is usedBit
	userSize     uint64
	prevFree     uint64 // arena offset, or noneOffset
	nextFree     uint64 // arena offset, or noneOffset
	pad          uint64
}

var headerSize = uintptr(unsafe.Sizeof(blockHeader{}))

// minBlockSize is the smallest block alloc will ever carve out: header +
// backptr + footer, rounded up to alignMin. It bounds the leftover a split
// must clear to be worth re-inserting into a bin.
var minBlockSize = alignUp(headerSize+backptrSize+footerSize, alignMin)

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func (h *blockHeader) size() uintptr   { return uintptr(h.sizeAndFlags &^ usedBit) }
func (h *blockHeader) used() bool      { return h.sizeAndFlags&usedBit != 0 }
func (h *blockHeader) setSize(sz uintptr, used bool) {
	bits := uint64(sz)
	if used {
		bits |= usedBit
	}
	h.sizeAndFlags = bits
}

// Stats summarizes allocator activity for early.Printf reporting, mirroring
// the way the teacher's goruntime package exposes sysAlloc counters.
type Stats struct {
	AllocCount   uint64
	FreeCount    uint64
	CurrentBytes uint64
	PeakBytes    uint64
	MappedBytes  uint64
}

// GrowFn maps additional pages so the heap arena's backed region covers
// [base, newEnd). It is called with the heap lock held and must not block
// on anything that could recursively need the heap. Kmain wires this to
// growKernelHeap, which maps fresh frames with vmm.KernelMapper.Map4K
// directly against the kernel root; tests substitute a stub over a
// pre-allocated host buffer.
type GrowFn func(newEnd uintptr) bool

// Heap is a segregated free-list allocator over a single contiguous virtual
// arena. The zero value is not usable; call Init first.
type Heap struct {
	lock sync.Spinlock

	base     uintptr // first byte of the virtual arena
	mappedTo uintptr // offset of the first byte not yet backed by a frame
	capacity uintptr // maximum offset Init's GrowFn is allowed to reach

	wilderness uint64 // offset of the trailing free block, or noneOffset
	bins       [numBins]uint64

	grow  GrowFn
	stats Stats

	poison bool
}

// Init prepares a heap over [base, base+capacity). No pages are mapped
// until the first alloc; grow is called on demand.
func (h *Heap) Init(base uintptr, capacity mem.Size, grow GrowFn, poison bool) {
	h.base = base
	h.capacity = uintptr(capacity)
	h.grow = grow
	h.poison = poison
	h.mappedTo = 0
	h.wilderness = noneOffset
	for i := range h.bins {
		h.bins[i] = noneOffset
	}
	early.Printf("heap: arena base=%16x capacity=%d MiB\n", uint64(base), uint64(capacity)/uint64(mem.Mb))
}

func (h *Heap) headerAt(offset uint64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(h.base + uintptr(offset)))
}

func (h *Heap) footerAt(offset uint64, size uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(h.base + uintptr(offset) + size - footerSize))
}

func (h *Heap) offsetOf(hdr *blockHeader) uint64 {
	return uint64(uintptr(unsafe.Pointer(hdr)) - h.base)
}

// binIndex returns ceil(log2(size)), clamped to the last bin for anything
// at or above 2^(numBins-1).
func binIndex(size uintptr) int {
	idx := 0
	for v := uintptr(1); v < size; v <<= 1 {
		idx++
		if idx == numBins-1 {
			break
		}
	}
	return idx
}

func (h *Heap) binUnlink(hdr *blockHeader, idx int) {
	if hdr.prevFree != noneOffset {
		h.headerAt(hdr.prevFree).nextFree = hdr.nextFree
	} else {
		h.bins[idx] = hdr.nextFree
	}
	if hdr.nextFree != noneOffset {
		h.headerAt(hdr.nextFree).prevFree = hdr.prevFree
	}
	hdr.prevFree, hdr.nextFree = noneOffset, noneOffset
}

func (h *Heap) binInsert(hdr *blockHeader, idx int) {
	offset := h.offsetOf(hdr)
	head := h.bins[idx]
	hdr.prevFree = noneOffset
	hdr.nextFree = head
	if head != noneOffset {
		h.headerAt(head).prevFree = offset
	}
	h.bins[idx] = offset
}

func (h *Heap) markFree(hdr *blockHeader, size uintptr) {
	hdr.magic = freeMagic
	hdr.setSize(size, false)
	hdr.userSize = 0
	*h.footerAt(h.offsetOf(hdr), size) = hdr.sizeAndFlags
	h.binInsert(hdr, binIndex(size))
}

func (h *Heap) markUsed(hdr *blockHeader, size, userSize uintptr) {
	hdr.magic = headerMagic
	hdr.setSize(size, true)
	hdr.userSize = uint64(userSize)
	hdr.prevFree, hdr.nextFree = noneOffset, noneOffset
	*h.footerAt(h.offsetOf(hdr), size) = hdr.sizeAndFlags
}

// requiredSize computes the total block size alloc needs to satisfy size
// bytes at the given alignment: header, worst-case alignment padding,
// 8-byte back-pointer, user payload, and footer, rounded to alignMin.
func requiredSize(size, alignment uintptr) uintptr {
	if alignment < alignMin {
		alignment = alignMin
	}
	raw := headerSize + (alignment - 1) + backptrSize + size + footerSize
	total := alignUp(raw, alignMin)
	if total < minBlockSize {
		total = minBlockSize
	}
	return total
}

// Alloc returns a pointer to a zero-initialized user region of at least
// size bytes, aligned to alignment (rounded up to alignMin), or nil if the
// heap cannot grow far enough to satisfy the request.
func (h *Heap) Alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	need := requiredSize(size, alignment)

	h.lock.Acquire()
	defer h.lock.Release()

	hdr := h.findFit(need)
	if hdr == nil {
		return nil
	}

	h.splitAndCommit(hdr, need)

	ptr := h.userPointer(hdr, alignment)
	*(*uint64)(unsafe.Pointer(ptr - backptrSize)) = h.offsetOf(hdr)
	hdr.userSize = uint64(size) // footer only encodes sizeAndFlags, untouched by this

	mem.Memset(ptr, 0, mem.Size(size))

	h.stats.AllocCount++
	h.stats.CurrentBytes += uint64(hdr.size())
	if h.stats.CurrentBytes > h.stats.PeakBytes {
		h.stats.PeakBytes = h.stats.CurrentBytes
	}
	return unsafe.Pointer(ptr)
}

// userPointer returns the aligned user pointer for a block whose payload
// starts right after hdr, leaving room for the 8-byte back-pointer.
func (h *Heap) userPointer(hdr *blockHeader, alignment uintptr) uintptr {
	if alignment < alignMin {
		alignment = alignMin
	}
	payloadStart := uintptr(unsafe.Pointer(hdr)) + headerSize + backptrSize
	return alignUp(payloadStart, alignment)
}

// findFit searches bins starting at need's size class for a free block,
// first-fit within a bin. It grows the arena if nothing fits.
func (h *Heap) findFit(need uintptr) *blockHeader {
	for idx := binIndex(need); idx < numBins; idx++ {
		offset := h.bins[idx]
		for offset != noneOffset {
			hdr := h.headerAt(offset)
			next := hdr.nextFree
			if hdr.size() >= need {
				h.binUnlink(hdr, idx)
				return hdr
			}
			offset = next
		}
	}
	return h.growForRequest(need)
}

// growForRequest extends the mapped end of the arena to satisfy need,
// consuming or extending the wilderness block.
func (h *Heap) growForRequest(need uintptr) *blockHeader {
	var hdr *blockHeader
	var startOffset uint64
	var have uintptr

	if h.wilderness != noneOffset {
		startOffset = h.wilderness
		hdr = h.headerAt(startOffset)
		have = hdr.size()
	} else {
		startOffset = uint64(h.mappedTo)
		have = 0
	}

	additional := need - have
	newEnd := h.base + uintptr(startOffset) + have + additional
	if newEnd-h.base > h.capacity {
		return nil
	}
	if newEnd > h.base+h.mappedTo {
		if h.grow == nil || !h.grow(newEnd) {
			return nil
		}
		h.stats.MappedBytes += uint64(newEnd - (h.base + h.mappedTo))
		h.mappedTo = newEnd - h.base
	}

	if h.wilderness != noneOffset {
		h.binUnlink(hdr, binIndex(have))
	} else {
		hdr = h.headerAt(startOffset)
	}
	hdr.setSize(need, false)
	h.wilderness = noneOffset
	return hdr
}

// splitAndCommit carves need bytes off the front of a (possibly larger)
// free block, re-inserting the remainder as a new free block (and as the
// wilderness block if it now reaches the mapped end) when it clears
// minBlockSize, and marks the front portion used.
func (h *Heap) splitAndCommit(hdr *blockHeader, need uintptr) {
	total := hdr.size()
	leftover := total - need

	if leftover >= minBlockSize {
		remOffset := h.offsetOf(hdr) + uint64(need)
		rem := h.headerAt(remOffset)
		rem.setSize(leftover, false)
		h.markFree(rem, leftover)

		if h.base+uintptr(remOffset)+leftover == h.base+h.mappedTo {
			h.wilderness = remOffset
		}
		h.markUsed(hdr, need, 0)
		return
	}

	h.markUsed(hdr, total, 0)
	if h.base+uintptr(h.offsetOf(hdr))+total == h.base+h.mappedTo {
		h.wilderness = noneOffset
	}
}

// ErrDoubleFree and ErrCorruption are passed to kernel.Panic by Free when
// header/footer validation fails; heap corruption has no recovery path.
var (
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "double free", Kind: kernel.KindGeneric}
	ErrCorruption = &kernel.Error{Module: "heap", Message: "heap corruption detected", Kind: kernel.KindGeneric}
)

// panicFn lets tests observe a would-be fatal corruption without actually
// halting the test binary.
var panicFn = kernel.Panic

// Free releases a pointer previously returned by Alloc. A double free or
// any detected corruption is unrecoverable and reaches panicFn.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)

	h.lock.Acquire()
	defer h.lock.Release()

	if addr < h.base+headerSize+backptrSize || addr >= h.base+h.mappedTo {
		panicFn(ErrCorruption)
		return
	}

	offset := *(*uint64)(unsafe.Pointer(addr - backptrSize))
	if uintptr(offset) > h.mappedTo {
		panicFn(ErrCorruption)
		return
	}
	hdr := h.headerAt(offset)

	if hdr.magic == freeMagic {
		panicFn(ErrDoubleFree)
		return
	}
	if hdr.magic != headerMagic {
		panicFn(ErrCorruption)
		return
	}

	size := hdr.size()
	if *h.footerAt(offset, size) != hdr.sizeAndFlags {
		panicFn(ErrCorruption)
		return
	}

	if h.poison {
		mem.Memset(addr, 0xDE, mem.Size(hdr.userSize))
	}

	h.stats.FreeCount++
	h.stats.CurrentBytes -= uint64(size)

	h.coalesceAndFree(offset, size)
}

// coalesceAndFree merges offset..offset+size with any in-range free
// neighbors before inserting the result into its bin, preserving the
// invariant that adjacent free blocks never coexist.
func (h *Heap) coalesceAndFree(offset uint64, size uintptr) {
	start := offset
	total := size

	if next := start + uint64(total); uintptr(next) < h.mappedTo {
		nextHdr := h.headerAt(next)
		if nextHdr.magic == freeMagic {
			if next == h.wilderness {
				h.wilderness = noneOffset
			}
			h.binUnlink(nextHdr, binIndex(nextHdr.size()))
			total += nextHdr.size()
		}
	}

	if start > 0 {
		prevFooter := (*uint64)(unsafe.Pointer(h.base + uintptr(start) - footerSize))
		prevSize := uintptr(*prevFooter &^ usedBit)
		if *prevFooter&usedBit == 0 && prevSize > 0 && prevSize <= uintptr(start) {
			prevOffset := start - uint64(prevSize)
			prevHdr := h.headerAt(prevOffset)
			if prevHdr.magic == freeMagic && prevHdr.size() == prevSize {
				if prevOffset == h.wilderness {
					h.wilderness = noneOffset
				}
				h.binUnlink(prevHdr, binIndex(prevSize))
				start = prevOffset
				total += prevSize
			}
		}
	}

	hdr := h.headerAt(start)
	hdr.setSize(total, false)
	h.markFree(hdr, total)

	if h.base+uintptr(start)+total == h.base+h.mappedTo {
		h.wilderness = start
	}
}

// Realloc resizes ptr's allocation to size bytes, preserving min(old,new)
// bytes of content. It grows in place when the block's current slack
// covers the new size; otherwise it allocates fresh, copies, and frees the
// original.
func (h *Heap) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return h.Alloc(size, alignMin)
	}
	if size == 0 {
		h.Free(ptr)
		return nil
	}

	addr := uintptr(ptr)
	offset := *(*uint64)(unsafe.Pointer(addr - backptrSize))
	hdr := h.headerAt(offset)
	oldUserSize := uintptr(hdr.userSize)

	if size <= oldUserSize {
		hdr.userSize = uint64(size)
		return ptr
	}

	available := hdr.size() - (addr - (h.base + uintptr(offset)))
	if size+footerSize <= available {
		hdr.userSize = uint64(size)
		return ptr
	}

	newPtr := h.Alloc(size, alignMin)
	if newPtr == nil {
		return nil
	}
	mem.Memcopy(uintptr(newPtr), addr, mem.Size(minUintptr(oldUserSize, size)))
	h.Free(ptr)
	return newPtr
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.stats
}

// CheckIntegrity walks every block in the arena linearly, verifying magic,
// size bounds, alignment, footer agreement, and the absence of adjacent
// free blocks, then walks every bin checking size-class membership and
// doubly-linked consistency. It returns the first violation found, or nil.
func (h *Heap) CheckIntegrity() *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	var offset uintptr
	prevWasFree := false
	for offset < h.mappedTo {
		hdr := h.headerAt(uint64(offset))
		size := hdr.size()

		if hdr.magic != headerMagic && hdr.magic != freeMagic {
			return ErrCorruption
		}
		if size < minBlockSize || size%alignMin != 0 {
			return ErrCorruption
		}
		if offset%alignMin != 0 {
			return ErrCorruption
		}
		if offset+size > h.mappedTo {
			return ErrCorruption
		}
		if *h.footerAt(uint64(offset), size) != hdr.sizeAndFlags {
			return ErrCorruption
		}

		isFree := hdr.magic == freeMagic
		if isFree && prevWasFree {
			return ErrCorruption
		}
		prevWasFree = isFree

		offset += size
	}
	if offset != h.mappedTo {
		return ErrCorruption
	}

	for idx, head := range h.bins {
		offset := head
		var prev uint64 = noneOffset
		for offset != noneOffset {
			hdr := h.headerAt(offset)
			if hdr.magic != freeMagic {
				return ErrCorruption
			}
			if binIndex(hdr.size()) != idx {
				return ErrCorruption
			}
			if hdr.prevFree != prev {
				return ErrCorruption
			}
			prev = offset
			offset = hdr.nextFree
		}
	}

	return nil
}
