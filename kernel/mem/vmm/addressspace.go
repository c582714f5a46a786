package vmm

import (
	"zincos/kernel"
	"zincos/kernel/mem"
	"zincos/kernel/mem/pmm"
	"zincos/kernel/sync"
)

// ErrOutOfMemory is returned when map_anonymous cannot satisfy a request and
// has rolled back any pages it had already installed.
var ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory while mapping anonymous pages", Kind: kernel.KindOutOfMemory}

// ErrMapFailed is returned by map_page/map_pages when the mapper rejects an
// installation (misaligned address, non-canonical address, huge page
// conflict).
var ErrMapFailed = &kernel.Error{Module: "vmm", Message: "mapper rejected page installation", Kind: kernel.KindFault}

// AddressSpace owns one process's mapping root (spec.md §4.3): a spinlock, a
// refcount, and a Root handle into the shared Mapper. All callers outside
// this package reach the Mapper only through an AddressSpace, so the lock
// ordering AddressSpace → mapper → PMM always holds.
type AddressSpace struct {
	lock     sync.Spinlock
	refcount int32

	mapper Mapper
	root   Root

	allocFrame FrameAllocFn
	freeFrame  FrameFreeFn
}

// NewAddressSpace creates a process address space backed by mapper, with a
// freshly cloned kernel half.
func NewAddressSpace(mapper Mapper, allocFrame FrameAllocFn, freeFrame FrameFreeFn) (*AddressSpace, *kernel.Error) {
	root, ok := mapper.CreateRoot()
	if !ok {
		return nil, ErrOutOfMemory
	}
	return &AddressSpace{
		mapper:     mapper,
		root:       root,
		allocFrame: allocFrame,
		freeFrame:  freeFrame,
		refcount:   1,
	}, nil
}

// Retain increments the address space's refcount. Callers holding a handle
// to a shared address space (e.g. threads in the same process) call this
// when adding a new holder.
func (as *AddressSpace) Retain() {
	as.lock.Acquire()
	as.refcount++
	as.lock.Release()
}

// Release decrements the refcount and destroys the address space's mapping
// root once it reaches zero.
func (as *AddressSpace) Release() {
	as.lock.Acquire()
	as.refcount--
	done := as.refcount == 0
	as.lock.Release()

	if done {
		as.mapper.DestroyRoot(as.root)
	}
}

// MapPage installs a single page-table mapping.
func (as *AddressSpace) MapPage(va, pa uintptr, flags PageTableEntryFlag) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if !as.mapper.Map4K(as.root, va, pa, flags) {
		return ErrMapFailed
	}
	return nil
}

// UnmapPage removes a mapping and returns the physical address it pointed
// to. It does not free the frame; callers that own the frame use
// UnmapAndFree instead.
func (as *AddressSpace) UnmapPage(va uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pa, ok := as.mapper.Unmap4K(as.root, va)
	if !ok {
		return 0, ErrInvalidMapping
	}
	return pa, nil
}

// MapAnonymous allocates nPages fresh frames, zeroes each through the HHDM
// so no kernel data leaks to userspace, and maps them starting at va. On
// failure partway through, every page mapped so far by this call is rolled
// back: unmapped and its frame freed.
func (as *AddressSpace) MapAnonymous(va uintptr, nPages uint32, flags PageTableEntryFlag) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	mapped := make([]uintptr, 0, nPages)

	rollback := func() {
		for _, pageVA := range mapped {
			if pa, ok := as.mapper.Unmap4K(as.root, pageVA); ok {
				as.freeFrame(pmm.FrameFromAddress(pa))
			}
		}
	}

	for i := uint32(0); i < nPages; i++ {
		pageVA := va + uintptr(i)*uintptr(mem.PageSize)

		frame, err := as.allocFrame()
		if err != nil {
			rollback()
			return ErrOutOfMemory
		}

		mem.Memset(as.mapper.HHDMBase()+frame.Address(), 0, mem.PageSize)

		if !as.mapper.Map4K(as.root, pageVA, frame.Address(), flags) {
			as.freeFrame(frame)
			rollback()
			return ErrMapFailed
		}
		mapped = append(mapped, pageVA)
	}

	return nil
}

// UnmapAndFree unmaps nPages pages starting at va and returns each backing
// frame to the allocator.
func (as *AddressSpace) UnmapAndFree(va uintptr, nPages uint32) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for i := uint32(0); i < nPages; i++ {
		pageVA := va + uintptr(i)*uintptr(mem.PageSize)
		pa, ok := as.mapper.Unmap4K(as.root, pageVA)
		if !ok {
			continue
		}
		as.freeFrame(pmm.FrameFromAddress(pa))
	}
	return nil
}

// MapPages identity-maps nPages caller-supplied physical pages starting at
// pa into va, without allocating or zeroing. Used for initrd images and
// shared-memory regions whose contents must survive the mapping.
func (as *AddressSpace) MapPages(va, pa uintptr, nPages uint32, flags PageTableEntryFlag) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for i := uint32(0); i < nPages; i++ {
		offset := uintptr(i) * uintptr(mem.PageSize)
		if !as.mapper.Map4K(as.root, va+offset, pa+offset, flags) {
			return ErrMapFailed
		}
	}
	return nil
}

// Activate installs this address space's root into hardware on the calling
// CPU.
func (as *AddressSpace) Activate() {
	as.mapper.Activate(as.root)
}

// IsActive reports whether this address space's root is the one currently
// loaded on the calling CPU.
func (as *AddressSpace) IsActive() bool {
	return as.mapper.ActiveRoot() == as.root
}

// IsUserRangeAccessible walks the mapping for every page in [va, va+len)
// under the address-space lock and reports whether each is present, user,
// and (if write is true) writable. kernel/syscall's uaccess layer calls
// this before touching a user-supplied buffer.
func (as *AddressSpace) IsUserRangeAccessible(va uintptr, length uintptr, write bool) bool {
	as.lock.Acquire()
	defer as.lock.Release()

	start := va &^ uintptr(mem.PageSize-1)
	end := (va + length + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)

	for page := start; page < end; page += uintptr(mem.PageSize) {
		q, ok := as.mapper.Query4K(as.root, page)
		if !ok || !q.User {
			return false
		}
		if write && !q.Writable {
			return false
		}
	}
	return true
}
