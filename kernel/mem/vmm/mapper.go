// Package vmm implements the arch-neutral Mapper interface and its x86_64
// implementation: a 4-level page-table walker rooted at a high-half direct
// map (HHDM) rather than the recursive self-mapping trick common in 32-bit
// kernels. AddressSpace wraps a Mapper with per-process lock and refcount
// bookkeeping.
package vmm

import (
	"unsafe"

	"zincos/kernel"
	"zincos/kernel/cpu"
	"zincos/kernel/mem"
	"zincos/kernel/mem/pmm"
	"zincos/kernel/sync"
)

// Root is an opaque handle to a mapping root (a PML4 frame on x86_64). The
// zero value never names a real root (frame 0 is reserved by the PMM), so it
// doubles as the "None" case Mapper.CreateRoot returns on allocation
// failure.
type Root uintptr

// QueryResult is returned by Mapper.Query4K for a present mapping.
type QueryResult struct {
	PhysAddr   uintptr
	Writable   bool
	User       bool
	Executable bool
}

// FrameAllocFn and FrameFreeFn let Mapper implementations borrow the PMM
// without importing kernel/mem/pmm/allocator directly, avoiding an import
// cycle and giving tests a seam to inject a fake allocator.
type FrameAllocFn func() (pmm.Frame, *kernel.Error)
type FrameFreeFn func(pmm.Frame) *kernel.Error

// Mapper is the arch-neutral vtable over page-table operations (spec.md
// §4.2). AddressSpace is the only intended caller; everything else reaches
// the mapper through an AddressSpace so the AddressSpace→mapper→PMM lock
// ordering holds.
type Mapper interface {
	Map4K(root Root, va, pa uintptr, flags PageTableEntryFlag) bool
	Unmap4K(root Root, va uintptr) (uintptr, bool)
	CreateRoot() (Root, bool)
	DestroyRoot(root Root)
	Activate(root Root)
	ActiveRoot() Root
	KernelRoot() Root
	HHDMBase() uintptr
	Query4K(root Root, va uintptr) (QueryResult, bool)
}

// ErrInvalidMapping is returned when an operation targets a virtual address
// with no present mapping.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindFault}

// ErrHugePage is returned when a walk encounters a huge-page leaf where a
// 4 KiB mapping was requested; huge pages are out of scope (spec.md §4.2).
var ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge page present where a 4 KiB mapping was requested", Kind: kernel.KindGeneric}

// ErrMisaligned is returned for a virtual or physical address that is not
// 4 KiB aligned.
var ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address is not page-aligned", Kind: kernel.KindInvalidArgument}

// ErrNonCanonical is returned for a virtual address outside the canonical
// 48-bit ranges.
var ErrNonCanonical = &kernel.Error{Module: "vmm", Message: "address is not canonical", Kind: kernel.KindInvalidArgument}

// X86Mapper is the x86_64 Mapper implementation. A single instance,
// KernelMapper, is initialized at boot; every AddressSpace references it.
type X86Mapper struct {
	lock sync.Spinlock

	hhdmBase   uintptr
	kernelRoot Root
	active     [maxCPUsTracked]Root

	allocFrame FrameAllocFn
	freeFrame  FrameFreeFn
}

// maxCPUsTracked bounds the per-CPU "currently active root" tracking used
// to decide whether a TLB invalidation is needed after Map4K/Unmap4K.
const maxCPUsTracked = 64

// KernelMapper is the Mapper instance used by the rest of the kernel.
var KernelMapper X86Mapper

// currentCPUFn resolves the calling CPU for per-CPU active-root tracking.
// A package variable so hosted tests can pin it without touching the
// assembly-only GS read.
var currentCPUFn = cpu.CurrentCPU

// activeRootFn reads the physical root currently loaded into hardware
// (CR3). A package variable for the same reason as currentCPUFn.
var activeRootFn = cpu.ActiveRoot

// switchRootFn installs a new hardware root and flushes the TLB.
var switchRootFn = cpu.SwitchRoot

var flushTLBEntryFn = cpu.FlushTLBEntry

// Init establishes the kernel mapping root from the currently active CR3
// (installed by the out-of-scope UEFI loader before Kmain runs) and records
// the HHDM base from the boot handshake.
func (m *X86Mapper) Init(hhdmBase uintptr, allocFrame FrameAllocFn, freeFrame FrameFreeFn) {
	m.hhdmBase = hhdmBase
	m.allocFrame = allocFrame
	m.freeFrame = freeFrame
	m.kernelRoot = Root(activeRootFn())
	for i := range m.active {
		m.active[i] = m.kernelRoot
	}
}

func (m *X86Mapper) HHDMBase() uintptr { return m.hhdmBase }
func (m *X86Mapper) KernelRoot() Root  { return m.kernelRoot }

func (m *X86Mapper) ActiveRoot() Root {
	return m.active[currentCPUFn()%maxCPUsTracked]
}

// Activate loads root into hardware unless it is already active on this
// CPU, in which case it is a no-op (spec.md §4.2: avoid an unnecessary TLB
// flush).
func (m *X86Mapper) Activate(root Root) {
	idx := currentCPUFn() % maxCPUsTracked
	if m.active[idx] == root {
		return
	}
	switchRootFn(uintptr(root))
	m.active[idx] = root
}

func (m *X86Mapper) tableAddr(frame pmm.Frame) uintptr {
	return m.hhdmBase + frame.Address()
}

func (m *X86Mapper) entryAt(tableAddr uintptr, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(tableAddr + (index << mem.PointerShift)))
}

// walk descends the 4-level hierarchy rooted at root for va, one level at a
// time (0=PML4 .. 3=PT). If alloc is true, a missing non-leaf entry is
// populated with a freshly allocated, zeroed table (marked present+writable)
// before descending; if alloc is false, a missing entry ends the walk with
// nil, nil. walk returns the level-3 (leaf) entry, or nil plus an error if a
// huge page was encountered above the leaf.
func (m *X86Mapper) walk(root Root, va uintptr, alloc bool) (*pageTableEntry, *kernel.Error) {
	tableAddr := m.tableAddr(pmm.FrameFromAddress(uintptr(root)))

	for level := 0; level < 4; level++ {
		index := (va >> pageLevelShifts[level]) & (pageTableEntries - 1)
		pte := m.entryAt(tableAddr, index)

		if level == 3 {
			return pte, nil
		}

		if pte.huge() {
			return nil, ErrHugePage
		}

		if !pte.present() {
			if !alloc {
				return nil, nil
			}
			frame, err := m.allocFrame()
			if err != nil {
				return nil, err
			}
			mem.Memset(m.tableAddr(frame), 0, mem.PageSize)
			*pte = 0
			pte.setFrame(frame)
			*pte = pageTableEntry(uintptr(*pte) | intermediateBits)
		}

		tableAddr = m.tableAddr(pte.frame())
	}

	return nil, nil // unreachable
}

func (m *X86Mapper) Map4K(root Root, va, pa uintptr, flags PageTableEntryFlag) bool {
	if va&uintptr(mem.PageSize-1) != 0 || pa&uintptr(mem.PageSize-1) != 0 {
		return false
	}
	if !isCanonical(va) {
		return false
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if flags&FlagUser != 0 {
		if err := m.ensureUserPath(root, va); err != nil {
			return false
		}
	}

	pte, err := m.walk(root, va, true)
	if err != nil || pte == nil {
		return false
	}

	*pte = 0
	pte.setFrame(pmm.FrameFromAddress(pa))
	*pte = pageTableEntry(uintptr(*pte) | entryBits(flags))

	m.invalidate(root, va)
	return true
}

// ensureUserPath walks the non-leaf levels on the path to va, allocating
// any missing table, and sets the USER bit on every intermediate entry it
// passes. walk itself never sets USER, so Map4K calls this first for every
// user mapping; that way a user mapping placed into an existing kernel-only
// subtree also gets the USER bit on the intermediate entries above it.
func (m *X86Mapper) ensureUserPath(root Root, va uintptr) *kernel.Error {
	tableAddr := m.tableAddr(pmm.FrameFromAddress(uintptr(root)))
	for level := 0; level < 3; level++ {
		index := (va >> pageLevelShifts[level]) & (pageTableEntries - 1)
		pte := m.entryAt(tableAddr, index)
		if !pte.present() {
			frame, err := m.allocFrame()
			if err != nil {
				return err
			}
			mem.Memset(m.tableAddr(frame), 0, mem.PageSize)
			*pte = 0
			pte.setFrame(frame)
			*pte = pageTableEntry(uintptr(*pte) | intermediateBits)
		}
		*pte = pageTableEntry(uintptr(*pte) | pteUser)
		tableAddr = m.tableAddr(pte.frame())
	}
	return nil
}

func (m *X86Mapper) Unmap4K(root Root, va uintptr) (uintptr, bool) {
	if va&uintptr(mem.PageSize-1) != 0 || !isCanonical(va) {
		return 0, false
	}

	m.lock.Acquire()
	defer m.lock.Release()

	pte, err := m.walk(root, va, false)
	if err != nil || pte == nil || !pte.present() {
		return 0, false
	}

	phys := pte.frame().Address()
	*pte = 0
	m.invalidate(root, va)
	return phys, true
}

func (m *X86Mapper) Query4K(root Root, va uintptr) (QueryResult, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	pte, err := m.walk(root, va, false)
	if err != nil || pte == nil || !pte.present() {
		return QueryResult{}, false
	}

	neutral := neutralFlags(*pte)
	return QueryResult{
		PhysAddr:   pte.frame().Address(),
		Writable:   neutral&FlagWritable != 0,
		User:       neutral&FlagUser != 0,
		Executable: neutral&FlagExecutable != 0,
	}, true
}

// invalidate flushes va's TLB entry only if root is the root currently
// active somewhere we know about (spec.md §4.2): a mapper change to an
// inactive address space needs no immediate flush since nothing can be
// caching its translations yet.
func (m *X86Mapper) invalidate(root Root, va uintptr) {
	for _, active := range m.active {
		if active == root {
			flushTLBEntryFn(va)
			return
		}
	}
}

// CreateRoot allocates a fresh PML4 frame, zeros it, and clones the kernel
// half (entries [256,512), the canonical high half starting at
// 0xffff_8000_0000_0000) from the kernel root so every address space shares
// one view of kernel mappings.
func (m *X86Mapper) CreateRoot() (Root, bool) {
	frame, err := m.allocFrame()
	if err != nil {
		return 0, false
	}

	rootAddr := m.tableAddr(frame)
	mem.Memset(rootAddr, 0, mem.PageSize)

	kernelTableAddr := m.tableAddr(pmm.FrameFromAddress(uintptr(m.kernelRoot)))
	for i := uintptr(pageTableEntries / 2); i < pageTableEntries; i++ {
		src := m.entryAt(kernelTableAddr, i)
		dst := m.entryAt(rootAddr, i)
		*dst = *src
	}

	return Root(frame.Address()), true
}

// DestroyRoot walks only the user half (entries [0,256)) and frees
// page-table frames bottom-up. It asserts nothing about leaves other than
// that the caller has already unmapped them; a present leaf found here
// indicates a caller bug and its frame is leaked rather than silently
// returned to the allocator twice.
func (m *X86Mapper) DestroyRoot(root Root) {
	rootFrame := pmm.FrameFromAddress(uintptr(root))
	rootAddr := m.tableAddr(rootFrame)

	for i := uintptr(0); i < pageTableEntries/2; i++ {
		pml4e := m.entryAt(rootAddr, i)
		if !pml4e.present() {
			continue
		}
		m.destroyLevel(pml4e.frame(), 1)
	}

	m.freeFrame(rootFrame)
}

// destroyLevel recursively frees a page-table frame and everything below
// it (1=PDPT, 2=PD, 3=PT). A level-3 table's entries are leaf mappings, not
// further tables, so they are never walked here — callers must have
// already unmapped them — but the PT frame itself is still a page-table
// frame this mapper owns and must be returned to the allocator.
func (m *X86Mapper) destroyLevel(frame pmm.Frame, level int) {
	if level < 3 {
		addr := m.tableAddr(frame)
		for i := uintptr(0); i < pageTableEntries; i++ {
			pte := m.entryAt(addr, i)
			if !pte.present() || pte.huge() {
				continue
			}
			m.destroyLevel(pte.frame(), level+1)
		}
	}
	m.freeFrame(frame)
}

func isCanonical(va uintptr) bool {
	return va <= mem.UserAddrMax || va >= mem.KernelHalfStart
}
