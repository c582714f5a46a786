package vmm

// PageTableEntryFlag is an arch-neutral mapping attribute. The x86_64 mapper
// translates these into PTE bits; callers never see raw PTE encodings.
type PageTableEntryFlag uintptr

const (
	// FlagWritable allows stores to the mapped page.
	FlagWritable PageTableEntryFlag = 1 << iota
	// FlagExecutable allows instruction fetch from the mapped page. The
	// x86_64 mapper inverts this into the NX bit, which defaults to set.
	FlagExecutable
	// FlagUser allows ring-3 access to the mapped page.
	FlagUser
	// FlagDevice marks the mapping as MMIO: cache-disable and
	// write-through are both forced on by the x86_64 mapper.
	FlagDevice
	// FlagGlobal marks the mapping as present across address-space
	// switches, skipping invalidation on a plain CR3 reload.
	FlagGlobal
	// FlagWriteThrough forces write-through caching for the mapped page.
	FlagWriteThrough
	// FlagCacheDisable disables caching for the mapped page.
	FlagCacheDisable
	// FlagCopyOnWrite marks a read-only page whose first write fault
	// should duplicate the backing frame rather than fault fatally.
	FlagCopyOnWrite
)
