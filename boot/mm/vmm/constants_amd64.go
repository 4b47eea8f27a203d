//go:build amd64

package vmm

const (
	// pageLevels is the number of page table levels on x86-64.
	pageLevels = 4

	// tableEntries is the number of entries per page table.
	tableEntries = 512

	// ptePhysPageMask masks the physical frame address bits of a page
	// table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// slotSize is the span of virtual address space covered by a single
	// level 4 entry (512 GiB).
	slotSize = uint64(1) << 39

	// hugePageMask masks the offset bits of a 2MiB mapping.
	hugePageMask = (uint64(1) << 21) - 1
)

// pageLevelShifts contains the shift required to extract the table index
// for each page level from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// Page table entry flags. FlagCopied lives in one of the bits the MMU
// ignores and marks frames that the loader must not share with the kernel
// file image.
const (
	FlagPresent   = uintptr(1 << 0)
	FlagRW        = uintptr(1 << 1)
	FlagUserspace = uintptr(1 << 2)
	FlagHugePage  = uintptr(1 << 7)
	FlagCopied    = uintptr(1 << 9)
	FlagNoExecute = uintptr(1 << 63)
)
