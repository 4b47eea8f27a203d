package vmm

import "gopherboot/boot/mm"

// pageTableEntry describes a single entry in any level of the page table
// hierarchy.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the given flags set.
func (pte pageTableEntry) HasFlags(flags uintptr) bool {
	return uintptr(pte)&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the given
// flags set.
func (pte pageTableEntry) HasAnyFlag(flags uintptr) bool {
	return uintptr(pte)&flags != 0
}

// SetFlags sets the given flags on this entry.
func (pte *pageTableEntry) SetFlags(flags uintptr) {
	*pte = pageTableEntry(uintptr(*pte) | flags)
}

// ClearFlags unsets the given flags on this entry.
func (pte *pageTableEntry) ClearFlags(flags uintptr) {
	*pte = pageTableEntry(uintptr(*pte) &^ flags)
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uint64(uintptr(pte) & ptePhysPageMask))
}

// SetFrame updates the entry to point to the given frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | (uintptr(frame.Address()) & ptePhysPageMask))
}
