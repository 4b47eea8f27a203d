package vmm

import "gopherboot/boot"

// ErrAddressSpaceExhausted is returned when no contiguous run of level 4
// slots can satisfy an allocation request.
var ErrAddressSpaceExhausted = &boot.Error{Module: "vmm", Message: "no free level 4 slots left in the virtual address space"}

// higherHalfPrefix sign-extends bit 47 for slots in the upper half of the
// address space so that generated addresses are canonical.
const higherHalfPrefix = uint64(0xffff) << 48

// EntropySource supplies random numbers for address space layout
// randomization. A nil source makes all placement deterministic.
type EntropySource interface {
	Uint64() uint64
}

// Level4Tracker records which level 4 page table slots are spoken for.
// Every virtual region the loader maps claims its slots here first; the
// address space builder rejects mappings into unclaimed slots. Dynamic
// placements (kernel image, stack, boot info, physical memory window) are
// served out of the remaining free slots, randomized when an entropy
// source is present.
type Level4Tracker struct {
	marked [tableEntries / 64]uint64
	rng    EntropySource
}

// NewLevel4Tracker returns a tracker with slot 0 pre-claimed. The lowest
// slot holds the loader's own identity mappings and must never be handed
// to the kernel.
func NewLevel4Tracker(rng EntropySource) *Level4Tracker {
	t := &Level4Tracker{rng: rng}
	t.Mark(0)
	return t
}

// Mark claims a single slot. Claiming an already claimed slot is a no-op;
// overlapping fixed placements are legitimate.
func (t *Level4Tracker) Mark(slot int) {
	t.marked[slot>>6] |= 1 << (uint(slot) & 63)
}

// IsMarked returns true if the slot has been claimed.
func (t *Level4Tracker) IsMarked(slot int) bool {
	return t.marked[slot>>6]&(1<<(uint(slot)&63)) != 0
}

// MarkRange claims every slot touched by the virtual address range
// [start, start+length).
func (t *Level4Tracker) MarkRange(start, length uint64) {
	if length == 0 {
		return
	}

	first := int(start >> pageLevelShifts[0] & (tableEntries - 1))
	last := int((start + length - 1) >> pageLevelShifts[0] & (tableEntries - 1))
	for slot := first; slot <= last; slot++ {
		t.Mark(slot)
	}
}

// RestrictToRange claims every slot that lies fully outside
// [start, end), confining later dynamic placements to that window.
func (t *Level4Tracker) RestrictToRange(start, end uint64) {
	for slot := 0; slot < tableEntries; slot++ {
		base := SlotBaseAddress(slot)
		if base+slotSize <= start || base >= end {
			t.Mark(slot)
		}
	}
}

// ClaimRegion finds sizeInBytes of virtual address space in a contiguous
// run of free slots, claims the run and returns the region's base address.
// The base is aligned to align, which must be a power of two no larger
// than the slot size. With an entropy source installed, both the run and
// the position inside it are randomized; otherwise the lowest suitable
// placement is used.
func (t *Level4Tracker) ClaimRegion(sizeInBytes, align uint64) (uint64, *boot.Error) {
	if sizeInBytes == 0 {
		sizeInBytes = 1
	}

	runLen := int((sizeInBytes + slotSize - 1) / slotSize)

	run, err := t.claimRun(runLen)
	if err != nil {
		return 0, err
	}

	base := SlotBaseAddress(run)
	if slack := uint64(runLen)*slotSize - sizeInBytes; t.rng != nil && slack >= align {
		offset := t.rng.Uint64() % (slack/align + 1) * align
		base += offset
	}

	return base, nil
}

// claimRun claims a contiguous run of runLen free slots and returns the
// index of its first slot.
func (t *Level4Tracker) claimRun(runLen int) (int, *boot.Error) {
	candidates := 0
	for slot := 0; slot+runLen <= tableEntries; slot++ {
		if t.runIsFree(slot, runLen) {
			candidates++
		}
	}
	if candidates == 0 {
		return 0, ErrAddressSpaceExhausted
	}

	pick := 0
	if t.rng != nil {
		pick = int(t.rng.Uint64() % uint64(candidates))
	}

	for slot := 0; slot+runLen <= tableEntries; slot++ {
		if !t.runIsFree(slot, runLen) {
			continue
		}
		if pick == 0 {
			for i := 0; i < runLen; i++ {
				t.Mark(slot + i)
			}
			return slot, nil
		}
		pick--
	}

	// Unreachable; the candidate count bounds pick.
	return 0, ErrAddressSpaceExhausted
}

func (t *Level4Tracker) runIsFree(slot, runLen int) bool {
	for i := 0; i < runLen; i++ {
		if t.IsMarked(slot + i) {
			return false
		}
	}
	return true
}

// FreeSlotCount returns the number of unclaimed slots.
func (t *Level4Tracker) FreeSlotCount() int {
	free := 0
	for slot := 0; slot < tableEntries; slot++ {
		if !t.IsMarked(slot) {
			free++
		}
	}
	return free
}

// SlotBaseAddress returns the canonical virtual address of the first byte
// covered by a level 4 slot.
func SlotBaseAddress(slot int) uint64 {
	addr := uint64(slot) << pageLevelShifts[0]
	if slot >= tableEntries/2 {
		addr |= higherHalfPrefix
	}
	return addr
}

// SlotForAddress returns the level 4 slot covering a virtual address.
func SlotForAddress(virtAddr uint64) int {
	return int(virtAddr >> pageLevelShifts[0] & (tableEntries - 1))
}
