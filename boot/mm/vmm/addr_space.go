package vmm

import (
	"unsafe"

	"gopherboot/boot"
	"gopherboot/boot/mm"
)

var (
	// ErrMappingCollision indicates that the loader attempted to map a
	// page that is already mapped. Collisions are loader bugs; nothing
	// external can cause one.
	ErrMappingCollision = &boot.Error{Module: "vmm", Message: "attempt to map an already mapped page"}

	// ErrUnmarkedSlot indicates an attempt to map into a level 4 slot
	// that was never claimed in the slot tracker.
	ErrUnmarkedSlot = &boot.Error{Module: "vmm", Message: "attempt to map into an unclaimed level 4 slot"}

	errNotMapped     = &boot.Error{Module: "vmm", Message: "page is not mapped"}
	errHugeParent    = &boot.Error{Module: "vmm", Message: "page walk hit a huge page mapping"}
	errHugeUnaligned = &boot.Error{Module: "vmm", Message: "huge page mapping is not 2MiB aligned"}
)

// FrameSource hands out physical frames for page tables and mapped data.
type FrameSource interface {
	AllocFrame() (mm.Frame, *boot.Error)
}

// AddressSpace builds a page table hierarchy for an address space that is
// not currently active. All table accesses go through mm.FrameView, so the
// same code drives both real frames during boot and in-memory arenas in
// tests. Tables never borrow entries from the running address space; every
// mapping the kernel will rely on passes through here explicitly.
type AddressSpace struct {
	root mm.Frame

	// tableFrames provides frames for intermediate page tables.
	tableFrames FrameSource

	// slots tracks level 4 entry ownership. Every mapping must target a
	// slot that was claimed before the first Map call for it.
	slots *Level4Tracker
}

// NewAddressSpace allocates and zeroes a root table and returns an empty
// address space whose mappings are constrained by the given slot tracker.
func NewAddressSpace(tableFrames FrameSource, slots *Level4Tracker) (*AddressSpace, *boot.Error) {
	root, err := tableFrames.AllocFrame()
	if err != nil {
		return nil, err
	}
	zeroFrame(root)

	return &AddressSpace{
		root:        root,
		tableFrames: tableFrames,
		slots:       slots,
	}, nil
}

// Root returns the physical frame of the level 4 table. Loading it into
// cr3 activates the address space.
func (a *AddressSpace) Root() mm.Frame {
	return a.root
}

// Map establishes a 4KiB mapping from page to frame with the given flags.
// FlagPresent is set implicitly.
func (a *AddressSpace) Map(page mm.Page, frame mm.Frame, flags uintptr) *boot.Error {
	pte, err := a.walk(page.Address(), pageLevels-1, true)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagPresent) {
		return ErrMappingCollision
	}

	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	return nil
}

// MapRange maps pageCount consecutive pages starting at page to the
// consecutive frames starting at frame.
func (a *AddressSpace) MapRange(page mm.Page, frame mm.Frame, pageCount uint64, flags uintptr) *boot.Error {
	for i := uint64(0); i < pageCount; i++ {
		if err := a.Map(page+mm.Page(i), frame+mm.Frame(i), flags); err != nil {
			return err
		}
	}
	return nil
}

// MapHuge establishes a 2MiB mapping at virtAddr. Both the virtual address
// and the physical address must be 2MiB aligned.
func (a *AddressSpace) MapHuge(virtAddr, physAddr uint64, flags uintptr) *boot.Error {
	if virtAddr&hugePageMask != 0 || physAddr&hugePageMask != 0 {
		return errHugeUnaligned
	}

	pte, err := a.walk(virtAddr, pageLevels-2, true)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagPresent) {
		return ErrMappingCollision
	}

	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags(FlagPresent | FlagHugePage | flags)
	return nil
}

// Translate returns the frame a page is mapped to.
func (a *AddressSpace) Translate(page mm.Page) (mm.Frame, *boot.Error) {
	pte, err := a.walk(page.Address(), pageLevels-1, false)
	if err != nil {
		return mm.InvalidFrame, err
	}
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, errNotMapped
	}
	return pte.Frame(), nil
}

// EntryFor returns the leaf entry for an existing 4KiB mapping so the
// caller can adjust its flags or retarget its frame.
func (a *AddressSpace) EntryFor(page mm.Page) (*pageTableEntry, *boot.Error) {
	pte, err := a.walk(page.Address(), pageLevels-1, false)
	if err != nil {
		return nil, err
	}
	if !pte.HasFlags(FlagPresent) {
		return nil, errNotMapped
	}
	return pte, nil
}

// InstallSlotEntry copies the level 4 entry for the given slot from
// another address space. Both trees then share the sub-hierarchy rooted at
// that entry.
func (a *AddressSpace) InstallSlotEntry(other *AddressSpace, slot int) {
	src := tableEntry(other.root, slot)
	dst := tableEntry(a.root, slot)
	*dst = *src
}

// InstallRecursiveEntry points the level 4 entry for the given slot back
// at the level 4 table itself. Kernels that understand recursive paging
// can then reach every page table through virtual addresses inside that
// slot.
func (a *AddressSpace) InstallRecursiveEntry(slot int) {
	pte := tableEntry(a.root, slot)
	pte.SetFrame(a.root)
	pte.SetFlags(FlagPresent | FlagRW | FlagNoExecute)
}

// walk descends the table hierarchy towards the entry at targetLevel for
// virtAddr, allocating and zeroing missing intermediate tables when
// allocate is set.
func (a *AddressSpace) walk(virtAddr uint64, targetLevel int, allocate bool) (*pageTableEntry, *boot.Error) {
	if allocate && a.slots != nil {
		if slot := int(virtAddr >> pageLevelShifts[0] & (tableEntries - 1)); !a.slots.IsMarked(slot) {
			return nil, ErrUnmarkedSlot
		}
	}

	table := a.root
	for level := 0; ; level++ {
		index := int(virtAddr >> pageLevelShifts[level] & (tableEntries - 1))
		pte := tableEntry(table, index)

		if level == targetLevel {
			return pte, nil
		}

		if !pte.HasFlags(FlagPresent) {
			if !allocate {
				return nil, errNotMapped
			}

			frame, err := a.tableFrames.AllocFrame()
			if err != nil {
				return nil, err
			}
			zeroFrame(frame)
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW)
		} else if pte.HasFlags(FlagHugePage) {
			return nil, errHugeParent
		}

		table = pte.Frame()
	}
}

// tableEntry overlays the index-th entry of the page table stored in the
// given frame.
func tableEntry(table mm.Frame, index int) *pageTableEntry {
	view := mm.FrameView(table)
	return (*pageTableEntry)(unsafe.Pointer(&view[index<<mm.PointerShift]))
}

func zeroFrame(frame mm.Frame) {
	boot.Memset(mm.FrameView(frame), 0)
}
