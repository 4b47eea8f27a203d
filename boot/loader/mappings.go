package loader

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/config"
	"gopherboot/boot/elf"
	"gopherboot/boot/mm"
	"gopherboot/boot/mm/pmm"
	"gopherboot/boot/mm/vmm"
)

const (
	hugePageSize = uint64(2) << 20
	slotSpan     = uint64(1) << 39
)

// Addresses of the pieces of loader memory that must survive into the
// kernel's address space: the context switch trampoline and the GDT it
// runs under. Both live in assembly and are resolved through linker
// symbols; tests substitute fixed addresses.
var (
	switchCodeAddrFn = switchCodeAddr
	gdtAddrFn        = gdtAddr
)

func switchCodeAddr() uint64

func gdtAddr() uint64

// Mappings is the outcome of address space construction: the new tree
// plus every loader-chosen address the boot info and the handoff need.
type Mappings struct {
	Space *vmm.AddressSpace
	Slots *vmm.Level4Tracker

	Entry    uint64
	StackTop uint64

	// KernelPhysAddr and KernelLen locate the raw kernel ELF image in
	// physical memory; KernelImageOffset is the virtual address the
	// loaded image was placed at.
	KernelPhysAddr    uint64
	KernelLen         uint64
	KernelImageOffset uint64
	TLS               bootinfo.TlsTemplate

	PhysMemOffset  bootinfo.OptionalU64
	RecursiveIndex bootinfo.OptionalU16

	RamdiskVirt uint64

	SwitchCodePage mm.Page
}

// setUpMappings builds the kernel's page table tree: kernel segments,
// stack with guard page, the loader pages the context switch needs,
// framebuffer, ramdisk, the physical memory window and the recursive
// entry. Every dynamically placed region claims its level 4 slots before
// any page inside it is mapped.
func setUpMappings(file *elf.File, cfg *config.Config, sys *SystemInfo, alloc *pmm.Allocator, imageStart mm.Frame, kernelSize uint64) (*Mappings, *boot.Error) {
	enableNXEFn()
	enableWriteProtectFn()

	var rng vmm.EntropySource
	if cfg.Aslr {
		rng = newEntropySourceFn()
	}

	slots := vmm.NewLevel4Tracker(rng)
	applyDynamicRange(slots, cfg)

	budget := tableBudget(alloc.MaxPhysAddr(), kernelSize, cfg, sys)
	poolStart, err := alloc.ReserveContiguous(budget, bootinfo.RegionPageTable)
	if err != nil {
		return nil, err
	}
	pool := pmm.NewFramePool(poolStart, budget)

	space, err := vmm.NewAddressSpace(pool, slots)
	if err != nil {
		return nil, err
	}

	loadRes, err := elf.Load(file, imageStart, space, alloc, slots)
	if err != nil {
		return nil, err
	}

	m := &Mappings{
		Space:             space,
		Slots:             slots,
		Entry:             loadRes.Entry,
		KernelPhysAddr:    imageStart.Address(),
		KernelLen:         kernelSize,
		KernelImageOffset: loadRes.VirtStart,
		TLS:               loadRes.TLS,
	}

	if m.StackTop, err = mapKernelStack(space, slots, alloc, cfg.StackSize); err != nil {
		return nil, err
	}

	if err = mapSwitchPages(space, slots); err != nil {
		return nil, err
	}
	m.SwitchCodePage = mm.PageFromAddress(switchCodeAddrFn())

	if sys.Framebuffer.Valid {
		if err = mapFramebuffer(space, slots, alloc, &sys.Framebuffer); err != nil {
			return nil, err
		}
	}

	if sys.RamdiskLen > 0 {
		if m.RamdiskVirt, err = mapRamdisk(space, slots, alloc, sys); err != nil {
			return nil, err
		}
	}

	if cfg.MapPhysicalMemory || cfg.PhysicalMemoryOffset.Valid {
		if m.PhysMemOffset, err = mapPhysicalWindow(space, slots, alloc.MaxPhysAddr(), cfg); err != nil {
			return nil, err
		}
	}

	if m.RecursiveIndex, err = installRecursiveMapping(space, slots); err != nil {
		return nil, err
	}

	return m, nil
}

// applyDynamicRange confines dynamic placements to the window the kernel
// build requested.
func applyDynamicRange(slots *vmm.Level4Tracker, cfg *config.Config) {
	if !cfg.DynamicRangeStart.Valid && !cfg.DynamicRangeEnd.Valid {
		return
	}

	start := uint64(0)
	end := ^uint64(0)
	if cfg.DynamicRangeStart.Valid {
		start = cfg.DynamicRangeStart.Addr
	}
	if cfg.DynamicRangeEnd.Valid {
		end = cfg.DynamicRangeEnd.Addr
	}
	slots.RestrictToRange(start, end)
}

// mapKernelStack claims stack plus guard space, maps the stack pages to
// fresh zeroed frames and leaves the lowest page of the claim unmapped so
// overflows fault instead of corrupting whatever sits below.
func mapKernelStack(space *vmm.AddressSpace, slots *vmm.Level4Tracker, alloc *pmm.Allocator, stackSize uint64) (uint64, *boot.Error) {
	stackSize = alignUp(stackSize, uint64(mm.PageSize))

	base, err := slots.ClaimRegion(stackSize+uint64(mm.PageSize), uint64(mm.PageSize))
	if err != nil {
		return 0, err
	}

	stackStart := base + uint64(mm.PageSize)
	for addr := stackStart; addr < stackStart+stackSize; addr += uint64(mm.PageSize) {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return 0, err
		}

		boot.Memset(mm.FrameView(frame), 0)

		if err := space.Map(mm.PageFromAddress(addr), frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return 0, err
		}
	}

	// The ABI requires a 16 byte aligned stack at the entry point.
	return (stackStart + stackSize) &^ 15, nil
}

// mapSwitchPages identity maps the context switch trampoline and the GDT
// into the kernel tree so the final jump executes under both the old and
// the new translation.
func mapSwitchPages(space *vmm.AddressSpace, slots *vmm.Level4Tracker) *boot.Error {
	codeAddr := switchCodeAddrFn()
	gdt := gdtAddrFn()

	slots.Mark(vmm.SlotForAddress(codeAddr))
	codePage := mm.PageFromAddress(codeAddr)
	if err := space.Map(codePage, mm.FrameFromAddress(codeAddr), 0); err != nil {
		return err
	}

	if gdtPage := mm.PageFromAddress(gdt); gdtPage != codePage {
		slots.Mark(vmm.SlotForAddress(gdt))
		if err := space.Map(gdtPage, mm.FrameFromAddress(gdt), vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

func mapFramebuffer(space *vmm.AddressSpace, slots *vmm.Level4Tracker, alloc *pmm.Allocator, fb *bootinfo.FrameBuffer) *boot.Error {
	virt, err := slots.ClaimRegion(fb.ByteLen, uint64(mm.PageSize))
	if err != nil {
		return err
	}

	pageCount := (fb.ByteLen + uint64(mm.PageSize) - 1) >> mm.PageShift
	err = space.MapRange(mm.PageFromAddress(virt), mm.FrameFromAddress(fb.PhysAddr), pageCount, vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return err
	}

	alloc.CarveOut(fb.PhysAddr, fb.ByteLen, bootinfo.RegionFrameBuffer)
	fb.VirtAddr = virt
	return nil
}

func mapRamdisk(space *vmm.AddressSpace, slots *vmm.Level4Tracker, alloc *pmm.Allocator, sys *SystemInfo) (uint64, *boot.Error) {
	virt, err := slots.ClaimRegion(sys.RamdiskLen, uint64(mm.PageSize))
	if err != nil {
		return 0, err
	}

	pageCount := (sys.RamdiskLen + uint64(mm.PageSize) - 1) >> mm.PageShift
	err = space.MapRange(mm.PageFromAddress(virt), mm.FrameFromAddress(sys.RamdiskStart), pageCount, vmm.FlagNoExecute)
	if err != nil {
		return 0, err
	}

	alloc.CarveOut(sys.RamdiskStart, sys.RamdiskLen, bootinfo.RegionBootloader)
	return virt, nil
}

// mapPhysicalWindow maps all of physical memory with 2MiB pages, either at
// the address the kernel build pinned or at a dynamically claimed one.
func mapPhysicalWindow(space *vmm.AddressSpace, slots *vmm.Level4Tracker, maxPhysAddr uint64, cfg *config.Config) (bootinfo.OptionalU64, *boot.Error) {
	size := alignUp(maxPhysAddr, hugePageSize)

	var offset uint64
	if cfg.PhysicalMemoryOffset.Valid {
		offset = cfg.PhysicalMemoryOffset.Addr
		slots.MarkRange(offset, size)
	} else {
		var err *boot.Error
		if offset, err = slots.ClaimRegion(size, hugePageSize); err != nil {
			return bootinfo.OptionalU64{}, err
		}
	}

	for off := uint64(0); off < size; off += hugePageSize {
		if err := space.MapHuge(offset+off, off, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return bootinfo.OptionalU64{}, err
		}
	}

	return bootinfo.OptionalU64{Valid: true, Value: offset}, nil
}

// installRecursiveMapping claims a whole slot and points its level 4
// entry back at the root table.
func installRecursiveMapping(space *vmm.AddressSpace, slots *vmm.Level4Tracker) (bootinfo.OptionalU16, *boot.Error) {
	base, err := slots.ClaimRegion(slotSpan, slotSpan)
	if err != nil {
		return bootinfo.OptionalU16{}, err
	}

	slot := vmm.SlotForAddress(base)
	space.InstallRecursiveEntry(slot)
	return bootinfo.OptionalU16{Valid: true, Value: uint16(slot)}, nil
}

// tableBudget sizes the page table pool. The counts are loose upper
// bounds; unused pool frames stay reported as page table memory, which is
// harmless.
func tableBudget(maxPhysAddr, kernelSize uint64, cfg *config.Config, sys *SystemInfo) uint64 {
	budget := uint64(32)

	budget += (kernelSize>>mm.PageShift)/tablesPerLeaf + 4
	budget += (alignUp(cfg.StackSize, uint64(mm.PageSize))>>mm.PageShift)/tablesPerLeaf + 4

	if cfg.MapPhysicalMemory || cfg.PhysicalMemoryOffset.Valid {
		size := alignUp(maxPhysAddr, hugePageSize)
		budget += size/(uint64(1)<<30) + size/slotSpan + 8
	}
	if sys.Framebuffer.Valid {
		budget += (sys.Framebuffer.ByteLen>>mm.PageShift)/tablesPerLeaf + 4
	}
	if sys.RamdiskLen > 0 {
		budget += (sys.RamdiskLen>>mm.PageShift)/tablesPerLeaf + 4
	}

	return budget
}

const tablesPerLeaf = 512

func alignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}
