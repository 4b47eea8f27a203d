package loader

import (
	"unsafe"

	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/firmware"
	"gopherboot/boot/mm"
	"gopherboot/boot/mm/pmm"
	"gopherboot/boot/mm/vmm"
)

var errBootInfoOverflow = &boot.Error{Module: "loader", Message: "boot info and memory map exceed their reserved pages"}

// maxBootInfoFrames bounds the frame run backing the boot info pages.
const maxBootInfoFrames = 8

// BootInfoPlacement records where the boot info structure was written.
type BootInfoPlacement struct {
	// Addr is the structure's virtual address in the kernel's address
	// space.
	Addr uint64

	frames     [maxBootInfoFrames]mm.Frame
	frameCount int
	byteLen    uint64
}

// createBootInfo reserves and maps the boot info pages, finalizes the
// memory map and serializes everything the kernel receives at entry. The
// memory map is constructed after the last frame allocation of the boot,
// so the loader's complete footprint is accounted for.
func createBootInfo(m *Mappings, sys *SystemInfo, alloc *pmm.Allocator) (*BootInfoPlacement, *boot.Error) {
	place := &BootInfoPlacement{
		byteLen: bootinfo.MappingSize(firmware.MaxMemoryRegions),
	}

	pageCount := int((place.byteLen + uint64(mm.PageSize) - 1) >> mm.PageShift)
	if pageCount > maxBootInfoFrames {
		return nil, errBootInfoOverflow
	}

	base, err := m.Slots.ClaimRegion(place.byteLen, uint64(mm.PageSize))
	if err != nil {
		return nil, err
	}
	place.Addr = base

	for i := 0; i < pageCount; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return nil, err
		}

		boot.Memset(mm.FrameView(frame), 0)

		page := mm.PageFromAddress(base) + mm.Page(i)
		if err := m.Space.Map(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return nil, err
		}

		place.frames[i] = frame
		place.frameCount++
	}

	// All loader allocations are done; freeze the memory map.
	var final firmware.RegionList
	if err := alloc.ConstructMemoryMap(&final); err != nil {
		return nil, err
	}

	regions := final.Regions()
	if bootinfo.MappingSize(len(regions)) > place.byteLen {
		return nil, errBootInfoOverflow
	}

	regionsAddr := base + uint64(bootinfo.InfoSize)
	for i := range regions {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&regions[i])), int(bootinfo.RegionSize))
		place.write(uint64(bootinfo.InfoSize)+uint64(i)*uint64(bootinfo.RegionSize), raw)
	}

	info := bootinfo.BootInfo{
		APIVersion:        bootinfo.CurrentAPIVersion,
		MemoryRegionsAddr: regionsAddr,
		MemoryRegionsLen:  uint64(len(regions)),
		Framebuffer:       sys.Framebuffer,
		RsdpAddr:          sys.RsdpAddr,
		TlsTemplate:       m.TLS,
		RamdiskLen:        sys.RamdiskLen,
		KernelAddr:        m.KernelPhysAddr,
		KernelLen:         m.KernelLen,
		KernelImageOffset: m.KernelImageOffset,
	}
	info.PhysicalMemoryOffset = m.PhysMemOffset
	info.RecursiveIndex = m.RecursiveIndex
	if sys.RamdiskLen > 0 {
		info.RamdiskAddr = bootinfo.OptionalU64{Valid: true, Value: m.RamdiskVirt}
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&info)), int(bootinfo.InfoSize))
	place.write(0, raw)

	return place, nil
}

// write copies buf into the boot info frame run at the given byte offset.
func (p *BootInfoPlacement) write(offset uint64, buf []byte) {
	for len(buf) > 0 {
		frame := p.frames[offset>>mm.PageShift]
		skip := offset & (uint64(mm.PageSize) - 1)

		view := mm.FrameView(frame)
		n := copy(view[skip:], buf)
		buf = buf[n:]
		offset += uint64(n)
	}
}
