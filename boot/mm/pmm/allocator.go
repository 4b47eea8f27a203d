// Package pmm provides the physical frame allocator used while the loader
// builds the kernel's address space. The allocator hands out frames from
// the usable regions of the firmware memory map using a simple watermark
// and never frees; everything it consumed is reported to the kernel as
// loader-owned memory that becomes reclaimable once the kernel has taken
// over.
package pmm

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/firmware"
	"gopherboot/boot/mm"
)

var (
	// ErrOutOfMemory is returned when no usable region can satisfy a
	// frame allocation.
	ErrOutOfMemory = &boot.Error{Module: "pmm", Message: "out of physical memory"}

	errMapOverflow = &boot.Error{Module: "pmm", Message: "final memory map does not fit in the region list"}
)

// maxCarveOuts bounds the number of physical slices the allocator must
// route around and report with a dedicated kind. In practice these are the
// loaded kernel image, the ramdisk and the framebuffer.
const maxCarveOuts = 4

type carveOut struct {
	region bootinfo.MemoryRegion
}

// Allocator is a watermark allocator over the normalized usable regions of
// the firmware memory map.
type Allocator struct {
	memMap *firmware.RegionList

	// next is the lowest frame the allocator has not yet handed out.
	// Frame 0 is never allocated so that a zero frame value can denote
	// an unset entry.
	next mm.Frame

	carveOuts  [maxCarveOuts]carveOut
	carveCount int

	allocCount  uint64
	maxPhysAddr uint64
}

// NewAllocator creates an allocator over a normalized memory map. The map
// must outlive the allocator.
func NewAllocator(memMap *firmware.RegionList) *Allocator {
	a := &Allocator{
		memMap: memMap,
		next:   mm.Frame(1),
	}

	for _, region := range memMap.Regions() {
		if end := region.End(); end > a.maxPhysAddr {
			a.maxPhysAddr = end
		}
	}

	return a
}

// MaxPhysAddr returns the exclusive upper bound of physical memory
// reported by the firmware, including reserved holes.
func (a *Allocator) MaxPhysAddr() uint64 {
	return a.maxPhysAddr
}

// AllocatedFrameCount returns the number of frames handed out so far.
func (a *Allocator) AllocatedFrameCount() uint64 {
	return a.allocCount
}

// CarveOut registers a physical slice that the allocator must never hand
// out and that the final memory map reports with the given kind instead of
// the kind the firmware assigned. Start and length are rounded outward to
// page boundaries.
func (a *Allocator) CarveOut(start, length uint64, kind bootinfo.RegionKind) {
	if length == 0 {
		return
	}

	alignedStart := start &^ (uint64(mm.PageSize) - 1)
	alignedEnd := (start + length + uint64(mm.PageSize) - 1) &^ (uint64(mm.PageSize) - 1)

	a.carveOuts[a.carveCount] = carveOut{
		region: bootinfo.MemoryRegion{
			Start:  alignedStart,
			Length: alignedEnd - alignedStart,
			Kind:   kind,
		},
	}
	a.carveCount++
}

// AllocFrame returns the next free usable frame. The returned frame
// content is undefined; callers that need zeroed memory clear it
// themselves.
func (a *Allocator) AllocFrame() (mm.Frame, *boot.Error) {
	for {
		frame, ok := a.nextCandidate()
		if !ok {
			return mm.InvalidFrame, ErrOutOfMemory
		}

		a.next = frame + 1
		if a.overlapsCarveOut(frame) {
			continue
		}

		a.allocCount++
		return frame, nil
	}
}

// nextCandidate advances the watermark to the next frame fully contained
// in a usable region.
func (a *Allocator) nextCandidate() (mm.Frame, bool) {
	addr := a.next.Address()
	for _, region := range a.memMap.Regions() {
		if region.Kind != bootinfo.RegionUsable {
			continue
		}
		if region.End() < addr+uint64(mm.PageSize) {
			continue
		}

		start := region.Start
		if start < addr {
			start = addr
		}

		// Frames spanning the region boundary are skipped.
		frameAddr := (start + uint64(mm.PageSize) - 1) &^ (uint64(mm.PageSize) - 1)
		if frameAddr+uint64(mm.PageSize) > region.End() {
			continue
		}

		return mm.FrameFromAddress(frameAddr), true
	}

	return mm.InvalidFrame, false
}

func (a *Allocator) overlapsCarveOut(frame mm.Frame) bool {
	addr := frame.Address()
	for i := 0; i < a.carveCount; i++ {
		region := a.carveOuts[i].region
		if addr < region.End() && addr+uint64(mm.PageSize) > region.Start {
			return true
		}
	}
	return false
}

// ReserveContiguous allocates a contiguous run of frames, registers it as
// a carve-out with the given kind and returns its first frame. The run is
// used for allocations that must be attributable in the final memory map,
// such as the page table pool.
func (a *Allocator) ReserveContiguous(frameCount uint64, kind bootinfo.RegionKind) (mm.Frame, *boot.Error) {
	if frameCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	first, err := a.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	run := uint64(1)
	for run < frameCount {
		next, err := a.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}
		if next != first+mm.Frame(run) {
			// Run broken by a region boundary or carve-out;
			// restart from the frame just allocated.
			first = next
			run = 1
			continue
		}
		run++
	}

	a.CarveOut(first.Address(), frameCount*uint64(mm.PageSize), kind)
	return first, nil
}

// ConstructMemoryMap builds the final memory map handed to the kernel.
// Usable regions below the allocation watermark are reported as
// loader-owned, registered carve-outs get their dedicated kinds and
// everything else passes through unchanged. The kernel may reclaim
// loader-owned regions once it no longer touches loader memory.
func (a *Allocator) ConstructMemoryMap(out *firmware.RegionList) *boot.Error {
	watermark := a.next.Address()

	for _, region := range a.memMap.Regions() {
		var err *boot.Error
		if region.Kind == bootinfo.RegionUsable {
			err = a.emitUsable(out, region, watermark)
		} else {
			err = out.Append(region)
		}
		if err != nil {
			return errMapOverflow
		}
	}

	for i := 0; i < a.carveCount; i++ {
		if err := out.Append(a.carveOuts[i].region); err != nil {
			return errMapOverflow
		}
	}

	out.Normalize()
	return nil
}

// emitUsable splits a usable region at the allocation watermark and around
// the registered carve-outs.
func (a *Allocator) emitUsable(out *firmware.RegionList, region bootinfo.MemoryRegion, watermark uint64) *boot.Error {
	cursor := region.Start
	end := region.End()

	for cursor < end {
		// Find the nearest carve-out ahead of the cursor.
		sliceEnd := end
		for i := 0; i < a.carveCount; i++ {
			c := a.carveOuts[i].region
			if c.End() <= cursor || c.Start >= end {
				continue
			}
			if c.Start <= cursor {
				if c.End() > cursor {
					cursor = c.End()
				}
				continue
			}
			if c.Start < sliceEnd {
				sliceEnd = c.Start
			}
		}
		if cursor >= sliceEnd {
			continue
		}

		if err := a.emitSplitAtWatermark(out, cursor, sliceEnd, watermark); err != nil {
			return err
		}
		cursor = sliceEnd
	}

	return nil
}

func (a *Allocator) emitSplitAtWatermark(out *firmware.RegionList, start, end, watermark uint64) *boot.Error {
	if watermark > start {
		consumedEnd := watermark
		if consumedEnd > end {
			consumedEnd = end
		}
		err := out.Append(bootinfo.MemoryRegion{
			Start:  start,
			Length: consumedEnd - start,
			Kind:   bootinfo.RegionBootloader,
		})
		if err != nil {
			return err
		}
		start = consumedEnd
	}

	if start < end {
		return out.Append(bootinfo.MemoryRegion{
			Start:  start,
			Length: end - start,
			Kind:   bootinfo.RegionUsable,
		})
	}

	return nil
}
