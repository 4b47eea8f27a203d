package firmware

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
)

// MaxMemoryRegions caps the number of regions the loader can track. The cap
// covers the raw firmware report plus the extra entries produced when the
// loader splits usable regions around its own allocations. Firmware that
// reports more granular maps than this is considered pathological.
const MaxMemoryRegions = 160

var (
	// ErrTooManyRegions is returned when the firmware memory map does not
	// fit in the loader's fixed-capacity region list.
	ErrTooManyRegions = &boot.Error{Module: "firmware", Message: "too many memory regions reported by firmware"}
)

// RegionList is a fixed-capacity list of physical memory regions. The
// loader cannot heap-allocate, so the backing array is part of the value
// and callers embed or stack-allocate it.
type RegionList struct {
	regions [MaxMemoryRegions]bootinfo.MemoryRegion
	count   int
}

// Append adds a region to the list. Zero-length regions are silently
// dropped; running out of capacity is a fatal condition.
func (l *RegionList) Append(region bootinfo.MemoryRegion) *boot.Error {
	if region.Length == 0 {
		return nil
	}

	if l.count == len(l.regions) {
		return ErrTooManyRegions
	}

	l.regions[l.count] = region
	l.count++
	return nil
}

// Regions returns the populated portion of the list.
func (l *RegionList) Regions() []bootinfo.MemoryRegion {
	return l.regions[:l.count]
}

// Normalize sorts the list by start address, merges adjacent or overlapping
// regions of identical kind and resolves overlaps between regions of
// different kinds so that the resulting list is strictly non-overlapping.
// Where a usable region overlaps a non-usable one the non-usable claim
// wins; any usable space behind a contained claim is forfeited rather than
// split off. Gaps between regions are left unrepresented; unlisted address
// space is never usable.
//
// Normalize is idempotent: applying it to an already normalized list leaves
// the list unchanged.
func (l *RegionList) Normalize() {
	l.sortByStart()

	out := 0
	for i := 0; i < l.count; i++ {
		region := l.regions[i]

		if out == 0 {
			l.regions[out] = region
			out++
			continue
		}

		prev := &l.regions[out-1]
		switch {
		case region.Start > prev.End():
			// Disjoint from everything before it.
			l.regions[out] = region
			out++
		case region.Kind == prev.Kind:
			// Merge same-kind neighbors and overlaps.
			if region.End() > prev.End() {
				prev.Length = region.End() - prev.Start
			}
		case prev.Kind == bootinfo.RegionUsable && region.Start < prev.End():
			// A non-usable claim wins any overlap with usable memory.
			// The usable head shrinks to end where the claim begins;
			// a usable tail behind a contained claim is forfeited.
			if region.Start > prev.Start {
				prev.Length = region.Start - prev.Start
				l.regions[out] = region
				out++
			} else {
				out--
				i--
			}
		case region.End() > prev.End():
			// Remaining overlap or adjacency between different kinds;
			// the earlier region keeps its extent and the later one is
			// clipped to start where it ends.
			l.regions[out] = bootinfo.MemoryRegion{
				Start:  prev.End(),
				Length: region.End() - prev.End(),
				Kind:   region.Kind,
			}
			out++
		}
		// Regions fully contained in a non-usable predecessor of a
		// different kind are dropped.
	}

	l.count = out
}

// sortByStart sorts the region list in place by ascending start address.
// An insertion sort keeps this free of allocations and is more than fast
// enough for the list sizes firmware produces.
func (l *RegionList) sortByStart() {
	for i := 1; i < l.count; i++ {
		region := l.regions[i]
		j := i - 1
		for ; j >= 0 && l.regions[j].Start > region.Start; j-- {
			l.regions[j+1] = l.regions[j]
		}
		l.regions[j+1] = region
	}
}

// CollectRegions drains the firmware's raw region report into a normalized
// RegionList.
func CollectRegions(svc Services, list *RegionList) *boot.Error {
	var appendErr *boot.Error

	visitErr := svc.VisitMemRegions(func(region bootinfo.MemoryRegion) bool {
		appendErr = list.Append(region)
		return appendErr == nil
	})

	if visitErr != nil {
		return visitErr
	}
	if appendErr != nil {
		return appendErr
	}

	list.Normalize()
	return nil
}
