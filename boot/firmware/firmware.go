// Package firmware defines the capability interface that the loader core
// uses to talk to the platform firmware. Exactly two implementations exist,
// one for legacy BIOS systems and one for UEFI systems; the core components
// depend only on this interface.
package firmware

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
)

// RegionVisitor is invoked by VisitMemRegions for each raw memory region
// reported by the firmware. The visitor must return true to continue the
// scan or false to abort it.
type RegionVisitor func(region bootinfo.MemoryRegion) bool

// Services describes the two capabilities the loader core needs from the
// firmware: byte-granular access to the boot medium and an enumeration of
// the machine's physical memory regions.
//
// Both calls are synchronous and blocking; firmware either completes them
// or reports an error. There is no retry path: a failing firmware call ends
// the boot.
type Services interface {
	// ReadAt reads len(buf) bytes from the boot medium starting at the
	// given byte offset.
	ReadAt(offset uint64, buf []byte) *boot.Error

	// VisitMemRegions invokes the supplied visitor for each raw memory
	// region reported by the firmware. Regions are reported in firmware
	// order; callers that need a normalized view should collect them
	// into a RegionList and call Normalize.
	VisitMemRegions(visitor RegionVisitor) *boot.Error
}
