// Package mm defines the primitive physical and virtual memory types that
// the loader's allocators and page-table builders operate on.
package mm

import "math"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Frame describes a physical memory page index. Physical addresses are
// kept as uint64 regardless of the mode the loader itself runs in, since
// firmware can report memory above the 4GiB boundary even to a loader
// still executing below it.
type Frame uint64

const (
	// InvalidFrame is returned by frame allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of the first byte of this
// Frame.
func (f Frame) Address() uint64 {
	return uint64(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame((physAddr & ^(uint64(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual memory address of the first byte of this
// Page.
func (p Page) Address() uint64 {
	return uint64(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned
// virtual addresses. In the latter case, the input address will be rounded
// down to the page that contains it.
func PageFromAddress(virtAddr uint64) Page {
	return Page((virtAddr & ^(uint64(PageSize - 1))) >> PageShift)
}
