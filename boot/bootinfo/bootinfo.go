// Package bootinfo defines the structures that the loader hands to the
// kernel at the entry point. The layout is append-only: new fields may be
// added at the end of BootInfo but existing fields never move or change
// meaning, so kernels built against an older revision keep working by
// ignoring trailing data.
package bootinfo

import "unsafe"

// APIVersion identifies the revision of the boot info layout. It is checked
// against the version embedded in the kernel's configuration blob so that a
// kernel compiled against an incompatible layout fails loudly at load time
// instead of misinterpreting the handoff structure.
type APIVersion struct {
	Major, Minor, Patch uint16
	PreRelease          bool
}

// CurrentAPIVersion is the layout revision produced by this loader.
var CurrentAPIVersion = APIVersion{Major: 0, Minor: 11, Patch: 0}

// RegionKind describes the type of a physical memory region.
type RegionKind uint32

const (
	// RegionUsable memory can be freely used by the kernel.
	RegionUsable RegionKind = iota

	// RegionReserved memory must not be touched.
	RegionReserved

	// RegionBootloader memory holds loader allocations (loaded kernel
	// image, boot info, kernel stack). It must not be reused while the
	// data it holds is still referenced.
	RegionBootloader

	// RegionKernel memory holds the raw kernel ELF image.
	RegionKernel

	// RegionPageTable memory holds the page-table tree constructed for
	// the kernel.
	RegionPageTable

	// RegionFrameBuffer memory is mapped to the pixel framebuffer.
	RegionFrameBuffer
)

const (
	// unknownBiosBase marks region kinds that carry an unrecognized
	// BIOS e820 type code in their low 16 bits.
	unknownBiosBase RegionKind = 1 << 16

	// unknownUefiBase marks region kinds that carry an unrecognized
	// UEFI memory type in their low 16 bits.
	unknownUefiBase RegionKind = 1 << 17
)

// UnknownBios returns the RegionKind encoding an unrecognized BIOS e820
// region type code.
func UnknownBios(code uint32) RegionKind {
	return unknownBiosBase | RegionKind(code&0xffff)
}

// UnknownUefi returns the RegionKind encoding an unrecognized UEFI memory
// type.
func UnknownUefi(code uint32) RegionKind {
	return unknownUefiBase | RegionKind(code&0xffff)
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch {
	case k == RegionUsable:
		return "usable"
	case k == RegionReserved:
		return "reserved"
	case k == RegionBootloader:
		return "bootloader"
	case k == RegionKernel:
		return "kernel"
	case k == RegionPageTable:
		return "page table"
	case k == RegionFrameBuffer:
		return "framebuffer"
	case k&unknownBiosBase != 0:
		return "unknown (bios)"
	case k&unknownUefiBase != 0:
		return "unknown (uefi)"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a physical memory region: its start address, its
// length in bytes and its type. In the final memory map handed to the
// kernel, regions are sorted by start address, do not overlap and have
// non-zero, page-aligned lengths.
type MemoryRegion struct {
	// The physical start address of the region.
	Start uint64

	// The length of the region in bytes.
	Length uint64

	// The type of this region.
	Kind RegionKind
}

// End returns the exclusive physical end address of the region.
func (r MemoryRegion) End() uint64 {
	return r.Start + r.Length
}

// PixelFormat describes the in-memory layout of a single framebuffer pixel.
type PixelFormat uint8

const (
	// PixelFormatRGB stores pixels as one byte red, green, blue plus an
	// unused padding byte.
	PixelFormatRGB PixelFormat = iota

	// PixelFormatBGR stores pixels as one byte blue, green, red plus an
	// unused padding byte.
	PixelFormatBGR

	// PixelFormatU8 is a single-byte grayscale format.
	PixelFormatU8
)

// FrameBuffer describes the pixel framebuffer set up by firmware-specific
// code, if one is available. The loader maps the physical range into the
// kernel's address space and records both addresses here.
type FrameBuffer struct {
	// Valid is false when no framebuffer was configured; the remaining
	// fields are then meaningless.
	Valid bool

	// The physical address of the framebuffer memory.
	PhysAddr uint64

	// The virtual address the framebuffer is mapped at in the kernel's
	// address space.
	VirtAddr uint64

	// Total size of the framebuffer memory in bytes.
	ByteLen uint64

	// Visible width and height in pixels.
	Width, Height uint32

	// Number of pixels (not bytes) per row; may exceed Width.
	Stride uint32

	// Bytes occupied by a single pixel.
	BytesPerPixel uint8

	// The pixel memory layout.
	Format PixelFormat
}

// TlsTemplate describes the master copy of the kernel's thread-local
// storage segment. The kernel uses it to set up TLS areas for its threads.
type TlsTemplate struct {
	// Valid is false when the kernel has no TLS segment.
	Valid bool

	// The virtual address of the TLS master copy after relocation.
	StartAddr uint64

	// Bytes initialized from the kernel image.
	FileSize uint64

	// Total size of a TLS area; bytes past FileSize are zeroed.
	MemSize uint64
}

// OptionalU64 is a 64-bit value plus a validity flag; a plain pointer
// cannot be used in the handoff structure because the loader's addresses
// are meaningless in the kernel's address space.
type OptionalU64 struct {
	Valid bool
	Value uint64
}

// OptionalU16 is a 16-bit value plus a validity flag.
type OptionalU16 struct {
	Valid bool
	Value uint16
}

// BootInfo is the structure handed to the kernel entry point. It is placed
// in a dedicated mapping constructed by the loader; ownership transfers to
// the kernel the instant the entry point is called.
type BootInfo struct {
	// The boot info layout revision this structure was written with.
	APIVersion APIVersion

	// Virtual address and length of the memory region array. The array
	// immediately follows this structure in the boot info mapping.
	MemoryRegionsAddr uint64
	MemoryRegionsLen  uint64

	// The framebuffer descriptor, if a framebuffer was configured.
	Framebuffer FrameBuffer

	// The virtual address where the mapping of all physical memory
	// starts, if one was requested via the kernel configuration.
	PhysicalMemoryOffset OptionalU64

	// The top-level table slot holding the recursive page-table
	// mapping, if one was requested.
	RecursiveIndex OptionalU16

	// The physical address of the ACPI RSDP structure, if discovered.
	RsdpAddr OptionalU64

	// The kernel's thread-local storage template, if present.
	TlsTemplate TlsTemplate

	// Virtual address and length of the loaded ramdisk, if any.
	RamdiskAddr OptionalU64
	RamdiskLen  uint64

	// Physical address and length of the raw kernel ELF image.
	KernelAddr uint64
	KernelLen  uint64

	// Virtual address the kernel image was loaded at. For relocatable
	// kernels this reflects the randomized placement; otherwise it is
	// the link-time load address.
	KernelImageOffset uint64
}

// InfoSize is the size of the BootInfo structure in bytes.
const InfoSize = unsafe.Sizeof(BootInfo{})

// RegionSize is the size of a single MemoryRegion entry in bytes.
const RegionSize = unsafe.Sizeof(MemoryRegion{})

// MappingSize returns the number of bytes the boot info mapping must
// reserve to hold the BootInfo structure followed by a memory region array
// with regionCount entries.
func MappingSize(regionCount int) uint64 {
	return uint64(InfoSize) + uint64(regionCount)*uint64(RegionSize)
}
