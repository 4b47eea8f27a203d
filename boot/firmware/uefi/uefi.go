// Package uefi implements the firmware services contract for systems
// booted through UEFI. By the time this code runs, boot services have
// already been exited: the kernel image has been loaded into memory by the
// stub and the final memory map has been captured. The package therefore
// works entirely off in-memory data handed over by the stub.
package uefi

import (
	"unsafe"

	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/firmware"
)

// UEFI memory types with a defined mapping to region kinds. Memory used by
// the loader and by boot services becomes usable once the kernel owns the
// machine; runtime services memory must stay reserved because the kernel
// may call back into it.
const (
	memTypeLoaderCode       = 1
	memTypeLoaderData       = 2
	memTypeBootServicesCode = 3
	memTypeBootServicesData = 4
	memTypeRuntimeCode      = 5
	memTypeRuntimeData      = 6
	memTypeConventional     = 7
)

var (
	errBadDescriptorSize = &boot.Error{Module: "uefi", Message: "memory map descriptor size is smaller than the descriptor header"}
	errReadPastEnd       = &boot.Error{Module: "uefi", Message: "kernel image read out of range"}
)

// MemoryDescriptor mirrors the fixed prefix of an EFI_MEMORY_DESCRIPTOR.
// Firmware is allowed to append vendor fields, so the map must be walked
// using the descriptor size reported by GetMemoryMap rather than
// unsafe.Sizeof(MemoryDescriptor{}).
type MemoryDescriptor struct {
	Type      uint32
	_         uint32
	PhysStart uint64
	VirtStart uint64
	PageCount uint64
	Attribute uint64
}

// Services provides firmware access backed by the data captured before
// ExitBootServices was called.
type Services struct {
	memMap   []byte
	descSize uint64
	image    []byte
}

// NewServices wraps the raw memory map buffer and the loaded kernel image.
// memMap holds descSize-strided descriptors exactly as returned by the
// final GetMemoryMap call.
func NewServices(memMap []byte, descSize uint64, kernelImage []byte) (*Services, *boot.Error) {
	if descSize < uint64(unsafe.Sizeof(MemoryDescriptor{})) {
		return nil, errBadDescriptorSize
	}

	return &Services{
		memMap:   memMap,
		descSize: descSize,
		image:    kernelImage,
	}, nil
}

// ReadAt copies part of the already loaded kernel image.
func (s *Services) ReadAt(offset uint64, buf []byte) *boot.Error {
	if offset+uint64(len(buf)) > uint64(len(s.image)) {
		return errReadPastEnd
	}

	copy(buf, s.image[offset:])
	return nil
}

// VisitMemRegions walks the captured memory map.
func (s *Services) VisitMemRegions(visitor firmware.RegionVisitor) *boot.Error {
	for off := uint64(0); off+s.descSize <= uint64(len(s.memMap)); off += s.descSize {
		desc := (*MemoryDescriptor)(unsafe.Pointer(&s.memMap[off]))
		if desc.PageCount == 0 {
			continue
		}

		region := bootinfo.MemoryRegion{
			Start:  desc.PhysStart,
			Length: desc.PageCount << 12,
			Kind:   regionKindForType(desc.Type),
		}
		if !visitor(region) {
			break
		}
	}

	return nil
}

func regionKindForType(memType uint32) bootinfo.RegionKind {
	switch memType {
	case memTypeConventional,
		memTypeLoaderCode, memTypeLoaderData,
		memTypeBootServicesCode, memTypeBootServicesData:
		return bootinfo.RegionUsable
	case memTypeRuntimeCode, memTypeRuntimeData:
		return bootinfo.RegionReserved
	default:
		return bootinfo.UnknownUefi(memType)
	}
}
