// Package bios implements the firmware services contract on top of legacy
// PC BIOS interfaces: the int 0x15 e820 memory map query and int 0x13
// extended disk reads. All BIOS calls happen through real-mode trampolines
// reached via package-level function variables, which keeps the package
// testable on a hosted platform.
package bios

import (
	"gopherboot/boot"
	"gopherboot/boot/console"
	"gopherboot/boot/firmware"
	"gopherboot/boot/kfmt"
)

// Services provides firmware access backed by legacy BIOS calls.
type Services struct {
	disk *DiskReader
}

// NewServices probes the boot drive and returns BIOS-backed firmware
// services. The drive number and kernel partition extent are handed over
// by the stage-1 loader.
func NewServices(drive uint8, kernelStartLBA, kernelSizeInBytes uint64) (*Services, *boot.Error) {
	// Once the loader switches out of real mode the int 0x10 teletype
	// services are gone; diagnostics go straight to the VGA text
	// framebuffer instead.
	kfmt.SetOutputSink(console.NewVgaText())

	disk, err := NewDiskReader(drive, kernelStartLBA, kernelSizeInBytes)
	if err != nil {
		return nil, err
	}

	return &Services{disk: disk}, nil
}

// ReadAt reads part of the kernel image off the boot disk.
func (s *Services) ReadAt(offset uint64, buf []byte) *boot.Error {
	return s.disk.ReadAt(offset, buf)
}

// VisitMemRegions walks the e820 memory map.
func (s *Services) VisitMemRegions(visitor firmware.RegionVisitor) *boot.Error {
	return visitE820Regions(visitor)
}
