// Package loader drives the boot sequence: it stages the kernel image,
// builds the kernel's address space, assembles the boot information
// structure and performs the final switch into the kernel. Firmware
// access goes through the services interface, so the same sequence runs
// on both BIOS and UEFI systems.
package loader

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/config"
	"gopherboot/boot/cpu"
	"gopherboot/boot/elf"
	"gopherboot/boot/firmware"
	"gopherboot/boot/kfmt"
	"gopherboot/boot/mm"
	"gopherboot/boot/mm/pmm"
	"gopherboot/boot/mm/vmm"
	"gopherboot/boot/rand"
)

var (
	errNoLongMode = &boot.Error{Module: "loader", Message: "processor does not support 64-bit long mode"}
	errNoSSE      = &boot.Error{Module: "loader", Message: "processor does not support the SSE baseline"}
	errNoNX       = &boot.Error{Module: "loader", Message: "processor does not support the no-execute page bit"}
)

// Function seams for the privileged bits of the boot sequence. Tests
// substitute these; the loader binary keeps the defaults.
var (
	enableNXEFn          = cpu.EnableNXE
	enableWriteProtectFn = cpu.EnableWriteProtect
	hasLongModeFn        = cpu.HasLongMode
	hasSSEFn             = cpu.HasSSE
	hasNXFn              = cpu.HasNX
	newEntropySourceFn   = func() vmm.EntropySource { return rand.NewSource() }
)

// SystemInfo carries the facts discovered by the firmware-specific entry
// stages into the generic boot sequence.
type SystemInfo struct {
	// Framebuffer describes the firmware-configured framebuffer, if
	// one exists. VirtAddr is ignored on input and assigned here.
	Framebuffer bootinfo.FrameBuffer

	// RsdpAddr points at the ACPI root table descriptor if the entry
	// stage discovered one.
	RsdpAddr bootinfo.OptionalU64

	// RamdiskStart and RamdiskLen locate the staged ramdisk in
	// physical memory.
	RamdiskStart uint64
	RamdiskLen   uint64
}

// Run executes the boot sequence and does not return. Any failure is
// printed and the machine halts.
func Run(svc firmware.Services, sys *SystemInfo, kernelSize uint64) {
	handoff, err := Prepare(svc, sys, kernelSize)
	if err != nil {
		kfmt.Fatal(err)
	}

	handoff.Execute()
}

// Prepare runs every fallible stage of the boot sequence and returns the
// fully verified handoff description. Separated from Run so the sequence
// can be exercised without transferring control anywhere.
func Prepare(svc firmware.Services, sys *SystemInfo, kernelSize uint64) (*Handoff, *boot.Error) {
	if err := verifyCPU(); err != nil {
		return nil, err
	}

	var memMap firmware.RegionList
	if err := firmware.CollectRegions(svc, &memMap); err != nil {
		return nil, err
	}

	alloc := pmm.NewAllocator(&memMap)

	imageStart, err := stageKernel(svc, alloc, kernelSize)
	if err != nil {
		return nil, err
	}

	file, err := elf.Open(elf.FrameRangeSource{Start: imageStart, Bytes: kernelSize})
	if err != nil {
		return nil, err
	}

	cfg, err := readConfig(file)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("loader: kernel image staged, %d bytes, pie=%t\n", kernelSize, file.IsPIE())

	mappings, err := setUpMappings(file, &cfg, sys, alloc, imageStart, kernelSize)
	if err != nil {
		return nil, err
	}

	info, err := createBootInfo(mappings, sys, alloc)
	if err != nil {
		return nil, err
	}

	return newHandoff(mappings, info)
}

// verifyCPU checks the feature baseline the kernel's execution context
// depends on. These checks run even on paths that entered long mode
// before this code, since the mappings below rely on the NX bit.
func verifyCPU() *boot.Error {
	if !hasLongModeFn() {
		return errNoLongMode
	}
	if !hasSSEFn() {
		return errNoSSE
	}
	if !hasNXFn() {
		return errNoNX
	}
	return nil
}

// stageKernel copies the raw kernel image into a contiguous run of
// physical frames. The run is reported to the kernel as its own image so
// it is never recycled as usable memory.
func stageKernel(svc firmware.Services, alloc *pmm.Allocator, kernelSize uint64) (mm.Frame, *boot.Error) {
	frameCount := (kernelSize + uint64(mm.PageSize) - 1) >> mm.PageShift
	first, err := alloc.ReserveContiguous(frameCount, bootinfo.RegionKernel)
	if err != nil {
		return mm.InvalidFrame, err
	}

	for i := uint64(0); i < frameCount; i++ {
		offset := i << mm.PageShift
		view := mm.FrameView(first + mm.Frame(i))
		if remain := kernelSize - offset; remain < uint64(len(view)) {
			view = view[:remain]
		}
		if err := svc.ReadAt(offset, view); err != nil {
			return mm.InvalidFrame, err
		}
	}

	return first, nil
}

// readConfig extracts and parses the configuration blob embedded in the
// kernel image, falling back to defaults when the image has none.
func readConfig(file *elf.File) (config.Config, *boot.Error) {
	var blob [config.BlobSize]byte
	n, err := file.SectionData(".bootloader-config", blob[:])
	if err == elf.ErrSectionNotFound {
		return config.Default(), nil
	}
	if err != nil {
		return config.Config{}, err
	}

	return config.Deserialize(blob[:n])
}
