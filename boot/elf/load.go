package elf

import (
	"encoding/binary"

	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/mm"
	"gopherboot/boot/mm/vmm"
)

// Dynamic table tags and relocation types the loader understands.
const (
	dynTagNull    = 0
	dynTagRela    = 7
	dynTagRelaSz  = 8
	dynTagRelaEnt = 9

	relaEntrySize = 24
	relocRelative = 8
)

var (
	errBadDynamic       = &boot.Error{Module: "elf", Message: "kernel image has a malformed dynamic section"}
	errBadRelocation    = &boot.Error{Module: "elf", Message: "kernel image contains an unsupported relocation type"}
	errRelocOutOfBounds = &boot.Error{Module: "elf", Message: "kernel image relocation targets memory outside the image"}
	errRelocUnaligned   = &boot.Error{Module: "elf", Message: "kernel image relocation target is not 8-byte aligned"}
)

func alignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// LoadResult describes where and how the kernel image was placed.
type LoadResult struct {
	// Entry is the virtual address control transfers to.
	Entry uint64

	// LoadBias is the difference between the image's link-time
	// addresses and its load addresses. Zero for fixed-address images.
	LoadBias uint64

	// VirtStart and VirtLen give the image's extent in the new address
	// space, page aligned.
	VirtStart uint64
	VirtLen   uint64

	// TLS describes the thread local storage template, if the image has
	// one.
	TLS bootinfo.TlsTemplate
}

// Load maps the image's segments into the given address space. The raw
// image bytes must reside in the contiguous frame run starting at
// imageStart; file backed pages are mapped to those frames directly and
// only pages the loader must modify are copied. PIE images are placed at
// an address claimed from the slot tracker; fixed images claim the slots
// their link addresses dictate.
func Load(file *File, imageStart mm.Frame, space *vmm.AddressSpace, frames vmm.FrameSource, slots *vmm.Level4Tracker) (LoadResult, *boot.Error) {
	var (
		res      LoadResult
		minVaddr = ^uint64(0)
		maxVaddr uint64
		maxAlign = uint64(mm.PageSize)
	)

	for _, phdr := range file.ProgHeaders() {
		if phdr.Type != ProgTypeLoad || phdr.Memsz == 0 {
			continue
		}
		if phdr.Vaddr < minVaddr {
			minVaddr = phdr.Vaddr
		}
		if end := phdr.Vaddr + phdr.Memsz; end > maxVaddr {
			maxVaddr = end
		}
		if phdr.Align > maxAlign {
			maxAlign = phdr.Align
		}
	}
	if minVaddr == ^uint64(0) {
		return res, errNoCodeSegment
	}

	minVaddr &^= uint64(mm.PageSize) - 1
	size := alignUp(maxVaddr, uint64(mm.PageSize)) - minVaddr

	if file.IsPIE() {
		base, err := slots.ClaimRegion(size, maxAlign)
		if err != nil {
			return res, err
		}
		res.LoadBias = base - (minVaddr &^ (maxAlign - 1))
	} else {
		slots.MarkRange(minVaddr, size)
	}

	res.Entry = file.Entry() + res.LoadBias
	res.VirtStart = minVaddr + res.LoadBias
	res.VirtLen = size

	for _, phdr := range file.ProgHeaders() {
		switch phdr.Type {
		case ProgTypeLoad:
			if phdr.Memsz == 0 {
				continue
			}
			if err := mapSegment(&phdr, res.LoadBias, imageStart, space, frames); err != nil {
				return res, err
			}
		case ProgTypeTLS:
			res.TLS = bootinfo.TlsTemplate{
				Valid:     true,
				StartAddr: phdr.Vaddr + res.LoadBias,
				FileSize:  phdr.Filesz,
				MemSize:   phdr.Memsz,
			}
		}
	}

	if file.IsPIE() {
		if err := applyRelocations(file, res.LoadBias, res.VirtStart, res.VirtLen, space, frames); err != nil {
			return res, err
		}
	}

	if relro, found := file.FindProgHeader(ProgTypeRelro); found {
		if err := enforceRelro(&relro, res.LoadBias, space); err != nil {
			return res, err
		}
	}

	clearCopyMarkers(file, res.LoadBias, space)
	return res, nil
}

// mapSegment maps one PT_LOAD segment: file backed pages point at the
// staged image frames, zero initialized pages get fresh frames.
func mapSegment(phdr *ProgHeader, bias uint64, imageStart mm.Frame, space *vmm.AddressSpace, frames vmm.FrameSource) *boot.Error {
	var flags uintptr
	if phdr.Flags&ProgFlagWrite != 0 {
		flags |= vmm.FlagRW
	}
	if phdr.Flags&ProgFlagExec == 0 {
		flags |= vmm.FlagNoExecute
	}

	virtStart := phdr.Vaddr + bias
	pageOff := virtStart & (uint64(mm.PageSize) - 1)

	if phdr.Filesz > 0 {
		firstPage := mm.PageFromAddress(virtStart)
		firstFrame := imageStart + mm.Frame(phdr.Offset>>mm.PageShift)
		filePages := (pageOff + phdr.Filesz + uint64(mm.PageSize) - 1) >> mm.PageShift

		if err := space.MapRange(firstPage, firstFrame, filePages, flags); err != nil {
			return err
		}
	}

	if phdr.Memsz == phdr.Filesz {
		return nil
	}

	// Zero initialized tail. The last file backed page is shared with
	// the staged image, so it is copied before its slack is cleared.
	zeroStart := virtStart + phdr.Filesz
	zeroEnd := virtStart + phdr.Memsz

	if tail := zeroStart & (uint64(mm.PageSize) - 1); tail != 0 && phdr.Filesz > 0 {
		frame, err := makeMutable(space, mm.PageFromAddress(zeroStart), frames)
		if err != nil {
			return err
		}

		view := mm.FrameView(frame)
		end := uint64(mm.PageSize)
		if pageEnd := zeroStart - tail + uint64(mm.PageSize); zeroEnd < pageEnd {
			end = tail + (zeroEnd - zeroStart)
		}
		boot.Memset(view[tail:end], 0)
		zeroStart = zeroStart - tail + uint64(mm.PageSize)
	}

	for addr := zeroStart; addr < zeroEnd; addr += uint64(mm.PageSize) {
		frame, err := frames.AllocFrame()
		if err != nil {
			return err
		}

		view := mm.FrameView(frame)
		boot.Memset(view, 0)

		if err := space.Map(mm.PageFromAddress(addr), frame, flags|vmm.FlagCopied); err != nil {
			return err
		}
	}

	return nil
}

// applyRelocations processes the image's R_X86_64_RELATIVE relocations.
// Any other relocation type means the kernel expects a dynamic linker and
// cannot be booted.
func applyRelocations(file *File, bias, virtStart, virtLen uint64, space *vmm.AddressSpace, frames vmm.FrameSource) *boot.Error {
	dyn, found := file.FindProgHeader(ProgTypeDynamic)
	if !found {
		return nil
	}

	var (
		relaVaddr, relaSize uint64
		relaEnt             = uint64(relaEntrySize)
		buf                 [16]byte
	)
	for off := uint64(0); off+16 <= dyn.Filesz; off += 16 {
		if err := file.src.ReadAt(dyn.Offset+off, buf[:]); err != nil {
			return err
		}

		tag := int64(binary.LittleEndian.Uint64(buf[0:]))
		val := binary.LittleEndian.Uint64(buf[8:])
		if tag == dynTagNull {
			break
		}

		switch tag {
		case dynTagRela:
			relaVaddr = val
		case dynTagRelaSz:
			relaSize = val
		case dynTagRelaEnt:
			relaEnt = val
		}
	}

	if relaVaddr == 0 || relaSize == 0 {
		return nil
	}
	if relaEnt != relaEntrySize || relaSize%relaEntrySize != 0 {
		return errBadDynamic
	}

	relaOff, err := fileOffsetForVaddr(file, relaVaddr)
	if err != nil {
		return err
	}

	var rela [relaEntrySize]byte
	for off := uint64(0); off < relaSize; off += relaEntrySize {
		if readErr := file.src.ReadAt(relaOff+off, rela[:]); readErr != nil {
			return readErr
		}

		info := binary.LittleEndian.Uint64(rela[8:])
		if uint32(info) != relocRelative {
			return errBadRelocation
		}

		target := bias + binary.LittleEndian.Uint64(rela[0:])
		value := bias + binary.LittleEndian.Uint64(rela[16:])

		if target < virtStart || target+8 > virtStart+virtLen {
			return errRelocOutOfBounds
		}
		if target&7 != 0 {
			return errRelocUnaligned
		}

		frame, mutErr := makeMutable(space, mm.PageFromAddress(target), frames)
		if mutErr != nil {
			return mutErr
		}

		view := mm.FrameView(frame)
		binary.LittleEndian.PutUint64(view[target&(uint64(mm.PageSize)-1):], value)
	}

	return nil
}

// fileOffsetForVaddr translates an image virtual address into a file
// offset using the segment that contains it.
func fileOffsetForVaddr(file *File, vaddr uint64) (uint64, *boot.Error) {
	for _, phdr := range file.ProgHeaders() {
		if phdr.Type != ProgTypeLoad {
			continue
		}
		if vaddr >= phdr.Vaddr && vaddr < phdr.Vaddr+phdr.Filesz {
			return phdr.Offset + (vaddr - phdr.Vaddr), nil
		}
	}
	return 0, errBadDynamic
}

// enforceRelro removes write access from every page overlapping the
// GNU_RELRO region. Relocations have already been applied at this point.
func enforceRelro(relro *ProgHeader, bias uint64, space *vmm.AddressSpace) *boot.Error {
	if relro.Memsz == 0 {
		return nil
	}

	start := relro.Vaddr + bias
	end := start + relro.Memsz

	for page := mm.PageFromAddress(start); page.Address() < end; page++ {
		pte, err := space.EntryFor(page)
		if err != nil {
			return err
		}
		pte.ClearFlags(vmm.FlagRW)
	}

	return nil
}

// clearCopyMarkers removes the loader's private copy marker from every
// image page. The marker has no meaning once loading is complete and must
// not leak into the address space the kernel inherits.
func clearCopyMarkers(file *File, bias uint64, space *vmm.AddressSpace) {
	for _, phdr := range file.ProgHeaders() {
		if phdr.Type != ProgTypeLoad || phdr.Memsz == 0 {
			continue
		}

		start := phdr.Vaddr + bias
		end := start + phdr.Memsz
		for page := mm.PageFromAddress(start); page.Address() < end; page++ {
			if pte, err := space.EntryFor(page); err == nil {
				pte.ClearFlags(vmm.FlagCopied)
			}
		}
	}
}

// makeMutable ensures the frame backing a page is private to the new
// address space, copying the staged image frame on first modification.
func makeMutable(space *vmm.AddressSpace, page mm.Page, frames vmm.FrameSource) (mm.Frame, *boot.Error) {
	pte, err := space.EntryFor(page)
	if err != nil {
		return mm.InvalidFrame, err
	}
	if pte.HasFlags(vmm.FlagCopied) {
		return pte.Frame(), nil
	}

	frame, err := frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	src := mm.FrameView(pte.Frame())
	dst := mm.FrameView(frame)
	copy(dst, src)

	pte.SetFrame(frame)
	pte.SetFlags(vmm.FlagCopied)
	return frame, nil
}
