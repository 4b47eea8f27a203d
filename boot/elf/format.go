// Package elf parses and loads 64-bit x86 kernel executables. Parsing
// works against an abstract byte source so the same code handles a kernel
// image streamed off a BIOS disk and one already sitting in memory under
// UEFI.
package elf

import (
	"encoding/binary"

	"gopherboot/boot"
)

const (
	headerSize     = 64
	progHeaderSize = 56
	sectHeaderSize = 64

	classELF64  = 2
	machineX864 = 0x3e

	typeExec = 2
	typeDyn  = 3

	// Program header types the loader acts on.
	ProgTypeLoad    = 1
	ProgTypeDynamic = 2
	ProgTypeTLS     = 7
	ProgTypeRelro   = 0x6474e552

	// Program header permission flags.
	ProgFlagExec  = 1 << 0
	ProgFlagWrite = 1 << 1
	ProgFlagRead  = 1 << 2

	// maxProgHeaders bounds the number of program headers the loader
	// will track. Kernels are linked with a handful of segments;
	// anything beyond this indicates a corrupt image.
	maxProgHeaders = 32

	// maxSectionNameLen bounds section name comparisons.
	maxSectionNameLen = 64
)

var (
	// ErrMalformed and its variants cover every way a kernel image can
	// fail validation. They share a module tag so the failure banner
	// identifies the kernel image as the culprit.
	errBadMagic         = &boot.Error{Module: "elf", Message: "kernel image is not an ELF executable"}
	errNotELF64         = &boot.Error{Module: "elf", Message: "kernel image is not a 64-bit ELF executable"}
	errWrongMachine     = &boot.Error{Module: "elf", Message: "kernel image is not built for x86-64"}
	errWrongType        = &boot.Error{Module: "elf", Message: "kernel image is neither an executable nor a shared object"}
	errTruncated        = &boot.Error{Module: "elf", Message: "kernel image is truncated"}
	errTooManySegments  = &boot.Error{Module: "elf", Message: "kernel image defines too many program headers"}
	errBadProgHeader    = &boot.Error{Module: "elf", Message: "kernel image has a malformed program header"}
	errNoCodeSegment    = &boot.Error{Module: "elf", Message: "kernel image contains no executable segment"}
	ErrSectionNotFound  = &boot.Error{Module: "elf", Message: "kernel image section lookup failed"}
	errSectionTooLarge  = &boot.Error{Module: "elf", Message: "kernel image section exceeds the destination buffer"}
	errBadSectionHeader = &boot.Error{Module: "elf", Message: "kernel image has a malformed section header table"}
)

// Source provides random access reads into the raw kernel image bytes.
type Source interface {
	// ReadAt fills buf with the image bytes starting at offset.
	ReadAt(offset uint64, buf []byte) *boot.Error
	// Size returns the total image length in bytes.
	Size() uint64
}

// ProgHeader describes one entry of the program header table.
type ProgHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// File is a validated 64-bit kernel executable.
type File struct {
	src Source

	entry     uint64
	pie       bool
	shoff     uint64
	shnum     int
	shstrndx  int
	phdrs     [maxProgHeaders]ProgHeader
	phdrCount int
}

// Open validates the image header and reads the program header table.
func Open(src Source) (*File, *boot.Error) {
	var hdr [headerSize]byte
	if src.Size() < headerSize {
		return nil, errTruncated
	}
	if err := src.ReadAt(0, hdr[:]); err != nil {
		return nil, err
	}

	if hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		return nil, errBadMagic
	}
	if hdr[4] != classELF64 {
		return nil, errNotELF64
	}
	if binary.LittleEndian.Uint16(hdr[18:]) != machineX864 {
		return nil, errWrongMachine
	}

	file := &File{
		src:      src,
		entry:    binary.LittleEndian.Uint64(hdr[24:]),
		shoff:    binary.LittleEndian.Uint64(hdr[40:]),
		shnum:    int(binary.LittleEndian.Uint16(hdr[60:])),
		shstrndx: int(binary.LittleEndian.Uint16(hdr[62:])),
	}

	switch binary.LittleEndian.Uint16(hdr[16:]) {
	case typeExec:
		file.pie = false
	case typeDyn:
		file.pie = true
	default:
		return nil, errWrongType
	}

	if err := file.readProgHeaders(
		binary.LittleEndian.Uint64(hdr[32:]),
		int(binary.LittleEndian.Uint16(hdr[54:])),
		int(binary.LittleEndian.Uint16(hdr[56:])),
	); err != nil {
		return nil, err
	}

	return file, nil
}

func (f *File) readProgHeaders(phoff uint64, entSize, count int) *boot.Error {
	if count > maxProgHeaders {
		return errTooManySegments
	}
	if entSize < progHeaderSize {
		return errBadProgHeader
	}
	if phoff+uint64(count*entSize) > f.src.Size() {
		return errTruncated
	}

	var (
		buf     [progHeaderSize]byte
		hasCode bool
	)
	for i := 0; i < count; i++ {
		if err := f.src.ReadAt(phoff+uint64(i*entSize), buf[:]); err != nil {
			return err
		}

		phdr := ProgHeader{
			Type:   binary.LittleEndian.Uint32(buf[0:]),
			Flags:  binary.LittleEndian.Uint32(buf[4:]),
			Offset: binary.LittleEndian.Uint64(buf[8:]),
			Vaddr:  binary.LittleEndian.Uint64(buf[16:]),
			Filesz: binary.LittleEndian.Uint64(buf[32:]),
			Memsz:  binary.LittleEndian.Uint64(buf[40:]),
			Align:  binary.LittleEndian.Uint64(buf[48:]),
		}

		if phdr.Type == ProgTypeLoad {
			if phdr.Memsz < phdr.Filesz {
				return errBadProgHeader
			}
			if phdr.Offset+phdr.Filesz > f.src.Size() {
				return errTruncated
			}
			// Segments are mapped by retargeting whole file
			// frames, which requires file offsets and load
			// addresses to be congruent modulo the page size
			// regardless of the declared alignment.
			if (phdr.Offset^phdr.Vaddr)&0xfff != 0 {
				return errBadProgHeader
			}
			if phdr.Flags&ProgFlagExec != 0 && phdr.Memsz > 0 {
				hasCode = true
			}
		}

		f.phdrs[f.phdrCount] = phdr
		f.phdrCount++
	}

	if !hasCode {
		return errNoCodeSegment
	}

	return nil
}

// Entry returns the image entry point before any load bias is applied.
func (f *File) Entry() uint64 {
	return f.entry
}

// IsPIE returns true if the image is position independent and must be
// assigned a load address at boot time.
func (f *File) IsPIE() bool {
	return f.pie
}

// ProgHeaders returns the parsed program header table.
func (f *File) ProgHeaders() []ProgHeader {
	return f.phdrs[:f.phdrCount]
}

// FindProgHeader returns the first program header of the given type.
func (f *File) FindProgHeader(progType uint32) (ProgHeader, bool) {
	for _, phdr := range f.phdrs[:f.phdrCount] {
		if phdr.Type == progType {
			return phdr, true
		}
	}
	return ProgHeader{}, false
}

// SectionData locates the section with the given name and copies its
// contents into dst, returning the number of bytes copied. Missing
// section tables or names are reported as lookup failures so callers can
// fall back to defaults.
func (f *File) SectionData(name string, dst []byte) (int, *boot.Error) {
	if f.shoff == 0 || f.shnum == 0 || f.shstrndx >= f.shnum {
		return 0, ErrSectionNotFound
	}

	strTabOff, _, err := f.sectionExtent(f.shstrndx)
	if err != nil {
		return 0, err
	}

	var (
		hdrBuf  [sectHeaderSize]byte
		nameBuf [maxSectionNameLen]byte
	)
	for i := 0; i < f.shnum; i++ {
		if err := f.src.ReadAt(f.shoff+uint64(i*sectHeaderSize), hdrBuf[:]); err != nil {
			return 0, err
		}

		nameOff := uint64(binary.LittleEndian.Uint32(hdrBuf[0:]))
		if !f.sectionNameEquals(strTabOff+nameOff, name, nameBuf[:]) {
			continue
		}

		off := binary.LittleEndian.Uint64(hdrBuf[24:])
		size := binary.LittleEndian.Uint64(hdrBuf[32:])
		if size > uint64(len(dst)) {
			return 0, errSectionTooLarge
		}
		if off+size > f.src.Size() {
			return 0, errTruncated
		}
		if err := f.src.ReadAt(off, dst[:size]); err != nil {
			return 0, err
		}
		return int(size), nil
	}

	return 0, ErrSectionNotFound
}

func (f *File) sectionExtent(index int) (offset, size uint64, err *boot.Error) {
	var hdrBuf [sectHeaderSize]byte
	hdrOff := f.shoff + uint64(index*sectHeaderSize)
	if hdrOff+sectHeaderSize > f.src.Size() {
		return 0, 0, errBadSectionHeader
	}
	if err := f.src.ReadAt(hdrOff, hdrBuf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(hdrBuf[24:]), binary.LittleEndian.Uint64(hdrBuf[32:]), nil
}

// sectionNameEquals compares the NUL-terminated string at the given image
// offset against name without allocating.
func (f *File) sectionNameEquals(offset uint64, name string, buf []byte) bool {
	if len(name)+1 > len(buf) {
		return false
	}
	if offset+uint64(len(name))+1 > f.src.Size() {
		return false
	}
	if err := f.src.ReadAt(offset, buf[:len(name)+1]); err != nil {
		return false
	}
	for i := 0; i < len(name); i++ {
		if buf[i] != name[i] {
			return false
		}
	}
	return buf[len(name)] == 0
}
