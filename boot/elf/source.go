package elf

import (
	"gopherboot/boot"
	"gopherboot/boot/mm"
)

var errReadOutOfRange = &boot.Error{Module: "elf", Message: "kernel image read out of range"}

// BytesSource serves an image that already resides in accessible memory.
type BytesSource []byte

func (s BytesSource) ReadAt(offset uint64, buf []byte) *boot.Error {
	if offset+uint64(len(buf)) > uint64(len(s)) {
		return errReadOutOfRange
	}
	copy(buf, s[offset:])
	return nil
}

func (s BytesSource) Size() uint64 {
	return uint64(len(s))
}

// FrameRangeSource serves an image stored in a contiguous run of physical
// frames, accessed through the physical frame view. The loader uses it
// after staging the kernel image off the boot disk.
type FrameRangeSource struct {
	Start mm.Frame
	Bytes uint64
}

func (s FrameRangeSource) ReadAt(offset uint64, buf []byte) *boot.Error {
	if offset+uint64(len(buf)) > s.Bytes {
		return errReadOutOfRange
	}

	for len(buf) > 0 {
		frame := s.Start + mm.Frame(offset>>mm.PageShift)
		skip := offset & (uint64(mm.PageSize) - 1)

		view := mm.FrameView(frame)
		n := copy(buf, view[skip:])
		buf = buf[n:]
		offset += uint64(n)
	}

	return nil
}

func (s FrameRangeSource) Size() uint64 {
	return s.Bytes
}
