// Package config defines the boot configuration embedded in the kernel
// image. The kernel's build emits the serialized form into a dedicated
// section; the loader reads it back before deciding how to lay out the
// address space.
package config

import (
	"encoding/binary"

	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
)

// Log verbosity requested by the kernel build.
const (
	LogLevelError = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// DefaultStackSize is used when the kernel image does not override the
// stack size.
const DefaultStackSize = 80 * 1024

// BlobSize is the exact length of a serialized configuration.
const BlobSize = 16 + 7 + 8 + 2 + 3*9 + 1 + 2*9

// blobMagic identifies a serialized configuration. The value is shared
// with the build-time serializer and never changes between versions;
// compatibility is carried by the version triple that follows it.
var blobMagic = [16]byte{
	0x0b, 0x00, 0x71, 0xca, 0x67, 0x2f, 0xb0, 0x4d,
	0x91, 0x5a, 0xdc, 0x3e, 0x92, 0x6c, 0x0a, 0x1e,
}

var (
	errBadLength  = &boot.Error{Module: "config", Message: "kernel config section has the wrong length"}
	errBadMagic   = &boot.Error{Module: "config", Message: "kernel config section carries an unknown signature"}
	errBadVersion = &boot.Error{Module: "config", Message: "kernel was built against an incompatible boot protocol version"}
	errBadValue   = &boot.Error{Module: "config", Message: "kernel config section contains an invalid field value"}
)

// OptionalAddr is a virtual address the kernel build may or may not have
// pinned.
type OptionalAddr struct {
	Valid bool
	Addr  uint64
}

// FrameBufferRequest carries the kernel's minimum framebuffer dimensions.
// Zero values leave the choice to the firmware.
type FrameBufferRequest struct {
	MinWidth  OptionalAddr
	MinHeight OptionalAddr
}

// Config mirrors the options the kernel build can set.
type Config struct {
	Version bootinfo.APIVersion

	// StackSize is the kernel stack size in bytes, excluding the guard
	// page.
	StackSize uint64

	// MapPhysicalMemory requests a linear mapping of all physical
	// memory in the kernel's address space.
	MapPhysicalMemory bool

	// Aslr randomizes the placement of all dynamically positioned
	// regions.
	Aslr bool

	LogLevel uint8

	// PhysicalMemoryOffset pins the physical memory window to a fixed
	// virtual address instead of a dynamically chosen one.
	PhysicalMemoryOffset OptionalAddr

	// DynamicRangeStart and DynamicRangeEnd confine dynamic placements
	// to a virtual address window.
	DynamicRangeStart OptionalAddr
	DynamicRangeEnd   OptionalAddr

	FrameBuffer FrameBufferRequest
}

// Default returns the configuration used when the kernel image carries no
// config section.
func Default() Config {
	return Config{
		Version:   bootinfo.CurrentAPIVersion,
		StackSize: DefaultStackSize,
		LogLevel:  LogLevelInfo,
	}
}

// Serialize writes the configuration into buf, which must hold exactly
// BlobSize bytes. The encoding is position based and little endian; every
// recognized field combination maps to exactly one byte sequence.
func (c *Config) Serialize(buf []byte) *boot.Error {
	if len(buf) != BlobSize {
		return errBadLength
	}

	copy(buf, blobMagic[:])
	off := len(blobMagic)

	binary.LittleEndian.PutUint16(buf[off:], c.Version.Major)
	binary.LittleEndian.PutUint16(buf[off+2:], c.Version.Minor)
	binary.LittleEndian.PutUint16(buf[off+4:], c.Version.Patch)
	buf[off+6] = boolByte(c.Version.PreRelease)
	off += 7

	binary.LittleEndian.PutUint64(buf[off:], c.StackSize)
	off += 8

	buf[off] = boolByte(c.MapPhysicalMemory)
	buf[off+1] = boolByte(c.Aslr)
	off += 2

	off = putOptional(buf, off, c.PhysicalMemoryOffset)
	off = putOptional(buf, off, c.DynamicRangeStart)
	off = putOptional(buf, off, c.DynamicRangeEnd)

	buf[off] = c.LogLevel
	off++

	off = putOptional(buf, off, c.FrameBuffer.MinWidth)
	putOptional(buf, off, c.FrameBuffer.MinHeight)
	return nil
}

// Deserialize parses a configuration blob extracted from the kernel
// image.
func Deserialize(buf []byte) (Config, *boot.Error) {
	var c Config

	if len(buf) != BlobSize {
		return c, errBadLength
	}
	for i, b := range blobMagic {
		if buf[i] != b {
			return c, errBadMagic
		}
	}
	off := len(blobMagic)

	c.Version.Major = binary.LittleEndian.Uint16(buf[off:])
	c.Version.Minor = binary.LittleEndian.Uint16(buf[off+2:])
	c.Version.Patch = binary.LittleEndian.Uint16(buf[off+4:])
	var err *boot.Error
	if c.Version.PreRelease, err = parseBool(buf[off+6]); err != nil {
		return c, err
	}
	if c.Version.Major != bootinfo.CurrentAPIVersion.Major {
		return c, errBadVersion
	}
	off += 7

	c.StackSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	if c.MapPhysicalMemory, err = parseBool(buf[off]); err != nil {
		return c, err
	}
	if c.Aslr, err = parseBool(buf[off+1]); err != nil {
		return c, err
	}
	off += 2

	if c.PhysicalMemoryOffset, off, err = parseOptional(buf, off); err != nil {
		return c, err
	}
	if c.DynamicRangeStart, off, err = parseOptional(buf, off); err != nil {
		return c, err
	}
	if c.DynamicRangeEnd, off, err = parseOptional(buf, off); err != nil {
		return c, err
	}

	c.LogLevel = buf[off]
	if c.LogLevel > LogLevelTrace {
		return c, errBadValue
	}
	off++

	if c.FrameBuffer.MinWidth, off, err = parseOptional(buf, off); err != nil {
		return c, err
	}
	if c.FrameBuffer.MinHeight, _, err = parseOptional(buf, off); err != nil {
		return c, err
	}

	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}

	return c, nil
}

func putOptional(buf []byte, off int, opt OptionalAddr) int {
	buf[off] = boolByte(opt.Valid)
	if opt.Valid {
		binary.LittleEndian.PutUint64(buf[off+1:], opt.Addr)
	} else {
		binary.LittleEndian.PutUint64(buf[off+1:], 0)
	}
	return off + 9
}

func parseOptional(buf []byte, off int) (OptionalAddr, int, *boot.Error) {
	valid, err := parseBool(buf[off])
	if err != nil {
		return OptionalAddr{}, off, err
	}

	opt := OptionalAddr{Valid: valid}
	if valid {
		opt.Addr = binary.LittleEndian.Uint64(buf[off+1:])
	} else if binary.LittleEndian.Uint64(buf[off+1:]) != 0 {
		// Absent fields must serialize to all zeroes so that equal
		// configurations always produce identical blobs.
		return OptionalAddr{}, off, errBadValue
	}

	return opt, off + 9, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func parseBool(b byte) (bool, *boot.Error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errBadValue
	}
}
