package bios

import (
	"gopherboot/boot"
)

const (
	// sectorSize is the logical block size assumed for all INT 13h
	// extended reads.
	sectorSize = 512

	// maxSectorsPerRead caps the sector count of a single disk address
	// packet. Some BIOSes corrupt transfers larger than this even though
	// the interface nominally allows up to 127 sectors.
	maxSectorsPerRead = 32
)

var (
	errExtensionsMissing = &boot.Error{Module: "bios", Message: "firmware does not support INT 13h disk extensions"}
	errDiskRead          = &boot.Error{Module: "bios", Message: "disk read failed"}
	errReadPastEnd       = &boot.Error{Module: "bios", Message: "disk read beyond the partition"}
)

// Deliberately kept as package-level function variables so that disk I/O
// can be exercised on a hosted platform.
var (
	dapSupportedFn = dapSupported
	dapReadFn      = dapRead
)

// dapSupported issues the INT 13h extensions installation check
// (ah=0x41, bx=0x55aa) for the given drive.
func dapSupported(drive uint8) bool

// dapRead issues an extended read (ah=0x42) using a disk address packet
// built from the arguments. The destination is a real-mode accessible
// bounce buffer; the caller copies out of it afterwards.
func dapRead(drive uint8, startLBA uint64, sectors uint16, bounce *[maxSectorsPerRead * sectorSize]byte) bool

// DiskReader reads byte ranges from a raw BIOS disk. Reads are expressed
// in bytes relative to the start of the partition holding the kernel
// image; the reader translates them into sector-granular extended reads
// through a bounce buffer below the 1MiB boundary.
type DiskReader struct {
	drive        uint8
	startLBA     uint64
	sizeInBytes  uint64
	bounceBuffer [maxSectorsPerRead * sectorSize]byte
}

// NewDiskReader probes the BIOS for INT 13h extension support on the given
// drive and returns a reader for the byte range [startLBA*512,
// startLBA*512+sizeInBytes).
func NewDiskReader(drive uint8, startLBA, sizeInBytes uint64) (*DiskReader, *boot.Error) {
	if !dapSupportedFn(drive) {
		return nil, errExtensionsMissing
	}

	return &DiskReader{
		drive:       drive,
		startLBA:    startLBA,
		sizeInBytes: sizeInBytes,
	}, nil
}

// ReadAt fills buf with the bytes starting at the given offset from the
// beginning of the partition. Offsets need not be sector-aligned.
func (r *DiskReader) ReadAt(offset uint64, buf []byte) *boot.Error {
	if offset+uint64(len(buf)) > r.sizeInBytes {
		return errReadPastEnd
	}

	for len(buf) > 0 {
		lba := r.startLBA + offset/sectorSize
		skip := offset % sectorSize

		sectors := uint16((skip + uint64(len(buf)) + sectorSize - 1) / sectorSize)
		if sectors > maxSectorsPerRead {
			sectors = maxSectorsPerRead
		}

		if !dapReadFn(r.drive, lba, sectors, &r.bounceBuffer) {
			return errDiskRead
		}

		chunk := uint64(sectors)*sectorSize - skip
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		copy(buf[:chunk], r.bounceBuffer[skip:skip+chunk])
		buf = buf[chunk:]
		offset += chunk
	}

	return nil
}
