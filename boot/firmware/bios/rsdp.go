package bios

import (
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/mm"
)

const (
	// The RSDP lives either in the first KiB of the extended BIOS data
	// area or in the BIOS read-only window, aligned on a 16 byte
	// boundary.
	rsdpWindowStart = 0xe0000
	rsdpWindowEnd   = 0x100000
	rsdpAlignment   = 16

	// bdaEbdaPointer holds the real-mode segment of the extended BIOS
	// data area.
	bdaEbdaPointer = 0x40e

	rsdpV1Length = 20
	rsdpV2Length = 36
)

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// LocateRSDP scans for the ACPI root system descriptor pointer and returns
// its physical address. The kernel walks the ACPI tables itself; the
// loader only reports where they start.
func LocateRSDP() bootinfo.OptionalU64 {
	var segBuf [2]byte
	readPhys(bdaEbdaPointer, segBuf[:])

	if ebda := (uint64(segBuf[0]) | uint64(segBuf[1])<<8) << 4; ebda != 0 {
		if addr, found := scanForRSDP(ebda, ebda+1024); found {
			return bootinfo.OptionalU64{Valid: true, Value: addr}
		}
	}

	if addr, found := scanForRSDP(rsdpWindowStart, rsdpWindowEnd); found {
		return bootinfo.OptionalU64{Valid: true, Value: addr}
	}

	return bootinfo.OptionalU64{}
}

func scanForRSDP(start, end uint64) (uint64, bool) {
	var hdr [rsdpV2Length]byte

checkNextBlock:
	for addr := start; addr+rsdpV1Length <= end; addr += rsdpAlignment {
		readPhys(addr, hdr[:rsdpV1Length])
		for i, b := range rsdpSignature {
			if hdr[i] != b {
				continue checkNextBlock
			}
		}

		if checksum(hdr[:rsdpV1Length]) != 0 {
			continue
		}

		// Revision 2 and later append an extended descriptor with its
		// own checksum covering the whole table.
		if revision := hdr[15]; revision >= 2 && addr+rsdpV2Length <= end {
			readPhys(addr, hdr[:])
			if checksum(hdr[:]) != 0 {
				continue
			}
		}

		return addr, true
	}

	return 0, false
}

// checksum sums buf modulo 256; a valid ACPI table sums to zero.
func checksum(buf []byte) uint8 {
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	return sum
}

// readPhys copies physical memory into buf, crossing frame boundaries as
// needed.
func readPhys(addr uint64, buf []byte) {
	for len(buf) > 0 {
		view := mm.FrameView(mm.FrameFromAddress(addr))
		skip := addr & (uint64(mm.PageSize) - 1)

		n := copy(buf, view[skip:])
		buf = buf[n:]
		addr += uint64(n)
	}
}
