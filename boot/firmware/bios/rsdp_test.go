package bios

import (
	"testing"

	"gopherboot/boot/mm"
)

func installPhysArena() func() {
	frames := make(map[mm.Frame][]byte)
	mm.SetFrameView(func(frame mm.Frame) []byte {
		buf, exists := frames[frame]
		if !exists {
			buf = make([]byte, mm.PageSize)
			frames[frame] = buf
		}
		return buf
	})
	return func() { mm.SetFrameView(nil) }
}

// plantRSDP writes a revision 0 descriptor with a valid checksum at addr.
func plantRSDP(addr uint64, corruptChecksum bool) {
	var desc [rsdpV1Length]byte
	copy(desc[:], rsdpSignature[:])
	copy(desc[9:], "GOPHER")
	desc[15] = 0

	// RSDT address field.
	desc[16], desc[17], desc[18], desc[19] = 0x00, 0x10, 0xfe, 0x00

	desc[8] = uint8(-int8(checksum(desc[:])))
	if corruptChecksum {
		desc[8]++
	}

	writePhys(addr, desc[:])
}

func writePhys(addr uint64, buf []byte) {
	for len(buf) > 0 {
		view := mm.FrameView(mm.FrameFromAddress(addr))
		skip := addr & (uint64(mm.PageSize) - 1)

		n := copy(view[skip:], buf)
		buf = buf[n:]
		addr += uint64(n)
	}
}

func TestLocateRSDPInBIOSWindow(t *testing.T) {
	defer installPhysArena()()

	plantRSDP(0xe1230, false)

	got := LocateRSDP()
	if !got.Valid || got.Value != 0xe1230 {
		t.Fatalf("expected to locate the RSDP at 0xe1230; got %+v", got)
	}
}

func TestLocateRSDPInEBDA(t *testing.T) {
	defer installPhysArena()()

	// EBDA at segment 0x9fc0 (physical 0x9fc00).
	writePhys(bdaEbdaPointer, []byte{0xc0, 0x9f})
	plantRSDP(0x9fc40, false)

	got := LocateRSDP()
	if !got.Valid || got.Value != 0x9fc40 {
		t.Fatalf("expected to locate the RSDP at 0x9fc40; got %+v", got)
	}
}

func TestLocateRSDPSkipsBadChecksum(t *testing.T) {
	defer installPhysArena()()

	plantRSDP(0xe1000, true)
	plantRSDP(0xe2000, false)

	got := LocateRSDP()
	if !got.Valid || got.Value != 0xe2000 {
		t.Fatalf("expected the corrupted descriptor to be skipped; got %+v", got)
	}
}

func TestLocateRSDPMissing(t *testing.T) {
	defer installPhysArena()()

	if got := LocateRSDP(); got.Valid {
		t.Fatalf("expected no RSDP to be found; got %+v", got)
	}
}
