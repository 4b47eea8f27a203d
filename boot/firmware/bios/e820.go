package bios

import (
	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
	"gopherboot/boot/firmware"
)

const (
	// maxE820Entries bounds the number of iterations of the e820 query
	// loop. Real firmware reports far fewer entries; a map longer than
	// this indicates firmware returning a bogus continuation value.
	maxE820Entries = 128

	// BIOS region types with defined meanings. Anything else is passed
	// through to the kernel as an unknown firmware-specific kind.
	e820TypeUsable   = 1
	e820TypeReserved = 2

	// ACPI 3.x extended attribute bit 0. When an entry carries extended
	// attributes and this bit is clear the entry must be ignored.
	e820AttrValid = 1 << 0
)

var (
	errE820Unsupported = &boot.Error{Module: "bios", Message: "firmware does not support the e820 memory map query"}
	errE820RunawayMap  = &boot.Error{Module: "bios", Message: "firmware e820 map exceeds the supported entry count"}
)

// e820Entry matches the buffer layout filled in by the int 0x15, eax=0xe820
// BIOS call. Firmware writes either 20 or 24 bytes depending on whether it
// implements the ACPI 3.x extended attributes field.
type e820Entry struct {
	baseAddr uint64
	length   uint64
	memType  uint32
	extAttrs uint32
}

// e820QueryFn performs a single e820 query in real mode. It fills in entry,
// returns the continuation value for the next call, the number of bytes the
// firmware wrote into the buffer and whether the call succeeded. A zero
// continuation value indicates the final entry.
//
// The default points at the real-mode trampoline; tests install in-memory
// fakes.
var e820QueryFn = e820Query

func e820Query(entry *e820Entry, continuation uint32) (next uint32, entryLen uint32, ok bool)

// visitE820Regions walks the BIOS memory map, translating each raw entry
// into a MemoryRegion and passing it to the visitor. The walk stops early
// if the visitor returns false.
func visitE820Regions(visitor firmware.RegionVisitor) *boot.Error {
	var (
		entry        e820Entry
		continuation uint32
	)

	for count := 0; ; count++ {
		if count == maxE820Entries {
			return errE820RunawayMap
		}

		next, entryLen, ok := e820QueryFn(&entry, continuation)
		if !ok {
			if count == 0 {
				return errE820Unsupported
			}
			break
		}

		// ACPI 3.x entries with the valid bit clear are to be treated
		// as if the firmware had never reported them.
		if entryLen >= 24 && entry.extAttrs&e820AttrValid == 0 {
			if next == 0 {
				break
			}
			continuation = next
			continue
		}

		if entry.length != 0 && !visitor(regionForE820Entry(&entry)) {
			break
		}

		if next == 0 {
			break
		}
		continuation = next
	}

	return nil
}

func regionForE820Entry(entry *e820Entry) bootinfo.MemoryRegion {
	var kind bootinfo.RegionKind
	switch entry.memType {
	case e820TypeUsable:
		kind = bootinfo.RegionUsable
	case e820TypeReserved:
		kind = bootinfo.RegionReserved
	default:
		kind = bootinfo.UnknownBios(entry.memType)
	}

	return bootinfo.MemoryRegion{
		Start:  entry.baseAddr,
		Length: entry.length,
		Kind:   kind,
	}
}
