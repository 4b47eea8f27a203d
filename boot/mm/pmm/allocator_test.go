package pmm

import (
	"testing"

	"gopherboot/boot/bootinfo"
	"gopherboot/boot/firmware"
	"gopherboot/boot/mm"
)

func buildMemMap(t *testing.T, regions []bootinfo.MemoryRegion) *firmware.RegionList {
	t.Helper()

	var list firmware.RegionList
	for _, region := range regions {
		if err := list.Append(region); err != nil {
			t.Fatalf("append error: %v", err)
		}
	}
	list.Normalize()
	return &list
}

func TestAllocFrameSkipsFrameZero(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x10000, Kind: bootinfo.RegionUsable},
	})

	alloc := NewAllocator(memMap)
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame returned error: %v", err)
	}
	if frame != mm.Frame(1) {
		t.Fatalf("expected first frame to be 1; got %d", frame)
	}
}

func TestAllocFrameCrossesRegions(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x1000, Length: 0x2000, Kind: bootinfo.RegionUsable},
		{Start: 0x3000, Length: 0x1000, Kind: bootinfo.RegionReserved},
		{Start: 0x100000, Length: 0x2000, Kind: bootinfo.RegionUsable},
	})

	alloc := NewAllocator(memMap)

	exp := []mm.Frame{1, 2, 0x100, 0x101}
	for i, expFrame := range exp {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("allocation %d returned error: %v", i, err)
		}
		if frame != expFrame {
			t.Errorf("allocation %d: expected frame %d; got %d", i, expFrame, frame)
		}
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestAllocFrameAvoidsCarveOuts(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x10000, Kind: bootinfo.RegionUsable},
	})

	alloc := NewAllocator(memMap)
	// Kernel image occupying frames 2 and 3, with an unaligned tail.
	alloc.CarveOut(0x2000, 0x1100, bootinfo.RegionKernel)

	exp := []mm.Frame{1, 4, 5}
	for i, expFrame := range exp {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("allocation %d returned error: %v", i, err)
		}
		if frame != expFrame {
			t.Errorf("allocation %d: expected frame %d; got %d", i, expFrame, frame)
		}
	}
}

func TestMaxPhysAddr(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x9f000, Kind: bootinfo.RegionUsable},
		{Start: 0x100000, Length: 0x7f00000, Kind: bootinfo.RegionUsable},
		{Start: 0xfee00000, Length: 0x1000, Kind: bootinfo.RegionReserved},
	})

	alloc := NewAllocator(memMap)
	if exp := uint64(0xfee01000); alloc.MaxPhysAddr() != exp {
		t.Fatalf("expected max phys addr %x; got %x", exp, alloc.MaxPhysAddr())
	}
}

func TestReserveContiguous(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionUsable},
		{Start: 0x100000, Length: 0x10000, Kind: bootinfo.RegionUsable},
	})

	alloc := NewAllocator(memMap)

	// The first region only has 2 allocatable frames (frame 0 is
	// skipped); a 4-frame run must land in the second region.
	first, err := alloc.ReserveContiguous(4, bootinfo.RegionPageTable)
	if err != nil {
		t.Fatalf("ReserveContiguous returned error: %v", err)
	}
	if first != mm.Frame(0x100) {
		t.Fatalf("expected run to start at frame 0x100; got %d", first)
	}

	pool := NewFramePool(first, 4)
	for i := 0; i < 4; i++ {
		frame, err := pool.AllocFrame()
		if err != nil {
			t.Fatalf("pool allocation %d returned error: %v", i, err)
		}
		if frame != first+mm.Frame(i) {
			t.Errorf("pool allocation %d: expected frame %d; got %d", i, first+mm.Frame(i), frame)
		}
	}
	if _, err := pool.AllocFrame(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted; got %v", err)
	}
}

func TestConstructMemoryMap(t *testing.T) {
	memMap := buildMemMap(t, []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x9f000, Kind: bootinfo.RegionUsable},
		{Start: 0x9f000, Length: 0x1000, Kind: bootinfo.RegionReserved},
		{Start: 0x100000, Length: 0x7f00000, Kind: bootinfo.RegionUsable},
	})

	alloc := NewAllocator(memMap)
	alloc.CarveOut(0x200000, 0x100000, bootinfo.RegionKernel)

	// Consume a handful of frames so the watermark sits inside the
	// first region.
	for i := 0; i < 8; i++ {
		if _, err := alloc.AllocFrame(); err != nil {
			t.Fatalf("allocation %d returned error: %v", i, err)
		}
	}

	var final firmware.RegionList
	if err := alloc.ConstructMemoryMap(&final); err != nil {
		t.Fatalf("ConstructMemoryMap returned error: %v", err)
	}

	exp := []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x9000, Kind: bootinfo.RegionBootloader},
		{Start: 0x9000, Length: 0x96000, Kind: bootinfo.RegionUsable},
		{Start: 0x9f000, Length: 0x1000, Kind: bootinfo.RegionReserved},
		{Start: 0x100000, Length: 0x100000, Kind: bootinfo.RegionUsable},
		{Start: 0x200000, Length: 0x100000, Kind: bootinfo.RegionKernel},
		{Start: 0x300000, Length: 0x7d00000, Kind: bootinfo.RegionUsable},
	}

	got := final.Regions()
	if len(got) != len(exp) {
		t.Fatalf("expected %d regions; got %d: %+v", len(exp), len(got), got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Errorf("region %d mismatch; expected %+v; got %+v", i, exp[i], got[i])
		}
	}
}
