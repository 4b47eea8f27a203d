package vmm

import (
	"testing"
)

// scriptedRng replays a fixed sequence of values.
type scriptedRng struct {
	values []uint64
	next   int
}

func (r *scriptedRng) Uint64() uint64 {
	v := r.values[r.next%len(r.values)]
	r.next++
	return v
}

func TestTrackerSlotZeroReserved(t *testing.T) {
	tracker := NewLevel4Tracker(nil)

	if !tracker.IsMarked(0) {
		t.Fatal("expected slot 0 to be claimed on creation")
	}
	if got := tracker.FreeSlotCount(); got != tableEntries-1 {
		t.Fatalf("expected %d free slots; got %d", tableEntries-1, got)
	}
}

func TestTrackerMarkRange(t *testing.T) {
	specs := []struct {
		start, length uint64
		expMarked     []int
	}{
		// Range inside a single slot.
		{slotSize + 0x1000, 0x2000, []int{1}},
		// Range ending exactly on a slot boundary.
		{2 * slotSize, slotSize, []int{2}},
		// Range straddling two slots.
		{3*slotSize - 0x1000, 0x2000, []int{2, 3}},
		// Higher half address.
		{SlotBaseAddress(300), 0x1000, []int{300}},
		// Empty range marks nothing.
		{5 * slotSize, 0, nil},
	}

	for specIndex, spec := range specs {
		tracker := NewLevel4Tracker(nil)
		tracker.MarkRange(spec.start, spec.length)

		for slot := 1; slot < tableEntries; slot++ {
			exp := false
			for _, m := range spec.expMarked {
				if m == slot {
					exp = true
				}
			}
			if got := tracker.IsMarked(slot); got != exp {
				t.Errorf("[spec %d] slot %d: expected marked=%t; got %t", specIndex, slot, exp, got)
			}
		}
	}
}

func TestClaimRegionDeterministic(t *testing.T) {
	tracker := NewLevel4Tracker(nil)

	// First fit goes to slot 1 with slot 0 pre-claimed.
	addr, err := tracker.ClaimRegion(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}
	if exp := SlotBaseAddress(1); addr != exp {
		t.Fatalf("expected address %x; got %x", exp, addr)
	}
	if !tracker.IsMarked(1) {
		t.Fatal("expected slot 1 to be claimed after allocation")
	}

	// A region larger than one slot claims a contiguous run.
	addr, err = tracker.ClaimRegion(slotSize+1, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}
	if exp := SlotBaseAddress(2); addr != exp {
		t.Fatalf("expected address %x; got %x", exp, addr)
	}
	if !tracker.IsMarked(2) || !tracker.IsMarked(3) {
		t.Fatal("expected slots 2 and 3 to be claimed after a 2-slot allocation")
	}
}

func TestClaimRegionSkipsClaimedRuns(t *testing.T) {
	tracker := NewLevel4Tracker(nil)
	for slot := 1; slot < 10; slot++ {
		if slot != 5 {
			tracker.Mark(slot)
		}
	}

	// Slot 5 is the only gap below slot 10 and too small for 2 slots.
	addr, err := tracker.ClaimRegion(2*slotSize, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}
	if exp := SlotBaseAddress(10); addr != exp {
		t.Fatalf("expected address %x; got %x", exp, addr)
	}
}

func TestClaimRegionRandomized(t *testing.T) {
	rng := &scriptedRng{values: []uint64{2, 0}}
	tracker := NewLevel4Tracker(rng)

	// Run pick 2 selects the third free single-slot run, slot 3.
	addr, err := tracker.ClaimRegion(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}
	if exp := SlotBaseAddress(3); addr != exp {
		t.Fatalf("expected address %x; got %x", exp, addr)
	}
}

func TestClaimRegionRandomOffsetStaysInRun(t *testing.T) {
	rng := &scriptedRng{values: []uint64{0, ^uint64(0)}}
	tracker := NewLevel4Tracker(rng)

	size := uint64(0x100000)
	addr, err := tracker.ClaimRegion(size, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}

	runStart := SlotBaseAddress(1)
	if addr < runStart || addr+size > runStart+slotSize {
		t.Fatalf("randomized region [%x, %x) escapes its slot [%x, %x)", addr, addr+size, runStart, runStart+slotSize)
	}
	if addr%0x1000 != 0 {
		t.Fatalf("randomized base %x violates requested alignment", addr)
	}
}

func TestClaimRegionExhaustion(t *testing.T) {
	tracker := NewLevel4Tracker(nil)
	for slot := 1; slot < tableEntries; slot++ {
		tracker.Mark(slot)
	}

	if _, err := tracker.ClaimRegion(0x1000, 0x1000); err != ErrAddressSpaceExhausted {
		t.Fatalf("expected ErrAddressSpaceExhausted; got %v", err)
	}
}

func TestRestrictToRange(t *testing.T) {
	tracker := NewLevel4Tracker(nil)
	tracker.RestrictToRange(SlotBaseAddress(100), SlotBaseAddress(104))

	addr, err := tracker.ClaimRegion(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("ClaimRegion returned error: %v", err)
	}
	if addr < SlotBaseAddress(100) || addr >= SlotBaseAddress(104) {
		t.Fatalf("expected placement inside the restricted window; got %x", addr)
	}
}

func TestSlotBaseAddressCanonical(t *testing.T) {
	if got := SlotBaseAddress(255); got != uint64(255)<<39 {
		t.Errorf("lower half slot address mismatch: %x", got)
	}
	if got := SlotBaseAddress(256); got != higherHalfPrefix|uint64(256)<<39 {
		t.Errorf("higher half slot address mismatch: %x", got)
	}
	if got := SlotForAddress(SlotBaseAddress(300) + 0x1234); got != 300 {
		t.Errorf("expected slot 300; got %d", got)
	}
}
