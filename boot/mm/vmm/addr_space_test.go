package vmm

import (
	"testing"

	"gopherboot/boot"
	"gopherboot/boot/mm"
)

// testArena backs mm.FrameView with host memory and doubles as a frame
// source for page tables.
type testArena struct {
	frames    map[mm.Frame][]byte
	nextFrame mm.Frame
	allocErr  *boot.Error
}

func newTestArena() *testArena {
	return &testArena{
		frames:    make(map[mm.Frame][]byte),
		nextFrame: 1,
	}
}

func (a *testArena) install() func() {
	mm.SetFrameView(func(frame mm.Frame) []byte {
		buf, exists := a.frames[frame]
		if !exists {
			buf = make([]byte, mm.PageSize)
			a.frames[frame] = buf
		}
		return buf
	})
	return func() { mm.SetFrameView(nil) }
}

func (a *testArena) AllocFrame() (mm.Frame, *boot.Error) {
	if a.allocErr != nil {
		return mm.InvalidFrame, a.allocErr
	}
	frame := a.nextFrame
	a.nextFrame++
	return frame, nil
}

func newTestAddressSpace(t *testing.T, arena *testArena, slots *Level4Tracker) *AddressSpace {
	t.Helper()
	space, err := NewAddressSpace(arena, slots)
	if err != nil {
		t.Fatalf("NewAddressSpace returned error: %v", err)
	}
	return space
}

func TestMapAndTranslate(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(1)
	space := newTestAddressSpace(t, arena, slots)

	page := mm.PageFromAddress(SlotBaseAddress(1) + 0x200000)
	frame := mm.Frame(0xbeef)
	if err := space.Map(page, frame, FlagRW|FlagNoExecute); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	got, err := space.Translate(page)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if got != frame {
		t.Fatalf("expected frame %x; got %x", frame, got)
	}

	pte, err := space.EntryFor(page)
	if err != nil {
		t.Fatalf("EntryFor returned error: %v", err)
	}
	if !pte.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
		t.Fatalf("leaf entry flags mismatch: %x", uintptr(*pte))
	}
}

func TestMapIntoUnclaimedSlot(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	space := newTestAddressSpace(t, arena, NewLevel4Tracker(nil))

	page := mm.PageFromAddress(SlotBaseAddress(7))
	if err := space.Map(page, mm.Frame(2), FlagRW); err != ErrUnmarkedSlot {
		t.Fatalf("expected ErrUnmarkedSlot; got %v", err)
	}
}

func TestMapCollision(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(1)
	space := newTestAddressSpace(t, arena, slots)

	page := mm.PageFromAddress(SlotBaseAddress(1))
	if err := space.Map(page, mm.Frame(2), 0); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if err := space.Map(page, mm.Frame(3), 0); err != ErrMappingCollision {
		t.Fatalf("expected ErrMappingCollision; got %v", err)
	}
}

func TestMapRange(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(1)
	space := newTestAddressSpace(t, arena, slots)

	startPage := mm.PageFromAddress(SlotBaseAddress(1))
	startFrame := mm.Frame(0x100)
	if err := space.MapRange(startPage, startFrame, 16, FlagRW); err != nil {
		t.Fatalf("MapRange returned error: %v", err)
	}

	for i := uint64(0); i < 16; i++ {
		got, err := space.Translate(startPage + mm.Page(i))
		if err != nil {
			t.Fatalf("Translate(%d) returned error: %v", i, err)
		}
		if exp := startFrame + mm.Frame(i); got != exp {
			t.Errorf("page %d: expected frame %x; got %x", i, exp, got)
		}
	}
}

func TestMapHuge(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(8)
	space := newTestAddressSpace(t, arena, slots)

	virt := SlotBaseAddress(8)
	if err := space.MapHuge(virt, 0x40000000, FlagRW|FlagNoExecute); err != nil {
		t.Fatalf("MapHuge returned error: %v", err)
	}

	// A 4KiB walk through the huge mapping must fail rather than
	// descend into data.
	if _, err := space.Translate(mm.PageFromAddress(virt)); err != errHugeParent {
		t.Fatalf("expected errHugeParent; got %v", err)
	}

	if err := space.MapHuge(virt+0x1000, 0x40000000, 0); err != errHugeUnaligned {
		t.Fatalf("expected errHugeUnaligned; got %v", err)
	}
}

func TestTranslateUnmapped(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	space := newTestAddressSpace(t, arena, NewLevel4Tracker(nil))

	if _, err := space.Translate(mm.PageFromAddress(SlotBaseAddress(3))); err != errNotMapped {
		t.Fatalf("expected errNotMapped; got %v", err)
	}
}

func TestInstallSlotEntry(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(5)
	kernelSpace := newTestAddressSpace(t, arena, slots)
	loaderSpace := newTestAddressSpace(t, arena, slots)

	page := mm.PageFromAddress(SlotBaseAddress(5))
	if err := kernelSpace.Map(page, mm.Frame(0x77), FlagRW); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	loaderSpace.InstallSlotEntry(kernelSpace, 5)

	got, err := loaderSpace.Translate(page)
	if err != nil {
		t.Fatalf("Translate through shared slot returned error: %v", err)
	}
	if got != mm.Frame(0x77) {
		t.Fatalf("expected frame 0x77 through shared slot; got %x", got)
	}
}

func TestMapTableAllocationFailure(t *testing.T) {
	arena := newTestArena()
	defer arena.install()()

	slots := NewLevel4Tracker(nil)
	slots.Mark(1)
	space := newTestAddressSpace(t, arena, slots)

	expErr := &boot.Error{Module: "pmm", Message: "out of physical memory"}
	arena.allocErr = expErr

	if err := space.Map(mm.PageFromAddress(SlotBaseAddress(1)), mm.Frame(2), 0); err != expErr {
		t.Fatalf("expected allocation error to propagate; got %v", err)
	}
}
