package firmware

import (
	"testing"

	"gopherboot/boot"
	"gopherboot/boot/bootinfo"
)

func TestRegionListAppend(t *testing.T) {
	var list RegionList

	// Zero-length regions are dropped without consuming capacity.
	if err := list.Append(bootinfo.MemoryRegion{Start: 0x1000, Length: 0, Kind: bootinfo.RegionUsable}); err != nil {
		t.Fatalf("appending zero-length region returned error: %v", err)
	}
	if got := len(list.Regions()); got != 0 {
		t.Fatalf("expected empty list after zero-length append; got %d entries", got)
	}

	for i := 0; i < MaxMemoryRegions; i++ {
		region := bootinfo.MemoryRegion{
			Start:  uint64(i) * 0x1000,
			Length: 0x1000,
			Kind:   bootinfo.RegionUsable,
		}
		if err := list.Append(region); err != nil {
			t.Fatalf("append %d returned error: %v", i, err)
		}
	}

	if err := list.Append(bootinfo.MemoryRegion{Start: 0xf0000000, Length: 0x1000, Kind: bootinfo.RegionReserved}); err != ErrTooManyRegions {
		t.Fatalf("expected ErrTooManyRegions; got %v", err)
	}
}

func TestRegionListNormalize(t *testing.T) {
	specs := []struct {
		descr string
		in    []bootinfo.MemoryRegion
		exp   []bootinfo.MemoryRegion
	}{
		{
			descr: "sorts unsorted input",
			in: []bootinfo.MemoryRegion{
				{Start: 0x100000, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x100000, Length: 0x1000, Kind: bootinfo.RegionUsable},
			},
		},
		{
			descr: "merges adjacent same-kind regions",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x2000, Kind: bootinfo.RegionUsable},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionUsable},
			},
		},
		{
			descr: "merges overlapping same-kind regions",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionReserved},
				{Start: 0x2000, Length: 0x3000, Kind: bootinfo.RegionReserved},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x5000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "keeps adjacent regions of different kinds separate",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "clips partial overlap between different kinds",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionReserved},
				{Start: 0x2000, Length: 0x3000, Kind: bootinfo.RegionUsable},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionReserved},
				{Start: 0x3000, Length: 0x2000, Kind: bootinfo.RegionUsable},
			},
		},
		{
			descr: "drops region fully contained in a different-kind region",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x4000, Kind: bootinfo.RegionReserved},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionUsable},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x4000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "reserved claim truncates overlapping usable region",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x3000, Kind: bootinfo.RegionUsable},
				{Start: 0x2000, Length: 0x2000, Kind: bootinfo.RegionReserved},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x2000, Kind: bootinfo.RegionUsable},
				{Start: 0x2000, Length: 0x2000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "contained reserved claim forfeits the usable tail",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x4000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "reserved claim replaces usable region sharing its start",
			in: []bootinfo.MemoryRegion{
				{Start: 0x1000, Length: 0x3000, Kind: bootinfo.RegionUsable},
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x1000, Length: 0x1000, Kind: bootinfo.RegionReserved},
			},
		},
		{
			descr: "leaves gaps unrepresented",
			in: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x9fc00, Kind: bootinfo.RegionUsable},
				{Start: 0x9fc00, Length: 0x400, Kind: bootinfo.RegionReserved},
				{Start: 0x100000, Length: 0x7f00000, Kind: bootinfo.RegionUsable},
			},
			exp: []bootinfo.MemoryRegion{
				{Start: 0x0, Length: 0x9fc00, Kind: bootinfo.RegionUsable},
				{Start: 0x9fc00, Length: 0x400, Kind: bootinfo.RegionReserved},
				{Start: 0x100000, Length: 0x7f00000, Kind: bootinfo.RegionUsable},
			},
		},
	}

	for specIndex, spec := range specs {
		var list RegionList
		for _, region := range spec.in {
			if err := list.Append(region); err != nil {
				t.Fatalf("[spec %d] %s: append error: %v", specIndex, spec.descr, err)
			}
		}

		list.Normalize()
		checkRegions(t, specIndex, spec.descr, list.Regions(), spec.exp)

		// A second pass must not change the result.
		list.Normalize()
		checkRegions(t, specIndex, spec.descr+" (idempotence)", list.Regions(), spec.exp)
	}
}

func TestCollectRegions(t *testing.T) {
	svc := &stubServices{
		regions: []bootinfo.MemoryRegion{
			{Start: 0x100000, Length: 0x100000, Kind: bootinfo.RegionUsable},
			{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
			{Start: 0x200000, Length: 0x100000, Kind: bootinfo.RegionUsable},
		},
	}

	var list RegionList
	if err := CollectRegions(svc, &list); err != nil {
		t.Fatalf("CollectRegions returned error: %v", err)
	}

	exp := []bootinfo.MemoryRegion{
		{Start: 0x0, Length: 0x1000, Kind: bootinfo.RegionUsable},
		{Start: 0x100000, Length: 0x200000, Kind: bootinfo.RegionUsable},
	}
	checkRegions(t, 0, "collect", list.Regions(), exp)
}

func TestCollectRegionsVisitError(t *testing.T) {
	expErr := &boot.Error{Module: "firmware", Message: "visit failed"}
	svc := &stubServices{visitErr: expErr}

	var list RegionList
	if err := CollectRegions(svc, &list); err != expErr {
		t.Fatalf("expected visit error to propagate; got %v", err)
	}
}

func checkRegions(t *testing.T, specIndex int, descr string, got, exp []bootinfo.MemoryRegion) {
	t.Helper()

	if len(got) != len(exp) {
		t.Errorf("[spec %d] %s: expected %d regions; got %d", specIndex, descr, len(exp), len(got))
		return
	}

	for i := range exp {
		if got[i] != exp[i] {
			t.Errorf("[spec %d] %s: region %d mismatch; expected %+v; got %+v", specIndex, descr, i, exp[i], got[i])
		}
	}

	for i := 1; i < len(got); i++ {
		if got[i].Start < got[i-1].End() {
			t.Errorf("[spec %d] %s: regions %d and %d overlap", specIndex, descr, i-1, i)
		}
	}
}

type stubServices struct {
	regions  []bootinfo.MemoryRegion
	visitErr *boot.Error
	image    []byte
}

func (s *stubServices) ReadAt(offset uint64, buf []byte) *boot.Error {
	if offset+uint64(len(buf)) > uint64(len(s.image)) {
		return &boot.Error{Module: "firmware", Message: "read past end of image"}
	}
	copy(buf, s.image[offset:])
	return nil
}

func (s *stubServices) VisitMemRegions(visitor RegionVisitor) *boot.Error {
	if s.visitErr != nil {
		return s.visitErr
	}
	for _, region := range s.regions {
		if !visitor(region) {
			break
		}
	}
	return nil
}
