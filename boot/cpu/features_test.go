package cpu

import "testing"

func TestFeatureChecks(t *testing.T) {
	defer func() { cpuidFn = ID }()

	specs := []struct {
		leaf        uint32
		ecx, edx    uint32
		check       func() bool
		expOutcome  bool
		description string
	}{
		{1, 0, featSSE, HasSSE, true, "SSE present"},
		{1, 0, 0, HasSSE, false, "SSE missing"},
		{1, 0, featTSC, HasTSC, true, "TSC present"},
		{1, featRdRand, 0, HasRdRand, true, "RDRAND present"},
		{1, 0, 0, HasRdRand, false, "RDRAND missing"},
		{0x80000001, 0, featLongMode, HasLongMode, true, "long mode present"},
		{0x80000001, 0, 0, HasLongMode, false, "long mode missing"},
		{0x80000001, 0, featNX, HasNX, true, "NX present"},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf != spec.leaf {
				return 0, 0, 0, 0
			}
			return 0, 0, spec.ecx, spec.edx
		}

		if got := spec.check(); got != spec.expOutcome {
			t.Errorf("[spec %d] %s: expected %t; got %t", specIndex, spec.description, spec.expOutcome, got)
		}
	}
}

func TestIsIntel(t *testing.T) {
	defer func() { cpuidFn = ID }()

	cpuidFn = func(uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0x756e6547, 0x6c65746e, 0x49656e69
	}

	if !IsIntel() {
		t.Fatal("expected IsIntel to return true for the GenuineIntel vendor string")
	}
}
