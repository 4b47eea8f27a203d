package cpu

const (
	// CPUID leaf 1, EDX feature bits.
	featTSC = 1 << 4
	featSSE = 1 << 25

	// CPUID leaf 1, ECX feature bits.
	featRdRand = 1 << 30

	// CPUID leaf 0x80000001, EDX feature bits.
	featNX       = 1 << 20
	featLongMode = 1 << 29
)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasLongMode returns true if the processor supports 64-bit long mode.
func HasLongMode() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&featLongMode != 0
}

// HasNX returns true if the processor supports the no-execute page bit.
func HasNX() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&featNX != 0
}

// HasSSE returns true if the processor supports the SSE baseline required
// by compiled kernel code.
func HasSSE() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&featSSE != 0
}

// HasTSC returns true if the processor provides a time-stamp counter.
func HasTSC() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&featTSC != 0
}

// HasRdRand returns true if the processor implements the RDRAND instruction.
func HasRdRand() bool {
	_, _, ecx, _ := cpuidFn(1)
	return ecx&featRdRand != 0
}
