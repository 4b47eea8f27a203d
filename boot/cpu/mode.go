package cpu

import "gopherboot/boot"

// Mode identifies one of the execution modes the legacy boot path steps
// through on its way from the firmware entry point to the kernel's expected
// 64-bit environment.
type Mode uint8

const (
	// ModeReal is the 16-bit mode the BIOS hands control over in.
	ModeReal Mode = iota

	// ModeUnreal is real mode with 32-bit segment limits cached, allowing
	// disk transfers to buffers above the 1MiB boundary.
	ModeUnreal

	// ModeProtected is 32-bit protected mode with paging still disabled.
	ModeProtected

	// ModeLong is 64-bit long mode with the loader's identity-mapped page
	// table active.
	ModeLong
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeUnreal:
		return "unreal"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return "unknown"
	}
}

var (
	// The following variables are mocked by tests and are automatically
	// inlined by the compiler.
	enterUnrealModeFn    = EnterUnrealMode
	enterProtectedModeFn = EnterProtectedMode
	enterLongModeFn      = EnterLongMode
	disableInterruptsFn  = DisableInterrupts

	errBadTransition     = &boot.Error{Module: "cpu", Message: "invalid execution mode transition"}
	errNoLongModeSupport = &boot.Error{Module: "cpu", Message: "processor does not support 64-bit long mode"}
	errNoSSESupport      = &boot.Error{Module: "cpu", Message: "processor does not support the required SSE baseline"}
)

// EnterUnrealMode caches 32-bit segment limits while staying in real mode.
// It temporarily sets the protection-enable bit, reloads the data segment
// from a flat descriptor and clears the bit again.
func EnterUnrealMode()

// EnterProtectedMode sets the protection-enable bit and reloads the segment
// registers with flat 32-bit descriptors. Interrupts must be disabled before
// calling it.
func EnterProtectedMode()

// EnterLongMode enables physical address extensions and the long-mode enable
// bit, installs the supplied identity-mapped page table root and enables
// paging. Interrupts must be disabled before calling it.
func EnterLongMode(rootPhysAddr uintptr)

// ModeSequencer drives the real -> unreal -> protected -> long mode ladder.
// The transition primitives themselves are privileged assembly stubs; the
// sequencer owns the ordering and the CPU feature checks that must pass
// before each step so that a missing feature surfaces as an error instead
// of a triple fault halfway through a transition.
type ModeSequencer struct {
	mode Mode
}

// Mode returns the current execution mode.
func (seq *ModeSequencer) Mode() Mode {
	return seq.mode
}

// EnterUnreal transitions from real mode to unreal mode so that disk reads
// can target buffers above the 1MiB boundary.
func (seq *ModeSequencer) EnterUnreal() *boot.Error {
	if seq.mode != ModeReal {
		return errBadTransition
	}

	enterUnrealModeFn()
	seq.mode = ModeUnreal
	return nil
}

// EnterProtected transitions to 32-bit protected mode. Firmware services
// are unavailable past this point so all disk and memory-map queries must
// have completed.
func (seq *ModeSequencer) EnterProtected() *boot.Error {
	if seq.mode != ModeReal && seq.mode != ModeUnreal {
		return errBadTransition
	}

	disableInterruptsFn()
	enterProtectedModeFn()
	seq.mode = ModeProtected
	return nil
}

// EnterLong transitions to 64-bit long mode using the supplied
// identity-mapped page table root. The kernel's compiled code assumes the
// SSE baseline, so both long mode and SSE support are verified before the
// switch is attempted.
func (seq *ModeSequencer) EnterLong(rootPhysAddr uintptr) *boot.Error {
	if seq.mode != ModeProtected {
		return errBadTransition
	}

	if !HasLongMode() {
		return errNoLongModeSupport
	}

	if !HasSSE() {
		return errNoSSESupport
	}

	enterLongModeFn(rootPhysAddr)
	seq.mode = ModeLong
	return nil
}
