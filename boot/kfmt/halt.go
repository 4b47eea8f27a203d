package kfmt

import (
	"gopherboot/boot"
	"gopherboot/boot/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt
)

// Fatal reports an unrecoverable loader error to the active output sink and
// halts the CPU. Calls to Fatal never return.
//
// The loader has no fallback path and no state to roll back: continuing with
// a partially constructed address space risks silent memory corruption in
// the booted kernel, so every error ends the boot here.
func Fatal(err *boot.Error) {
	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** boot failure: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
