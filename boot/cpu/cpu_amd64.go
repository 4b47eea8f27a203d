// Package cpu provides access to the privileged instructions the loader
// needs while it constructs the kernel's execution context. The functions
// without a Go body are implemented in the per-stage assembly stubs; the
// loader core only depends on their documented behavior.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPageTable sets the root page table register to point to the
// specified physical address and flushes the TLB.
func SwitchPageTable(rootPhysAddr uintptr)

// ActivePageTable returns the physical address of the currently active
// top-level page table.
func ActivePageTable() uintptr

// ReadTSC returns the current value of the CPU's time-stamp counter.
func ReadTSC() uint64

// RdRand64 returns a hardware-generated random value and a flag indicating
// whether the carry flag reported a valid result. Callers must first check
// for RDRAND support via HasRdRand.
func RdRand64() (uint64, bool)

// EnableNXE sets the no-execute-enable bit in the EFER register so that
// page-table entries with the no-execute bit are honored.
func EnableNXE()

// EnableWriteProtect sets the write-protect bit in CR0 so that read-only
// pages are respected even in ring 0.
func EnableWriteProtect()

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
