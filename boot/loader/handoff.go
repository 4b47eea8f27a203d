package loader

import (
	"gopherboot/boot"
	"gopherboot/boot/mm"
	"gopherboot/boot/mm/vmm"
)

var (
	errSwitchCodeNotMapped = &boot.Error{Module: "loader", Message: "context switch code is not identity mapped in the kernel address space"}
	errStackNotWritable    = &boot.Error{Module: "loader", Message: "kernel stack top is not mapped writable"}
	errEntryNotExecutable  = &boot.Error{Module: "loader", Message: "kernel entry point is not mapped executable"}
)

// contextSwitchFn performs the one-way jump into the kernel. The assembly
// implementation installs the new root table, switches to the kernel
// stack, clears the frame pointer and jumps to the entry point with the
// boot info pointer in the first argument register.
var contextSwitchFn = contextSwitch

func contextSwitch(rootPhysAddr, stackTop, entry, bootInfoAddr uint64)

// Handoff is a fully verified description of the jump into the kernel.
type Handoff struct {
	Root         mm.Frame
	StackTop     uint64
	Entry        uint64
	BootInfoAddr uint64
}

// newHandoff checks the handoff preconditions against the constructed
// address space. Violations are loader bugs; they are caught here, while
// a failure still produces a readable message instead of a triple fault.
func newHandoff(m *Mappings, info *BootInfoPlacement) (*Handoff, *boot.Error) {
	// The instruction stream survives the root table switch only if the
	// trampoline page translates to itself in the new tree.
	frame, err := m.Space.Translate(m.SwitchCodePage)
	if err != nil || frame.Address() != m.SwitchCodePage.Address() {
		return nil, errSwitchCodeNotMapped
	}

	pte, err := m.Space.EntryFor(mm.PageFromAddress(m.StackTop - 8))
	if err != nil || !pte.HasFlags(vmm.FlagRW) {
		return nil, errStackNotWritable
	}

	pte, err = m.Space.EntryFor(mm.PageFromAddress(m.Entry))
	if err != nil || pte.HasFlags(vmm.FlagNoExecute) {
		return nil, errEntryNotExecutable
	}

	return &Handoff{
		Root:         m.Space.Root(),
		StackTop:     m.StackTop,
		Entry:        m.Entry,
		BootInfoAddr: info.Addr,
	}, nil
}

// Execute performs the context switch. It never returns.
func (h *Handoff) Execute() {
	contextSwitchFn(h.Root.Address(), h.StackTop, h.Entry, h.BootInfoAddr)
}
