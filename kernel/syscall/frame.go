// Package syscall implements the syscall boundary (spec.md §4.9): the
// register frame layout, the stable syscall numbering and errno tables,
// user-pointer validation and bounce-buffered copy in/out, and dispatch to
// kernel/ipc and kernel/sched. It is new code: the teacher has no
// userspace and no syscall gate at all, so the frame layout is grounded on
// the teacher checkout's kernel/gate package's combined Registers struct
// (the teacher's own exception-frame design extended with an Info field
// carrying either an exception code, an IRQ number, or, as used here, the
// syscall number) and kernel/irq's own Frame/Regs split for everything
// else.
package syscall

import (
	"zincos/kernel/hal"
	"zincos/kernel/kfmt/early"
)

// Frame is the register snapshot the syscall-entry stub builds before
// calling into Go: every general-purpose register the ABI does not
// otherwise account for, the syscall number and six arguments packed into
// Number/Args, and the return context IRETQ restores on the way back to
// userspace.
type Frame struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Number is the syscall number extracted from the entry stub.
	Number uint64
	// Args holds arg0..arg5, in order.
	Args [6]uint64

	// Return context restored by IRETQ.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// SetReturn packs ret into RAX, the ABI's single 64-bit return slot.
// Negative values (as an int64 bit pattern) encode -errno per spec.md §6.
func (f *Frame) SetReturn(ret int64) {
	f.RAX = uint64(ret)
}

// Print dumps the frame to the active console, for kernel-fatal diagnostics
// (a missing per-CPU state, an unrecognized syscall table entry).
func (f *Frame) Print() {
	early.Fprintf(hal.ActiveTerminal, "syscall #%d arg0=%x arg1=%x arg2=%x\n", f.Number, f.Args[0], f.Args[1], f.Args[2])
	early.Fprintf(hal.ActiveTerminal, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Fprintf(hal.ActiveTerminal, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
}
