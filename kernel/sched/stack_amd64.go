package sched

import "unsafe"

// contextFrameSize is the number of bytes cpu.SwitchContext expects to find
// on a stack it is about to switch onto: six callee-saved registers
// (R15, R14, R13, R12, BX, BP, in pop order) plus the return address that
// RET consumes once they are restored.
const contextFrameSize = 7 * 8

// firstRunStubAddr returns the address of the assembly stub that lands the
// very first time a freshly created task is switched to. It runs STI (every
// task starts as if resumed from an interrupt with IF set) and then calls
// firstRun, which pulls the real entry point and argument out of the
// current task rather than out of raw registers threaded through the
// context switch — so preparing a stack never has to encode a Go function
// value's address by hand.
func firstRunStubAddr() uintptr

// prepareStack lays out a fresh kernel stack within [stackBase, stackBase+
// stackSize) so the task's first SwitchContext restores six zeroed
// callee-saved registers and returns into firstRunStub. It returns the
// initial stack pointer to store in Task.sp.
func prepareStack(stackBase, stackSize uintptr) uintptr {
	top := (stackBase + stackSize) &^ uintptr(15)
	sp := top - contextFrameSize

	words := (*[7]uint64)(unsafe.Pointer(sp))
	words[0] = 0 // R15
	words[1] = 0 // R14
	words[2] = 0 // R13
	words[3] = 0 // R12
	words[4] = 0 // BX
	words[5] = 0 // BP
	words[6] = uint64(firstRunStubAddr())

	return sp
}

// firstRun is called by firstRunStub on the new task's stack. It is a real
// Go function, so the call into it (and its indirect call into the task's
// entry point) goes through the compiler's normal calling convention
// instead of a hand-encoded register ABI.
func firstRun() {
	t := currentTaskFn()
	if t != nil && t.Entry != nil {
		t.Entry(t.Arg)
	}
	exitFn()
}
