// Package irq provides exception frame types and handler registration for
// the x86_64 IDT. It covers CPU exceptions only (divide-by-zero, GPF, page
// fault, ...); syscall entry uses its own combined register/frame layout in
// kernel/syscall, since a syscall gate always has both a "reason" (the
// syscall number) and a return frame to restore, whereas most exceptions
// here only need one or the other.
package irq

import (
	"unsafe"

	"zincos/kernel/hal"
	"zincos/kernel/kfmt/early"
)

// Regs is a snapshot of general-purpose registers captured by the
// exception-entry stub before it calls into Go.
type Regs struct {
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
}

// Print dumps the register snapshot to the active console.
func (r *Regs) Print() {
	early.Fprintf(hal.ActiveTerminal, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Fprintf(hal.ActiveTerminal, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Fprintf(hal.ActiveTerminal, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Fprintf(hal.ActiveTerminal, "RBP = %16x\n", r.RBP)
	early.Fprintf(hal.ActiveTerminal, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Fprintf(hal.ActiveTerminal, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Fprintf(hal.ActiveTerminal, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Fprintf(hal.ActiveTerminal, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame is the return-context the CPU pushes automatically when delivering
// an exception.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print dumps the exception frame to the active console.
func (f *Frame) Print() {
	early.Fprintf(hal.ActiveTerminal, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Fprintf(hal.ActiveTerminal, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	early.Fprintf(hal.ActiveTerminal, "RFL = %16x\n", f.RFlags)
}

// ExceptionNum identifies a CPU exception vector.
type ExceptionNum uint8

const (
	DivideByZero  = ExceptionNum(0)
	NMI           = ExceptionNum(2)
	InvalidOpcode = ExceptionNum(6)
	DoubleFault   = ExceptionNum(8)
	GPFException  = ExceptionNum(13)

	// PageFaultException is raised when a page-table entry is not present
	// or a privilege/RW protection check fails; kernel/mem/vmm installs
	// the handler for it.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler handles an exception that pushes no error code.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// (GPF, page fault, ...).
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

var (
	handlers         [256]ExceptionHandler
	handlersWithCode [256]ExceptionHandlerWithCode

	// haltFn lets tests substitute Halt, which executes privileged
	// instructions and would fault in a hosted test binary.
	haltFn = Halt
)

// HandleException registers handler for exceptionNum. Installing the IDT
// gate itself is architecture work done by Init; this only updates the
// dispatch table consulted by the assembly entry stubs.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	handlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers handler for an exception that carries an
// error code.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	handlersWithCode[exceptionNum] = handler
}

// dispatchTrampoline is called by commonStub for every vectored exception.
// errorCode is 0 for vectors that do not push one; dispatch tries the
// with-code table first so a handler registered via HandleExceptionWithCode
// on a code-pushing vector always wins.
func dispatchTrampoline(vector, errorCode uint64, framePtr, regsPtr uintptr) {
	frame := (*Frame)(unsafe.Pointer(framePtr))
	regs := (*Regs)(unsafe.Pointer(regsPtr))
	vec := uint8(vector)

	if h := handlersWithCode[vec]; h != nil {
		h(errorCode, frame, regs)
		return
	}
	if h := handlers[vec]; h != nil {
		h(frame, regs)
		return
	}

	early.Fprintf(hal.ActiveTerminal, "\nunhandled exception %d\n", vec)
	regs.Print()
	frame.Print()
	haltFn()
}

// Halt is the last-resort handler for an exception with no registered
// handler: park the CPU rather than run on into undefined state.
func Halt()

// Init installs the IDT and arms every gate this package handles to call
// dispatchTrampoline.
func Init()
