// Package cpu exposes the handful of x86_64 primitives that the rest of the
// kernel treats as opaque machine operations: interrupt masking, halting,
// TLB maintenance, and the CR2/CR3 control registers. Each function below is
// implemented in cpu_amd64.s; the declarations exist so the rest of the
// kernel can depend on a typed Go API instead of inline assembly.
package cpu

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// InterruptsEnabled reports whether the IF flag is currently set. It is used
// by kernel/sync's IRQGuard to restore the caller's previous interrupt state
// instead of unconditionally re-enabling interrupts on release.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (HLT). The
// per-CPU idle task calls this in a loop.
func Halt()

// Pause emits a PAUSE instruction, a hint to the CPU that the current code
// is in a spin-wait loop. Used by kernel/sync.Spinlock's busy-wait path.
func Pause()

// FlushTLBEntry flushes a single TLB entry for the given virtual address
// (INVLPG). The mapper calls this after installing or clearing a leaf PTE
// in the currently active address space.
func FlushTLBEntry(virtAddr uintptr)

// SwitchRoot sets CR3 to the given physical address and flushes the entire
// TLB. Used by vmm.AddressSpace.Activate and the scheduler's
// prepareTaskSwitch when the incoming task belongs to a different address
// space than the outgoing one.
func SwitchRoot(rootPhysAddr uintptr)

// ActiveRoot returns the physical address currently loaded in CR3.
func ActiveRoot() uintptr

// FaultAddress returns the contents of CR2, the virtual address that caused
// the most recent page fault.
func FaultAddress() uintptr

// CurrentCPU returns the zero-based index of the CPU executing this code,
// read from a per-CPU GS-relative slot installed during SMP bring-up.
func CurrentCPU() uint32

// SwitchContext saves the callee-saved registers (BP, BX, R12-R15) and the
// current stack pointer into *oldSP, then switches to newSP and restores
// the same six registers from there before returning — to whatever return
// address sits on top of the new stack. kernel/sched.prepareTaskSwitch is
// the only caller; a freshly created task's stack is laid out by
// kernel/sched so that the first "return" lands on its entry trampoline.
func SwitchContext(oldSP *uintptr, newSP uintptr)

// SendReschedule is declared in ipi.go: raising the actual interprocessor
// interrupt depends on the LAPIC driver, which is injected through
// RescheduleIPISender rather than implemented in assembly here.
