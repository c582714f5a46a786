package sync

import "zincos/kernel/cpu"

// IRQGuard pairs interrupt state save/restore with a single scoped
// primitive so that "disable IRQs, take a lock, do work, release, restore
// IRQs" (the pattern every subsystem in spec.md §5 follows) cannot be done
// with mismatched enable/disable calls.
type IRQGuard struct {
	lock          *Spinlock
	wasEnabled    bool
	interruptSave bool
}

// interruptsEnabledFn/disableInterruptsFn/enableInterruptsFn seam the three
// privileged instructions IRQGuard needs (PUSHFQ/CLI/STI). Every other
// asm-backed primitive in this repository is seamed the same way so its
// package's own tests can run hosted; this one is seamed in kernel/sync
// rather than kernel/cpu because every caller of these three functions goes
// through IRQGuard.
var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetInterruptControlForTest overrides the three interrupt-control
// primitives IRQGuard calls and returns a function that restores the real
// ones. Production code must never call this: CLI/STI fault when executed
// in ring 3, so every hosted test that exercises a subsystem taking a
// sync.Lock (kernel/sched, kernel/ipc, kernel/syscall) calls this once from
// a TestMain rather than touching real interrupt state.
func SetInterruptControlForTest(enabled func() bool, disable, enable func()) func() {
	oEnabled, oDisable, oEnable := interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn
	interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn = enabled, disable, enable
	return func() {
		interruptsEnabledFn, disableInterruptsFn, enableInterruptsFn = oEnabled, oDisable, oEnable
	}
}

// Lock disables interrupts on the local CPU, remembers whether they were
// previously enabled, and acquires lock. Release restores both.
func Lock(lock *Spinlock) IRQGuard {
	wasEnabled := interruptsEnabledFn()
	disableInterruptsFn()
	lock.Acquire()
	return IRQGuard{lock: lock, wasEnabled: wasEnabled, interruptSave: true}
}

// Release releases the guarded lock and restores the IRQ state captured by
// Lock. It is idempotent-unsafe by design (calling it twice double-releases
// the lock) to keep the hot path free of extra branches; every caller in
// this repository calls it exactly once, either via defer or directly at the
// end of its critical section.
func (g IRQGuard) Release() {
	g.lock.Release()
	if g.wasEnabled {
		enableInterruptsFn()
	}
}
