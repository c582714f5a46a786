// Package sync provides the synchronization primitives shared by every
// subsystem that protects state manipulated from both task context and IRQ
// context: the PMM bitmap, the kernel heap, each address space, each IPC
// endpoint, and the endpoint registry / handle table (see spec.md §5 for the
// full list and the lock-ordering rule: IRQ disable → subsystem lock →
// scheduler per-CPU lock).
package sync

import (
	"sync/atomic"

	"zincos/kernel/cpu"
)

// yieldFn is called by Spinlock.Acquire after a bounded number of failed
// CAS attempts, instead of spinning forever on cpu.Pause. It starts out nil
// (pure busy-wait, the only option before the scheduler exists) and is set
// to sched.Yield by kernel/sched.Init once tasks can actually be descheduled
// while waiting.
var yieldFn func()

// SetYieldFunc installs the function a contended Spinlock calls into after
// a few busy-wait attempts. kernel/sched.Init is the only expected caller.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// spinAttemptsBeforeYield bounds how many CAS attempts a contended Spinlock
// makes before giving up its timeslice via yieldFn. Kept small: the locks
// this type guards are always held for a handful of instructions.
const spinAttemptsBeforeYield = 128

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available. Re-acquiring a lock already held by the
// current task deadlocks; Spinlock provides no recursion support, matching
// every caller in this repository (each subsystem takes its own lock
// exactly once per operation).
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Callers that must hold the lock across an interrupt-sensitive
// section should disable interrupts first (see IRQGuard) so that an IRQ
// handler running on the same CPU cannot deadlock trying to reacquire it.
func (l *Spinlock) Acquire() {
	attempts := 0
	for !l.TryAcquire() {
		attempts++
		if attempts >= spinAttemptsBeforeYield && yieldFn != nil {
			attempts = 0
			yieldFn()
			continue
		}
		cpu.Pause()
	}
}

// TryAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release on a lock that is not held corrupts the lock state; it is
// the caller's responsibility to pair every Acquire with exactly one
// Release.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by anyone. It exists for
// assertions in tests and integrity checks (e.g. kernel/heap's walk can
// assert the heap lock is held) and must not be used to implement locking
// decisions.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}
