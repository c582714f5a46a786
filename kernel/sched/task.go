// Package sched implements the per-CPU priority run queues and the
// scheduler core: the code that decides which task runs next, switches the
// CPU onto it, and wakes tasks blocked on a wait channel. It is grounded on
// the same function-variable seam idiom used throughout this kernel (see
// kernel/mem/vmm's switchRootFn-style overrides) so the register-level context
// switch and the arch timer can be exercised from hosted tests.
package sched

import (
	"zincos/kernel/heap"
	"zincos/kernel/mem"
	"zincos/kernel/mem/vmm"
)

// Priority bands. Lower numbers run first. Each band has a fixed time slice
// expressed in scheduler ticks; PriorityNormalDefault is where every task
// not explicitly assigned a priority starts.
const (
	PriorityRealTimeMin = 0
	PriorityRealTimeMax = 7

	PrioritySystemMin = 8
	PrioritySystemMax = 15

	PriorityNormalMin     = 16
	PriorityNormalMax     = 23
	PriorityNormalDefault = 20

	PriorityBatchMin = 24
	PriorityBatchMax = 27

	PriorityIdleMin = 28
	PriorityIdleMax = 31

	numPriorities = 32
)

// quantumTicks returns the number of scheduler ticks a task at the given
// priority runs for before schedule() forcibly requeues it.
func quantumTicks(priority uint8) uint32 {
	switch {
	case priority <= PriorityRealTimeMax:
		return 1
	case priority <= PrioritySystemMax:
		return 2
	case priority <= PriorityNormalMax:
		return 4
	case priority <= PriorityBatchMax:
		return 8
	default:
		return 1
	}
}

// State is a task's scheduling state.
type State uint8

const (
	// StateReady means the task is on a run queue waiting for CPU time.
	StateReady State = iota
	// StateRunning means the task is the one currently executing on its
	// assigned CPU.
	StateRunning
	// StateBlocked means the task is parked on a wait channel and is not
	// on any run queue; only wake() can make it ready again.
	StateBlocked
	// StateExited means the task has run to completion and its stack may
	// be reclaimed once nothing still references it.
	StateExited
)

// TaskEntry is the function every task starts executing at, exactly once,
// with Arg as its single argument.
type TaskEntry func(arg uintptr)

// Task is a schedulable unit of execution: either a kernel task (Space is
// nil) or a user task running inside its own address space.
type Task struct {
	ID    uint64
	Name  string
	Entry TaskEntry
	Arg   uintptr

	Priority uint8
	Pinned   bool // excluded from steal_batch

	State State
	CPU   uint32

	Space *vmm.AddressSpace

	// IPCSlot, IPCCaller, and WaitingForReply carry the rendezvous state
	// kernel/ipc needs to stash directly on the blocked task: the message
	// payload (marshaled to its exact 56-byte wire layout so this package
	// never needs to know kernel/ipc's Message type), who to reply to, and
	// whether this task is still owed a reply. sched never reads these
	// itself; it only carries them across a block/wake cycle.
	IPCSlot         [56]byte
	IPCCaller       *Task
	WaitingForReply bool

	sp         uintptr
	stackBase  uintptr
	stackSize  mem.Size
	quantum    uint32 // ticks remaining in the current run
	waitChan   uintptr
	exitCode   int

	// next/prev intrusively link this task into exactly one of: a
	// RunQueue bucket, a wait channel list, or neither (blocked tasks
	// removed from all lists are relinked by wake).
	next, prev *Task
}

// defaultStackSize is the kernel stack size given to every task created via
// NewTask. Chosen to match the teacher's boot stack sizing; user tasks get
// additional stack space mapped into their own address space separately
// and never execute on this stack directly.
const defaultStackSize = 16 * mem.Kb

// stackAllocFn carves out a fresh kernel stack for a new task. It defaults
// to the kernel heap; tests override it to hand out slices from a hosted
// arena so no real heap.Heap needs to be initialized.
var stackAllocFn = func(size uintptr) uintptr {
	ptr := kernelHeap.Alloc(size, 16)
	if ptr == nil {
		return 0
	}
	return uintptr(ptr)
}

// kernelHeap is the allocator stackAllocFn draws task stacks from. kmain
// assigns it once during boot, before the first call to NewTask.
var kernelHeap *heap.Heap

// SetKernelHeap installs the allocator NewTask carves task stacks from.
func SetKernelHeap(h *heap.Heap) {
	kernelHeap = h
}

var nextTaskID uint64

// NewTask allocates a kernel stack and returns a Task ready to be handed to
// a RunQueue. The task does not start executing until it is enqueued and
// chosen by schedule(). priority is clamped into [0, 31].
func NewTask(name string, entry TaskEntry, arg uintptr, priority uint8) *Task {
	if priority >= numPriorities {
		priority = numPriorities - 1
	}

	nextTaskID++
	t := &Task{
		ID:        nextTaskID,
		Name:      name,
		Entry:     entry,
		Arg:       arg,
		Priority:  priority,
		State:     StateReady,
		stackSize: defaultStackSize,
		quantum:   quantumTicks(priority),
	}

	t.stackBase = stackAllocFn(uintptr(t.stackSize))
	t.sp = prepareStack(t.stackBase, uintptr(t.stackSize))
	return t
}

// NewIdleTask builds the per-CPU idle task: lowest priority, pinned (it
// must never be stolen away from its CPU), running entry in an infinite
// loop that halts until the next interrupt.
func NewIdleTask(cpuID uint32, entry TaskEntry) *Task {
	t := NewTask("idle", entry, uintptr(cpuID), PriorityIdleMin)
	t.Pinned = true
	t.CPU = cpuID
	return t
}
