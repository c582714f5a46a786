package sched

import (
	"zincos/kernel"
	"zincos/kernel/cpu"
	"zincos/kernel/sync"
)

// stealBatchSize bounds how many tasks schedule() moves from a busy peer's
// run queue to the local one in a single steal.
const stealBatchSize = 4

// perCPU holds the scheduling state for one CPU: its run queue, the task
// currently executing on it, its idle task, and the lock protecting all of
// the above. A task never appears on more than one perCPU's run queue.
type perCPU struct {
	lock        sync.Spinlock
	rq          RunQueue
	current     *Task
	idle        *Task
	needResched bool
	ticks       uint64
}

var cpus []perCPU

// currentCPUFn resolves the calling CPU. A package variable, like every
// other package in this kernel that needs the calling CPU's id, so tests
// can pin it without a real per-CPU GS segment.
var currentCPUFn = cpu.CurrentCPU

// switchContextFn performs the actual register-level context switch.
// Overridden in tests so Schedule can be exercised without real assembly.
var switchContextFn = cpu.SwitchContext

// currentTaskFn returns the task executing on the calling CPU. Declared as
// a variable (rather than a plain function) so stack_amd64.go's firstRun
// can be exercised from hosted tests without a real per-CPU GS segment.
var currentTaskFn = func() *Task {
	return cpus[currentCPUFn()].current
}

// exitFn is Exit, called by firstRun as a backstop if a task's entry point
// ever returns instead of calling Exit itself.
var exitFn = Exit

// SetTestHooks overrides the CPU-id resolver and the register-level
// context switch with hosted stand-ins, returning a function that restores
// the originals. It exists so other packages' tests (kernel/ipc's
// Block/Wake-driven Send/Receive/Call tests, in particular) can exercise
// this package's scheduling logic without a real per-CPU GS segment or
// real assembly. Production code must never call this.
func SetTestHooks(currentCPU func() uint32, switchContext func(oldSP *uintptr, newSP uintptr)) func() {
	origCPU, origSwitch := currentCPUFn, switchContextFn
	if currentCPU != nil {
		currentCPUFn = currentCPU
	}
	if switchContext != nil {
		switchContextFn = switchContext
	}
	return func() {
		currentCPUFn = origCPU
		switchContextFn = origSwitch
	}
}

// SetCurrentForTest force-sets cpuID's current task and idle task, for
// other packages' hosted tests to stage a scenario directly instead of
// going through StartOnBSP/StartOnAP. Production code must never call
// this.
func SetCurrentForTest(cpuID uint32, current, idle *Task) {
	cpus[cpuID].current = current
	cpus[cpuID].idle = idle
}

// ErrNotInitialized is returned by operations invoked before Init.
var ErrNotInitialized = &kernel.Error{Module: "sched", Message: "scheduler not initialized", Kind: kernel.KindGeneric}

// panicFn is kernel.Panic, called on conditions this package treats as
// kernel-fatal. A package-level seam, the same way kernel/heap overrides
// its own panicFn in tests, since kernel.Panic halts the CPU and never
// returns.
var panicFn = kernel.Panic

// Init allocates per-CPU scheduler state for numCPUs CPUs and installs
// Yield as the spinlock contention hook, so a contended lock deschedules
// the waiting task instead of busy-spinning forever.
func Init(numCPUs int) {
	cpus = make([]perCPU, numCPUs)
	sync.SetYieldFunc(Yield)
}

// CurrentTask returns the task running on the calling CPU, or nil before
// StartOnBSP/StartOnAP has run on it.
func CurrentTask() *Task {
	return currentTaskFn()
}

// startOnCPU builds cpuID's idle task, makes it current, and switches onto
// its prepared stack. Control never returns to the caller on a successful
// switch: the idle task's entry point runs schedule() in a loop forever,
// the same way every other task's entry eventually calls Exit.
func startOnCPU(cpuID uint32, idleEntry TaskEntry) {
	pc := &cpus[cpuID]
	idle := NewIdleTask(cpuID, idleEntry)
	idle.State = StateRunning
	pc.idle = idle
	pc.current = idle

	var bootSP uintptr
	switchContextFn(&bootSP, idle.sp)
}

// StartOnBSP transitions the bootstrap processor from its boot stack onto
// the scheduler: it builds CPU 0's idle task and switches to it.
func StartOnBSP(idleEntry TaskEntry) {
	startOnCPU(0, idleEntry)
}

// StartOnAP transitions an application processor onto the scheduler, the
// same way StartOnBSP does for the bootstrap processor.
func StartOnAP(cpuID uint32, idleEntry TaskEntry) {
	startOnCPU(cpuID, idleEntry)
}

// Spawn creates a task and enqueues it on the least-loaded CPU's run queue.
func Spawn(t *Task) {
	best := 0
	for i := range cpus {
		if cpus[i].rq.Len() < cpus[best].rq.Len() {
			best = i
		}
	}
	pc := &cpus[best]
	t.CPU = uint32(best)
	t.State = StateReady

	g := sync.Lock(&pc.lock)
	pc.rq.Enqueue(t)
	g.Release()
}

// Tick is called once per timer interrupt by the CPU it fires on. It
// charges one tick against the running task's quantum and marks a
// reschedule needed once the quantum is exhausted; the caller (the timer
// IRQ handler) is expected to call Schedule afterward.
func Tick() {
	id := currentCPUFn()
	pc := &cpus[id]
	pc.ticks++

	cur := pc.current
	if cur == nil || cur == pc.idle {
		return
	}
	if cur.quantum > 0 {
		cur.quantum--
	}
	if cur.quantum == 0 {
		pc.needResched = true
	}
}

// NeedResched reports whether the calling CPU has a pending reschedule
// request, for the timer IRQ handler to decide whether to call Schedule.
func NeedResched() bool {
	return cpus[currentCPUFn()].needResched
}

// Schedule picks the next task to run on the calling CPU and switches to
// it. If the chosen task is the one already running, it returns without
// touching the stack. Must be called with interrupts enabled; it disables
// them itself for the duration of the decision.
func Schedule() {
	id := currentCPUFn()
	pc := &cpus[id]

	g := sync.Lock(&pc.lock)
	pc.needResched = false

	prev := pc.current
	if prev != nil && prev != pc.idle && prev.State == StateRunning {
		prev.State = StateReady
		prev.quantum = quantumTicks(prev.Priority)
		pc.rq.Enqueue(prev)
	}

	next := pc.rq.Dequeue()
	if next == nil {
		next = stealFromBusiestPeer(id, pc)
	}
	if next == nil {
		next = pc.idle
	}

	next.State = StateRunning
	next.CPU = id
	pc.current = next
	g.Release()

	if next == prev {
		return
	}
	prepareTaskSwitch(prev, next)
}

// stealFromBusiestPeer finds the peer CPU with the most queued tasks and,
// if it has at least two and can be locked without blocking, moves up to
// stealBatchSize of them onto the local run queue, returning one to run
// immediately and enqueuing the rest.
func stealFromBusiestPeer(selfID uint32, pc *perCPU) *Task {
	busiest := -1
	busiestLen := 1
	for i := range cpus {
		if uint32(i) == selfID {
			continue
		}
		if l := cpus[i].rq.Len(); l > busiestLen {
			busiestLen = l
			busiest = i
		}
	}
	if busiest < 0 {
		return nil
	}

	peer := &cpus[busiest]
	if !peer.lock.TryAcquire() {
		return nil
	}
	stolen := peer.rq.StealBatch(stealBatchSize)
	peer.lock.Release()

	if len(stolen) == 0 {
		return nil
	}
	for _, t := range stolen[1:] {
		t.CPU = selfID
		pc.rq.Enqueue(t)
	}
	return stolen[0]
}

// prepareTaskSwitch activates next's address space if it differs from the
// one currently loaded, then performs the register-level switch from prev's
// stack to next's. prev may be nil only on the very first switch on a CPU
// (StartOnBSP/StartOnAP), in which case its save slot is discarded.
func prepareTaskSwitch(prev, next *Task) {
	if next.Space != nil && !next.Space.IsActive() {
		next.Space.Activate()
	}

	var saveSlot *uintptr
	if prev != nil {
		saveSlot = &prev.sp
	} else {
		var discard uintptr
		saveSlot = &discard
	}
	switchContextFn(saveSlot, next.sp)
}

// Yield gives up the remainder of the current task's quantum voluntarily.
// It is the function installed via sync.SetYieldFunc, so a spinning task
// descheduled here runs again once Schedule picks it.
func Yield() {
	pc := &cpus[currentCPUFn()]
	g := sync.Lock(&pc.lock)
	pc.needResched = true
	g.Release()
	Schedule()
}

// Block removes the calling task from its CPU (it is not re-enqueued) and
// records waitChan so a matching Wake can find it. It must be called with
// interrupts enabled from task context; it returns once the task has been
// woken and rescheduled.
func Block(waitChan uintptr) {
	id := currentCPUFn()
	pc := &cpus[id]

	g := sync.Lock(&pc.lock)
	cur := pc.current
	cur.State = StateBlocked
	cur.waitChan = waitChan
	g.Release()

	Schedule()
}

// Wake makes a blocked task ready again, enqueuing it on its last-assigned
// CPU. If that CPU is not the one calling Wake, it sends a reschedule IPI
// so the remote CPU notices the new task without waiting for its next
// timer tick. If the task outranks (has numerically lower priority than)
// the local CPU's current task, Wake marks a local reschedule needed too.
func Wake(t *Task) {
	if t.State != StateBlocked {
		return
	}

	target := &cpus[t.CPU]
	g := sync.Lock(&target.lock)
	t.State = StateReady
	t.waitChan = 0
	t.quantum = quantumTicks(t.Priority)
	target.rq.Enqueue(t)

	selfID := currentCPUFn()
	outranksCurrent := target.current != nil && t.Priority < target.current.Priority
	if t.CPU == selfID && outranksCurrent {
		target.needResched = true
	}
	g.Release()

	if t.CPU != selfID {
		cpu.SendReschedule(t.CPU)
	}
}

// Exit marks the calling task exited and switches away from it for good.
// It never returns: the exited task's stack remains allocated until its
// owner (the process/task table, outside this package) reclaims it.
func Exit() {
	id := currentCPUFn()
	pc := &cpus[id]

	g := sync.Lock(&pc.lock)
	pc.current.State = StateExited
	g.Release()

	Schedule()
	panicFn("sched: Exit returned after Schedule")
}

// OnUserException handles a CPU exception that occurred while running in
// user mode. A user task is killed and scheduled away from; an exception
// while vec/err/rip/cr2 describe a kernel task is unrecoverable.
func OnUserException(vec, errCode uint64, rip, faultAddr uintptr) {
	id := currentCPUFn()
	cur := cpus[id].current

	if cur == nil || cur.Space == nil {
		panicFn(&kernel.Error{
			Module:  "sched",
			Message: "exception on a kernel task",
			Kind:    kernel.KindGeneric,
		})
		return
	}

	cur.exitCode = int(vec)
	Exit()
}
