package sched

import (
	"testing"

	"zincos/kernel"
	"zincos/kernel/cpu"
	"zincos/kernel/mem/vmm"
)

func fixCPU(id uint32) func() {
	orig := currentCPUFn
	currentCPUFn = func() uint32 { return id }
	return func() { currentCPUFn = orig }
}

func fixSwitch() (func(), *int) {
	calls := new(int)
	orig := switchContextFn
	switchContextFn = func(oldSP *uintptr, newSP uintptr) {
		*calls++
		if oldSP != nil {
			*oldSP = newSP ^ 0x5a // any sentinel distinguishable from newSP
		}
	}
	return func() { switchContextFn = orig }, calls
}

func fixPanicSeam(t *testing.T) *[]interface{} {
	t.Helper()
	var got []interface{}
	orig := panicFn
	panicFn = func(e interface{}) { got = append(got, e) }
	t.Cleanup(func() { panicFn = orig })
	return &got
}

type recordingIPISender struct {
	targets []uint32
}

func (s *recordingIPISender) SendReschedule(cpuID uint32) {
	s.targets = append(s.targets, cpuID)
}

func TestScheduleRequeuesCurrentAndPicksNextReady(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, calls := fixSwitch()
	defer restoreSwitch()

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	running := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000}
	pc.current = running

	ready := &Task{ID: 2, Priority: PriorityNormalDefault, State: StateReady, sp: 0x2000}
	pc.rq.Enqueue(ready)

	Schedule()

	if pc.current != ready {
		t.Fatalf("expected the ready task to be picked; got task %d", pc.current.ID)
	}
	if running.State != StateReady {
		t.Fatalf("expected the preempted task to go back to ready; got %v", running.State)
	}
	if running.quantum != quantumTicks(running.Priority) {
		t.Fatalf("expected a fresh quantum on requeue; got %d", running.quantum)
	}
	if pc.rq.Len() != 1 {
		t.Fatalf("expected exactly the requeued task left in the queue; got %d", pc.rq.Len())
	}
	if *calls != 1 {
		t.Fatalf("expected exactly one context switch; got %d", *calls)
	}
}

func TestScheduleSkipsSwitchWhenNextEqualsCurrent(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, calls := fixSwitch()
	defer restoreSwitch()

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	solo := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000}
	pc.current = solo

	Schedule()

	if pc.current != solo {
		t.Fatalf("expected the only ready task to keep running; got task %d", pc.current.ID)
	}
	if *calls != 0 {
		t.Fatalf("expected no context switch when next == prev; got %d", *calls)
	}
}

func TestScheduleFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, calls := fixSwitch()
	defer restoreSwitch()

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	exited := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateExited, sp: 0x1000}
	pc.current = exited

	Schedule()

	if pc.current != pc.idle {
		t.Fatalf("expected to fall back to idle; got task %d", pc.current.ID)
	}
	if *calls != 1 {
		t.Fatalf("expected exactly one context switch into idle; got %d", *calls)
	}
}

func TestScheduleStealsFromBusiestPeer(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, _ := fixSwitch()
	defer restoreSwitch()

	Init(2)
	cpus[0].idle = &Task{ID: 100, Priority: PriorityIdleMin, State: StateReady}
	cpus[0].current = cpus[0].idle
	cpus[0].idle.State = StateRunning

	for i := uint64(0); i < 3; i++ {
		cpus[1].rq.Enqueue(&Task{ID: i + 1, Priority: PriorityNormalDefault, State: StateReady, sp: 0x3000})
	}

	Schedule()

	if cpus[0].current == cpus[0].idle {
		t.Fatal("expected a stolen task to run instead of idle")
	}
	if cpus[0].rq.Len() != 2 {
		t.Fatalf("expected the other 2 of 3 stolen tasks to land in the local queue; got %d", cpus[0].rq.Len())
	}
	if cpus[1].rq.Len() != 0 {
		t.Fatalf("expected the peer's queue to be drained; got %d", cpus[1].rq.Len())
	}
}

func TestBlockParksCurrentAndSchedulesIdle(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, _ := fixSwitch()
	defer restoreSwitch()

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	running := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000}
	pc.current = running

	Block(0xcafe)

	if running.State != StateBlocked {
		t.Fatalf("expected the task to be blocked; got %v", running.State)
	}
	if running.waitChan != 0xcafe {
		t.Fatalf("expected waitChan to be recorded; got %#x", running.waitChan)
	}
	if pc.current != pc.idle {
		t.Fatalf("expected the CPU to fall back to idle after blocking its only task; got task %d", pc.current.ID)
	}
}

func TestWakeEnqueuesLocallyAndRaisesNeedResched(t *testing.T) {
	defer fixCPU(0)()

	Init(1)
	pc := &cpus[0]
	current := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning}
	pc.current = current

	blocked := &Task{ID: 2, Priority: PriorityRealTimeMin, State: StateBlocked, CPU: 0, waitChan: 42}

	Wake(blocked)

	if blocked.State != StateReady {
		t.Fatalf("expected Wake to ready the task; got %v", blocked.State)
	}
	if pc.rq.Len() != 1 {
		t.Fatal("expected the woken task to be enqueued on its assigned CPU")
	}
	if !pc.needResched {
		t.Fatal("expected a higher-priority wakeup to set needResched")
	}
}

func TestWakeSendsIPIWhenTargetCPUIsRemote(t *testing.T) {
	defer fixCPU(0)()

	sender := &recordingIPISender{}
	cpu.SetRescheduleIPISender(sender)
	defer cpu.SetRescheduleIPISender(nil)

	Init(2)
	blocked := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateBlocked, CPU: 1, waitChan: 7}

	Wake(blocked)

	if len(sender.targets) != 1 || sender.targets[0] != 1 {
		t.Fatalf("expected exactly one IPI to CPU 1; got %v", sender.targets)
	}
	if cpus[1].rq.Len() != 1 {
		t.Fatal("expected the woken task on the remote CPU's run queue")
	}
}

func TestWakeIgnoresTaskThatIsNotBlocked(t *testing.T) {
	defer fixCPU(0)()
	Init(1)

	ready := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateReady, CPU: 0}
	Wake(ready)

	if cpus[0].rq.Len() != 0 {
		t.Fatal("expected Wake to be a no-op for a task that was never blocked")
	}
}

func TestExitMarksExitedAndSchedulesAway(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, _ := fixSwitch()
	defer restoreSwitch()
	got := fixPanicSeam(t)

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	dying := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000}
	pc.current = dying

	Exit()

	if dying.State != StateExited {
		t.Fatalf("expected the task to be marked exited; got %v", dying.State)
	}
	if pc.current != pc.idle {
		t.Fatal("expected the CPU to move on to idle after the task exits")
	}
	if len(*got) != 1 {
		t.Fatalf("expected the unreachable-return backstop to fire exactly once in this mocked switch; got %d", len(*got))
	}
}

func TestOnUserExceptionKillsUserTask(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, _ := fixSwitch()
	defer restoreSwitch()
	// Exit's unreachable-return backstop fires under the mocked switch.
	fixPanicSeam(t)

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	userTask := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000, Space: &vmm.AddressSpace{}}
	pc.current = userTask

	OnUserException(14, 0, 0x401000, 0x500)

	if userTask.State != StateExited {
		t.Fatalf("expected the faulting user task to be exited; got %v", userTask.State)
	}
	if userTask.exitCode != 14 {
		t.Fatalf("expected exitCode to record the exception vector; got %d", userTask.exitCode)
	}
	if pc.current != pc.idle {
		t.Fatal("expected the CPU to move on after killing the user task")
	}
}

func TestOnUserExceptionPanicsOnKernelTask(t *testing.T) {
	defer fixCPU(0)()
	restoreSwitch, _ := fixSwitch()
	defer restoreSwitch()
	got := fixPanicSeam(t)

	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, State: StateReady}

	kernelTask := &Task{ID: 1, Priority: PriorityNormalDefault, State: StateRunning, sp: 0x1000}
	pc.current = kernelTask

	OnUserException(14, 0, 0x401000, 0)

	if len(*got) != 1 {
		t.Fatalf("expected an exception on a kernel task (Space == nil) to panic; got %d panics", len(*got))
	}
	if _, ok := (*got)[0].(*kernel.Error); !ok {
		t.Fatalf("expected a *kernel.Error describing the condition; got %#v", (*got)[0])
	}
}

func TestTickChargesQuantumAndSetsNeedResched(t *testing.T) {
	defer fixCPU(0)()
	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin}
	running := &Task{ID: 1, Priority: PriorityRealTimeMin, State: StateRunning, quantum: 1}
	pc.current = running

	Tick()

	if running.quantum != 0 {
		t.Fatalf("expected the quantum to be charged down to 0; got %d", running.quantum)
	}
	if !NeedResched() {
		t.Fatal("expected a quantum of 0 to request a reschedule")
	}
}

func TestTickIgnoresIdleTask(t *testing.T) {
	defer fixCPU(0)()
	Init(1)
	pc := &cpus[0]
	pc.idle = &Task{ID: 99, Priority: PriorityIdleMin, quantum: 1}
	pc.current = pc.idle

	Tick()

	if NeedResched() {
		t.Fatal("expected ticking the idle task to never request a reschedule")
	}
}
