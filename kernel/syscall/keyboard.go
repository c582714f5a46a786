package syscall

import (
	"zincos/kernel/sched"
	"zincos/kernel/sync"
)

// keyLine is the line-buffered input channel sys_read blocks on. The PS/2
// driver that decodes scan codes and calls DepositByte is an external
// collaborator (spec.md §1 names the keyboard only through an interface);
// this type owns only the wait/wake discipline described in spec.md §5:
// "the keyboard ISR must set task.state = blocked under the keyboard lock
// before releasing and schedule()ing to prevent a lost wake if the
// producer fires between unlock and schedule."
var keyLine struct {
	lock   sync.Spinlock
	buf    []byte
	waiter *sched.Task
}

// DepositByte is called by the PS/2 driver's IRQ handler for every decoded
// scan code. It implements hal.KeySink.
func DepositByte(b byte) {
	g := sync.Lock(&keyLine.lock)
	keyLine.buf = append(keyLine.buf, b)
	w := keyLine.waiter
	keyLine.waiter = nil
	g.Release()

	if w != nil {
		sched.Wake(w)
	}
}

// readByteBlocking pops the next byte, blocking self until the driver
// deposits one if the buffer is currently empty. self is registered as the
// waiter, and marked blocked, while still holding keyLine's lock, then
// Schedule is called directly rather than sched.Block: if DepositByte wakes
// self between the unlock and the call to Schedule, self is already
// State == StateReady and back on its run queue, and Schedule's "only
// re-enqueue a task that is still StateRunning" check leaves it alone
// instead of clobbering the wake.
func readByteBlocking(self *sched.Task) byte {
	for {
		g := sync.Lock(&keyLine.lock)
		if len(keyLine.buf) > 0 {
			b := keyLine.buf[0]
			keyLine.buf = keyLine.buf[1:]
			g.Release()
			return b
		}
		self.State = sched.StateBlocked
		keyLine.waiter = self
		g.Release()

		sched.Schedule()
	}
}
