package ipc

import (
	"sync/atomic"

	"zincos/kernel"
	"zincos/kernel/sched"
	"zincos/kernel/sync"
)

// ErrEndpointClosed is returned by an operation on an endpoint that has
// been (or becomes, mid-operation) destroyed.
var ErrEndpointClosed = &kernel.Error{Module: "ipc", Message: "endpoint closed", Kind: kernel.KindClosedChannel}

// Endpoint is a synchronous rendezvous channel between tasks (spec.md
// §4.7): a spinlock, two intrusive task queues reusing kernel/sched's
// TaskQueue (safe because a task parked here is always StateBlocked and
// therefore never also on a RunQueue bucket), a pending-notification
// counter, and a liveness flag.
type Endpoint struct {
	lock sync.Spinlock

	sendQ, recvQ sched.TaskQueue

	pendingNotifications uint32
	alive                bool
	refcount             int32
}

// NewEndpoint returns a live endpoint with one reference.
func NewEndpoint() *Endpoint {
	return &Endpoint{alive: true, refcount: 1}
}

// Alive reports whether the endpoint has not yet been destroyed. The
// syscall dispatcher checks this after being woken from a blocked send,
// receive, or call to decide whether to report PIPE.
func (e *Endpoint) Alive() bool {
	g := sync.Lock(&e.lock)
	defer g.Release()
	return e.alive
}

// Retain increments the endpoint's reference count.
func (e *Endpoint) Retain() {
	atomic.AddInt32(&e.refcount, 1)
}

// Release decrements the reference count. It does not destroy the
// endpoint at zero: ownership/destruction is the registry's job (§4.8).
func (e *Endpoint) Release() int32 {
	return atomic.AddInt32(&e.refcount, -1)
}

// Send delivers msg to a waiting receiver immediately, or blocks the
// calling task on the send queue until one arrives. It never expects a
// reply; self.WaitingForReply is always left false.
func (e *Endpoint) Send(self *sched.Task, msg Message) *kernel.Error {
	g := sync.Lock(&e.lock)
	if !e.alive {
		g.Release()
		return ErrEndpointClosed
	}

	if receiver := e.recvQ.PopFront(); receiver != nil {
		receiver.IPCSlot = msg.Marshal()
		receiver.IPCCaller = nil
		g.Release()
		sched.Wake(receiver)
		return nil
	}

	self.IPCSlot = msg.Marshal()
	self.WaitingForReply = false
	e.sendQ.PushBack(self)
	g.Release()

	sched.Block(0)
	return nil
}

// Call behaves like Send but marks the calling task as owed a reply: the
// rendezvous hands the receiver a caller handle instead of waking the
// sender, and the sender stays blocked until a matching Reply arrives. On
// return, the caller's reply is in its own IPC slot.
func (e *Endpoint) Call(self *sched.Task, msg Message) (Message, *kernel.Error) {
	g := sync.Lock(&e.lock)
	if !e.alive {
		g.Release()
		return Message{}, ErrEndpointClosed
	}

	if receiver := e.recvQ.PopFront(); receiver != nil {
		receiver.IPCSlot = msg.Marshal()
		receiver.IPCCaller = self
		self.WaitingForReply = true
		g.Release()

		sched.Wake(receiver)
		sched.Block(0)
		return Unmarshal(self.IPCSlot), nil
	}

	self.IPCSlot = msg.Marshal()
	self.WaitingForReply = true
	e.sendQ.PushBack(self)
	g.Release()

	sched.Block(0)
	return Unmarshal(self.IPCSlot), nil
}

// Receive returns the next message: a synthesized notify if one is
// pending, an already-waiting sender's message, or blocks the calling
// task on the receive queue until either arrives. The second return value
// is the sending task iff that sender is owed a reply (via Call); it is
// nil for a plain Send or a notification.
func (e *Endpoint) Receive(self *sched.Task) (Message, *sched.Task, *kernel.Error) {
	g := sync.Lock(&e.lock)
	if !e.alive {
		g.Release()
		return Message{}, nil, ErrEndpointClosed
	}

	if e.pendingNotifications > 0 {
		pending := e.pendingNotifications
		e.pendingNotifications--
		g.Release()
		return NotifyMessage(uint64(pending)), nil, nil
	}

	if sender := e.sendQ.PopFront(); sender != nil {
		msg := Unmarshal(sender.IPCSlot)
		var caller *sched.Task
		if sender.WaitingForReply {
			caller = sender
		}
		g.Release()
		if caller == nil {
			sched.Wake(sender)
		}
		return msg, caller, nil
	}

	e.recvQ.PushBack(self)
	g.Release()

	sched.Block(0)
	return Unmarshal(self.IPCSlot), self.IPCCaller, nil
}

// Reply writes msg into caller's IPC slot, clears its WaitingForReply
// flag, and wakes it. Non-blocking: caller must have been obtained from a
// prior Receive's caller return value. It is a package-level function
// rather than an Endpoint method because a reply only ever touches the
// caller task directly (the rendezvous already happened in Call/Receive);
// it needs no endpoint state, and the syscall dispatcher's caller handle
// (spec.md §4.8) carries only the task, not the endpoint it arrived on.
func Reply(caller *sched.Task, msg Message) {
	caller.IPCSlot = msg.Marshal()
	caller.WaitingForReply = false
	sched.Wake(caller)
}

// Notify increments the pending-notification counter, or if a task is
// already blocked in Receive, delivers a synthetic notify directly and
// wakes it instead of incrementing the counter.
func (e *Endpoint) Notify() {
	g := sync.Lock(&e.lock)
	e.pendingNotifications++

	if receiver := e.recvQ.PopFront(); receiver != nil {
		e.pendingNotifications--
		receiver.IPCSlot = NotifyMessage(1).Marshal()
		receiver.IPCCaller = nil
		g.Release()
		sched.Wake(receiver)
		return
	}
	g.Release()
}

// Destroy marks the endpoint dead and wakes every waiting task. A woken
// sender or receiver must check Alive() and report PIPE; Destroy clears
// WaitingForReply on every drained sender so none of them hangs waiting
// for a Reply that will never come.
func (e *Endpoint) Destroy() {
	g := sync.Lock(&e.lock)
	e.alive = false
	senders := e.sendQ.DrainAll()
	receivers := e.recvQ.DrainAll()
	g.Release()

	for _, t := range senders {
		t.WaitingForReply = false
		sched.Wake(t)
	}
	for _, t := range receivers {
		sched.Wake(t)
	}
}
