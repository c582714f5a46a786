package syscall

import (
	"zincos/kernel"
	"zincos/kernel/cpu"
	"zincos/kernel/hal"
	"zincos/kernel/ipc"
	"zincos/kernel/sched"
)

// init registers this package as the active key sink (spec.md §1: the PS/2
// driver that feeds it is an external collaborator named only through
// hal.KeySink).
func init() {
	hal.SetKeySink(keySinkFn(DepositByte))
}

type keySinkFn func(byte)

func (f keySinkFn) DepositByte(b byte) { f(b) }

// Dispatch is the syscall entry point: the architectural gate decodes
// Frame.Number/Frame.Args and calls this once, under interrupts enabled
// (spec.md §4.9). It never returns an error to its own caller; every
// failure is encoded into Frame's return register as -errno.
func Dispatch(p *Process, f *Frame) {
	ret := dispatchNumber(p, f, syscallNumber(f.Number))
	f.SetReturn(ret)
}

func syscallNumber(n uint64) Number { return Number(n) }

func dispatchNumber(p *Process, f *Frame, num Number) int64 {
	switch num {
	case Nop:
		return 0
	case GetCPUID:
		return int64(cpu.CurrentCPU())
	case SchedYield:
		sched.Yield()
		return 0
	case SysRead:
		return sysRead(p, f.Args[0], f.Args[1])
	case SysWrite:
		return sysWrite(p, f.Args[0], f.Args[1])
	case GetPID:
		return int64(p.PID)
	case SysExit:
		sched.Exit()
		return 0 // unreachable: Exit never returns

	case IPCCreateEP:
		return ipcCreateEndpoint(p)
	case IPCSend:
		return ipcSend(p, f.Args[0], f.Args[1])
	case IPCReceive:
		return ipcReceive(p, f.Args[0], f.Args[1])
	case IPCCall:
		return ipcCall(p, f.Args[0], f.Args[1], f.Args[2])
	case IPCReply:
		return ipcReply(p, f.Args[0], f.Args[1])
	case IPCDestroyEP:
		return ipcDestroyEndpoint(p, f.Args[0])
	case IPCNotify:
		return ipcNotify(p, f.Args[0])

	case SHMCreate, SHMGrant, SHMMap, SHMUnmap, SHMDestroy, VFSBootstrapEP:
		// Reserved numbers with no component in this repository's scope
		// (spec.md §1 Non-goals: no VFS/shared-memory subsystem here).
		return ENOSYS.ret()

	default:
		return ENOSYS.ret()
	}
}

// errnoFor translates a *kernel.Error into its -errno return value.
// KindGeneric has no syscall-level translation: reaching it here means a
// deep routine reported a kernel-fatal condition through the wrong channel,
// which is itself a bug, so it also maps to NOSYS rather than panicking the
// whole dispatcher over one bad syscall.
func errnoFor(e *kernel.Error) int64 {
	switch e.Kind {
	case kernel.KindInvalidArgument:
		return EINVAL.ret()
	case kernel.KindFault:
		return EFAULT.ret()
	case kernel.KindBadHandle:
		return EBADF.ret()
	case kernel.KindNoDevice:
		return ENODEV.ret()
	case kernel.KindOutOfMemory:
		return ENOMEM.ret()
	case kernel.KindAgain:
		return EAGAIN.ret()
	case kernel.KindClosedChannel:
		return EPIPE.ret()
	case kernel.KindNotImplemented:
		return ENOSYS.ret()
	default:
		return ENOSYS.ret()
	}
}

func sysRead(p *Process, bufVA, length uint64) int64 {
	n := int(length)
	if n <= 0 {
		return 0
	}
	if err := ValidateUserBuffer(p.Space, uintptr(bufVA), uintptr(n), true); err != nil {
		return errnoFor(err)
	}

	chunk := make([]byte, 1)
	for i := 0; i < n; i++ {
		chunk[0] = readByteBlocking(p.Task)
		if err := CopyOut(p.Space, uintptr(bufVA)+uintptr(i), chunk); err != nil {
			return errnoFor(err)
		}
	}
	return int64(n)
}

func sysWrite(p *Process, bufVA, length uint64) int64 {
	n := int(length)
	if n <= 0 {
		return 0
	}

	var buf [bounceBufferSize]byte
	written := 0
	for written < n {
		chunkLen := n - written
		if chunkLen > bounceBufferSize {
			chunkLen = bounceBufferSize
		}
		if err := CopyIn(p.Space, buf[:chunkLen], uintptr(bufVA)+uintptr(written)); err != nil {
			return errnoFor(err)
		}
		hal.ActiveTerminal.Write(buf[:chunkLen])
		written += chunkLen
	}
	return int64(n)
}

func ipcCreateEndpoint(p *Process) int64 {
	tok, _, err := Endpoints.Create(p.PID)
	if err != nil {
		return errnoFor(err)
	}
	h, err := p.Handles.InstallEndpoint(tok)
	if err != nil {
		return errnoFor(err)
	}
	return int64(h)
}

func resolveEndpoint(p *Process, handle uint64, need ipc.Rights) (*ipc.Endpoint, *kernel.Error) {
	tok, err := p.Handles.LookupEndpoint(ipc.Handle(handle), need)
	if err != nil {
		return nil, err
	}
	return Endpoints.Acquire(tok)
}

func ipcSend(p *Process, handle, msgVA uint64) int64 {
	ep, err := resolveEndpoint(p, handle, ipc.RightSend)
	if err != nil {
		return errnoFor(err)
	}
	defer Endpoints.ReleaseToken(ep)

	var wire [ipc.MessageWireSize]byte
	if err := CopyIn(p.Space, wire[:], uintptr(msgVA)); err != nil {
		return errnoFor(err)
	}
	if err := ep.Send(p.Task, ipc.Unmarshal(wire)); err != nil {
		return errnoFor(err)
	}
	if !ep.Alive() {
		return EPIPE.ret()
	}
	return 0
}

func ipcCall(p *Process, handle, msgVA, replyVA uint64) int64 {
	ep, err := resolveEndpoint(p, handle, ipc.RightCall)
	if err != nil {
		return errnoFor(err)
	}
	defer Endpoints.ReleaseToken(ep)

	var wire [ipc.MessageWireSize]byte
	if err := CopyIn(p.Space, wire[:], uintptr(msgVA)); err != nil {
		return errnoFor(err)
	}
	reply, err := ep.Call(p.Task, ipc.Unmarshal(wire))
	if err != nil {
		return errnoFor(err)
	}
	if !ep.Alive() {
		return EPIPE.ret()
	}
	replyWire := reply.Marshal()
	if err := CopyOutValue(p.Space, uintptr(replyVA), replyWire[:]); err != nil {
		return errnoFor(err)
	}
	return 0
}

func ipcReceive(p *Process, handle, msgVA uint64) int64 {
	ep, err := resolveEndpoint(p, handle, ipc.RightReceive)
	if err != nil {
		return errnoFor(err)
	}
	defer Endpoints.ReleaseToken(ep)

	msg, caller, err := ep.Receive(p.Task)
	if err != nil {
		return errnoFor(err)
	}
	if !ep.Alive() {
		return EPIPE.ret()
	}

	msgWire := msg.Marshal()
	if copyErr := CopyOutValue(p.Space, uintptr(msgVA), msgWire[:]); copyErr != nil {
		// A reply capability is about to leak if we drop it silently:
		// consume it immediately (spec.md §4.9 step 6 / §7).
		if caller != nil {
			ipc.Reply(caller, ipc.Message{})
		}
		return errnoFor(copyErr)
	}

	if caller == nil {
		return 0
	}
	h, installErr := p.Handles.InstallCaller(caller)
	if installErr != nil {
		ipc.Reply(caller, ipc.Message{})
		return errnoFor(installErr)
	}
	return int64(h)
}

func ipcReply(p *Process, callerHandle, msgVA uint64) int64 {
	caller, err := p.Handles.LookupCaller(ipc.Handle(callerHandle))
	if err != nil {
		return errnoFor(err)
	}
	p.Handles.Free(ipc.Handle(callerHandle))

	var wire [ipc.MessageWireSize]byte
	if err := CopyIn(p.Space, wire[:], uintptr(msgVA)); err != nil {
		return errnoFor(err)
	}
	ipc.Reply(caller, ipc.Unmarshal(wire))
	return 0
}

func ipcNotify(p *Process, handle uint64) int64 {
	ep, err := resolveEndpoint(p, handle, ipc.RightSend)
	if err != nil {
		return errnoFor(err)
	}
	defer Endpoints.ReleaseToken(ep)
	ep.Notify()
	return 0
}

func ipcDestroyEndpoint(p *Process, handle uint64) int64 {
	tok, err := p.Handles.LookupEndpoint(ipc.Handle(handle), 0)
	if err != nil {
		return errnoFor(err)
	}
	if err := Endpoints.Destroy(tok, p.PID); err != nil {
		return errnoFor(err)
	}
	p.Handles.Free(ipc.Handle(handle))
	return 0
}
