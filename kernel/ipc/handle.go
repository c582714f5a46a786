package ipc

import (
	"zincos/kernel"
	"zincos/kernel/sched"
	"zincos/kernel/sync"
)

// MaxSlots bounds a process's handle table (spec.md §6).
const MaxSlots = 16384

// Rights is a bitset of operations a handle permits.
type Rights uint8

const (
	RightSend    Rights = 1 << 0
	RightReceive Rights = 1 << 1
	RightCall    Rights = 1 << 2
	RightReply   Rights = 1 << 3
)

// EndpointRights is the default right set an endpoint's creator holds.
const EndpointRights = RightSend | RightReceive | RightCall

// Kind distinguishes what a handle names.
type Kind uint8

const (
	// KindEndpoint handles name a Token into a Registry.
	KindEndpoint Kind = 1
	// KindCaller handles name a task owed a reply (granted by Receive,
	// single-use, consumed by Reply).
	KindCaller Kind = 2
)

// ErrBadHandle is returned when a handle fails generation, kind, or
// rights validation.
var ErrBadHandle = &kernel.Error{Module: "ipc", Message: "invalid or insufficient-rights handle", Kind: kernel.KindBadHandle}

type handleSlot struct {
	occupied bool
	gen      uint32
	kind     Kind
	rights   Rights

	endpointToken Token
	callerTask    *sched.Task
}

// HandleTable is a process's capability table: MaxSlots entries, each
// reusable after Free bumps its generation. A handle value packs
// {index:14, generation:12, kind:2, rights:4} into a uint32 (spec.md §6)
// so userspace can carry it as an opaque integer.
type HandleTable struct {
	lock  sync.Spinlock
	slots [MaxSlots]handleSlot
}

// Handle is the packed {index, generation, kind, rights} value handed to
// userspace.
type Handle uint32

func packHandle(index uint32, gen uint32, kind Kind, rights Rights) Handle {
	return Handle(index&0x3fff | (gen&0xfff)<<14 | uint32(kind&0x3)<<26 | uint32(rights&0xf)<<28)
}

func (h Handle) index() uint32  { return uint32(h) & 0x3fff }
func (h Handle) gen() uint32    { return (uint32(h) >> 14) & 0xfff }
func (h Handle) kind() Kind     { return Kind((uint32(h) >> 26) & 0x3) }
func (h Handle) rights() Rights { return Rights((uint32(h) >> 28) & 0xf) }

// InstallEndpoint creates an endpoint handle with EndpointRights for tok.
func (t *HandleTable) InstallEndpoint(tok Token) (Handle, *kernel.Error) {
	return t.install(KindEndpoint, EndpointRights, handleSlot{endpointToken: tok})
}

// InstallCaller creates a single-use caller handle carrying RightReply
// only, for the task ipc_receive returned as the sender owed a reply.
func (t *HandleTable) InstallCaller(caller *sched.Task) (Handle, *kernel.Error) {
	return t.install(KindCaller, RightReply, handleSlot{callerTask: caller})
}

func (t *HandleTable) install(kind Kind, rights Rights, fill handleSlot) (Handle, *kernel.Error) {
	g := sync.Lock(&t.lock)
	defer g.Release()

	for i := range t.slots {
		if !t.slots[i].occupied {
			if t.slots[i].gen == 0 {
				t.slots[i].gen = 1
			}
			fill.occupied = true
			fill.kind = kind
			fill.rights = rights
			fill.gen = t.slots[i].gen
			t.slots[i] = fill
			return packHandle(uint32(i), fill.gen, kind, rights), nil
		}
	}
	return 0, &kernel.Error{Module: "ipc", Message: "handle table full", Kind: kernel.KindAgain}
}

// LookupEndpoint validates h as an occupied, generation-matching
// KindEndpoint handle carrying at least `need`, and returns its token.
func (t *HandleTable) LookupEndpoint(h Handle, need Rights) (Token, *kernel.Error) {
	g := sync.Lock(&t.lock)
	defer g.Release()

	s, err := t.lookupLocked(h, KindEndpoint, need)
	if err != nil {
		return Token{}, err
	}
	return s.endpointToken, nil
}

// LookupCaller validates h as an occupied, generation-matching KindCaller
// handle, and returns the task it names.
func (t *HandleTable) LookupCaller(h Handle) (*sched.Task, *kernel.Error) {
	g := sync.Lock(&t.lock)
	defer g.Release()

	s, err := t.lookupLocked(h, KindCaller, RightReply)
	if err != nil {
		return nil, err
	}
	return s.callerTask, nil
}

func (t *HandleTable) lookupLocked(h Handle, kind Kind, need Rights) (*handleSlot, *kernel.Error) {
	idx := h.index()
	if idx >= MaxSlots {
		return nil, ErrBadHandle
	}
	s := &t.slots[idx]
	if !s.occupied || s.gen != h.gen() || s.kind != kind {
		return nil, ErrBadHandle
	}
	if s.rights&need != need {
		return nil, ErrBadHandle
	}
	return s, nil
}

// Free bumps the slot's generation, invalidating every outstanding handle
// that named it (including h itself). The syscall layer calls it both for
// an explicit close (ipc_destroy_endpoint) and to consume a single-use
// caller handle (ipc_reply); the table never frees a handle on its own.
func (t *HandleTable) Free(h Handle) {
	g := sync.Lock(&t.lock)
	defer g.Release()

	idx := h.index()
	if idx >= MaxSlots {
		return
	}
	s := &t.slots[idx]
	if !s.occupied || s.gen != h.gen() {
		return
	}
	s.occupied = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.callerTask = nil
}
