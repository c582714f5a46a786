package ipc

import (
	"zincos/kernel"
	"zincos/kernel/sync"
)

// MaxEndpoints bounds the registry's fixed slot table.
const MaxEndpoints = 4096

// ErrNoFreeSlots is returned when every registry slot is in use.
var ErrNoFreeSlots = &kernel.Error{Module: "ipc", Message: "no free endpoint slots", Kind: kernel.KindAgain}

// ErrStaleToken is returned by Acquire/Destroy when a token's generation
// no longer matches the slot (the endpoint it named has been destroyed).
var ErrStaleToken = &kernel.Error{Module: "ipc", Message: "stale endpoint token", Kind: kernel.KindBadHandle}

// Token identifies one endpoint registration: an index into the registry's
// slot table plus the generation the slot held when the token was issued.
type Token struct {
	Index      uint32
	Generation uint32
}

type slot struct {
	endpoint *Endpoint
	ownerPID uint32
	gen      uint32
}

// Registry is the fixed `[0..MaxEndpoints)` slot table described in
// spec.md §4.8: Create picks the first free slot cyclically from a
// rolling index, Acquire/Release adjust the endpoint's refcount, and
// Destroy bumps the slot's generation (skipping 0) so surviving tokens
// fail lookup.
type Registry struct {
	lock   sync.Spinlock
	slots  [MaxEndpoints]slot
	cursor uint32
}

// Create installs a freshly made endpoint into the first free slot found
// scanning cyclically from the registry's rolling cursor, and returns the
// token naming it.
func (r *Registry) Create(ownerPID uint32) (Token, *Endpoint, *kernel.Error) {
	g := sync.Lock(&r.lock)
	defer g.Release()

	for i := uint32(0); i < MaxEndpoints; i++ {
		idx := (r.cursor + i) % MaxEndpoints
		if r.slots[idx].endpoint == nil {
			r.cursor = (idx + 1) % MaxEndpoints
			if r.slots[idx].gen == 0 {
				r.slots[idx].gen = 1
			}
			ep := NewEndpoint()
			r.slots[idx] = slot{endpoint: ep, ownerPID: ownerPID, gen: r.slots[idx].gen}
			return Token{Index: idx, Generation: r.slots[idx].gen}, ep, nil
		}
	}
	return Token{}, nil, ErrNoFreeSlots
}

// Acquire resolves a token to its endpoint and increments its refcount,
// or fails with ErrStaleToken if the slot has since been destroyed and
// reused (or destroyed and left empty).
func (r *Registry) Acquire(tok Token) (*Endpoint, *kernel.Error) {
	g := sync.Lock(&r.lock)
	defer g.Release()

	if tok.Index >= MaxEndpoints {
		return nil, ErrStaleToken
	}
	s := &r.slots[tok.Index]
	if s.endpoint == nil || s.gen != tok.Generation {
		return nil, ErrStaleToken
	}
	s.endpoint.Retain()
	return s.endpoint, nil
}

// ReleaseToken drops the reference Acquire took out.
func (r *Registry) ReleaseToken(ep *Endpoint) {
	ep.Release()
}

// Destroy removes tok's endpoint from the registry (after verifying the
// caller owns it), bumps the slot's generation so outstanding tokens fail
// Acquire, and begins closing the endpoint outside the registry lock
// before dropping the registry's own reference.
func (r *Registry) Destroy(tok Token, callerPID uint32) *kernel.Error {
	g := sync.Lock(&r.lock)
	if tok.Index >= MaxEndpoints {
		g.Release()
		return ErrStaleToken
	}
	s := &r.slots[tok.Index]
	if s.endpoint == nil || s.gen != tok.Generation {
		g.Release()
		return ErrStaleToken
	}
	if s.ownerPID != callerPID {
		g.Release()
		return ErrStaleToken
	}

	ep := s.endpoint
	s.endpoint = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	g.Release()

	ep.Destroy()
	ep.Release()
	return nil
}
