package syscall

import (
	"zincos/kernel/ipc"
	"zincos/kernel/mem/vmm"
	"zincos/kernel/sched"
)

// Process bundles the state a syscall needs beyond the raw frame: the
// calling task, its address space (for uaccess), and its handle table (for
// resolving capabilities). The teacher has no process concept at all
// (single address space, no userspace); this is new, grounded directly on
// spec.md §3's Task/Handle data model rather than on any teacher type.
type Process struct {
	PID     uint32
	Task    *sched.Task
	Space   *vmm.AddressSpace
	Handles ipc.HandleTable
}

// Endpoints is the single global endpoint registry every process's handle
// table resolves capabilities through (spec.md §4.8: "Registry ... one
// spinlock each", a process-independent table indexed by token).
var Endpoints ipc.Registry
