package kernel

// ErrorKind classifies an Error so that the syscall dispatcher can translate
// it into the appropriate -errno value without string matching. The zero
// value, KindGeneric, indicates a kernel-fatal condition that has no
// syscall-level translation and must reach kernel.Panic instead.
type ErrorKind uint8

const (
	// KindGeneric marks an error with no syscall-level translation.
	KindGeneric ErrorKind = iota
	// KindInvalidArgument corresponds to errno INVAL.
	KindInvalidArgument
	// KindFault corresponds to errno FAULT (bad user pointer).
	KindFault
	// KindBadHandle corresponds to errno BADF.
	KindBadHandle
	// KindNoDevice corresponds to errno NODEV.
	KindNoDevice
	// KindOutOfMemory corresponds to errno NOMEM.
	KindOutOfMemory
	// KindAgain corresponds to errno AGAIN (out of handles/endpoints).
	KindAgain
	// KindClosedChannel corresponds to errno PIPE (endpoint closed).
	KindClosedChannel
	// KindNotImplemented corresponds to errno NOSYS.
	KindNotImplemented
)

// Error describes a kernel error. All kernel errors must be defined as
// global variables that are pointers to the Error structure, or constructed
// once at init time and reused. This requirement stems from the fact that
// the kernel heap may not yet be available when early subsystems report
// errors, so routines in kernel/mem and kernel/sched avoid allocating a new
// Error per call.
type Error struct {
	// Module is where the error occurred.
	Module string

	// Message is the error message.
	Message string

	// Kind lets the syscall dispatcher pick an -errno value without
	// parsing Message. KindGeneric means "no syscall maps to this",
	// which callers in kernel/syscall treat as a fatal condition.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
