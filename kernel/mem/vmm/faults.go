package vmm

import (
	"zincos/kernel"
	"zincos/kernel/cpu"
	"zincos/kernel/hal"
	"zincos/kernel/irq"
	"zincos/kernel/kfmt/early"
	"zincos/kernel/mem"
)

// faultAddressFn reads CR2. A package variable so hosted tests can avoid
// the assembly-only register read.
var faultAddressFn = cpu.FaultAddress

// panicFn is called on an unrecoverable page fault. A package variable for
// the same reason as faultAddressFn.
var panicFn = kernel.Panic

// InstallFaultHandlers registers the page-fault and general-protection-fault
// handlers with kernel/irq. Kmain calls this once, just before irq.Init, and
// before any address space other than the kernel's is activated.
func InstallFaultHandlers() {
	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler implements copy-on-write: a write fault against a
// present, read-only, copy-on-write leaf duplicates the backing frame,
// installs the duplicate as writable, and clears the CoW flag, then
// returns so the faulting instruction retries. Anything else is fatal.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := faultAddressFn()

	const writeFault = 0x2
	if errorCode&writeFault != 0 {
		if recoverCopyOnWrite(faultAddress) {
			return
		}
	}

	reportFatalFault(faultAddress, errorCode, frame, regs)
}

// recoverCopyOnWrite resolves a write fault against a CoW page, if the
// faulting address names one. It operates directly on the active mapper
// root, the only root that can be faulting on this CPU.
func recoverCopyOnWrite(faultAddress uintptr) bool {
	m := &KernelMapper
	root := m.ActiveRoot()

	page := faultAddress &^ uintptr(mem.PageSize-1)
	pte, err := m.walk(root, page, false)
	if err != nil || pte == nil || !pte.present() {
		return false
	}
	if pte.huge() || uintptr(*pte)&pteWritable != 0 || uintptr(*pte)&pteCopyOnWrite == 0 {
		return false
	}

	oldFrame := pte.frame()
	newFrame, allocErr := m.allocFrame()
	if allocErr != nil {
		return false
	}

	mem.Memcopy(m.tableAddr(newFrame), m.tableAddr(oldFrame), mem.PageSize)

	*pte = 0
	pte.setFrame(newFrame)
	*pte = pageTableEntry(uintptr(*pte) | ptePresent | pteWritable | pteUser)
	flushTLBEntryFn(page)

	return true
}

func reportFatalFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Fprintf(hal.ActiveTerminal, "\npage fault while accessing address: 0x%16x\nreason: ", faultAddress)
	switch errorCode & 0x7 {
	case 0x0:
		early.Fprintf(hal.ActiveTerminal, "read from non-present page")
	case 0x1:
		early.Fprintf(hal.ActiveTerminal, "page protection violation (read)")
	case 0x2:
		early.Fprintf(hal.ActiveTerminal, "write to non-present page")
	case 0x3:
		early.Fprintf(hal.ActiveTerminal, "page protection violation (write)")
	case 0x4:
		early.Fprintf(hal.ActiveTerminal, "page fault in user-mode")
	default:
		early.Fprintf(hal.ActiveTerminal, "unknown (code %#x)", errorCode)
	}
	early.Fprintf(hal.ActiveTerminal, "\n\nregisters:\n")
	regs.Print()
	frame.Print()

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault", Kind: kernel.KindFault})
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Fprintf(hal.ActiveTerminal, "\ngeneral protection fault\n\nregisters:\n")
	regs.Print()
	frame.Print()
	panicFn(&kernel.Error{Module: "vmm", Message: "general protection fault", Kind: kernel.KindFault})
}
