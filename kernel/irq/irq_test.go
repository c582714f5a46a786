package irq

import (
	"bytes"
	"testing"
	"unsafe"

	"zincos/kernel/hal"
)

func uintptrOf(p interface{}) uintptr {
	switch v := p.(type) {
	case *Frame:
		return uintptr(unsafe.Pointer(v))
	case *Regs:
		return uintptr(unsafe.Pointer(v))
	default:
		panic("unsupported type")
	}
}

type bufConsole struct {
	bytes.Buffer
}

func (b *bufConsole) WriteByte(c byte) { b.Buffer.WriteByte(c) }
func (b *bufConsole) Write(p []byte)   { b.Buffer.Write(p) }

func TestRegsPrint(t *testing.T) {
	fb := &bufConsole{}
	hal.SetConsole(fb)
	defer hal.SetConsole(nil)

	regs := Regs{RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RBP: 7, R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15}
	regs.Print()

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\nRCX = 0000000000000003 RDX = 0000000000000004\nRSI = 0000000000000005 RDI = 0000000000000006\nRBP = 0000000000000007\nR8  = 0000000000000008 R9  = 0000000000000009\nR10 = 000000000000000a R11 = 000000000000000b\nR12 = 000000000000000c R13 = 000000000000000d\nR14 = 000000000000000e R15 = 000000000000000f\n"
	if got := fb.String(); got != exp {
		t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFramePrint(t *testing.T) {
	fb := &bufConsole{}
	hal.SetConsole(fb)
	defer hal.SetConsole(nil)

	frame := Frame{RIP: 1, CS: 2, RFlags: 3, RSP: 4, SS: 5}
	frame.Print()

	exp := "RIP = 0000000000000001 CS  = 0000000000000002\nRSP = 0000000000000004 SS  = 0000000000000005\nRFL = 0000000000000003\n"
	if got := fb.String(); got != exp {
		t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
	}
}

func TestDispatchTrampolineRoutesToRegisteredHandler(t *testing.T) {
	defer func() {
		handlers[GPFException] = nil
		handlersWithCode[GPFException] = nil
	}()

	var gotCode uint64
	var called bool
	HandleExceptionWithCode(GPFException, func(errorCode uint64, frame *Frame, regs *Regs) {
		called = true
		gotCode = errorCode
	})

	var frame Frame
	var regs Regs
	dispatchTrampoline(uint64(GPFException), 0xdead, uintptrOf(&frame), uintptrOf(&regs))

	if !called {
		t.Fatal("expected the registered handler to run")
	}
	if gotCode != 0xdead {
		t.Fatalf("expected error code 0xdead; got %#x", gotCode)
	}
}

func TestDispatchTrampolineFallsBackToHalt(t *testing.T) {
	defer func() {
		haltFn = Halt
		hal.SetConsole(nil)
	}()

	haltCalled := false
	haltFn = func() { haltCalled = true }

	fb := &bufConsole{}
	hal.SetConsole(fb)

	var frame Frame
	var regs Regs
	dispatchTrampoline(uint64(InvalidOpcode), 0, uintptrOf(&frame), uintptrOf(&regs))

	if !haltCalled {
		t.Fatal("expected an unhandled exception to fall back to haltFn")
	}
}
