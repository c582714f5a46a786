// Package hal defines the narrow interfaces the kernel core uses to reach
// the framebuffer/serial console and the PS/2 keyboard. Both concrete
// devices (VGA text mode, framebuffer font rendering, serial UART, PS/2
// scan-code decoding) are external collaborators outside the scope of this
// repository; hal only owns the seams that let kernel/kfmt/early and
// kernel/syscall reach them without depending on a concrete driver.
package hal

// Console is implemented by anything that can display or record the
// kernel's early diagnostic output. WriteByte and Write never block and
// never fail: console drivers operate below the point where error
// propagation has any useful recovery path.
type Console interface {
	WriteByte(b byte)
	Write(p []byte)
}

// nullConsole discards everything written to it. It is installed by default
// so that calls to early.Printf before a real console is attached do not
// dereference a nil interface.
type nullConsole struct{}

func (nullConsole) WriteByte(byte) {}
func (nullConsole) Write([]byte)   {}

// ActiveTerminal is the console that kernel/kfmt/early and the serial/
// framebuffer write paths of kernel/syscall write to. Boot code installs the
// real console via SetConsole once the UEFI-provided framebuffer has been
// mapped; until then it is a no-op sink.
var ActiveTerminal Console = nullConsole{}

// SetConsole installs c as the active console. Passing nil restores the
// null sink.
func SetConsole(c Console) {
	if c == nil {
		ActiveTerminal = nullConsole{}
		return
	}
	ActiveTerminal = c
}

// KeySink receives decoded scan-code bytes from the PS/2 driver as they
// arrive. kernel/syscall installs itself as the sink so sys_read has
// something to block on; the driver that calls DepositByte from its IRQ
// handler is an external collaborator this repository names only through
// this interface.
type KeySink interface {
	DepositByte(b byte)
}

// nullKeySink discards every byte. Installed by default so a driver that
// fires before kernel/syscall has registered itself does not panic.
type nullKeySink struct{}

func (nullKeySink) DepositByte(byte) {}

// ActiveKeySink is the sink the PS/2 driver's IRQ handler deposits into.
var ActiveKeySink KeySink = nullKeySink{}

// SetKeySink installs k as the active key sink. Passing nil restores the
// null sink.
func SetKeySink(k KeySink) {
	if k == nil {
		ActiveKeySink = nullKeySink{}
		return
	}
	ActiveKeySink = k
}
