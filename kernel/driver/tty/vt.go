// Package tty implements a line-discipline terminal (CR/LF/BS/TAB handling,
// cursor tracking, scroll-on-overflow) over a character-cell console
// device, adapting it to the byte-stream hal.Console interface the rest of
// the kernel writes through.
package tty

import "zincos/kernel/driver/video/console"

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black
	tabWidth  = 4
)

// Vt implements hal.Console (WriteByte/Write) on top of any
// console.Console cell device, processing CR, LF, BS, and TAB the way a
// simple serial terminal would.
type Vt struct {
	cons console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// AttachTo links the terminal with the specified console device and updates
// the terminal's dimensions to match the ones reported by the attached device.
func (t *Vt) AttachTo(cons console.Console) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX = 0
	t.curY = 0
	t.curAttr = makeAttr(defaultFg, defaultBg)
}

// Dimensions returns the attached console's width and height in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.cons.Clear(0, 0, t.width, t.height)
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y), clamped to the
// terminal's dimensions.
func (t *Vt) SetPosition(x, y uint16) {
	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}
	t.curX, t.curY = x, y
}

// WriteAtPosition writes ch with attr directly at (x, y) without moving the
// cursor, bypassing CR/LF/BS/TAB handling.
func (t *Vt) WriteAtPosition(x, y uint16, attr console.Attr, ch byte) {
	t.cons.Write(ch, attr, x, y)
}

// Write implements hal.Console.
func (t *Vt) Write(data []byte) {
	for _, b := range data {
		t.WriteByte(b)
	}
}

// WriteByte implements hal.Console.
func (t *Vt) WriteByte(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
			t.curX--
		}
	case '\t':
		for i := 0; i < tabWidth; i++ {
			t.cons.Write(' ', t.curAttr, t.curX, t.curY)
			t.curX++
			if t.curX == t.width {
				t.cr()
				t.lf()
			}
		}
	default:
		t.cons.Write(b, t.curAttr, t.curX, t.curY)
		t.curX++
		if t.curX == t.width {
			t.cr()
			t.lf()
		}
	}
}

// cr resets the x coordinate of the terminal cursor to 0.
func (t *Vt) cr() {
	t.curX = 0
}

// lf advances the y coordinate of the terminal cursor by one line, scrolling
// the terminal contents if the bottom line has already been reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}

func makeAttr(fg, bg console.Attr) console.Attr {
	return (bg << 4) | (fg & 0xF)
}
