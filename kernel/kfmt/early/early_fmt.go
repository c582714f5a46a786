// Package early provides a minimal, allocation-free Printf implementation
// that the kernel can use before the heap and scheduler exist. It is safe
// to call from init sequences, panic handlers, and IRQ context.
package early

import "zincos/kernel/hal"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	padding         = byte(' ')
	trueValue       = []byte("true")
	falseValue      = []byte("false")
)

// Printf formats according to a format specifier and writes to
// hal.ActiveTerminal. See Fprintf for the supported verb subset.
func Printf(format string, args ...interface{}) {
	Fprintf(hal.ActiveTerminal, format, args...)
}

// Fprintf formats according to a format specifier and writes to w. Unlike
// fmt.Fprintf it performs no heap allocations, which makes it safe to call
// before the kernel heap (kernel/heap) is initialized or while holding a
// spinlock with interrupts disabled.
//
// Supported verbs:
//
//	%s   the uninterpreted bytes of the string or byte slice
//	%o   integer, base 8
//	%d   integer, base 10
//	%x   integer, base 16, lower-case a-f
//	%t   "true" or "false"
//
// A decimal number immediately preceding the verb sets its minimum width;
// strings and base-10 integers are left-padded with spaces, base-8/16
// integers are left-padded with zeroes. %p is intentionally unsupported: it
// would require the reflect package to extract a pointer from an interface
// value, and reflect's type machinery allocates before the kernel heap is
// ready. Callers that need to print an address pass it as a uintptr/%x pair.
func Fprintf(w hal.Console, format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			for i := blockStart; i < blockEnd; i++ {
				w.WriteByte(format[i])
			}
		}

		// Scan til we hit the format character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				w.Write([]byte{'%'})
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				// Run out of args to print
				if nextArgIndex >= len(args) {
					w.Write(errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(w, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				case 't':
					fmtBool(w, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			// reached end of formatting string without finding a verb
			w.Write(errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		for i := blockStart; i < blockEnd; i++ {
			w.WriteByte(format[i])
		}
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		w.Write(errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v to w.
func fmtBool(w hal.Console, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		switch bVal {
		case true:
			w.Write(trueValue)
		case false:
			w.Write(falseValue)
		}
	default:
		w.Write(errWrongArgType)
		return
	}
}

// fmtString prints a formatted version of string or []byte value v to w,
// applying the padding specified by padLen.
func fmtString(w hal.Console, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, padding, padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			w.WriteByte(castedVal[i])
		}
	case []byte:
		fmtRepeat(w, padding, padLen-len(castedVal))
		w.Write(castedVal)
	default:
		w.Write(errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch to w.
func fmtRepeat(w hal.Console, ch byte, count int) {
	for i := 0; i < count; i++ {
		w.WriteByte(ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base to w,
// applying the padding specified by padLen. It supports all built-in signed
// and unsigned integer types and bases 8, 10 and 16.
func fmtInt(w hal.Console, v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		buf              [20]byte
		padCh            byte
		left, right, end int
	)

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch tv := v.(type) {
	case uint8:
		uval = uint64(tv)
	case uint16:
		uval = uint64(tv)
	case uint32:
		uval = uint64(tv)
	case uint64:
		uval = tv
	case uintptr:
		uval = uint64(tv)
	case int8:
		sval = int64(tv)
	case int16:
		sval = int64(tv)
	case int32:
		sval = int64(tv)
	case int64:
		sval = tv
	case int:
		sval = int64(tv)
	default:
		w.Write(errWrongArgType)
		return
	}

	// Handle signs
	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for {
		remainder = uval % divider
		if remainder < 10 {
			buf[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			buf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		buf[right] = padCh
	}

	// Apply negative sign to the rightmost blank character (if using enough padding);
	// otherwise append the sign as a new char
	if sval < 0 {
		for end = right - 1; buf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		buf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		buf[left], buf[right] = buf[right], buf[left]
	}

	w.Write(buf[0:end])
}
