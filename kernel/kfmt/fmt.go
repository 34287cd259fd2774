// Package kfmt provides formatted output and leveled logging facilities that
// are safe to use from any point of kernel execution, including the early
// boot stages where no console has been registered yet.
package kfmt

import "io"

// maxNumBufSize is the buffer size for formatting numbers; large enough for
// a signed 64-bit value in base 8.
const maxNumBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// singleByte is a shared one-byte buffer that allows writing individual
	// characters without triggering a string-to-slice allocation.
	singleByte = []byte{0}

	// earlyBuffer captures Printf output generated before a console sink
	// has been registered via SetOutputSink.
	earlyBuffer ringBuffer

	// outputSink is the io.Writer Printf sends its output to. While nil,
	// output is redirected to earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the target for all output and drains any data
// captured in the early boot ring buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments and writes the result to the registered
// output sink or, before a sink is registered, to the early boot buffer.
//
// The implementation performs no memory allocation and supports the verbs
// %s (string or byte slice), %d, %x, %o (all built-in integer types) and %t
// (bool). A decimal width may precede the verb; strings and base-10 integers
// are left-padded with spaces, base-16 integers with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		padLen   int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		// scan optional width
		padLen = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errNoVerb)
			break
		}

		if format[i] == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch format[i] {
		case 'o':
			fmtInt(w, args[argIndex], 8, padLen)
		case 'd':
			fmtInt(w, args[argIndex], 10, padLen)
		case 'x':
			fmtInt(w, args[argIndex], 16, padLen)
		case 's':
			fmtString(w, args[argIndex], padLen)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			write(w, errNoVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

// write sends p to w, or to the early boot buffer when no sink is available.
func write(w io.Writer, p []byte) {
	if w == nil {
		w = &earlyBuffer
	}
	w.Write(p)
}

// writeByte sends a single byte to w without allocating.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	write(w, singleByte)
}

// fmtBool writes the formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		write(w, errWrongArgType)
		return
	}

	if b {
		write(w, trueValue)
	} else {
		write(w, falseValue)
	}
}

// fmtString writes the formatted version of a string or byte slice value,
// left-padding with spaces up to padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', padLen-len(s))
		// converting the string to a byte slice would allocate, so the
		// bytes go out one at a time.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', padLen-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

// pad writes count bytes with value ch; count may be negative.
func pad(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// fmtInt writes the formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		negative = val < 0
		uval = abs64(int64(val))
	case int16:
		negative = val < 0
		uval = abs64(int64(val))
	case int32:
		negative = val < 0
		uval = abs64(int64(val))
	case int64:
		negative = val < 0
		uval = abs64(val)
	case int:
		negative = val < 0
		uval = abs64(int64(val))
	default:
		write(w, errWrongArgType)
		return
	}

	var (
		buf   [maxNumBufSize]byte
		index = len(buf)
	)

	for {
		index--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			buf[index] = '0' + digit
		} else {
			buf[index] = 'a' + digit - 10
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative {
		index--
		buf[index] = '-'
	}

	padCh := byte(' ')
	if base == 16 {
		padCh = '0'
	}
	pad(w, padCh, padLen-(len(buf)-index))

	write(w, buf[index:])
}

// abs64 returns the absolute value of v as an unsigned integer.
func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
