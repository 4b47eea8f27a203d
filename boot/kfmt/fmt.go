// Package kfmt provides formatted output primitives that are safe to use at
// any point of the boot sequence. In contrast to the standard fmt package,
// kfmt performs no memory allocations and touches no runtime services that
// require a heap; all formatting state lives in package-level buffers which
// is safe given that the loader is strictly single-threaded.
package kfmt

import "io"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf holds digits while formatting a number; 64 bits of octal
	// plus padding fit comfortably.
	numFmtBuf [32]byte

	// singleByte is a shared buffer for emitting single characters
	// without triggering a string-to-slice conversion (which allocates).
	singleByte = []byte{0}

	// earlyPrintBuffer captures Printf output emitted before a console
	// sink has been attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. While nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes a formatted string to the active output sink. If no sink has
// been attached yet the output is held in a ring buffer and replayed once
// SetOutputSink is called.
//
// The supported subset of formatting verbs is: %s (string or []byte), %d,
// %x, %o (integers of any built-in width) and %t (bool). An optional decimal
// width before the verb left-pads the value: with spaces for %s and %d, with
// zeroes for %x. Pointer and float verbs are intentionally not supported;
// formatting either would drag in the reflect package which cannot be used
// before the Go runtime is bootstrapped.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg      int
		start, end   int
		padLen       int
		formatLength = len(format)
	)

	for end < formatLength {
		if format[end] != '%' {
			end++
			continue
		}

		writeByteRange(w, format, start, end)

		// Scan until we hit a verb character
		padLen = 0
		end++
	parseVerb:
		for ; end < formatLength; end++ {
			ch := format[end]
			switch {
			case ch == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseVerb
			case ch >= '0' && ch <= '9':
				padLen = padLen*10 + int(ch-'0')
				continue
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if nextArg >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[nextArg], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArg], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArg], 16, padLen)
				case 's':
					fmtString(w, args[nextArg], padLen)
				case 't':
					fmtBool(w, args[nextArg])
				}

				nextArg++
				break parseVerb
			default:
				doWrite(w, errNoVerb)
				break parseVerb
			}
		}
		start, end = end+1, end+1
	}

	writeByteRange(w, format, start, end)

	for ; nextArg < len(args); nextArg++ {
		doWrite(w, errExtraArg)
	}
}

// writeByteRange emits format[start:end] one byte at a time; slicing the
// string directly would allocate.
func writeByteRange(w io.Writer, format string, start, end int) {
	for i := start; i < end; i++ {
		singleByte[0] = format[i]
		doWrite(w, singleByte)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, isBool := v.(bool)
	if !isBool {
		doWrite(w, errWrongArgType)
		return
	}
	if b {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch val := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(val))
		writeByteRange(w, val, 0, len(val))
	case []byte:
		fmtRepeat(w, ' ', padLen-len(val))
		doWrite(w, val)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat emits ch count times. Passing a non-positive count is a no-op.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		singleByte[0] = ch
		doWrite(w, singleByte)
	}
}

// fmtInt prints a formatted version of an integer value of any built-in
// integer type in the requested base. Base-10 output is left-padded with
// spaces and base-16 output with zeroes up to padLen.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	switch val := v.(type) {
	case uint8:
		fmtUint(w, uint64(val), base, padLen)
	case uint16:
		fmtUint(w, uint64(val), base, padLen)
	case uint32:
		fmtUint(w, uint64(val), base, padLen)
	case uint64:
		fmtUint(w, val, base, padLen)
	case uint:
		fmtUint(w, uint64(val), base, padLen)
	case uintptr:
		fmtUint(w, uint64(val), base, padLen)
	case int8:
		fmtSint(w, int64(val), base, padLen)
	case int16:
		fmtSint(w, int64(val), base, padLen)
	case int32:
		fmtSint(w, int64(val), base, padLen)
	case int64:
		fmtSint(w, val, base, padLen)
	case int:
		fmtSint(w, int64(val), base, padLen)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtSint(w io.Writer, v int64, base, padLen int) {
	negative := v < 0
	if negative {
		v = -v
	}
	fmtNum(w, uint64(v), base, padLen, negative)
}

func fmtUint(w io.Writer, v uint64, base, padLen int) {
	fmtNum(w, v, base, padLen, false)
}

func fmtNum(w io.Writer, v uint64, base, padLen int, negative bool) {
	const digits = "0123456789abcdef"

	index := len(numFmtBuf)
	for {
		index--
		numFmtBuf[index] = digits[v%uint64(base)]
		v /= uint64(base)
		if v == 0 {
			break
		}
	}

	padCh := byte(' ')
	if base == 16 {
		padCh = '0'
	}

	// Zero padding belongs between the sign and the digits while space
	// padding precedes the sign.
	if negative {
		if padCh == '0' {
			singleByte[0] = '-'
			doWrite(w, singleByte)
			padLen--
		} else {
			index--
			numFmtBuf[index] = '-'
		}
	}

	fmtRepeat(w, padCh, padLen-(len(numFmtBuf)-index))
	doWrite(w, numFmtBuf[index:])
}

// doWrite redirects the write to the early print buffer when no output sink
// has been attached yet.
func doWrite(w io.Writer, p []byte) {
	if w == nil {
		w = &earlyPrintBuffer
	}
	w.Write(p)
}
