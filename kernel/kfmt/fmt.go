// Package kfmt implements the kernel's formatted output facilities: a small
// Printf that writes to a configurable sink, an early ring buffer capturing
// output produced before a sink is attached, per-module prefixed loggers and
// the kernel panic routine.
package kfmt

import (
	"io"
	"strconv"

	"github.com/Rohit12234/Escape/kernel/sync"
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// printLock serializes output produced by concurrently running CPUs.
	printLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	printLock.Acquire()
	defer printLock.Release()

	return outputSink
}

// Printf provides a minimal Printf implementation. Similar to fmt.Printf, it
// supports the following subset of formatting verbs:
//
// Strings:
//
//	%s the uninterpreted bytes of a string, byte slice, error or Stringer
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String values and base-10 integers are left-padded with spaces while
// base-8 and base-16 integers are left-padded with zeroes.
//
// The output of Printf is written to the active output sink. If no sink is
// attached, the output is buffered into a ring-buffer and flushed to the
// first sink set via SetOutputSink.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(outputSink, format, args...)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args...)
	printLock.Release()
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		out          = make([]byte, 0, len(format)+16)
		nextArgIndex int
		padLen       int
		fmtLen       = len(format)
	)

	for index := 0; index < fmtLen; index++ {
		if format[index] != '%' {
			out = append(out, format[index])
			continue
		}

		// Scan till we hit the format character
		padLen = 0
		index++
	parseFmt:
		for ; index < fmtLen; index++ {
			nextCh := format[index]
			switch {
			case nextCh == '%':
				out = append(out, '%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				// Run out of args to print
				if nextArgIndex >= len(args) {
					out = append(out, errMissingArg...)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					out = fmtInt(out, args[nextArgIndex], 8, padLen)
				case 'd':
					out = fmtInt(out, args[nextArgIndex], 10, padLen)
				case 'x':
					out = fmtInt(out, args[nextArgIndex], 16, padLen)
				case 's':
					out = fmtString(out, args[nextArgIndex], padLen)
				case 't':
					out = fmtBool(out, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			default:
				// unknown verb
				out = append(out, errNoVerb...)
				break parseFmt
			}
		}

		// reached end of formatting string without finding a verb
		if index == fmtLen {
			out = append(out, errNoVerb...)
		}
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		out = append(out, errExtraArg...)
	}

	if w != nil {
		_, _ = w.Write(out)
		return
	}

	_, _ = earlyPrintBuffer.Write(out)
}

// fmtBool appends a formatted version of boolean value v.
func fmtBool(out []byte, v interface{}) []byte {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		return append(out, errWrongArgType...)
	case bVal:
		return append(out, trueValue...)
	default:
		return append(out, falseValue...)
	}
}

// fmtString appends a formatted version of v, applying the padding specified
// by padLen.
func fmtString(out []byte, v interface{}, padLen int) []byte {
	var str string

	switch castedVal := v.(type) {
	case string:
		str = castedVal
	case []byte:
		str = string(castedVal)
	case error:
		str = castedVal.Error()
	case interface{ String() string }:
		str = castedVal.String()
	default:
		return append(out, errWrongArgType...)
	}

	out = fmtRepeat(out, ' ', padLen-len(str))
	return append(out, str...)
}

// fmtRepeat appends count bytes with value ch.
func fmtRepeat(out []byte, ch byte, count int) []byte {
	for i := 0; i < count; i++ {
		out = append(out, ch)
	}
	return out
}

// fmtInt appends a formatted version of v in the requested base, applying the
// padding specified by padLen. This function supports all built-in signed and
// unsigned integer types.
func fmtInt(out []byte, v interface{}, base, padLen int) []byte {
	var (
		uval     uint64
		negative bool
		padCh    = byte('0')
		digits   [64]byte
	)

	if base == 10 {
		padCh = ' '
	}

	switch castedVal := v.(type) {
	case uint8:
		uval = uint64(castedVal)
	case uint16:
		uval = uint64(castedVal)
	case uint32:
		uval = uint64(castedVal)
	case uint64:
		uval = castedVal
	case uint:
		uval = uint64(castedVal)
	case uintptr:
		uval = uint64(castedVal)
	case int8:
		uval, negative = abs(int64(castedVal))
	case int16:
		uval, negative = abs(int64(castedVal))
	case int32:
		uval, negative = abs(int64(castedVal))
	case int64:
		uval, negative = abs(castedVal)
	case int:
		uval, negative = abs(int64(castedVal))
	default:
		return append(out, errWrongArgType...)
	}

	numStr := strconv.AppendUint(digits[:0], uval, base)
	numLen := len(numStr)
	if negative {
		numLen++
	}

	// The sign goes after space padding but before zero padding.
	if padCh == ' ' {
		out = fmtRepeat(out, padCh, padLen-numLen)
	}
	if negative {
		out = append(out, '-')
	}
	if padCh == '0' {
		out = fmtRepeat(out, padCh, padLen-numLen)
	}

	return append(out, numStr...)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}
