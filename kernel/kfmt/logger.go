package kfmt

// Logger tags every line it emits with a "[module] " prefix. Subsystems keep
// a package-level Logger instead of repeating the prefix in every Printf.
type Logger struct {
	w PrefixWriter
}

// NewLogger returns a Logger for the given module name.
func NewLogger(module string) *Logger {
	return &Logger{
		w: PrefixWriter{Prefix: []byte("[" + module + "] ")},
	}
}

// Printf formats according to Printf rules and writes the result to the
// active output sink (or the early ring buffer) with the logger prefix.
func (l *Logger) Printf(format string, args ...interface{}) {
	printLock.Acquire()
	defer printLock.Release()

	l.w.Sink = sinkWriter{}
	fprintf(&l.w, format, args...)
}

// sinkWriter forwards writes to the output sink active at the time of the
// write. It must only be used while printLock is held.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}
