package kernel

// ErrorKind classifies a kernel error so that callers can decide how to
// react to it without comparing against every sentinel of every module.
type ErrorKind uint8

const (
	// KindGeneric is the zero kind used by errors that do not fall in any
	// of the categories below.
	KindGeneric ErrorKind = iota

	// KindOutOfMemory indicates that a frame pool or a bookkeeping
	// allocation was exhausted.
	KindOutOfMemory

	// KindNotFound indicates that a region, thread or id does not exist.
	KindNotFound

	// KindResourceExhausted indicates that a bounded resource (e.g. the
	// thread id space) has no free slots left.
	KindResourceExhausted

	// KindInvalidArgument indicates a request that can never succeed.
	KindInvalidArgument

	// KindInvariantViolation indicates corrupted kernel bookkeeping. Errors
	// of this kind are never returned; they are passed to kfmt.Panic.
	KindInvariantViolation

	// KindInterrupted indicates that a wait was aborted by a signal.
	KindInterrupted

	// KindFault indicates an access that the faulting process is not
	// allowed to perform.
	KindFault
)

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsKind returns true if err is non-nil and belongs to the given kind.
func IsKind(err *Error, kind ErrorKind) bool {
	return err != nil && err.Kind == kind
}

// PID identifies a process.
type PID uint32

// TID identifies a thread.
type TID uint32

// InvalidTID is returned by the thread id allocator when all slots are in
// use.
const InvalidTID = TID(0xffffffff)
