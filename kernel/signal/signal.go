// Package signal keeps the signal handlers of threads and the signals
// pending for threads and processes.
package signal

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// Signal identifies a signal.
type Signal uint8

const (
	SigKill Signal = iota + 1
	SigTerm
	SigSegFault
	SigIllegalInstr
	SigAlarm
	SigIntrpt
	SigChildTerm
	SigThreadDied
	SigUser1
	SigUser2

	// SignalCount is the number of signals.
	SignalCount = int(SigUser2)
)

// String implements fmt.Stringer for Signal.
func (s Signal) String() string {
	switch s {
	case SigKill:
		return "SIGKILL"
	case SigTerm:
		return "SIGTERM"
	case SigSegFault:
		return "SIGSEGV"
	case SigIllegalInstr:
		return "SIGILL"
	case SigAlarm:
		return "SIGALRM"
	case SigIntrpt:
		return "SIGINT"
	case SigChildTerm:
		return "SIGCHLD"
	case SigThreadDied:
		return "SIGTHREADDIED"
	case SigUser1:
		return "SIGUSR1"
	case SigUser2:
		return "SIGUSR2"
	default:
		return "SIG?"
	}
}

// Handler is the user space address of a signal handler.
type Handler uintptr

var errBadSignal = &kernel.Error{Module: "signal", Message: "invalid signal number", Kind: kernel.KindInvalidArgument}

// Manager keeps the per-thread handler tables and pending signals.
type Manager struct {
	lock sync.Spinlock

	handlers      map[kernel.TID]map[Signal]Handler
	threadPending map[kernel.TID][]Signal
	procPending   map[kernel.PID][]Signal

	// notifyFn is invoked, with no lock held, when a signal is sent to a
	// thread so that a waiting thread can be interrupted.
	notifyFn func(kernel.TID)
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{
		handlers:      make(map[kernel.TID]map[Signal]Handler),
		threadPending: make(map[kernel.TID][]Signal),
		procPending:   make(map[kernel.PID][]Signal),
	}
}

// SetNotifier registers fn to be called for every signal sent to a thread.
func (m *Manager) SetNotifier(fn func(kernel.TID)) {
	m.lock.Acquire()
	m.notifyFn = fn
	m.lock.Release()
}

func valid(sig Signal) bool {
	return sig >= SigKill && int(sig) <= SignalCount
}

// SetHandler installs h for sig in the thread tid. A zero handler removes
// it.
func (m *Manager) SetHandler(tid kernel.TID, sig Signal, h Handler) *kernel.Error {
	if !valid(sig) {
		return errBadSignal
	}

	m.lock.Acquire()
	defer m.lock.Release()

	table := m.handlers[tid]
	if h == 0 {
		delete(table, sig)
		return nil
	}

	if table == nil {
		table = make(map[Signal]Handler)
		m.handlers[tid] = table
	}
	table[sig] = h
	return nil
}

// Handler returns the handler installed for sig in tid.
func (m *Manager) Handler(tid kernel.TID, sig Signal) (Handler, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	h, ok := m.handlers[tid][sig]
	return h, ok
}

// RemoveHandlerFor drops every handler and pending signal of tid.
func (m *Manager) RemoveHandlerFor(tid kernel.TID) {
	m.lock.Acquire()
	defer m.lock.Release()

	delete(m.handlers, tid)
	delete(m.threadPending, tid)
}

// CloneHandler copies the handlers of src to dst.
func (m *Manager) CloneHandler(src, dst kernel.TID) {
	m.lock.Acquire()
	defer m.lock.Release()

	table := m.handlers[src]
	if len(table) == 0 {
		return
	}

	clone := make(map[Signal]Handler, len(table))
	for sig, h := range table {
		clone[sig] = h
	}
	m.handlers[dst] = clone
}

// Send makes sig pending for the thread tid.
func (m *Manager) Send(tid kernel.TID, sig Signal) *kernel.Error {
	if !valid(sig) {
		return errBadSignal
	}

	m.lock.Acquire()
	m.threadPending[tid] = append(m.threadPending[tid], sig)
	notify := m.notifyFn
	m.lock.Release()

	if notify != nil {
		notify(tid)
	}
	return nil
}

// HasPending returns true if a signal is pending for tid.
func (m *Manager) HasPending(tid kernel.TID) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	return len(m.threadPending[tid]) != 0
}

// Take removes and returns the oldest signal pending for tid.
func (m *Manager) Take(tid kernel.TID) (Signal, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	pending := m.threadPending[tid]
	if len(pending) == 0 {
		return 0, false
	}

	sig := pending[0]
	if len(pending) == 1 {
		delete(m.threadPending, tid)
	} else {
		m.threadPending[tid] = pending[1:]
	}
	return sig, true
}

// AddSignalFor makes sig pending for the process pid.
func (m *Manager) AddSignalFor(pid kernel.PID, sig Signal) {
	m.lock.Acquire()
	defer m.lock.Release()

	m.procPending[pid] = append(m.procPending[pid], sig)
}

// Pending removes and returns the signals pending for the process pid.
func (m *Manager) Pending(pid kernel.PID) []Signal {
	m.lock.Acquire()
	defer m.lock.Release()

	pending := m.procPending[pid]
	delete(m.procPending, pid)
	return pending
}

// Reset drops all handlers and pending signals.
func (m *Manager) Reset() {
	m.lock.Acquire()
	defer m.lock.Release()

	m.handlers = make(map[kernel.TID]map[Signal]Handler)
	m.threadPending = make(map[kernel.TID][]Signal)
	m.procPending = make(map[kernel.PID][]Signal)
}
