// Package event lets threads wait for events and wakes them up when the
// events occur.
package event

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// Event identifies a kind of event. Events are qualified by an object, e.g.
// the process a thread died in.
type Event uint8

const (
	EvThreadDied Event = iota + 1
	EvChildDied
	EvDataReadable
	EvDataWritable
	EvMutex
	EvUser
)

var (
	// ErrInterrupted is returned by WaitFor when a signal arrives while the
	// thread waits.
	ErrInterrupted = &kernel.Error{Module: "event", Message: "wait interrupted by a signal", Kind: kernel.KindInterrupted}

	errAlreadyWaiting = &kernel.Error{Module: "event", Message: "thread is already waiting", Kind: kernel.KindInvalidArgument}
)

// Scheduler is notified when threads block and wake up.
type Scheduler interface {
	SetBlocked(tid kernel.TID)
	SetReady(tid kernel.TID)
}

// Signals reports whether a thread has pending signals.
type Signals interface {
	HasPending(tid kernel.TID) bool
}

type waiter struct {
	ev     Event
	object uintptr
	wake   chan struct{}

	// interrupted is set before wake is closed if the wait must not be
	// retried.
	interrupted bool
}

// Manager keeps the waiting threads.
type Manager struct {
	lock sync.Spinlock

	sched   Scheduler
	signals Signals
	waiters map[kernel.TID]*waiter
}

// New returns a manager that reports state changes to sched.
func New(sched Scheduler, signals Signals) *Manager {
	return &Manager{
		sched:   sched,
		signals: signals,
		waiters: make(map[kernel.TID]*waiter),
	}
}

// Wait registers tid as waiting for ev on object and blocks it in the
// scheduler. The thread is made ready again by Wakeup.
func (m *Manager) Wait(tid kernel.TID, ev Event, object uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	_, err := m.waitLocked(tid, ev, object)
	return err
}

func (m *Manager) waitLocked(tid kernel.TID, ev Event, object uintptr) (*waiter, *kernel.Error) {
	if m.waiters[tid] != nil {
		return nil, errAlreadyWaiting
	}

	w := &waiter{ev: ev, object: object, wake: make(chan struct{})}
	m.waiters[tid] = w
	m.sched.SetBlocked(tid)
	return w, nil
}

// wakeLocked removes the waiter of tid and makes it ready.
func (m *Manager) wakeLocked(tid kernel.TID, w *waiter) {
	delete(m.waiters, tid)
	close(w.wake)
	m.sched.SetReady(tid)
}

// Wakeup wakes every thread waiting for ev on object and returns their
// number.
func (m *Manager) Wakeup(ev Event, object uintptr) int {
	m.lock.Acquire()
	defer m.lock.Release()

	woken := 0
	for tid, w := range m.waiters {
		if w.ev == ev && w.object == object {
			m.wakeLocked(tid, w)
			woken++
		}
	}
	return woken
}

// WakeupThread wakes tid if it waits for ev.
func (m *Manager) WakeupThread(tid kernel.TID, ev Event) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	if w := m.waiters[tid]; w != nil && w.ev == ev {
		m.wakeLocked(tid, w)
		return true
	}
	return false
}

// Interrupt wakes tid regardless of the event it waits for. It is invoked
// when a signal is sent to tid.
func (m *Manager) Interrupt(tid kernel.TID) {
	m.lock.Acquire()
	defer m.lock.Release()

	if w := m.waiters[tid]; w != nil {
		w.interrupted = true
		m.wakeLocked(tid, w)
	}
}

// IsWaiting returns true if tid waits for an event.
func (m *Manager) IsWaiting(tid kernel.TID) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.waiters[tid] != nil
}

// RemoveThread drops tid from the waiters without making it ready. A
// pending WaitFor of tid returns ErrInterrupted.
func (m *Manager) RemoveThread(tid kernel.TID) {
	m.lock.Acquire()
	defer m.lock.Release()

	if w := m.waiters[tid]; w != nil {
		w.interrupted = true
		delete(m.waiters, tid)
		close(w.wake)
	}
}

// WaitFor blocks the calling thread tid until cond holds. Under the manager
// lock it checks for pending signals and for cond and, if neither is
// satisfied, registers tid as waiting for ev on object before sleeping. The
// producer must change the state cond observes before calling Wakeup. A
// signal delivered before or during the wait aborts it with ErrInterrupted.
func (m *Manager) WaitFor(tid kernel.TID, ev Event, object uintptr, cond func() bool) *kernel.Error {
	for {
		m.lock.Acquire()
		if m.signals.HasPending(tid) {
			m.lock.Release()
			return ErrInterrupted
		}
		if cond() {
			m.lock.Release()
			return nil
		}

		w, err := m.waitLocked(tid, ev, object)
		m.lock.Release()
		if err != nil {
			return err
		}

		<-w.wake

		if w.interrupted || m.signals.HasPending(tid) {
			return ErrInterrupted
		}
	}
}

// Reset drops every waiter.
func (m *Manager) Reset() {
	m.lock.Acquire()
	defer m.lock.Release()

	m.waiters = make(map[kernel.TID]*waiter)
}
