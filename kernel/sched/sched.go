// Package sched implements a round-robin scheduler. It only knows thread
// ids; the thread manager owns the threads and their states.
package sched

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/sync"
)

type entry struct {
	blocked   bool
	suspended bool
	queued    bool
}

func (e *entry) runnable() bool {
	return !e.blocked && !e.suspended
}

// Scheduler keeps a FIFO queue of runnable threads.
type Scheduler struct {
	lock sync.Spinlock

	threads map[kernel.TID]*entry
	ready   []kernel.TID
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{threads: make(map[kernel.TID]*entry)}
}

func (s *Scheduler) entryLocked(tid kernel.TID) *entry {
	e := s.threads[tid]
	if e == nil {
		e = &entry{}
		s.threads[tid] = e
	}
	return e
}

func (s *Scheduler) enqueueLocked(tid kernel.TID, e *entry) {
	if !e.queued && e.runnable() {
		e.queued = true
		s.ready = append(s.ready, tid)
	}
}

func (s *Scheduler) dequeueLocked(tid kernel.TID, e *entry) {
	if !e.queued {
		return
	}

	e.queued = false
	for i, queued := range s.ready {
		if queued == tid {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// SetReady makes tid runnable and appends it to the ready queue unless it
// is suspended.
func (s *Scheduler) SetReady(tid kernel.TID) {
	s.lock.Acquire()
	defer s.lock.Release()

	e := s.entryLocked(tid)
	e.blocked = false
	s.enqueueLocked(tid, e)
}

// AddRunning makes the scheduler aware of tid, a runnable thread that is
// already running. It is queued again once it is switched away from.
func (s *Scheduler) AddRunning(tid kernel.TID) {
	s.lock.Acquire()
	defer s.lock.Release()

	e := s.entryLocked(tid)
	e.blocked = false
	s.dequeueLocked(tid, e)
}

// SetBlocked removes tid from the ready queue until SetReady is called.
func (s *Scheduler) SetBlocked(tid kernel.TID) {
	s.lock.Acquire()
	defer s.lock.Release()

	e := s.entryLocked(tid)
	e.blocked = true
	s.dequeueLocked(tid, e)
}

// SetSuspended suspends or resumes tid. A resumed thread that is not
// blocked is queued again.
func (s *Scheduler) SetSuspended(tid kernel.TID, suspended bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	e := s.entryLocked(tid)
	e.suspended = suspended
	if suspended {
		s.dequeueLocked(tid, e)
	} else {
		s.enqueueLocked(tid, e)
	}
}

// RemoveThread forgets tid.
func (s *Scheduler) RemoveThread(tid kernel.TID) {
	s.lock.Acquire()
	defer s.lock.Release()

	if e := s.threads[tid]; e != nil {
		s.dequeueLocked(tid, e)
		delete(s.threads, tid)
	}
}

// Perform picks the thread to run next. The current thread, if the
// scheduler knows it and it is still runnable, goes to the back of the
// queue. It returns kernel.InvalidTID if no thread is runnable.
func (s *Scheduler) Perform(cur kernel.TID) kernel.TID {
	s.lock.Acquire()
	defer s.lock.Release()

	if e := s.threads[cur]; e != nil {
		s.enqueueLocked(cur, e)
	}

	if len(s.ready) == 0 {
		return kernel.InvalidTID
	}

	next := s.ready[0]
	s.ready = s.ready[1:]
	s.threads[next].queued = false
	return next
}

// Ready returns a copy of the ready queue.
func (s *Scheduler) Ready() []kernel.TID {
	s.lock.Acquire()
	defer s.lock.Release()

	return append([]kernel.TID(nil), s.ready...)
}

// Reset forgets every thread.
func (s *Scheduler) Reset() {
	s.lock.Acquire()
	defer s.lock.Release()

	s.threads = make(map[kernel.TID]*entry)
	s.ready = nil
}
