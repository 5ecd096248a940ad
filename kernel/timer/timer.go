// Package timer keeps track of sleeping threads and wakes them when their
// timeout expires.
package timer

import (
	"sort"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/sync"
)

var (
	errAlreadySleeping = &kernel.Error{Module: "timer", Message: "thread is already sleeping", Kind: kernel.KindInvalidArgument}
	errTooManySleepers = &kernel.Error{Module: "timer", Message: "too many sleeping threads", Kind: kernel.KindResourceExhausted}
)

// Scheduler is notified when threads fall asleep and wake up.
type Scheduler interface {
	SetBlocked(tid kernel.TID)
	SetReady(tid kernel.TID)
}

type sleeper struct {
	tid    kernel.TID
	wakeAt uint64
}

// Timer counts elapsed milliseconds and keeps the sleepers ordered by
// wakeup time.
type Timer struct {
	lock sync.Spinlock

	sched       Scheduler
	maxSleepers int
	now         uint64
	sleepers    []sleeper
}

// New returns a timer that tracks at most maxSleepers threads.
func New(sched Scheduler, maxSleepers int) *Timer {
	return &Timer{sched: sched, maxSleepers: maxSleepers}
}

// Now returns the number of milliseconds elapsed since boot.
func (t *Timer) Now() uint64 {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.now
}

// Sleep blocks tid for ms milliseconds.
func (t *Timer) Sleep(tid kernel.TID, ms uint64) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	for _, s := range t.sleepers {
		if s.tid == tid {
			return errAlreadySleeping
		}
	}
	if len(t.sleepers) >= t.maxSleepers {
		return errTooManySleepers
	}

	wakeAt := t.now + ms
	index := sort.Search(len(t.sleepers), func(i int) bool { return t.sleepers[i].wakeAt > wakeAt })
	t.sleepers = append(t.sleepers, sleeper{})
	copy(t.sleepers[index+1:], t.sleepers[index:])
	t.sleepers[index] = sleeper{tid: tid, wakeAt: wakeAt}

	t.sched.SetBlocked(tid)
	return nil
}

// Tick advances the clock by ms milliseconds and wakes every thread whose
// timeout expired. It returns the number of woken threads.
func (t *Timer) Tick(ms uint64) int {
	t.lock.Acquire()
	defer t.lock.Release()

	t.now += ms

	woken := 0
	for woken < len(t.sleepers) && t.sleepers[woken].wakeAt <= t.now {
		t.sched.SetReady(t.sleepers[woken].tid)
		woken++
	}
	t.sleepers = t.sleepers[woken:]
	return woken
}

// RemoveThread cancels the sleep of tid without waking it.
func (t *Timer) RemoveThread(tid kernel.TID) {
	t.lock.Acquire()
	defer t.lock.Release()

	for i, s := range t.sleepers {
		if s.tid == tid {
			t.sleepers = append(t.sleepers[:i], t.sleepers[i+1:]...)
			return
		}
	}
}

// Sleepers returns the number of sleeping threads.
func (t *Timer) Sleepers() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.sleepers)
}

// Reset drops every sleeper and restarts the clock.
func (t *Timer) Reset() {
	t.lock.Acquire()
	defer t.lock.Release()

	t.now = 0
	t.sleepers = nil
}
