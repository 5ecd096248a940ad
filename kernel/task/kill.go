package task

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/event"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/signal"
)

// Kill terminates t. A thread that is running on a CPU can not release the
// kernel stack it executes on: it is detached from the scheduler, the event
// system and the timer, becomes a zombie and Kill returns false. Its
// resources are reclaimed by Switch once the CPU has switched away from it.
// Any other thread is destroyed immediately and Kill returns true.
func (m *Manager) Kill(t *Thread) bool {
	if t.ID == 0 {
		panicFn(errKillInit)
		return false
	}

	m.lock.Acquire()
	if t.State() == StateZombie || t.reclaimed {
		m.lock.Release()
		return false
	}

	m.events.RemoveThread(t.ID)
	m.sched.RemoveThread(t.ID)
	m.timer.RemoveThread(t.ID)
	t.setState(StateZombie)

	if t.CPU() >= 0 {
		m.zombies = append(m.zombies, t)
		m.lock.Release()
		return false
	}
	m.lock.Release()

	m.teardown(t)
	return true
}

// KillProcess kills every thread of p and returns the number of threads
// that were destroyed immediately.
func (m *Manager) KillProcess(p *Process) int {
	destroyed := 0
	for _, t := range m.Threads(p) {
		if t.ID == 0 {
			continue
		}
		if m.Kill(t) {
			destroyed++
		}
	}
	return destroyed
}

// teardown releases every resource of t. It runs exactly once per thread
// and never on the CPU that t last ran on before switching away.
func (m *Manager) teardown(t *Thread) {
	m.lock.Acquire()
	if t.reclaimed {
		m.lock.Release()
		return
	}
	t.reclaimed = true
	m.zombies = removeThread(m.zombies, t)

	tls, stacks := t.tlsRegion, t.stackRegions
	t.tlsRegion = vmm.NoRegion
	for i := range t.stackRegions {
		t.stackRegions[i] = vmm.NoRegion
	}

	locks, heapAllocs, callbacks := t.locks, t.heapAllocs, t.callbacks
	t.locks, t.heapAllocs, t.callbacks = nil, nil, nil
	lastThread := t.Proc.threads == 1
	m.lock.Release()

	// Regions are only removed while other threads of the process live;
	// the last thread takes the address space down with it.
	as := t.Proc.AS
	if as != nil && !lastThread {
		if tls != vmm.NoRegion {
			_ = as.Remove(tls)
		}
		for _, stack := range stacks {
			if stack != vmm.NoRegion {
				_ = as.Remove(stack)
			}
		}
	}

	if t.Kstack.Valid() {
		m.frames.FreeFrame(t.Kstack)
	}

	for _, l := range locks {
		l.Release()
	}
	for _, addr := range heapAllocs {
		m.heap.Free(addr)
	}
	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}

	m.signals.RemoveHandlerFor(t.ID)
	m.events.RemoveThread(t.ID)
	m.sched.RemoveThread(t.ID)
	m.timer.RemoveThread(t.ID)
	freeArchFn(m, t)
	m.vfs.RemoveThread(t.ID)

	m.signals.AddSignalFor(t.Proc.PID, signal.SigThreadDied)
	m.events.Wakeup(event.EvThreadDied, uintptr(t.Proc.PID))

	m.lock.Acquire()
	m.threads = removeThread(m.threads, t)
	if t.isIdle() {
		m.idle = removeThread(m.idle, t)
	}
	m.tids[t.ID] = nil
	t.Proc.threads--
	lastThread = t.Proc.threads == 0
	m.lock.Release()

	if lastThread && as != nil {
		as.Destroy()
	}
}

// Switch lets cpu switch to the thread picked by the scheduler, or to an
// idle thread if nothing is runnable, and returns the new running thread.
// If the previous thread was killed while running, it is reclaimed once the
// switch is complete.
func (m *Manager) Switch(cpu int) *Thread {
	m.lock.Acquire()

	cur := m.running[cpu]
	curTID := kernel.InvalidTID
	if cur != nil {
		curTID = cur.ID
	}

	// A thread woken up while it is still switching away on another CPU
	// may be picked; it is skipped and requeued by its own CPU.
	var next *Thread
	tid := m.sched.Perform(curTID)
	for tries := 0; tid != kernel.InvalidTID && tries < len(m.tids); tries++ {
		if int(tid) < len(m.tids) {
			candidate := m.tids[tid]
			if candidate != nil && candidate.State() != StateZombie && (candidate == cur || candidate.CPU() < 0) {
				next = candidate
				break
			}
		}
		tid = m.sched.Perform(kernel.InvalidTID)
	}
	if next == nil {
		next = m.idleThreadLocked(cur)
	}

	if cur != nil && cur != next {
		cur.cpu.Store(-1)
		if cur.State() == StateRunning {
			cur.setState(StateReady)
		}
	}
	if next != nil {
		next.setState(StateRunning)
		next.cpu.Store(int32(cpu))
		next.schedCount++
	}
	m.running[cpu] = next

	var dead *Thread
	if cur != nil && cur != next && cur.State() == StateZombie {
		dead = cur
	}
	m.lock.Release()

	if dead != nil {
		m.teardown(dead)
	}
	return next
}

// idleThreadLocked returns the thread a CPU runs when nothing is runnable: the
// current thread if it is an idle thread, otherwise a free idle thread.
func (m *Manager) idleThreadLocked(cur *Thread) *Thread {
	if cur != nil && cur.isIdle() && cur.State() != StateZombie {
		return cur
	}

	for _, t := range m.idle {
		if t.CPU() < 0 && t.State() != StateZombie {
			return t
		}
	}
	return nil
}
