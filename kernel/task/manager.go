// Package task manages the lifecycle of threads: creation, cloning,
// scheduling state transitions and teardown.
//
// All thread tables are guarded by a single manager lock. Collaborators
// (scheduler, signals, events, timer, vfs) are called with or without that
// lock held but never call back into the manager.
package task

import (
	"io"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/event"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/signal"
	"github.com/Rohit12234/Escape/kernel/sync"
)

var (
	// ErrNoFreeThreads is returned when every thread id is in use.
	ErrNoFreeThreads = &kernel.Error{Module: "task", Message: "no free thread ids", Kind: kernel.KindResourceExhausted}

	// ErrOutOfMemory is returned when a kernel stack or the architecture
	// state of a thread cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "task", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	errKillInit      = &kernel.Error{Module: "task", Message: "can't kill init thread", Kind: kernel.KindInvariantViolation}
	errNoThreadTable = &kernel.Error{Module: "task", Message: "unable to create initial thread", Kind: kernel.KindInvariantViolation}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.NewLogger("task")
)

// Scheduler decides which thread runs next.
type Scheduler interface {
	AddRunning(tid kernel.TID)
	SetReady(tid kernel.TID)
	SetBlocked(tid kernel.TID)
	SetSuspended(tid kernel.TID, suspended bool)
	RemoveThread(tid kernel.TID)
	Perform(cur kernel.TID) kernel.TID
}

// Signals keeps signal handlers and pending signals.
type Signals interface {
	CloneHandler(src, dst kernel.TID)
	RemoveHandlerFor(tid kernel.TID)
	AddSignalFor(pid kernel.PID, sig signal.Signal)
}

// Events keeps the threads waiting for events.
type Events interface {
	RemoveThread(tid kernel.TID)
	Wakeup(ev event.Event, object uintptr) int
}

// Timer keeps sleeping threads.
type Timer interface {
	RemoveThread(tid kernel.TID)
}

// VFS holds the thread information nodes.
type VFS interface {
	CreateThread(pid kernel.PID, tid kernel.TID) *kernel.Error
	RemoveThread(tid kernel.TID)
}

// Heap is the kernel object allocator.
type Heap interface {
	Alloc(size uintptr) (uintptr, *kernel.Error)
	Free(addr uintptr)
	Bytes(addr, size uintptr) []byte
}

// Memory clears frames.
type Memory interface {
	Zero(mm.Frame)
}

// Deps are the subsystems used by the manager.
type Deps struct {
	Frames  mm.FrameAllocator
	Memory  Memory
	Heap    Heap
	Sched   Scheduler
	Signals Signals
	Events  Events
	Timer   Timer
	VFS     VFS
}

// Manager owns every thread.
type Manager struct {
	lock sync.Spinlock

	frames  mm.FrameAllocator
	mem     Memory
	heap    Heap
	sched   Scheduler
	signals Signals
	events  Events
	timer   Timer
	vfs     VFS

	// tids maps thread ids to threads. A slot is reserved as soon as an
	// id is handed out and released when the thread is reclaimed.
	tids    []*Thread
	nextTid int

	threads []*Thread
	idle    []*Thread
	running []*Thread
	zombies []*Thread
}

// NewManager returns a manager for at most maxThreads threads running on
// cpus CPUs.
func NewManager(maxThreads, cpus int, deps Deps) *Manager {
	return &Manager{
		frames:  deps.Frames,
		mem:     deps.Memory,
		heap:    deps.Heap,
		sched:   deps.Sched,
		signals: deps.Signals,
		events:  deps.Events,
		timer:   deps.Timer,
		vfs:     deps.VFS,
		tids:    make([]*Thread, maxThreads),
		running: make([]*Thread, cpus),
	}
}

// GetFreeTid returns an unused thread id or kernel.InvalidTID. The search
// starts after the last id handed out.
func (m *Manager) GetFreeTid() kernel.TID {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.getFreeTidLocked()
}

func (m *Manager) getFreeTidLocked() kernel.TID {
	for i := 0; i < len(m.tids); i++ {
		tid := (m.nextTid + i) % len(m.tids)
		if m.tids[tid] == nil {
			m.nextTid = (tid + 1) % len(m.tids)
			return kernel.TID(tid)
		}
	}
	return kernel.InvalidTID
}

// reserveTid allocates an id for t and occupies its slot.
func (m *Manager) reserveTid(t *Thread) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	tid := m.getFreeTidLocked()
	if tid == kernel.InvalidTID {
		return ErrNoFreeThreads
	}

	t.ID = tid
	m.tids[tid] = t
	return nil
}

func (m *Manager) releaseTid(t *Thread) {
	m.lock.Acquire()
	m.tids[t.ID] = nil
	m.lock.Release()
}

func (m *Manager) allocKstack() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	m.mem.Zero(frame)
	return frame, nil
}

// CreateInitial creates the first thread of p in the running state. It
// panics if the thread can not be created.
func (m *Manager) CreateInitial(p *Process) *Thread {
	t := newThread(kernel.InvalidTID, p, 0)
	if err := m.reserveTid(t); err != nil {
		panicFn(errNoThreadTable)
		return nil
	}

	kstack, err := m.allocKstack()
	if err != nil {
		m.releaseTid(t)
		panicFn(errNoThreadTable)
		return nil
	}
	t.Kstack = kstack
	t.setState(StateRunning)

	m.lock.Acquire()
	m.threads = append(m.threads, t)
	p.threads++
	m.lock.Release()

	if err := m.vfs.CreateThread(p.PID, t.ID); err != nil {
		panicFn(errNoThreadTable)
		return nil
	}
	m.sched.AddRunning(t.ID)

	return t
}

// Init creates the initial thread of p and makes it the running thread of
// CPU 0.
func (m *Manager) Init(p *Process) *Thread {
	t := m.CreateInitial(p)
	if t == nil {
		return nil
	}

	m.lock.Acquire()
	m.running[0] = t
	t.cpu.Store(0)
	m.lock.Release()

	return t
}

// Clone creates a new thread of p that continues the execution of src. If
// cloneProcess is set, p is a copy of the process of src: the new thread
// uses kstack and the stack and TLS regions with the same ids as src.
// Otherwise the thread gets its own kernel stack and a fresh TLS region and
// its stack regions are left unset. Idle threads are not handed to the
// scheduler. On failure every resource acquired so far is released.
func (m *Manager) Clone(src *Thread, p *Process, flags Flag, kstack mm.Frame, cloneProcess bool) (*Thread, *kernel.Error) {
	t := newThread(kernel.InvalidTID, p, flags)
	if err := m.reserveTid(t); err != nil {
		return nil, err
	}

	if cloneProcess {
		t.Kstack = kstack
		m.lock.Acquire()
		t.stackRegions = src.stackRegions
		t.tlsRegion = src.tlsRegion
		m.lock.Release()
	} else {
		var err *kernel.Error
		if t.Kstack, err = m.allocKstack(); err != nil {
			m.releaseTid(t)
			return nil, err
		}

		m.lock.Acquire()
		srcTLS := src.tlsRegion
		m.lock.Release()

		if srcTLS != vmm.NoRegion {
			start, end, rangeErr := src.Proc.AS.Range(srcTLS)
			if rangeErr == nil {
				t.tlsRegion, err = p.AS.Add(nil, 0, uint64(end-start), 0, vmm.RegionTLS)
			} else {
				err = rangeErr
			}
			if err != nil {
				t.tlsRegion = vmm.NoRegion
				m.frames.FreeFrame(t.Kstack)
				m.releaseTid(t)
				return nil, err
			}
		}
	}

	if err := cloneArchFn(m, src, t); err != nil {
		m.unwindClone(t, cloneProcess, false)
		return nil, err
	}

	m.lock.Acquire()
	m.threads = append(m.threads, t)
	if t.isIdle() {
		m.idle = append(m.idle, t)
	}
	p.threads++
	m.lock.Release()

	if cloneProcess {
		m.signals.CloneHandler(src.ID, t.ID)
	}

	if err := m.vfs.CreateThread(p.PID, t.ID); err != nil {
		m.unwindClone(t, cloneProcess, true)
		return nil, err
	}

	if t.isIdle() {
		t.setState(StateBlocked)
	} else {
		t.setState(StateReady)
		m.sched.SetReady(t.ID)
	}
	return t, nil
}

// unwindClone releases the resources of a thread whose clone failed. If
// listed is set, the thread was already added to the thread lists.
func (m *Manager) unwindClone(t *Thread, cloneProcess, listed bool) {
	if listed {
		m.signals.RemoveHandlerFor(t.ID)

		m.lock.Acquire()
		if t.isIdle() {
			m.idle = removeThread(m.idle, t)
		}
		m.threads = removeThread(m.threads, t)
		t.Proc.threads--
		m.lock.Release()

		freeArchFn(m, t)
	}

	if !cloneProcess {
		if t.tlsRegion != vmm.NoRegion {
			_ = t.Proc.AS.Remove(t.tlsRegion)
		}
		m.frames.FreeFrame(t.Kstack)
	}

	m.releaseTid(t)
}

// Fork creates a copy of the process of src with pid childPID and a thread
// that continues the execution of src in it.
func (m *Manager) Fork(src *Thread, childPID kernel.PID) (*Thread, *kernel.Error) {
	as, err := src.Proc.AS.Clone(childPID)
	if err != nil {
		return nil, err
	}

	kstack, err := m.allocKstack()
	if err != nil {
		as.Destroy()
		return nil, err
	}

	child := NewProcess(childPID, src.Proc.Command, as)
	t, err := m.Clone(src, child, 0, kstack, true)
	if err != nil {
		m.frames.FreeFrame(kstack)
		as.Destroy()
		return nil, err
	}

	return t, nil
}

// Spawn creates a new thread in the process of src with a stack region of
// stackSize bytes.
func (m *Manager) Spawn(src *Thread, flags Flag, stackSize uint64) (*Thread, *kernel.Error) {
	t, err := m.Clone(src, src.Proc, flags, mm.InvalidFrame, false)
	if err != nil {
		return nil, err
	}

	stack, err := src.Proc.AS.Add(nil, 0, stackSize, 0, vmm.RegionStack)
	if err != nil {
		m.Kill(t)
		return nil, err
	}

	m.lock.Acquire()
	t.stackRegions[0] = stack
	m.lock.Release()

	return t, nil
}

// GetByID returns the thread with the given id. Threads that have been
// killed are not returned even if their id is not yet reclaimed.
func (m *Manager) GetByID(tid kernel.TID) *Thread {
	m.lock.Acquire()
	defer m.lock.Release()

	if int(tid) >= len(m.tids) {
		return nil
	}

	t := m.tids[tid]
	if t == nil || t.State() == StateZombie || t.State() == StateUnused {
		return nil
	}
	return t
}

// Running returns the thread running on cpu.
func (m *Manager) Running(cpu int) *Thread {
	m.lock.Acquire()
	defer m.lock.Release()

	if cpu < 0 || cpu >= len(m.running) {
		return nil
	}
	return m.running[cpu]
}

// Count returns the number of threads, zombies included.
func (m *Manager) Count() int {
	m.lock.Acquire()
	defer m.lock.Release()

	return len(m.threads)
}

// Threads returns the threads of p.
func (m *Manager) Threads(p *Process) []*Thread {
	m.lock.Acquire()
	defer m.lock.Release()

	var list []*Thread
	for _, t := range m.threads {
		if t.Proc == p {
			list = append(list, t)
		}
	}
	return list
}

// Zombies returns the number of killed threads waiting to be reclaimed.
func (m *Manager) Zombies() int {
	m.lock.Acquire()
	defer m.lock.Release()

	return len(m.zombies)
}

// Reset forgets every thread without releasing their resources.
func (m *Manager) Reset() {
	m.lock.Acquire()
	defer m.lock.Release()

	for i := range m.tids {
		m.tids[i] = nil
	}
	for i := range m.running {
		m.running[i] = nil
	}
	m.nextTid = 0
	m.threads = nil
	m.idle = nil
	m.zombies = nil
}

// DumpTo writes a description of every thread to w.
func (m *Manager) DumpTo(w io.Writer) {
	m.lock.Acquire()
	defer m.lock.Release()

	kfmt.Fprintf(w, "Threads:\n")
	for _, t := range m.threads {
		kfmt.Fprintf(w, "\tThread %d: (process %d:%s)\n", uint32(t.ID), uint32(t.Proc.PID), t.Proc.Command)
		kfmt.Fprintf(w, "\t\tFlags=0x%x State=%s LastCPU=%d\n", uint8(t.Flags), t.State().String(), t.CPU())
		kfmt.Fprintf(w, "\t\tKstackFrame=0x%x TlsRegion=%d StackRegion=%d\n", uint64(t.Kstack), int(t.tlsRegion), int(t.stackRegions[0]))
		kfmt.Fprintf(w, "\t\tScheduled=%d\n", t.schedCount)
	}
}

func removeThread(list []*Thread, t *Thread) []*Thread {
	for i, other := range list {
		if other == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
