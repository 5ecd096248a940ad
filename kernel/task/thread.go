package task

import (
	"sync/atomic"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/gate"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/signal"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// StackRegionSlots is the number of stack regions a thread can own.
const StackRegionSlots = 1

// State describes the scheduling state of a thread.
type State uint32

const (
	// StateUnused is the state of a thread that has not been set up.
	StateUnused State = iota

	// StateRunning is the state of a thread that owns a CPU.
	StateRunning

	// StateReady is the state of a runnable thread waiting for a CPU.
	StateReady

	// StateBlocked is the state of a thread waiting for an event.
	StateBlocked

	// StateReadySuspended is the state of a suspended thread that becomes
	// ready once it is resumed.
	StateReadySuspended

	// StateBlockedSuspended is the state of a suspended thread that is also
	// waiting for an event.
	StateBlockedSuspended

	// StateZombie is the state of a killed thread whose resources have not
	// been reclaimed yet.
	StateZombie
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateUnused:
		return "UNUSED"
	case StateRunning:
		return "RUNNING"
	case StateReady:
		return "READY"
	case StateBlocked:
		return "BLOCKED"
	case StateReadySuspended:
		return "READYSUSP"
	case StateBlockedSuspended:
		return "BLOCKEDSUSP"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// Flag holds thread attributes.
type Flag uint8

const (
	// FlagIdle marks the idle threads that run when nothing else is
	// runnable. They are never handed to the scheduler.
	FlagIdle Flag = 1 << iota
)

// Process is the owner of threads and of an address space.
type Process struct {
	PID     kernel.PID
	Command string
	AS      *vmm.AddressSpace

	// threads is guarded by the manager lock.
	threads int
}

// NewProcess returns a process without threads.
func NewProcess(pid kernel.PID, command string, as *vmm.AddressSpace) *Process {
	return &Process{PID: pid, Command: command, AS: as}
}

// Thread is a schedulable entity of a process.
type Thread struct {
	ID    kernel.TID
	Proc  *Process
	Flags Flag

	// Kstack is the frame holding the kernel stack.
	Kstack mm.Frame

	// Regs holds the saved architecture state.
	Regs gate.Registers

	state atomic.Uint32
	cpu   atomic.Int32

	// arch is the heap block holding the extended (FPU) state.
	arch uintptr

	// The fields below are guarded by the manager lock.
	stackRegions [StackRegionSlots]vmm.RegionID
	tlsRegion    vmm.RegionID
	locks        []*sync.Spinlock
	heapAllocs   []uintptr
	callbacks    []func()
	schedCount   uint64
	reclaimed    bool

	signal atomic.Uint32
}

func newThread(tid kernel.TID, p *Process, flags Flag) *Thread {
	t := &Thread{
		ID:        tid,
		Proc:      p,
		Flags:     flags,
		Kstack:    mm.InvalidFrame,
		tlsRegion: vmm.NoRegion,
	}
	for i := range t.stackRegions {
		t.stackRegions[i] = vmm.NoRegion
	}
	t.cpu.Store(-1)
	return t
}

// State returns the current state of the thread.
func (t *Thread) State() State {
	return State(t.state.Load())
}

func (t *Thread) setState(s State) {
	t.state.Store(uint32(s))
}

// CPU returns the CPU the thread runs on or -1.
func (t *Thread) CPU() int {
	return int(t.cpu.Load())
}

// Signal returns the signal the thread is currently handling.
func (t *Thread) Signal() (signal.Signal, bool) {
	sig := signal.Signal(t.signal.Load())
	return sig, sig != 0
}

// SetSignal records the signal the thread starts handling.
func (t *Thread) SetSignal(sig signal.Signal) {
	t.signal.Store(uint32(sig))
}

// ClearSignal marks the end of the signal handler.
func (t *Thread) ClearSignal() {
	t.signal.Store(0)
}

func (t *Thread) isIdle() bool {
	return t.Flags&FlagIdle != 0
}
