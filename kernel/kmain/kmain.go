// Package kmain boots the kernel: it brings up the memory subsystems, the
// thread collaborators and the thread manager and creates the init thread.
package kmain

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/boot"
	"github.com/Rohit12234/Escape/kernel/event"
	"github.com/Rohit12234/Escape/kernel/gate"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm/cow"
	"github.com/Rohit12234/Escape/kernel/mm/kheap"
	"github.com/Rohit12234/Escape/kernel/mm/physmem"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/sched"
	"github.com/Rohit12234/Escape/kernel/signal"
	"github.com/Rohit12234/Escape/kernel/task"
	"github.com/Rohit12234/Escape/kernel/timer"
	"github.com/Rohit12234/Escape/kernel/vfs"
)

// Version is the kernel version checked against the require= constraint.
const Version = "0.4.0"

// InitPID is the id of the process hosting the init thread.
const InitPID kernel.PID = 1

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindInvariantViolation}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.NewLogger("kmain")
)

// Kernel holds the subsystems of a booted kernel.
type Kernel struct {
	Config *boot.Config

	Mem    *physmem.Memory
	Frames *pmm.Allocator
	Heap   *kheap.Heap
	COW    *cow.Tracker
	VMM    *vmm.System

	Sched   *sched.Scheduler
	Signals *signal.Manager
	Events  *event.Manager
	Timer   *timer.Timer
	VFS     *vfs.ThreadView

	Tasks *task.Manager
	Init  *task.Thread
}

// Boot brings up a kernel configured by cmdLine. On failure, every
// subsystem initialized so far is released.
func Boot(cmdLine string) (*Kernel, *kernel.Error) {
	cfg, err := boot.ParseConfig(cmdLine)
	if err != nil {
		return nil, err
	}
	if err = cfg.CheckVersion(Version); err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg, Frames: &pmm.Allocator{}}
	if k.Mem, err = physmem.New(cfg.MemSize); err != nil {
		return nil, err
	}

	if err = k.Frames.Init(cfg.MemoryMap(), cfg.ContiguousSize); err != nil {
		_ = k.Mem.Close()
		return nil, err
	}

	k.Heap = kheap.New(k.Frames, k.Mem)
	k.COW = cow.New(k.Frames, k.Mem, k.Heap)
	if k.VMM, err = vmm.NewSystem(k.Frames, k.Mem, k.COW); err != nil {
		_ = k.Mem.Close()
		return nil, err
	}

	k.Sched = sched.New()
	k.Signals = signal.New()
	k.Events = event.New(k.Sched, k.Signals)
	k.Signals.SetNotifier(k.Events.Interrupt)
	k.Timer = timer.New(k.Sched, cfg.MaxThreads)
	k.VFS = vfs.NewThreadView(cfg.MaxThreads)

	k.Tasks = task.NewManager(cfg.MaxThreads, cfg.CPUs, task.Deps{
		Frames:  k.Frames,
		Memory:  k.Mem,
		Heap:    k.Heap,
		Sched:   k.Sched,
		Signals: k.Signals,
		Events:  k.Events,
		Timer:   k.Timer,
		VFS:     k.VFS,
	})
	k.Tasks.InstallFaultHandler()

	as, err := k.VMM.NewAddressSpace(InitPID)
	if err != nil {
		k.release()
		return nil, err
	}
	if k.Init = k.Tasks.Init(task.NewProcess(InitPID, "init", as)); k.Init == nil {
		as.Destroy()
		k.release()
		return nil, errKmainReturned
	}

	log.Printf("escape %s: %d KiB of memory, %d cpus, %d free frames\n",
		Version, cfg.MemSize>>10, cfg.CPUs, k.Frames.FreeCount(pmm.Default))
	return k, nil
}

// Shutdown forgets every thread and releases the simulated memory. The
// kernel must not be used afterwards.
func (k *Kernel) Shutdown() {
	log.Printf("shutting down with %d threads, %d shared frames\n", k.Tasks.Count(), k.COW.Entries())

	k.Tasks.Reset()
	k.Sched.Reset()
	k.Events.Reset()
	k.Timer.Reset()
	k.VFS.Reset()
	k.Signals.Reset()
	k.release()
}

func (k *Kernel) release() {
	gate.Reset()
	k.COW.Reset()
	k.VMM.Close()
	_ = k.Mem.Close()
}

// Kmain boots the kernel and returns it. Boot errors are fatal.
func Kmain(cmdLine string) *Kernel {
	k, err := Boot(cmdLine)
	if err != nil {
		panicFn(err)
		return nil
	}
	return k
}
