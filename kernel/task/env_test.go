package task

import (
	"bytes"
	"testing"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/boot"
	"github.com/Rohit12234/Escape/kernel/event"
	"github.com/Rohit12234/Escape/kernel/gate"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/cow"
	"github.com/Rohit12234/Escape/kernel/mm/kheap"
	"github.com/Rohit12234/Escape/kernel/mm/physmem"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/sched"
	"github.com/Rohit12234/Escape/kernel/signal"
	"github.com/Rohit12234/Escape/kernel/timer"
	"github.com/Rohit12234/Escape/kernel/vfs"
)

const testMemSize = 4 << 20

type testEnv struct {
	mem     *physmem.Memory
	frames  *pmm.Allocator
	heap    *kheap.Heap
	tracker *cow.Tracker
	sys     *vmm.System

	sched   *sched.Scheduler
	signals *signal.Manager
	events  *event.Manager
	timer   *timer.Timer
	vfs     *vfs.ThreadView

	m *Manager
}

func newTestEnv(t *testing.T, maxThreads, cpus int) *testEnv {
	t.Helper()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	mem, err := physmem.New(testMemSize)
	if err != nil {
		t.Fatal(err)
	}

	var frames pmm.Allocator
	memMap := []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(mm.PageSize), Type: boot.MemReserved},
		{PhysAddress: uint64(mm.PageSize), Length: testMemSize - uint64(mm.PageSize), Type: boot.MemAvailable},
	}
	if err := frames.Init(memMap, 0); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		mem:     mem,
		frames:  &frames,
		sched:   sched.New(),
		signals: signal.New(),
		vfs:     vfs.NewThreadView(maxThreads),
	}
	env.heap = kheap.New(&frames, mem)
	env.tracker = cow.New(&frames, mem, env.heap)
	if env.sys, err = vmm.NewSystem(&frames, mem, env.tracker); err != nil {
		t.Fatal(err)
	}
	env.events = event.New(env.sched, env.signals)
	env.timer = timer.New(env.sched, maxThreads)

	env.m = NewManager(maxThreads, cpus, Deps{
		Frames:  &frames,
		Memory:  mem,
		Heap:    env.heap,
		Sched:   env.sched,
		Signals: env.signals,
		Events:  env.events,
		Timer:   env.timer,
		VFS:     env.vfs,
	})
	env.m.InstallFaultHandler()

	t.Cleanup(func() {
		gate.Reset()
		kfmt.SetOutputSink(nil)
		_ = mem.Close()
	})

	return env
}

func (env *testEnv) newProcess(t *testing.T, pid kernel.PID) *Process {
	t.Helper()

	as, err := env.sys.NewAddressSpace(pid)
	if err != nil {
		t.Fatal(err)
	}
	return NewProcess(pid, "test", as)
}

// initThread creates process 1 with a bss region and its initial thread
// running on CPU 0.
func (env *testEnv) initThread(t *testing.T) (*Thread, uintptr) {
	t.Helper()

	p := env.newProcess(t, 1)
	bss, err := p.AS.Add(nil, 0, 4*uint64(mm.PageSize), 0, vmm.RegionBSS)
	if err != nil {
		t.Fatal(err)
	}
	start, _, _ := p.AS.Range(bss)

	return env.m.Init(p), start
}

func (env *testEnv) freeFrames() uint64 {
	env.heap.Release()
	return env.frames.FreeCount(pmm.Default)
}

func mockPanic(t *testing.T) {
	t.Helper()

	panicFn = func(e interface{}) { panic(e) }
	t.Cleanup(func() { panicFn = kfmt.Panic })
}
