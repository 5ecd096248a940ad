package vmm

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/boot"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/cow"
	"github.com/Rohit12234/Escape/kernel/mm/kheap"
	"github.com/Rohit12234/Escape/kernel/mm/physmem"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
)

type testEnv struct {
	mem     *physmem.Memory
	frames  *pmm.Allocator
	heap    *kheap.Heap
	tracker *cow.Tracker
	sys     *System

	freeAtStart uint64
}

func newTestEnv(t *testing.T, memSize uint64) *testEnv {
	t.Helper()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	mem, err := physmem.New(memSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	var frames pmm.Allocator
	memMap := []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(mm.PageSize), Type: boot.MemReserved},
		{PhysAddress: uint64(mm.PageSize), Length: memSize - uint64(mm.PageSize), Type: boot.MemAvailable},
	}
	if err := frames.Init(memMap, 0); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		mem:         mem,
		frames:      &frames,
		freeAtStart: frames.FreeCount(pmm.Default),
	}
	env.heap = kheap.New(&frames, mem)
	env.tracker = cow.New(&frames, mem, env.heap)
	if env.sys, err = NewSystem(&frames, mem, env.tracker); err != nil {
		t.Fatal(err)
	}

	return env
}

func (env *testEnv) addressSpace(t *testing.T, pid kernel.PID) *AddressSpace {
	t.Helper()

	as, err := env.sys.NewAddressSpace(pid)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

// checkBalance verifies that every frame handed out since the environment
// was created, except for the zeroed frame, has been returned.
func (env *testEnv) checkBalance(t *testing.T) {
	t.Helper()

	if got := env.tracker.Entries(); got != 0 {
		t.Fatalf("expected no copy-on-write entries; got %d", got)
	}
	if got := env.sys.Backings(); got != 0 {
		t.Fatalf("expected no shared backings; got %d", got)
	}

	env.heap.Release()
	env.sys.Close()
	if exp, got := env.freeAtStart, env.frames.FreeCount(pmm.Default); got != exp {
		t.Fatalf("expected free frame count to be %d; got %d", exp, got)
	}
}

func (env *testEnv) read(t *testing.T, as *AddressSpace, addr uintptr, size int) []byte {
	t.Helper()

	buf := make([]byte, size)
	if n, fault := as.Access(addr, buf, false); fault != nil {
		t.Fatalf("unexpected fault reading 0x%x after %d bytes: %+v", addr, n, *fault)
	}
	return buf
}

func (env *testEnv) write(t *testing.T, as *AddressSpace, addr uintptr, data []byte) {
	t.Helper()

	if n, fault := as.Access(addr, data, true); fault != nil {
		t.Fatalf("unexpected fault writing 0x%x after %d bytes: %+v", addr, n, *fault)
	}
}

// touch faults in the page containing addr the way the trap path would.
func (env *testEnv) touch(t *testing.T, as *AddressSpace, addr uintptr, write bool) {
	t.Helper()

	if err := as.HandlePageFault(addr, write); err != nil {
		t.Fatalf("unexpected page fault error at 0x%x: %v", addr, err)
	}
}

type memBinary struct {
	name  string
	data  []byte
	reads int32
}

func newMemBinary(name string, size int) *memBinary {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	return &memBinary{name: name, data: data}
}

func (b *memBinary) Name() string { return b.name }

func (b *memBinary) ReadAt(p []byte, off int64) (int, error) {
	atomic.AddInt32(&b.reads, 1)

	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type failingBinary struct{}

func (failingBinary) Name() string { return "broken" }

func (failingBinary) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

// limitedAllocator hands out at most budget frames.
type limitedAllocator struct {
	frames mm.FrameAllocator
	budget int
}

func (a *limitedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.budget == 0 {
		return mm.InvalidFrame, pmm.ErrOutOfMemory
	}
	a.budget--
	return a.frames.AllocFrame()
}

func (a *limitedAllocator) FreeFrame(frame mm.Frame) {
	a.frames.FreeFrame(frame)
}
