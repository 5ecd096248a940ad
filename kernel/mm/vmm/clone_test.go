package vmm

import (
	"testing"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
)

func TestCloneCopyOnWrite(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	parent := env.addressSpace(t, 1)

	data, err := parent.Add(nil, 0, 2*4096, 0, RegionBSS)
	if err != nil {
		t.Fatal(err)
	}
	start, _, _ := parent.Range(data)

	env.touch(t, parent, start, true)
	env.write(t, parent, start, []byte("parent"))
	// The second page stays on the zeroed frame.
	env.touch(t, parent, start+mm.PageSize, false)

	child, err := parent.Clone(2)
	if err != nil {
		t.Fatal(err)
	}

	if r, ok := child.Region(data); !ok || r.Start != start {
		t.Fatalf("expected child to keep region id %d at 0x%x; got %+v", data, start, r)
	}

	shared, parentFlags, _ := parent.Lookup(start)
	childFrame, childFlags, _ := child.Lookup(start)
	if childFrame != shared {
		t.Fatalf("expected child to map frame %d; got %d", shared, childFrame)
	}
	for _, flags := range []PageTableEntryFlag{parentFlags, childFlags} {
		if flags&FlagRW != 0 || flags&FlagCopyOnWrite == 0 {
			t.Fatalf("expected shared page to be read-only and copy-on-write; got flags %x", flags)
		}
	}
	if got := env.tracker.RefCount(shared); got != 2 {
		t.Fatalf("expected frame to be shared by 2 processes; got %d", got)
	}
	if zf, _, _ := child.Lookup(start + mm.PageSize); zf != env.sys.ZeroFrame() {
		t.Fatal("expected zeroed frame to be mapped as-is in the child")
	}
	if env.tracker.RefCount(env.sys.ZeroFrame()) != 0 {
		t.Fatal("expected zeroed frame to never be tracked")
	}

	// The child writes: it gets a copy and the parent keeps the original.
	env.touch(t, child, start, true)
	env.write(t, child, start, []byte("child!"))

	childFrame, _, _ = child.Lookup(start)
	if childFrame == shared {
		t.Fatal("expected child to get a private copy")
	}
	if got := env.read(t, parent, start, 6); string(got) != "parent" {
		t.Fatalf("expected parent to keep its data; got %q", got)
	}
	if got := env.tracker.RefCount(shared); got != 0 {
		t.Fatalf("expected entry to be dropped once one owner remains; got %d", got)
	}

	// The parent is now the only owner and converts in place.
	free := env.frames.FreeCount(pmm.Default)
	env.touch(t, parent, start, true)
	if frame, flags, _ := parent.Lookup(start); frame != shared || flags&FlagRW == 0 {
		t.Fatalf("expected parent to regain write access to frame %d; got frame %d flags %x", shared, frame, flags)
	}
	if got := env.frames.FreeCount(pmm.Default); got != free {
		t.Fatalf("expected no frame to be allocated; free count %d, got %d", free, got)
	}

	child.Destroy()
	parent.Destroy()
	env.checkBalance(t)
}

func TestCloneThreeSharers(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	a := env.addressSpace(t, 1)

	data, err := a.Add(nil, 0, 4096, 0, RegionBSS)
	if err != nil {
		t.Fatal(err)
	}
	start, _, _ := a.Range(data)
	env.touch(t, a, start, true)
	env.write(t, a, start, []byte{42})

	b, err := a.Clone(2)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Clone(3)
	if err != nil {
		t.Fatal(err)
	}

	f, _, _ := a.Lookup(start)
	if got := env.tracker.RefCount(f); got != 3 {
		t.Fatalf("expected 3 sharers; got %d", got)
	}

	env.touch(t, a, start, true)
	if got, _, _ := a.Lookup(start); got == f {
		t.Fatal("expected A to get a private copy")
	}
	if got := env.tracker.Owners(f); len(got) != 2 {
		t.Fatalf("expected B and C to remain; got %v", got)
	}

	// B is not the last owner as long as C shares the frame.
	env.touch(t, b, start, true)
	if got, _, _ := b.Lookup(start); got == f {
		t.Fatal("expected B to get a private copy while C still shares the frame")
	}
	if got := env.tracker.RefCount(f); got != 0 {
		t.Fatalf("expected entry to be removed; got %d owners", got)
	}

	env.touch(t, c, start, true)
	if got, _, _ := c.Lookup(start); got != f {
		t.Fatal("expected C to convert the frame in place")
	}

	for _, as := range []*AddressSpace{a, b, c} {
		if got := env.read(t, as, start, 1); got[0] != 42 {
			t.Fatalf("expected every copy to hold the original contents; got %d", got[0])
		}
	}

	b.Destroy()
	a.Destroy()
	c.Destroy()
	env.checkBalance(t)
}

func TestCloneDestroyBeforeFault(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	parent := env.addressSpace(t, 1)

	bin := newMemBinary("app", 4096)
	if _, err := parent.Add(bin, 0, 4096, 4096, RegionText); err != nil {
		t.Fatal(err)
	}
	data, err := parent.Add(bin, 0, 4*4096, 4096, RegionData)
	if err != nil {
		t.Fatal(err)
	}
	start, end, _ := parent.Range(data)
	for addr := start; addr < end; addr += mm.PageSize {
		env.touch(t, parent, addr, true)
	}
	env.touch(t, parent, TextBase, false)

	for pid := kernel.PID(2); pid < 6; pid++ {
		child, err := parent.Clone(pid)
		if err != nil {
			t.Fatal(err)
		}
		child.Destroy()
	}

	if got := env.tracker.Entries(); got != 0 {
		t.Fatalf("expected no tracked frames once all children are gone; got %d", got)
	}

	parent.Destroy()
	env.checkBalance(t)
}

func TestCloneFailureCleansUp(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	parent := env.addressSpace(t, 1)

	bss, err := parent.Add(nil, 0, 64*4096, 0, RegionBSS)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parent.Add(nil, 0, 4096, 0, RegionStack); err != nil {
		t.Fatal(err)
	}
	start, end, _ := parent.Range(bss)
	for addr := start; addr < end; addr += mm.PageSize {
		env.touch(t, parent, addr, true)
	}
	env.touch(t, parent, StackTop-mm.PageSize, true)

	// Warm up the heap so that the owner records of the next clone need no
	// new frames.
	warm, err := parent.Clone(2)
	if err != nil {
		t.Fatal(err)
	}
	warm.Destroy()

	// Leave enough frames for the child page tables of the bss region but
	// not for those of the stack.
	var hoard []mm.Frame
	for env.frames.FreeCount(pmm.Default) > 4 {
		frame, _ := env.frames.Allocate()
		hoard = append(hoard, frame)
	}

	if _, err := parent.Clone(3); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if got := env.tracker.Entries(); got != 0 {
		t.Fatalf("expected the partial clone to untrack every frame; got %d entries", got)
	}

	// The parent keeps working; its pages convert in place.
	free := env.frames.FreeCount(pmm.Default)
	env.touch(t, parent, start, true)
	if got := env.frames.FreeCount(pmm.Default); got != free {
		t.Fatalf("expected in-place conversion; free count %d, got %d", free, got)
	}

	for _, frame := range hoard {
		env.frames.Free(frame)
	}
	parent.Destroy()
	env.checkBalance(t)
}
