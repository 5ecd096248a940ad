package pmm

import (
	"math/rand"
	"testing"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/boot"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
)

// testMemMap describes 4M of RAM with the first 64K reserved for the kernel
// image and a reserved hole at [1M, 1M+16K).
func testMemMap() []boot.MemoryMapEntry {
	return []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: 64 << 10, Type: boot.MemReserved},
		{PhysAddress: 64 << 10, Length: (1 << 20) - (64 << 10), Type: boot.MemAvailable},
		{PhysAddress: 1 << 20, Length: 16 << 10, Type: boot.MemReserved},
		// not page aligned; rounded inwards
		{PhysAddress: (1 << 20) + (16 << 10) + 100, Length: (3 << 20) - (16 << 10) - 100, Type: boot.MemAvailable},
	}
}

func newTestAllocator(t *testing.T, contiguousBytes uint64) *Allocator {
	t.Helper()

	var a Allocator
	if err := a.Init(testMemMap(), contiguousBytes); err != nil {
		t.Fatal(err)
	}
	return &a
}

func mockPanic(t *testing.T) {
	t.Helper()
	panicFn = func(e interface{}) { panic(e) }
	t.Cleanup(func() { panicFn = kfmt.Panic })
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()
	fn()
}

func TestInit(t *testing.T) {
	a := newTestAllocator(t, 256<<10)

	// first available region: frames [16, 256); the contiguous pool takes
	// its first 64 frames. Second region: frames [261, 1024).
	if exp, got := uint64(64), a.TotalCount(Contiguous); got != exp {
		t.Fatalf("expected contiguous pool to hold %d frames; got %d", exp, got)
	}
	if exp, got := uint64((256-16-64)+(1024-261)), a.TotalCount(Default); got != exp {
		t.Fatalf("expected default pool to hold %d frames; got %d", exp, got)
	}
	if a.FreeCount(Default) != a.TotalCount(Default) || a.FreeCount(Contiguous) != a.TotalCount(Contiguous) {
		t.Fatal("expected all frames to be free after Init")
	}

	frame, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.Frame(16 + 64); frame != exp {
		t.Fatalf("expected first default frame to be %d; got %d", exp, frame)
	}

	specs := []struct {
		memMap []boot.MemoryMapEntry
		contig uint64
		expErr *kernel.Error
	}{
		{nil, 0, errNoMemory},
		{[]boot.MemoryMapEntry{{PhysAddress: 0, Length: 4096, Type: boot.MemAvailable}}, 0, errNoMemory},
		{testMemMap(), 8 << 20, errContiguousTooBig},
	}

	for specIndex, spec := range specs {
		var a Allocator
		if err := a.Init(spec.memMap, spec.contig); err != spec.expErr {
			t.Errorf("[spec %d] expected Init to return %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestDefaultPool(t *testing.T) {
	a := newTestAllocator(t, 0)

	before := a.FreeCount(Default)
	frames := make([]mm.Frame, 50)
	seen := make(map[mm.Frame]bool)
	for i := range frames {
		frame, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if frame == 0 {
			t.Fatal("expected frame 0 to never be handed out")
		}
		if seen[frame] {
			t.Fatalf("frame %d handed out twice", frame)
		}
		seen[frame] = true
		frames[i] = frame
	}

	if exp, got := before-50, a.FreeCount(Default); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	for _, frame := range frames {
		a.FreeFrame(frame)
	}

	if got := a.FreeCount(Default); got != before {
		t.Fatalf("expected free count to return to %d; got %d", before, got)
	}
}

func TestBalanceInvariant(t *testing.T) {
	a := newTestAllocator(t, 128<<10)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		beforeDefault, beforeContig := a.FreeCount(Default), a.FreeCount(Contiguous)

		type run struct {
			start mm.Frame
			count uint64
		}
		var (
			frames []mm.Frame
			runs   []run
		)

		for op := 0; op < 200; op++ {
			switch rng.Intn(4) {
			case 0, 1:
				if frame, err := a.Allocate(); err == nil {
					frames = append(frames, frame)
				}
			case 2:
				count := uint64(rng.Intn(4) + 1)
				if start, err := a.AllocateContiguous(count, 1<<uint(rng.Intn(3))); err == nil {
					runs = append(runs, run{start, count})
				}
			case 3:
				if len(frames) != 0 {
					i := rng.Intn(len(frames))
					a.Free(frames[i])
					frames = append(frames[:i], frames[i+1:]...)
				}
			}
		}

		rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
		for _, frame := range frames {
			a.Free(frame)
		}
		for _, r := range runs {
			a.FreeContiguous(r.start, r.count)
		}

		if got := a.FreeCount(Default); got != beforeDefault {
			t.Fatalf("[round %d] expected default free count %d; got %d", round, beforeDefault, got)
		}
		if got := a.FreeCount(Contiguous); got != beforeContig {
			t.Fatalf("[round %d] expected contiguous free count %d; got %d", round, beforeContig, got)
		}
	}
}

func TestContiguousPool(t *testing.T) {
	a := newTestAllocator(t, 256<<10)
	before := a.FreeCount(Contiguous)

	t.Run("alignment and ownership", func(t *testing.T) {
		specs := []struct {
			count, align uint64
		}{
			{3, 1}, {6, 4}, {5, 8}, {1, 16}, {12, 4}, {2, 64},
		}

		owned := make(map[mm.Frame]bool)
		var starts []mm.Frame
		for specIndex, spec := range specs {
			start, err := a.AllocateContiguous(spec.count, spec.align)
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			if uint64(start)%spec.align != 0 {
				t.Fatalf("[spec %d] expected start frame %d to be aligned to %d", specIndex, start, spec.align)
			}
			for frame := start; frame < start+mm.Frame(spec.count); frame++ {
				if owned[frame] {
					t.Fatalf("[spec %d] frame %d handed out twice", specIndex, frame)
				}
				owned[frame] = true
			}
			starts = append(starts, start)
		}

		for specIndex, spec := range specs {
			freeBefore := a.FreeCount(Contiguous)
			a.FreeContiguous(starts[specIndex], spec.count)
			if exp, got := freeBefore+spec.count, a.FreeCount(Contiguous); got != exp {
				t.Fatalf("[spec %d] expected freeing to return %d frames; free count %d", specIndex, spec.count, got)
			}
		}
	})

	t.Run("search continues past misaligned first fit", func(t *testing.T) {
		// The pool starts at frame 16; take frames [16, 17) so the first
		// free run starts at an odd frame.
		first, err := a.AllocateContiguous(1, 1)
		if err != nil {
			t.Fatal(err)
		}
		blocker, err := a.AllocateContiguous(1, 32)
		if err != nil {
			t.Fatal(err)
		}
		if exp := mm.Frame(32); blocker != exp {
			t.Fatalf("expected blocker at frame %d; got %d", exp, blocker)
		}

		start, err := a.AllocateContiguous(20, 16)
		if err != nil {
			t.Fatal(err)
		}
		if exp := mm.Frame(48); start != exp {
			t.Fatalf("expected run to start at frame %d; got %d", exp, start)
		}

		a.FreeContiguous(start, 20)
		a.FreeContiguous(blocker, 1)
		a.FreeContiguous(first, 1)
	})

	t.Run("exhaustion", func(t *testing.T) {
		if _, err := a.AllocateContiguous(before+1, 1); err != ErrNoContiguousRange {
			t.Fatalf("expected ErrNoContiguousRange; got %v", err)
		}
		if _, err := a.AllocateContiguous(before, 128); err != ErrNoContiguousRange {
			t.Fatalf("expected ErrNoContiguousRange for unsatisfiable alignment; got %v", err)
		}

		start, err := a.AllocateContiguous(before, 16)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.AllocateContiguous(1, 1); err != ErrNoContiguousRange {
			t.Fatalf("expected ErrNoContiguousRange on empty pool; got %v", err)
		}
		a.FreeContiguous(start, before)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		if _, err := a.AllocateContiguous(0, 1); err != ErrInvalidCount {
			t.Fatalf("expected ErrInvalidCount; got %v", err)
		}
		for _, align := range []uint64{0, 3, 12} {
			if _, err := a.AllocateContiguous(1, align); err != ErrInvalidAlignment {
				t.Fatalf("expected ErrInvalidAlignment for align %d; got %v", align, err)
			}
		}
	})

	if got := a.FreeCount(Contiguous); got != before {
		t.Fatalf("expected contiguous free count to return to %d; got %d", before, got)
	}
}

func TestPoolsAreDisjoint(t *testing.T) {
	a := newTestAllocator(t, 256<<10)
	mockPanic(t)

	start, err := a.AllocateContiguous(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	// contiguous frames cannot be returned to the default pool
	expectPanic(t, errFrameNotInPool, func() { a.Free(start) })

	frame, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	expectPanic(t, errFrameNotInPool, func() { a.FreeContiguous(frame, 1) })

	for a.FreeCount(Default) != 0 {
		f, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if a.contig.contains(f) {
			t.Fatalf("default pool handed out contiguous frame %d", f)
		}
	}

	if _, err := a.Allocate(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestInvalidFrees(t *testing.T) {
	a := newTestAllocator(t, 64<<10)
	mockPanic(t)

	frame, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	a.Free(frame)
	expectPanic(t, errDoubleFree, func() { a.Free(frame) })

	// reserved kernel area and the reserved hole
	expectPanic(t, errFrameNotInPool, func() { a.Free(0) })
	expectPanic(t, errFrameNotInPool, func() { a.Free(mm.FrameFromAddress(1 << 20)) })

	start, err := a.AllocateContiguous(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	a.FreeContiguous(start, 2)
	expectPanic(t, errDoubleFree, func() { a.FreeContiguous(start, 2) })
	expectPanic(t, errFrameNotInPool, func() { a.FreeContiguous(start, 0) })
}

func TestReset(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	for i := 0; i < 10; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.AllocateContiguous(4, 4); err != nil {
		t.Fatal(err)
	}

	a.Reset()

	if a.FreeCount(Default) != a.TotalCount(Default) || a.FreeCount(Contiguous) != a.TotalCount(Contiguous) {
		t.Fatal("expected Reset to release every frame")
	}
}

func TestPoolKindString(t *testing.T) {
	for kind, exp := range map[PoolKind]string{Default: "default", Contiguous: "contiguous", PoolKind(9): "unknown"} {
		if got := kind.String(); got != exp {
			t.Errorf("expected %d to be %q; got %q", kind, exp, got)
		}
	}
}
