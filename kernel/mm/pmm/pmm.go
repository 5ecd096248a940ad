// Package pmm implements the physical frame allocator. Frames are handed out
// from two disjoint pools: a Default pool serving single frames from a LIFO
// free stack and a Contiguous pool serving aligned runs of frames for
// DMA-capable buffers.
package pmm

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/boot"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// PoolKind selects one of the two frame pools.
type PoolKind uint8

const (
	// Default is the pool used for single frame allocations.
	Default PoolKind = iota

	// Contiguous is the pool used for aligned multi-frame allocations.
	Contiguous
)

// String implements fmt.Stringer for PoolKind.
func (k PoolKind) String() string {
	switch k {
	case Default:
		return "default"
	case Contiguous:
		return "contiguous"
	default:
		return "unknown"
	}
}

var (
	// ErrOutOfMemory is returned when the Default pool is exhausted.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	// ErrNoContiguousRange is returned when no run of free frames satisfies
	// a contiguous allocation request.
	ErrNoContiguousRange = &kernel.Error{Module: "pmm", Message: "no suitable contiguous frame range available", Kind: kernel.KindResourceExhausted}

	// ErrInvalidAlignment is returned when the requested alignment is not a
	// power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "pmm", Message: "alignment must be a power of two", Kind: kernel.KindInvalidArgument}

	// ErrInvalidCount is returned for zero-sized contiguous requests.
	ErrInvalidCount = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero", Kind: kernel.KindInvalidArgument}

	errNoMemory         = &kernel.Error{Module: "pmm", Message: "memory map contains no available frames", Kind: kernel.KindInvalidArgument}
	errContiguousTooBig = &kernel.Error{Module: "pmm", Message: "no available memory region can hold the contiguous pool", Kind: kernel.KindInvalidArgument}
	errFrameNotInPool   = &kernel.Error{Module: "pmm", Message: "freed frame does not belong to the pool", Kind: kernel.KindInvariantViolation}
	errDoubleFree       = &kernel.Error{Module: "pmm", Message: "frame freed twice", Kind: kernel.KindInvariantViolation}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = kfmt.NewLogger("pmm")
)

type frameRange struct {
	start, end mm.Frame
}

// Allocator manages the physical frames reported as available by the memory
// map. All methods are safe for concurrent use.
type Allocator struct {
	lock sync.Spinlock

	memMap          []boot.MemoryMapEntry
	contiguousBytes uint64

	// freeStack holds the free frames of the Default pool; the next frame
	// to be handed out is at the end of the slice.
	freeStack    []mm.Frame
	defaultTotal uint64

	// defaultRanges lists the frame ranges of the Default pool and
	// defaultState tracks which frames of [first, last) are reserved.
	defaultRanges []frameRange
	defaultState  framePool

	contig framePool
}

// Init sets up the allocator pools from the supplied memory map. The first
// contiguousBytes of the lowest available region large enough to hold them
// form the Contiguous pool; all other available frames join the Default
// pool. Frame 0 is never handed out.
func (a *Allocator) Init(memMap []boot.MemoryMapEntry, contiguousBytes uint64) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	a.memMap = append([]boot.MemoryMapEntry(nil), memMap...)
	a.contiguousBytes = contiguousBytes
	if err := a.init(); err != nil {
		return err
	}

	log.Printf("default pool: %d frames, contiguous pool: %d frames at 0x%x\n",
		a.defaultTotal, a.contig.size(), a.contig.startFrame.Address())
	return nil
}

func (a *Allocator) init() *kernel.Error {
	var (
		available      []frameRange
		contigFrames   = mm.Frame((a.contiguousBytes + uint64(mm.PageSize-1)) >> mm.PageShift)
		contigAssigned = contigFrames == 0
		pageSizeMinus1 = uint64(mm.PageSize - 1)
	)

	for _, region := range a.memMap {
		if region.Type != boot.MemAvailable {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		start := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		end := mm.Frame(((region.PhysAddress + region.Length) &^ pageSizeMinus1) >> mm.PageShift)
		if start == 0 {
			start = 1
		}
		if end <= start {
			continue
		}

		available = append(available, frameRange{start, end})
	}

	if len(available) == 0 {
		return errNoMemory
	}

	a.contig = newFramePool(0, 0)
	a.defaultRanges = a.defaultRanges[:0]
	for _, r := range available {
		if !contigAssigned && r.end-r.start >= contigFrames {
			a.contig = newFramePool(r.start, r.start+contigFrames)
			r.start += contigFrames
			contigAssigned = true
		}

		if r.end > r.start {
			a.defaultRanges = append(a.defaultRanges, r)
		}
	}

	if !contigAssigned {
		return errContiguousTooBig
	}

	a.defaultTotal = 0
	first, last := mm.InvalidFrame, mm.Frame(0)
	for _, r := range a.defaultRanges {
		a.defaultTotal += uint64(r.end - r.start)
		if r.start < first {
			first = r.start
		}
		if r.end > last {
			last = r.end
		}
	}

	if a.defaultTotal == 0 {
		a.defaultState = newFramePool(0, 0)
		a.freeStack = a.freeStack[:0]
		return nil
	}

	// Push frames in descending order so low frames are handed out first.
	a.defaultState = newFramePool(first, last)
	a.defaultState.freeCount = a.defaultTotal
	a.freeStack = make([]mm.Frame, 0, a.defaultTotal)
	for i := len(a.defaultRanges) - 1; i >= 0; i-- {
		for frame := a.defaultRanges[i].end; frame > a.defaultRanges[i].start; frame-- {
			a.freeStack = append(a.freeStack, frame-1)
		}
	}

	return nil
}

// Reset returns every frame to its pool, discarding all outstanding
// allocations.
func (a *Allocator) Reset() {
	a.lock.Acquire()
	defer a.lock.Release()

	if err := a.init(); err != nil {
		panicFn(err)
	}
}

// Allocate reserves a single frame from the Default pool.
func (a *Allocator) Allocate() (mm.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if len(a.freeStack) == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := a.freeStack[len(a.freeStack)-1]
	a.freeStack = a.freeStack[:len(a.freeStack)-1]
	a.defaultState.markFrame(frame, true)
	return frame, nil
}

// Free returns a frame obtained via Allocate to the Default pool. Freeing a
// frame that is not part of the Default pool or that is already free is a
// fatal error.
func (a *Allocator) Free(frame mm.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.inDefaultPool(frame) {
		panicFn(errFrameNotInPool)
		return
	}

	if !a.defaultState.isReserved(frame) {
		panicFn(errDoubleFree)
		return
	}

	a.defaultState.markFrame(frame, false)
	a.freeStack = append(a.freeStack, frame)
}

func (a *Allocator) inDefaultPool(frame mm.Frame) bool {
	for _, r := range a.defaultRanges {
		if frame >= r.start && frame < r.end {
			return true
		}
	}
	return false
}

// AllocateContiguous reserves count physically contiguous frames from the
// Contiguous pool. The number of the first frame is a multiple of align,
// which must be a power of two.
func (a *Allocator) AllocateContiguous(count, align uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrInvalidCount
	}
	if align == 0 || align&(align-1) != 0 {
		return mm.InvalidFrame, ErrInvalidAlignment
	}

	a.lock.Acquire()
	defer a.lock.Release()

	start, ok := a.contig.findRange(count, align)
	if !ok {
		return mm.InvalidFrame, ErrNoContiguousRange
	}

	for frame := start; frame < start+mm.Frame(count); frame++ {
		a.contig.markFrame(frame, true)
	}

	return start, nil
}

// FreeContiguous returns count frames starting at start to the Contiguous
// pool.
func (a *Allocator) FreeContiguous(start mm.Frame, count uint64) {
	a.lock.Acquire()
	defer a.lock.Release()

	end := start + mm.Frame(count)
	if count == 0 || !a.contig.contains(start) || end > a.contig.endFrame {
		panicFn(errFrameNotInPool)
		return
	}

	for frame := start; frame < end; frame++ {
		if !a.contig.isReserved(frame) {
			panicFn(errDoubleFree)
			return
		}
	}

	for frame := start; frame < end; frame++ {
		a.contig.markFrame(frame, false)
	}
}

// FreeCount returns the number of free frames in the given pool.
func (a *Allocator) FreeCount(kind PoolKind) uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	if kind == Contiguous {
		return a.contig.freeCount
	}
	return uint64(len(a.freeStack))
}

// TotalCount returns the number of frames managed by the given pool.
func (a *Allocator) TotalCount(kind PoolKind) uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	if kind == Contiguous {
		return a.contig.size()
	}
	return a.defaultTotal
}

// AllocFrame implements mm.FrameAllocator.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return a.Allocate()
}

// FreeFrame implements mm.FrameAllocator.
func (a *Allocator) FreeFrame(frame mm.Frame) {
	a.Free(frame)
}
