// Package kheap implements the kernel object heap: slab caches with
// power-of-two size classes carved out of frames of the Default pool.
// Object addresses are physical addresses inside simulated RAM.
package kheap

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/sync"
)

const (
	minClassShift = 4
	maxClassShift = 11
	classCount    = maxClassShift - minClassShift + 1

	// MaxObjectSize is the largest request served by the heap.
	MaxObjectSize = uintptr(1) << maxClassShift
)

var (
	// ErrOutOfMemory is returned when no frame is available for a new slab.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	// ErrInvalidSize is returned for zero-sized or oversized requests.
	ErrInvalidSize = &kernel.Error{Module: "kheap", Message: "invalid object size", Kind: kernel.KindInvalidArgument}

	errBadFree = &kernel.Error{Module: "kheap", Message: "free of an address not allocated by the heap", Kind: kernel.KindInvariantViolation}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Memory provides access to frame contents.
type Memory interface {
	Bytes(mm.Frame) []byte

	// Discard drops the contents of count frames starting at first.
	Discard(first mm.Frame, count uint64)
}

type slab struct {
	frame mm.Frame
	class int

	// free holds the indices of unused objects; the next one handed out
	// is at the end of the slice.
	free  []uint16
	inUse int
}

// Heap is a slab allocator. All methods are safe for concurrent use.
type Heap struct {
	lock   sync.Spinlock
	frames mm.FrameAllocator
	mem    Memory

	classes [classCount][]*slab
	slabs   map[mm.Frame]*slab
	inUse   uintptr
}

// New creates a heap that obtains its slabs from frames.
func New(frames mm.FrameAllocator, mem Memory) *Heap {
	return &Heap{
		frames: frames,
		mem:    mem,
		slabs:  make(map[mm.Frame]*slab),
	}
}

func classFor(size uintptr) int {
	class := 0
	for uintptr(1)<<(minClassShift+class) < size {
		class++
	}
	return class
}

func classSize(class int) uintptr {
	return uintptr(1) << (minClassShift + class)
}

// Alloc reserves an object of at least size bytes and returns its physical
// address. The object contents are zeroed.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || size > MaxObjectSize {
		return 0, ErrInvalidSize
	}

	h.lock.Acquire()
	defer h.lock.Release()

	class := classFor(size)

	var s *slab
	for _, candidate := range h.classes[class] {
		if len(candidate.free) != 0 {
			s = candidate
			break
		}
	}

	if s == nil {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			return 0, ErrOutOfMemory
		}

		objCount := int(mm.PageSize / classSize(class))
		s = &slab{frame: frame, class: class, free: make([]uint16, objCount)}
		for i := range s.free {
			s.free[i] = uint16(objCount - 1 - i)
		}

		h.classes[class] = append(h.classes[class], s)
		h.slabs[frame] = s
	}

	index := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.inUse++
	h.inUse += classSize(class)

	offset := uintptr(index) * classSize(class)
	clear(h.mem.Bytes(s.frame)[offset : offset+classSize(class)])

	return s.frame.Address() + offset, nil
}

// Bytes returns a slice overlaying size bytes of the object at addr.
func (h *Heap) Bytes(addr, size uintptr) []byte {
	offset := addr & (mm.PageSize - 1)
	return h.mem.Bytes(mm.FrameFromAddress(addr))[offset : offset+size]
}

// Free releases an object obtained via Alloc. Its slab is kept around for
// reuse until Release is invoked.
func (h *Heap) Free(addr uintptr) {
	h.lock.Acquire()
	defer h.lock.Release()

	s, ok := h.slabs[mm.FrameFromAddress(addr)]
	if !ok {
		panicFn(errBadFree)
		return
	}

	offset := addr & (mm.PageSize - 1)
	if offset%classSize(s.class) != 0 {
		panicFn(errBadFree)
		return
	}

	index := uint16(offset / classSize(s.class))
	for _, free := range s.free {
		if free == index {
			panicFn(errBadFree)
			return
		}
	}

	s.free = append(s.free, index)
	s.inUse--
	h.inUse -= classSize(s.class)
}

// InUse returns the number of bytes currently handed out, rounded up to
// the size class of each object.
func (h *Heap) InUse() uintptr {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.inUse
}

// Slabs returns the number of frames held by the heap.
func (h *Heap) Slabs() int {
	h.lock.Acquire()
	defer h.lock.Release()

	return len(h.slabs)
}

// Release returns every empty slab to the frame allocator and reports the
// number of released frames.
func (h *Heap) Release() int {
	h.lock.Acquire()
	defer h.lock.Release()

	var released int
	for class := range h.classes {
		kept := h.classes[class][:0]
		for _, s := range h.classes[class] {
			if s.inUse != 0 {
				kept = append(kept, s)
				continue
			}

			delete(h.slabs, s.frame)
			h.mem.Discard(s.frame, 1)
			h.frames.FreeFrame(s.frame)
			released++
		}
		h.classes[class] = kept
	}

	return released
}
