// Package vmm implements per-process address spaces on top of 4-level page
// tables stored in simulated physical memory.
//
// Lock order: address space -> copy-on-write tracker -> backing registry ->
// frame allocator. Binary contents are read with no lock held.
package vmm

import (
	"io"
	"strconv"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/sync"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrOutOfMemory is returned when a frame for a page or page table
	// cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	errBinaryRead  = &kernel.Error{Module: "vmm", Message: "unable to read region contents from binary", Kind: kernel.KindFault}
	errBackingGone = &kernel.Error{Module: "vmm", Message: "region backing released while loading", Kind: kernel.KindNotFound}

	log = kfmt.NewLogger("vmm")
)

// Tracker records frames shared copy-on-write between address spaces.
type Tracker interface {
	Share(frame mm.Frame, parent, child kernel.PID) *kernel.Error
	Untrack(pid kernel.PID, frame mm.Frame) bool
	ResolveWriteFault(pid kernel.PID, frame mm.Frame) (mm.Frame, *kernel.Error)
}

// backing holds the frames of a shared region. Its frames are loaded on
// demand and freed when the last region referencing it is removed.
type backing struct {
	key      string
	refs     int
	bin      Binary
	offset   uint64
	fileSize uint64
	frames   []mm.Frame
}

// System owns the state shared by all address spaces: the zeroed frame
// mapped for untouched anonymous pages and the registry of shared backings.
type System struct {
	frames  mm.FrameAllocator
	mem     Memory
	tracker Tracker

	zeroFrame mm.Frame

	backingLock   sync.Spinlock
	backings      map[string]*backing
	nextBackingID uint64

	loads singleflight.Group
}

// NewSystem reserves the zeroed frame and returns a System that allocates
// page frames from frames.
func NewSystem(frames mm.FrameAllocator, mem Memory, tracker Tracker) (*System, *kernel.Error) {
	zeroFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	mem.Zero(zeroFrame)

	return &System{
		frames:    frames,
		mem:       mem,
		tracker:   tracker,
		zeroFrame: zeroFrame,
		backings:  make(map[string]*backing),
	}, nil
}

// Close returns the zeroed frame. Every address space must have been
// destroyed before.
func (s *System) Close() {
	if s.zeroFrame.Valid() {
		s.frames.FreeFrame(s.zeroFrame)
		s.zeroFrame = mm.InvalidFrame
	}
}

// ZeroFrame returns the frame mapped read-only for untouched anonymous
// pages.
func (s *System) ZeroFrame() mm.Frame {
	return s.zeroFrame
}

// Backings returns the number of live shared backings.
func (s *System) Backings() int {
	s.backingLock.Acquire()
	defer s.backingLock.Release()
	return len(s.backings)
}

// NewAddressSpace returns an empty address space for pid.
func (s *System) NewAddressSpace(pid kernel.PID) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{
		sys:     s,
		pid:     pid,
		regions: make(map[RegionID]*region),
		binEnd:  TextBase,
	}

	if err := as.pdt.Init(s.frames, s.mem); err != nil {
		return nil, err
	}

	return as, nil
}

// acquireBacking returns the backing registered under key with one more
// reference, creating it if needed. An empty key always creates a private
// backing.
func (s *System) acquireBacking(key string, bin Binary, offset, fileSize uint64, pages int) *backing {
	s.backingLock.Acquire()
	defer s.backingLock.Release()

	if b, ok := s.backings[key]; ok && key != "" {
		b.refs++
		return b
	}

	if key == "" {
		key = "anon:" + strconv.FormatUint(s.nextBackingID, 10)
		s.nextBackingID++
	}

	b := &backing{
		key:      key,
		refs:     1,
		bin:      bin,
		offset:   offset,
		fileSize: fileSize,
		frames:   make([]mm.Frame, pages),
	}
	for i := range b.frames {
		b.frames[i] = mm.InvalidFrame
	}
	s.backings[key] = b
	return b
}

func (s *System) retainBacking(b *backing) {
	s.backingLock.Acquire()
	b.refs++
	s.backingLock.Release()
}

// releaseBacking drops a reference to b and frees its frames with the last
// one.
func (s *System) releaseBacking(b *backing) {
	s.backingLock.Acquire()
	defer s.backingLock.Release()

	b.refs--
	if b.refs > 0 {
		return
	}

	for i, frame := range b.frames {
		if frame.Valid() {
			s.frames.FreeFrame(frame)
			b.frames[i] = mm.InvalidFrame
		}
	}
	delete(s.backings, b.key)
}

// loadedFrame returns the frame holding page index of b if it is loaded.
func (s *System) loadedFrame(b *backing, index int) (mm.Frame, bool) {
	s.backingLock.Acquire()
	defer s.backingLock.Release()

	frame := b.frames[index]
	return frame, frame.Valid()
}

// loadBackingFrame loads page index of b. Concurrent loads of the same page
// are collapsed into a single read of the binary.
func (s *System) loadBackingFrame(b *backing, index int) (mm.Frame, *kernel.Error) {
	if frame, ok := s.loadedFrame(b, index); ok {
		return frame, nil
	}

	v, err, _ := s.loads.Do(b.key+"#"+strconv.Itoa(index), func() (interface{}, error) {
		if frame, ok := s.loadedFrame(b, index); ok {
			return frame, nil
		}

		frame, loadErr := s.loadPage(b.bin, b.offset, b.fileSize, uint64(index)*uint64(mm.PageSize))
		if loadErr != nil {
			return nil, loadErr
		}

		s.backingLock.Acquire()
		defer s.backingLock.Release()

		if b.refs == 0 {
			s.frames.FreeFrame(frame)
			return nil, errBackingGone
		}
		b.frames[index] = frame
		return frame, nil
	})
	if err != nil {
		return mm.InvalidFrame, err.(*kernel.Error)
	}

	return v.(mm.Frame), nil
}

// loadPage allocates a frame and fills it with the page of a region that
// starts pageOffset bytes into the region. Bytes past fileSize are zero.
func (s *System) loadPage(bin Binary, offset, fileSize, pageOffset uint64) (mm.Frame, *kernel.Error) {
	frame, err := s.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	s.mem.Zero(frame)

	if bin == nil || pageOffset >= fileSize {
		return frame, nil
	}

	n := min(uint64(mm.PageSize), fileSize-pageOffset)
	if _, readErr := bin.ReadAt(s.mem.Bytes(frame)[:n], int64(offset+pageOffset)); readErr != nil && readErr != io.EOF {
		s.frames.FreeFrame(frame)
		log.Printf("read of %s at offset %d failed: %s\n", bin.Name(), offset+pageOffset, readErr)
		return mm.InvalidFrame, errBinaryRead
	}

	return frame, nil
}

// allocZeroed allocates a cleared frame.
func (s *System) allocZeroed() (mm.Frame, *kernel.Error) {
	frame, err := s.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	s.mem.Zero(frame)
	return frame, nil
}

func backingKey(bin Binary, regionType RegionType, offset, memSize uint64) string {
	return bin.Name() + ":" + regionType.String() + ":" + strconv.FormatUint(offset, 10) + ":" + strconv.FormatUint(memSize, 10)
}
