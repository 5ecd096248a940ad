// Package physmem provides the simulated physical RAM of the hosted kernel.
// Frame contents live in a single host mapping; frame N starts at byte
// N*PageSize of that mapping.
package physmem

import (
	"unsafe"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
)

var (
	errMapFailed = &kernel.Error{Module: "physmem", Message: "unable to map simulated physical memory", Kind: kernel.KindOutOfMemory}
	errBadSize   = &kernel.Error{Module: "physmem", Message: "physical memory size must be at least one page", Kind: kernel.KindInvalidArgument}
	errBadFrame  = &kernel.Error{Module: "physmem", Message: "access to frame outside of physical memory", Kind: kernel.KindInvariantViolation}

	// mapFn, unmapFn and panicFn are mocked by tests.
	mapFn   = hostMap
	unmapFn = hostUnmap
	panicFn = kfmt.Panic
)

// Memory is the simulated physical memory.
type Memory struct {
	mem        []byte
	frameCount uint64
}

// New maps size bytes of simulated RAM. The size is rounded down to a page
// multiple.
func New(size uint64) (*Memory, *kernel.Error) {
	size &^= uint64(mm.PageSize - 1)
	if size == 0 {
		return nil, errBadSize
	}

	mem, err := mapFn(int(size))
	if err != nil {
		return nil, errMapFailed
	}

	return &Memory{
		mem:        mem,
		frameCount: size >> mm.PageShift,
	}, nil
}

// Size returns the size of the physical memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.mem))
}

// FrameCount returns the number of frames backed by the memory.
func (m *Memory) FrameCount() uint64 {
	return m.frameCount
}

// Bytes returns a slice overlaying the contents of frame.
func (m *Memory) Bytes(frame mm.Frame) []byte {
	off := m.offset(frame)
	return m.mem[off : off+mm.PageSize : off+mm.PageSize]
}

// FrameAddr returns the host address where the contents of frame are
// stored.
func (m *Memory) FrameAddr(frame mm.Frame) uintptr {
	return uintptr(unsafe.Pointer(&m.mem[m.offset(frame)]))
}

// Zero clears the contents of frame.
func (m *Memory) Zero(frame mm.Frame) {
	kernel.Memset(m.FrameAddr(frame), 0, mm.PageSize)
}

// Copy copies the contents of the src frame into the dst frame.
func (m *Memory) Copy(dst, src mm.Frame) {
	kernel.Memcopy(m.FrameAddr(src), m.FrameAddr(dst), mm.PageSize)
}

// Discard tells the host that the contents of count frames starting at
// first are no longer needed. Discarded frames read back as zero.
func (m *Memory) Discard(first mm.Frame, count uint64) {
	if count == 0 {
		return
	}

	start := m.offset(first)
	end := m.offset(first+mm.Frame(count-1)) + mm.PageSize
	hostDiscard(m.mem[start:end])
}

// Close releases the host mapping. The Memory must not be used afterwards.
func (m *Memory) Close() *kernel.Error {
	if m.mem == nil {
		return nil
	}

	if err := unmapFn(m.mem); err != nil {
		return errMapFailed
	}
	m.mem = nil
	m.frameCount = 0
	return nil
}

func (m *Memory) offset(frame mm.Frame) uintptr {
	if uint64(frame) >= m.frameCount {
		panicFn(errBadFrame)
	}

	return uintptr(frame) << mm.PageShift
}
