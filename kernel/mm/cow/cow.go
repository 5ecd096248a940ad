// Package cow tracks physical frames shared copy-on-write between processes
// and decides how write faults on such frames are resolved.
//
// A frame is tracked while two or more processes map it. When the set of
// sharers shrinks to one, the entry is dropped and the remaining process
// becomes the exclusive owner; its page is still mapped read-only and is
// converted in place by its next write fault.
//
// Lock order: address space -> tracker -> frame allocator/heap. The tracker
// never calls back into address spaces.
package cow

import (
	"encoding/binary"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// Layout of the heap record kept for each sharer. The record is the
// authoritative copy of the owner's pid and original flag.
const (
	recFrameOffset    = 0
	recPIDOffset      = 8
	recOriginalOffset = 12
	ownerRecordSize   = 16
)

var (
	// ErrOutOfMemory is returned when a bookkeeping record or a copy of a
	// shared frame cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "cow", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	errNotAnOwner = &kernel.Error{Module: "cow", Message: "process does not share the tracked frame", Kind: kernel.KindInvariantViolation}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Heap allocates the owner records.
type Heap interface {
	Alloc(size uintptr) (uintptr, *kernel.Error)
	Free(addr uintptr)
	Bytes(addr, size uintptr) []byte
}

// PageCopier duplicates frame contents.
type PageCopier interface {
	Copy(dst, src mm.Frame)
}

// owner caches the pid of a sharer for lookups; the remaining fields live in
// the heap record.
type owner struct {
	pid    kernel.PID
	record uintptr
}

type entry struct {
	owners []owner
}

func (e *entry) indexOf(pid kernel.PID) int {
	for i := range e.owners {
		if e.owners[i].pid == pid {
			return i
		}
	}
	return -1
}

// Tracker maps shared frames to the processes sharing them.
type Tracker struct {
	lock    sync.Spinlock
	frames  mm.FrameAllocator
	mem     PageCopier
	heap    Heap
	entries map[mm.Frame]*entry
}

// New creates a tracker that obtains copies from frames and charges owner
// records to heap.
func New(frames mm.FrameAllocator, mem PageCopier, heap Heap) *Tracker {
	return &Tracker{
		frames:  frames,
		mem:     mem,
		heap:    heap,
		entries: make(map[mm.Frame]*entry),
	}
}

// Track registers pid as a sharer of frame. Tracking a process that already
// shares the frame is a no-op. It fails only if the owner record cannot be
// allocated.
//
// Track is a building block: the first call for an untracked frame creates
// an entry with a single owner, which is only valid until the next sharer
// is tracked. Address spaces use Share, which registers both sides at once.
func (t *Tracker) Track(pid kernel.PID, frame mm.Frame, isOriginal bool) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.track(pid, frame, isOriginal)
}

// Share registers both parent and child as sharers of frame. Either both
// are registered or, on failure, the entry is left untouched.
func (t *Tracker) Share(frame mm.Frame, parent, child kernel.PID) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	parentAdded := false
	if e := t.entries[frame]; e == nil || e.indexOf(parent) < 0 {
		if err := t.track(parent, frame, true); err != nil {
			return err
		}
		parentAdded = true
	}

	if err := t.track(child, frame, false); err != nil {
		if parentAdded {
			t.untrack(parent, frame)
		}
		return err
	}

	return nil
}

func (t *Tracker) track(pid kernel.PID, frame mm.Frame, isOriginal bool) *kernel.Error {
	e := t.entries[frame]
	if e != nil && e.indexOf(pid) >= 0 {
		return nil
	}

	record, err := t.heap.Alloc(ownerRecordSize)
	if err != nil {
		return ErrOutOfMemory
	}

	rec := t.heap.Bytes(record, ownerRecordSize)
	binary.LittleEndian.PutUint64(rec[recFrameOffset:], uint64(frame))
	binary.LittleEndian.PutUint32(rec[recPIDOffset:], uint32(pid))
	rec[recOriginalOffset] = 0
	if isOriginal {
		rec[recOriginalOffset] = 1
	}

	if e == nil {
		e = &entry{}
		t.entries[frame] = e
	}
	e.owners = append(e.owners, owner{pid: pid, record: record})
	return nil
}

func (t *Tracker) recordPID(o owner) kernel.PID {
	rec := t.heap.Bytes(o.record, ownerRecordSize)
	return kernel.PID(binary.LittleEndian.Uint32(rec[recPIDOffset:]))
}

func (t *Tracker) recordOriginal(o owner) bool {
	return t.heap.Bytes(o.record, ownerRecordSize)[recOriginalOffset] != 0
}

// Untrack removes pid from the sharers of frame and reports whether the
// frame is still in use by another process. The caller must free the frame
// when shared is false. When a single sharer remains the entry is dropped;
// that process now owns the frame exclusively.
func (t *Tracker) Untrack(pid kernel.PID, frame mm.Frame) (shared bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.untrack(pid, frame)
}

func (t *Tracker) untrack(pid kernel.PID, frame mm.Frame) bool {
	e := t.entries[frame]
	if e == nil {
		return false
	}

	index := e.indexOf(pid)
	if index < 0 {
		panicFn(errNotAnOwner)
		return true
	}

	t.heap.Free(e.owners[index].record)
	e.owners = append(e.owners[:index], e.owners[index+1:]...)

	switch len(e.owners) {
	case 0:
		delete(t.entries, frame)
		return false
	case 1:
		t.heap.Free(e.owners[0].record)
		delete(t.entries, frame)
	}

	return true
}

// ResolveWriteFault decides how a write fault by pid on the copy-on-write
// page backed by frame is resolved. It returns the frame that pid must map
// writable: frame itself if pid is its last owner, or a private copy
// otherwise. The decision and the copy happen atomically with respect to
// faults by other sharers of the same frame.
func (t *Tracker) ResolveWriteFault(pid kernel.PID, frame mm.Frame) (mm.Frame, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	e := t.entries[frame]
	if e == nil {
		return frame, nil
	}

	index := e.indexOf(pid)
	if index < 0 {
		panicFn(errNotAnOwner)
		return mm.InvalidFrame, errNotAnOwner
	}

	if len(e.owners) == 1 {
		t.heap.Free(e.owners[0].record)
		delete(t.entries, frame)
		return frame, nil
	}

	copyFrame, err := t.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	t.mem.Copy(copyFrame, frame)

	t.untrack(pid, frame)
	return copyFrame, nil
}

// RefCount returns the number of processes sharing frame.
func (t *Tracker) RefCount(frame mm.Frame) int {
	t.lock.Acquire()
	defer t.lock.Release()

	if e := t.entries[frame]; e != nil {
		return len(e.owners)
	}
	return 0
}

// Owners returns the processes sharing frame in registration order.
func (t *Tracker) Owners(frame mm.Frame) []kernel.PID {
	t.lock.Acquire()
	defer t.lock.Release()

	e := t.entries[frame]
	if e == nil {
		return nil
	}

	pids := make([]kernel.PID, len(e.owners))
	for i := range e.owners {
		pids[i] = t.recordPID(e.owners[i])
	}
	return pids
}

// IsOriginal reports whether pid was registered as the original owner of
// frame.
func (t *Tracker) IsOriginal(pid kernel.PID, frame mm.Frame) bool {
	t.lock.Acquire()
	defer t.lock.Release()

	if e := t.entries[frame]; e != nil {
		if index := e.indexOf(pid); index >= 0 {
			return t.recordOriginal(e.owners[index])
		}
	}
	return false
}

// Entries returns the number of tracked frames.
func (t *Tracker) Entries() int {
	t.lock.Acquire()
	defer t.lock.Release()

	return len(t.entries)
}

// Reset drops every entry and releases the owner records. Frames are not
// freed.
func (t *Tracker) Reset() {
	t.lock.Acquire()
	defer t.lock.Release()

	for frame, e := range t.entries {
		for _, o := range e.owners {
			t.heap.Free(o.record)
		}
		delete(t.entries, frame)
	}
}
