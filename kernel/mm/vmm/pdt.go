package vmm

import (
	"unsafe"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
)

var errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvalidArgument}

// Memory provides access to the contents of physical frames.
type Memory interface {
	Bytes(mm.Frame) []byte
	Zero(mm.Frame)
}

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All tables live in frames of simulated physical memory.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	frames   mm.FrameAllocator
	mem      Memory
}

// Init allocates and clears the top-level table.
func (pdt *PageDirectoryTable) Init(frames mm.FrameAllocator, mem Memory) *kernel.Error {
	frame, err := frames.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}

	mem.Zero(frame)
	pdt.pdtFrame = frame
	pdt.frames = frames
	pdt.mem = mem
	return nil
}

// Frame returns the frame holding the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

func (pdt *PageDirectoryTable) table(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	b := pdt.mem.Bytes(frame)
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(unsafe.SliceData(b)))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. The table visited at each level is the one pointed to by the
// entry handed to walkFn at the previous level, so walkFn may install a
// missing table before returning.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &pdt.table(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated and cleared on demand.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := pdt.frames.AllocFrame()
			if allocErr != nil {
				err = ErrOutOfMemory
				return false
			}
			pdt.mem.Zero(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return err
}

// lookupEntry returns the last level entry for page or nil if any of the
// intermediate tables is missing.
func (pdt *PageDirectoryTable) lookupEntry(page mm.Page) *pageTableEntry {
	var entry *pageTableEntry

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		return pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage)
	})

	return entry
}

// Lookup returns the frame and flags of the mapping for page.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	pte := pdt.lookupEntry(page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, 0, false
	}

	return pte.Frame(), pte.Flags(), true
}

// Update replaces the frame and flags of an existing mapping.
func (pdt *PageDirectoryTable) Update(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte := pdt.lookupEntry(page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	return nil
}

// Unmap removes the mapping for page and returns the frame it pointed to.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	pte := pdt.lookupEntry(page)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame := pte.Frame()
	*pte = 0
	return frame, nil
}

// Destroy frees every table frame. Frames referenced by last level entries
// are owned by the caller and are not freed.
func (pdt *PageDirectoryTable) Destroy() {
	if !pdt.pdtFrame.Valid() || pdt.frames == nil {
		return
	}

	pdt.freeTable(pdt.pdtFrame, 0)
	pdt.pdtFrame = mm.InvalidFrame
}

func (pdt *PageDirectoryTable) freeTable(frame mm.Frame, level uint8) {
	if level < pageLevels-1 {
		table := pdt.table(frame)
		for index := range table {
			if table[index].HasFlags(FlagPresent) {
				pdt.freeTable(table[index].Frame(), level+1)
			}
		}
	}

	pdt.frames.FreeFrame(frame)
}
