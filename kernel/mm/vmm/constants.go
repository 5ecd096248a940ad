package vmm

import "github.com/Rohit12234/Escape/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a page table of any level.
	entriesPerTable = 1 << 9

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// User address space layout.
const (
	// TextBase is the address where the text region of every binary
	// starts. Page 0 is never mapped.
	TextBase = uintptr(0x1000)

	// FreeAreaBase is the start of the area used for TLS and shared
	// memory regions. Binary regions must end below it.
	FreeAreaBase = uintptr(0x4000_0000)

	// StackTop is the end of the first stack region. Further stacks are
	// placed below it, each reserving StackMaxSize plus a guard page.
	StackTop = uintptr(0x7fff_0000_0000)

	// StackMaxSize is the largest size a stack region can grow to.
	StackMaxSize = uintptr(1 << 20)

	// MaxStacks bounds the number of stack regions per address space.
	MaxStacks = 64

	stackSlotSize = StackMaxSize + mm.PageSize

	// stackAreaBase is the lowest address of the stack area and the end
	// of the free area.
	stackAreaBase = StackTop - MaxStacks*stackSlotSize
)
