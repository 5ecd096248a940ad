package vmm

import (
	"io"

	"github.com/Rohit12234/Escape/kernel/mm"
)

// RegionID identifies a region within an address space. Forked address
// spaces keep the region ids of their parent.
type RegionID int

// NoRegion marks an unused region slot.
const NoRegion RegionID = -1

// RegionType describes what a region holds.
type RegionType uint8

const (
	// RegionText holds executable code loaded from a binary.
	RegionText RegionType = iota

	// RegionRoData holds read-only data loaded from a binary.
	RegionRoData

	// RegionData holds writable data loaded from a binary. Pages past the
	// file contents are zero filled.
	RegionData

	// RegionBSS holds zero initialized memory.
	RegionBSS

	// RegionStack is a thread stack that grows down on demand.
	RegionStack

	// RegionTLS holds the thread local storage of a single thread.
	RegionTLS

	// RegionSharedMem is memory shared between address spaces without
	// copy-on-write.
	RegionSharedMem
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionText:
		return "text"
	case RegionRoData:
		return "rodata"
	case RegionData:
		return "data"
	case RegionBSS:
		return "bss"
	case RegionStack:
		return "stack"
	case RegionTLS:
		return "tls"
	case RegionSharedMem:
		return "shm"
	default:
		return "unknown"
	}
}

// RegionFlag describes region attributes.
type RegionFlag uint8

const (
	// RegionWritable allows user writes.
	RegionWritable RegionFlag = 1 << iota

	// RegionExec allows instruction fetches.
	RegionExec

	// RegionCOW marks private writable regions whose pages are shared
	// copy-on-write when the address space is cloned.
	RegionCOW

	// RegionGrowable marks regions that may be extended.
	RegionGrowable

	// RegionGrowsDown marks regions that grow towards lower addresses.
	RegionGrowsDown

	// RegionShared marks regions whose frames belong to a backing shared
	// between address spaces.
	RegionShared
)

// Binary is the descriptor of an executable that regions load their
// contents from.
type Binary interface {
	io.ReaderAt

	// Name identifies the binary. Text and rodata regions of binaries with
	// the same name share their frames.
	Name() string
}

// Region describes a region of an address space.
type Region struct {
	ID    RegionID
	Type  RegionType
	Flags RegionFlag
	Start uintptr
	End   uintptr
}

// Size returns the number of bytes covered by the region.
func (r Region) Size() uintptr {
	return r.End - r.Start
}

// Contains returns true if addr lies inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

type region struct {
	Region

	bin      Binary
	offset   uint64
	fileSize uint64

	// limit is the lowest address a stack region may grow down to; the
	// range [limit, End) is reserved for it.
	limit uintptr

	backing *backing
}

// reservedStart returns the start of the address range that no other
// region may use.
func (r *region) reservedStart() uintptr {
	if r.Flags&RegionGrowsDown != 0 {
		return r.limit
	}
	return r.Start
}

func (r *region) overlaps(start, end uintptr) bool {
	return start < r.End && r.reservedStart() < end
}

// pteFlags returns the flags used for exclusively owned pages of the region.
func (r *region) pteFlags() PageTableEntryFlag {
	flags := FlagPresent | FlagUserAccessible
	if r.Flags&RegionWritable != 0 {
		flags |= FlagRW
	}
	if r.Flags&RegionExec == 0 {
		flags |= FlagNoExecute
	}
	return flags
}

// fileBacked returns true if page is loaded from the region binary.
func (r *region) fileBacked(page mm.Page) bool {
	return r.bin != nil && uint64(page.Address()-r.Start) < r.fileSize
}

func (r *region) pages() (mm.Page, mm.Page) {
	return mm.PageFromAddress(r.Start), mm.PageFromAddress(r.End)
}

// flagsFor returns the region flags for a region type.
func flagsFor(regionType RegionType) RegionFlag {
	switch regionType {
	case RegionText:
		return RegionExec | RegionShared
	case RegionRoData:
		return RegionShared
	case RegionData, RegionBSS, RegionTLS:
		return RegionWritable | RegionCOW
	case RegionStack:
		return RegionWritable | RegionCOW | RegionGrowable | RegionGrowsDown
	case RegionSharedMem:
		return RegionWritable | RegionShared
	default:
		return 0
	}
}
