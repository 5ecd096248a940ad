package vmm

import "github.com/Rohit12234/Escape/kernel"

var (
	errTextSegment  = &kernel.Error{Module: "vmm", Message: "first loadable segment must be read+exec at the text base address", Kind: kernel.KindInvalidArgument}
	errSegmentFlags = &kernel.Error{Module: "vmm", Message: "unrecognized segment permissions", Kind: kernel.KindInvalidArgument}
)

// ProgFlag holds the permissions of a loadable program segment.
type ProgFlag uint32

const (
	ProgExec  ProgFlag = 1 << iota // PF_X
	ProgWrite                      // PF_W
	ProgRead                       // PF_R
)

// Segment describes a loadable program segment.
type Segment struct {
	Flags    ProgFlag
	VirtAddr uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
}

// AddSegment adds the region for the loadSegNo-th loadable segment of bin.
// The first segment must be the text segment; read-only segments become
// rodata and writable ones data, or bss if nothing is loaded from the file.
// Regions after the text are placed behind the previous binary region.
func (as *AddressSpace) AddSegment(bin Binary, seg Segment, loadSegNo int) (RegionID, *kernel.Error) {
	var regionType RegionType

	switch {
	case loadSegNo == 0:
		if seg.Flags != ProgRead|ProgExec || uintptr(seg.VirtAddr) != TextBase {
			return NoRegion, errTextSegment
		}
		regionType = RegionText
	case seg.Flags == ProgRead:
		regionType = RegionRoData
	case seg.Flags == ProgRead|ProgWrite:
		regionType = RegionData
		if seg.FileSize == 0 {
			regionType = RegionBSS
			bin = nil
		}
	default:
		return NoRegion, errSegmentFlags
	}

	return as.Add(bin, seg.Offset, seg.MemSize, seg.FileSize, regionType)
}
