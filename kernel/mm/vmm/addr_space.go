package vmm

import (
	"sort"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/sync"
)

var (
	// ErrRegionNotFound is returned for region ids that do not exist.
	ErrRegionNotFound = &kernel.Error{Module: "vmm", Message: "region not found", Kind: kernel.KindNotFound}

	// ErrOverlap is returned when a region would intersect an existing one.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region", Kind: kernel.KindInvalidArgument}

	// ErrNoSpace is returned when no free virtual range can hold a region.
	ErrNoSpace = &kernel.Error{Module: "vmm", Message: "no free virtual address range", Kind: kernel.KindResourceExhausted}

	// ErrNotEnoughMemory is returned when a stack cannot be grown.
	ErrNotEnoughMemory = &kernel.Error{Module: "vmm", Message: "not enough memory", Kind: kernel.KindOutOfMemory}

	errZeroSize      = &kernel.Error{Module: "vmm", Message: "region size must be non-zero", Kind: kernel.KindInvalidArgument}
	errFileSize      = &kernel.Error{Module: "vmm", Message: "file size exceeds region size", Kind: kernel.KindInvalidArgument}
	errBSSBinary     = &kernel.Error{Module: "vmm", Message: "bss regions can not be backed by a binary", Kind: kernel.KindInvalidArgument}
	errAnonBinary    = &kernel.Error{Module: "vmm", Message: "anonymous regions can not be backed by a binary", Kind: kernel.KindInvalidArgument}
	errMissingBinary = &kernel.Error{Module: "vmm", Message: "region type requires a binary", Kind: kernel.KindInvalidArgument}
	errStackTooBig   = &kernel.Error{Module: "vmm", Message: "stack exceeds the maximum stack size", Kind: kernel.KindInvalidArgument}
	errBadRegionType = &kernel.Error{Module: "vmm", Message: "unknown region type", Kind: kernel.KindInvalidArgument}
)

// AddressSpace is the set of regions of one process and the page tables
// mapping them.
type AddressSpace struct {
	lock sync.Spinlock

	sys *System
	pid kernel.PID
	pdt PageDirectoryTable

	regions   map[RegionID]*region
	nextID    RegionID
	binEnd    uintptr
	destroyed bool
}

// PID returns the process owning the address space.
func (as *AddressSpace) PID() kernel.PID {
	return as.pid
}

// Add creates a region of memSize bytes of the given type. The first
// fileSize bytes are loaded from bin starting at offset; the remaining bytes
// are zero.
func (as *AddressSpace) Add(bin Binary, offset, memSize, fileSize uint64, regionType RegionType) (RegionID, *kernel.Error) {
	if err := validateRegion(bin, memSize, fileSize, regionType); err != nil {
		return NoRegion, err
	}

	size := mm.PageAlignUp(uintptr(memSize))

	as.lock.Acquire()
	defer as.lock.Release()

	start, limit, err := as.placeLocked(regionType, size)
	if err != nil {
		return NoRegion, err
	}

	r := &region{
		Region: Region{
			ID:    as.nextID,
			Type:  regionType,
			Flags: flagsFor(regionType),
			Start: start,
			End:   start + size,
		},
		bin:      bin,
		offset:   offset,
		fileSize: fileSize,
		limit:    limit,
	}

	switch regionType {
	case RegionText, RegionRoData:
		r.backing = as.sys.acquireBacking(backingKey(bin, regionType, offset, memSize), bin, offset, fileSize, int(size>>mm.PageShift))
	case RegionSharedMem:
		r.backing = as.sys.acquireBacking("", nil, 0, 0, int(size>>mm.PageShift))
	}

	as.regions[r.ID] = r
	as.nextID++
	if isBinaryRegion(regionType) && r.End > as.binEnd {
		as.binEnd = r.End
	}

	return r.ID, nil
}

func validateRegion(bin Binary, memSize, fileSize uint64, regionType RegionType) *kernel.Error {
	switch {
	case memSize == 0:
		return errZeroSize
	case fileSize > memSize:
		return errFileSize
	}

	switch regionType {
	case RegionText, RegionRoData, RegionData:
		if bin == nil {
			return errMissingBinary
		}
	case RegionBSS:
		if bin != nil || fileSize != 0 {
			return errBSSBinary
		}
	case RegionStack, RegionSharedMem:
		if bin != nil || fileSize != 0 {
			return errAnonBinary
		}
		if regionType == RegionStack && uintptr(memSize) > StackMaxSize {
			return errStackTooBig
		}
	case RegionTLS:
		if bin == nil && fileSize != 0 {
			return errMissingBinary
		}
	default:
		return errBadRegionType
	}

	return nil
}

func isBinaryRegion(regionType RegionType) bool {
	return regionType <= RegionBSS
}

// placeLocked picks the start address for a new region of the given type
// and size. For stacks it also returns the growth limit.
func (as *AddressSpace) placeLocked(regionType RegionType, size uintptr) (uintptr, uintptr, *kernel.Error) {
	switch regionType {
	case RegionStack:
		for slot := uintptr(0); slot < MaxStacks; slot++ {
			top := StackTop - slot*stackSlotSize
			if as.overlappingLocked(top-StackMaxSize, top) == nil {
				return top - size, top - StackMaxSize, nil
			}
		}
		return 0, 0, ErrNoSpace

	case RegionTLS, RegionSharedMem:
		start := FreeAreaBase
		for start+size <= stackAreaBase {
			r := as.overlappingLocked(start, start+size)
			if r == nil {
				return start, 0, nil
			}
			start = r.End
		}
		return 0, 0, ErrNoSpace

	default:
		start := as.binEnd
		if regionType == RegionText {
			start = TextBase
		}
		if start+size > FreeAreaBase {
			return 0, 0, ErrNoSpace
		}
		if as.overlappingLocked(start, start+size) != nil {
			return 0, 0, ErrOverlap
		}
		return start, 0, nil
	}
}

func (as *AddressSpace) overlappingLocked(start, end uintptr) *region {
	for _, r := range as.regions {
		if r.overlaps(start, end) {
			return r
		}
	}
	return nil
}

// regionForLocked returns the region containing addr.
func (as *AddressSpace) regionForLocked(addr uintptr) *region {
	for _, r := range as.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// sortedLocked returns the regions ordered by id.
func (as *AddressSpace) sortedLocked() []*region {
	list := make([]*region, 0, len(as.regions))
	for _, r := range as.regions {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Remove releases the region with the given id and every frame the process
// owns in it.
func (as *AddressSpace) Remove(id RegionID) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	r := as.regions[id]
	if r == nil {
		return ErrRegionNotFound
	}

	as.releaseRegionLocked(r)
	delete(as.regions, id)

	if isBinaryRegion(r.Type) {
		as.binEnd = TextBase
		for _, other := range as.regions {
			if isBinaryRegion(other.Type) && other.End > as.binEnd {
				as.binEnd = other.End
			}
		}
	}

	return nil
}

// releaseRegionLocked unmaps every page of r. Private frames are freed
// unless another process still shares them; shared frames belong to the
// backing.
func (as *AddressSpace) releaseRegionLocked(r *region) {
	first, last := r.pages()
	for page := first; page < last; page++ {
		frame, err := as.pdt.Unmap(page)
		if err != nil || r.backing != nil || frame == as.sys.zeroFrame {
			continue
		}

		if !as.sys.tracker.Untrack(as.pid, frame) {
			as.sys.frames.FreeFrame(frame)
		}
	}

	if r.backing != nil {
		as.sys.releaseBacking(r.backing)
	}
}

// Range returns the address range of a region.
func (as *AddressSpace) Range(id RegionID) (uintptr, uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	r := as.regions[id]
	if r == nil {
		return 0, 0, ErrRegionNotFound
	}
	return r.Start, r.End, nil
}

// Region returns the description of a region.
func (as *AddressSpace) Region(id RegionID) (Region, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	if r := as.regions[id]; r != nil {
		return r.Region, true
	}
	return Region{}, false
}

// Regions returns the regions ordered by start address.
func (as *AddressSpace) Regions() []Region {
	as.lock.Acquire()
	defer as.lock.Release()

	list := make([]Region, 0, len(as.regions))
	for _, r := range as.regions {
		list = append(list, r.Region)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	return list
}

// GrowStack extends the stack region id down to the page containing addr
// and backs the new pages with zeroed frames.
func (as *AddressSpace) GrowStack(id RegionID, addr uintptr) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	r := as.regions[id]
	if r == nil || r.Type != RegionStack {
		return ErrRegionNotFound
	}

	target := mm.PageAlignDown(addr)
	if addr >= r.End {
		return ErrRegionNotFound
	}
	if target >= r.Start {
		return nil
	}
	if target < r.limit {
		return ErrNotEnoughMemory
	}

	var (
		last   = mm.PageFromAddress(r.Start)
		flags  = r.pteFlags()
		mapped []mm.Page
	)
	for page := mm.PageFromAddress(target); page < last; page++ {
		if _, _, ok := as.pdt.Lookup(page); ok {
			continue
		}

		frame, err := as.sys.allocZeroed()
		if err == nil {
			if err = as.pdt.Map(page, frame, flags); err != nil {
				as.sys.frames.FreeFrame(frame)
			}
		}
		if err != nil {
			for _, undo := range mapped {
				if frame, unmapErr := as.pdt.Unmap(undo); unmapErr == nil {
					as.sys.frames.FreeFrame(frame)
				}
			}
			return ErrNotEnoughMemory
		}
		mapped = append(mapped, page)
	}

	r.Start = target
	return nil
}

// Lookup returns the frame and flags of the page containing addr.
func (as *AddressSpace) Lookup(addr uintptr) (mm.Frame, PageTableEntryFlag, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.pdt.Lookup(mm.PageFromAddress(addr))
}

// Destroy removes every region and frees the page tables.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return
	}

	for _, r := range as.sortedLocked() {
		as.releaseRegionLocked(r)
	}
	as.regions = make(map[RegionID]*region)
	as.pdt.Destroy()
	as.destroyed = true
}

// Clone returns a copy of the address space for childPID. Private pages are
// shared copy-on-write: both sides lose write access and the frame is
// tracked for both processes. Shared regions reference the same backing.
// On failure the partially built child is destroyed.
func (as *AddressSpace) Clone(childPID kernel.PID) (*AddressSpace, *kernel.Error) {
	child, err := as.sys.NewAddressSpace(childPID)
	if err != nil {
		return nil, err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	child.nextID = as.nextID
	child.binEnd = as.binEnd

	for _, r := range as.sortedLocked() {
		cr := *r
		if cr.backing != nil {
			as.sys.retainBacking(cr.backing)
		}
		child.regions[cr.ID] = &cr

		if err = as.clonePagesLocked(child, r); err != nil {
			child.Destroy()
			return nil, err
		}
	}

	return child, nil
}

func (as *AddressSpace) clonePagesLocked(child *AddressSpace, r *region) *kernel.Error {
	first, last := r.pages()
	for page := first; page < last; page++ {
		frame, flags, ok := as.pdt.Lookup(page)
		if !ok {
			continue
		}

		if r.backing != nil || frame == as.sys.zeroFrame {
			if err := child.pdt.Map(page, frame, flags); err != nil {
				return err
			}
			continue
		}

		if err := as.sys.tracker.Share(frame, as.pid, child.pid); err != nil {
			return ErrOutOfMemory
		}

		cowFlags := (flags &^ FlagRW) | FlagCopyOnWrite
		if err := child.pdt.Map(page, frame, cowFlags); err != nil {
			as.sys.tracker.Untrack(child.pid, frame)
			return err
		}

		if err := as.pdt.Update(page, frame, cowFlags); err != nil {
			return err
		}
	}

	return nil
}
