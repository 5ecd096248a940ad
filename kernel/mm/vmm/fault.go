package vmm

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
)

var (
	// ErrSegFault is returned for accesses outside of any region or that
	// violate the region protection.
	ErrSegFault = &kernel.Error{Module: "vmm", Message: "segmentation fault", Kind: kernel.KindFault}
)

// Fault describes an access refused by the MMU.
type Fault struct {
	// Addr is the faulting address.
	Addr uintptr

	// Write is set for write accesses.
	Write bool

	// Present is set if the page was mapped but the access violated its
	// protection.
	Present bool
}

// HandlePageFault resolves a fault at addr. Pages are mapped on demand:
// untouched anonymous pages are backed by the zeroed frame until written,
// binary contents are loaded on first access and writes to copy-on-write
// pages get an exclusive frame.
func (as *AddressSpace) HandlePageFault(addr uintptr, write bool) *kernel.Error {
	page := mm.PageFromAddress(addr)

	for {
		as.lock.Acquire()

		r := as.regionForLocked(addr)
		if r == nil {
			r = as.growStackOnFaultLocked(addr)
		}
		if r == nil || (write && r.Flags&RegionWritable == 0) {
			as.lock.Release()
			log.Printf("pid %d: segmentation fault at 0x%x (write: %t)\n", uint32(as.pid), addr, write)
			return ErrSegFault
		}

		if frame, flags, ok := as.pdt.Lookup(page); ok {
			err := as.resolvePresentLocked(r, page, frame, flags, write)
			as.lock.Release()
			return err
		}

		switch {
		case r.backing != nil:
			index := int((page.Address() - r.Start) >> mm.PageShift)
			if frame, ok := as.sys.loadedFrame(r.backing, index); ok {
				err := as.pdt.Map(page, frame, r.pteFlags())
				as.lock.Release()
				return err
			}

			b := r.backing
			as.lock.Release()
			if _, err := as.sys.loadBackingFrame(b, index); err != nil && err != errBackingGone {
				return err
			}

		case r.fileBacked(page):
			bin, offset, fileSize := r.bin, r.offset, r.fileSize
			pageOffset := uint64(page.Address() - r.Start)
			as.lock.Release()

			frame, err := as.sys.loadPage(bin, offset, fileSize, pageOffset)
			if err != nil {
				return err
			}

			as.lock.Acquire()
			if _, _, mapped := as.pdt.Lookup(page); mapped || as.regions[r.ID] != r {
				as.lock.Release()
				as.sys.frames.FreeFrame(frame)
				continue
			}
			err = as.pdt.Map(page, frame, r.pteFlags())
			if err != nil {
				as.sys.frames.FreeFrame(frame)
			}
			as.lock.Release()
			return err

		case !write:
			err := as.pdt.Map(page, as.sys.zeroFrame, (r.pteFlags()&^FlagRW)|FlagCopyOnWrite)
			as.lock.Release()
			return err

		default:
			frame, err := as.sys.allocZeroed()
			if err == nil {
				if err = as.pdt.Map(page, frame, r.pteFlags()); err != nil {
					as.sys.frames.FreeFrame(frame)
				}
			}
			as.lock.Release()
			return err
		}
	}
}

// resolvePresentLocked handles a fault on a mapped page. Only writes to
// copy-on-write pages need work.
func (as *AddressSpace) resolvePresentLocked(r *region, page mm.Page, frame mm.Frame, flags PageTableEntryFlag, write bool) *kernel.Error {
	if !write || flags&FlagRW != 0 {
		return nil
	}

	if flags&FlagCopyOnWrite == 0 {
		return ErrSegFault
	}

	var (
		newFrame mm.Frame
		err      *kernel.Error
	)

	if frame == as.sys.zeroFrame {
		newFrame, err = as.sys.allocZeroed()
	} else if newFrame, err = as.sys.tracker.ResolveWriteFault(as.pid, frame); err != nil {
		err = ErrOutOfMemory
	}
	if err != nil {
		return err
	}

	return as.pdt.Update(page, newFrame, r.pteFlags())
}

// growStackOnFaultLocked extends a stack region whose reserved range
// contains addr. The new pages are mapped on demand.
func (as *AddressSpace) growStackOnFaultLocked(addr uintptr) *region {
	for _, r := range as.regions {
		if r.Flags&RegionGrowsDown != 0 && addr >= r.limit && addr < r.Start {
			r.Start = mm.PageAlignDown(addr)
			return r
		}
	}
	return nil
}

// Access copies len(buf) bytes between buf and the user memory at addr the
// way the MMU would: it follows the page tables and checks the page
// protection but never resolves faults. It returns the number of bytes
// copied and the fault that stopped the copy, if any.
func (as *AddressSpace) Access(addr uintptr, buf []byte, write bool) (int, *Fault) {
	done := 0
	for done < len(buf) {
		cur := addr + uintptr(done)
		offset := cur & (mm.PageSize - 1)
		n := min(int(mm.PageSize-offset), len(buf)-done)

		as.lock.Acquire()
		pte := as.pdt.lookupEntry(mm.PageFromAddress(cur))
		switch {
		case pte == nil || !pte.HasFlags(FlagPresent):
			as.lock.Release()
			return done, &Fault{Addr: cur, Write: write}
		case !pte.HasFlags(FlagUserAccessible) || (write && !pte.HasFlags(FlagRW)):
			as.lock.Release()
			return done, &Fault{Addr: cur, Write: write, Present: true}
		}

		mem := as.sys.mem.Bytes(pte.Frame())[offset : offset+uintptr(n)]
		if write {
			copy(mem, buf[done:done+n])
			pte.SetFlags(FlagAccessed | FlagDirty)
		} else {
			copy(buf[done:done+n], mem)
			pte.SetFlags(FlagAccessed)
		}
		as.lock.Release()

		done += n
	}

	return done, nil
}
