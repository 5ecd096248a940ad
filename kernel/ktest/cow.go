package ktest

import (
	"bytes"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
)

const maxAccessFaults = 8

var errAccessLoop = &kernel.Error{Module: "ktest", Message: "access keeps faulting", Kind: kernel.KindFault}

// ModCOW checks the copy-on-write protocol with three processes sharing a
// frame.
var ModCOW = Module{Name: "Copy-on-write", Run: testCOW}

// access copies between buf and the memory of as at addr and resolves the
// page faults on the way.
func access(as *vmm.AddressSpace, addr uintptr, buf []byte, write bool) *kernel.Error {
	done := 0
	for faults := 0; done < len(buf); faults++ {
		if faults == maxAccessFaults {
			return errAccessLoop
		}

		n, fault := as.Access(addr+uintptr(done), buf[done:], write)
		done += n
		if fault == nil {
			return nil
		}
		if err := as.HandlePageFault(fault.Addr, fault.Write); err != nil {
			return err
		}
	}
	return nil
}

func testCOW(t *T) {
	var (
		k     = t.K
		free  = t.freeFrames()
		a, b  *vmm.AddressSpace
		c     *vmm.AddressSpace
		start uintptr
		frame mm.Frame
		err   *kernel.Error
	)

	t.CaseStart("Sharing a frame between three processes")
	if a, err = k.VMM.NewAddressSpace(200); !t.AssertNoErr(err) {
		t.CaseSucceeded()
		return
	}
	defer a.Destroy()

	id, err := a.Add(nil, 0, uint64(mm.PageSize), 0, vmm.RegionBSS)
	if !t.AssertNoErr(err) {
		t.CaseSucceeded()
		return
	}
	start, _, _ = a.Range(id)
	t.AssertNoErr(access(a, start, []byte("original"), true))
	frame, _, _ = a.Lookup(start)

	if b, err = a.Clone(201); !t.AssertNoErr(err) {
		t.CaseSucceeded()
		return
	}
	defer b.Destroy()
	if c, err = a.Clone(202); !t.AssertNoErr(err) {
		t.CaseSucceeded()
		return
	}
	defer c.Destroy()

	t.AssertUint(uint64(k.COW.RefCount(frame)), 3)
	t.Assert(k.COW.IsOriginal(200, frame), "the parent is the original owner")
	t.CaseSucceeded()

	t.CaseStart("A writer gets a private copy")
	t.AssertNoErr(access(a, start, []byte("written!"), true))
	aFrame, _, _ := a.Lookup(start)
	t.Assert(aFrame != frame, "the writer maps a new frame")
	t.AssertUint(uint64(k.COW.RefCount(frame)), 2)
	t.Assert(readsBack(b, start, "original"), "other sharers keep the old content")
	t.CaseSucceeded()

	t.CaseStart("The second writer copies and leaves a single owner")
	t.AssertNoErr(access(b, start, []byte("second!!"), true))
	t.AssertUint(uint64(k.COW.RefCount(frame)), 0)
	t.Assert(readsBack(c, start, "original"), "the last sharer keeps the old content")
	t.CaseSucceeded()

	t.CaseStart("The last owner converts the page in place")
	t.AssertNoErr(access(c, start, []byte("third!!!"), true))
	cFrame, flags, _ := c.Lookup(start)
	t.Assert(cFrame == frame, "the last owner keeps the frame")
	t.Assert(flags&vmm.FlagRW != 0, "the page is writable")
	t.Assert(readsBack(a, start, "written!"), "the first writer keeps its copy")
	t.Assert(readsBack(b, start, "second!!"), "the second writer keeps its copy")
	t.CaseSucceeded()

	t.CaseStart("Destroying the address spaces releases every frame")
	a.Destroy()
	b.Destroy()
	c.Destroy()
	t.AssertUint(uint64(k.COW.Entries()), 0)
	t.AssertUint(t.freeFrames(), free)
	t.CaseSucceeded()
}

func readsBack(as *vmm.AddressSpace, addr uintptr, exp string) bool {
	buf := make([]byte, len(exp))
	if err := access(as, addr, buf, false); err != nil {
		return false
	}
	return bytes.Equal(buf, []byte(exp))
}
