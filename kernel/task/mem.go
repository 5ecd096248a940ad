package task

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/gate"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// maxFaultRetries bounds the number of faults a single user access may
// raise at the same address.
const maxFaultRetries = 4

var (
	errNoRunningThread = &kernel.Error{Module: "task", Message: "no thread is running on this CPU", Kind: kernel.KindNotFound}
	errUnhandledFault  = &kernel.Error{Module: "task", Message: "no page fault handler installed", Kind: kernel.KindInvariantViolation}
	errBadStackSlot    = &kernel.Error{Module: "task", Message: "invalid stack region slot", Kind: kernel.KindInvalidArgument}
)

// HandlePageFault resolves a page fault raised by the thread running on
// cpu. If the fault can not be resolved because the access is invalid or
// memory is exhausted, the faulting process is killed and the error is
// returned.
func (m *Manager) HandlePageFault(cpu int, addr uintptr, write bool) *kernel.Error {
	t := m.Running(cpu)
	if t == nil {
		return errNoRunningThread
	}

	err := t.Proc.AS.HandlePageFault(addr, write)
	if err == nil {
		return nil
	}

	if !kernel.IsKind(err, kernel.KindOutOfMemory) {
		err = vmm.ErrSegFault
	}
	log.Printf("killing process %d (%s) at 0x%x: %s\n", uint32(t.Proc.PID), t.Proc.Command, addr, err)
	m.KillProcess(t.Proc)
	return err
}

// InstallFaultHandler routes page faults delivered through the interrupt
// gate to HandlePageFault. The handler reports a failure by storing the
// error kind in RAX.
func (m *Manager) InstallFaultHandler() {
	gate.HandleInterrupt(gate.PageFaultException, func(regs *gate.Registers) {
		err := m.HandlePageFault(int(regs.CPU), uintptr(regs.CR2), regs.Info&gate.PageFaultWrite != 0)
		regs.RAX = 0
		if err != nil {
			regs.RAX = uint64(err.Kind)
		}
	})
}

// UserStore writes data to the user memory at addr on behalf of the thread
// running on cpu.
func (m *Manager) UserStore(cpu int, addr uintptr, data []byte) *kernel.Error {
	return m.userAccess(cpu, addr, data, true)
}

// UserLoad fills buf from the user memory at addr on behalf of the thread
// running on cpu.
func (m *Manager) UserLoad(cpu int, addr uintptr, buf []byte) *kernel.Error {
	return m.userAccess(cpu, addr, buf, false)
}

// userAccess performs the access through the MMU of the address space and
// raises a page fault through the gate whenever the MMU refuses it.
func (m *Manager) userAccess(cpu int, addr uintptr, buf []byte, write bool) *kernel.Error {
	t := m.Running(cpu)
	if t == nil {
		return errNoRunningThread
	}

	var (
		done      int
		lastFault uintptr
		retries   int
	)
	for done < len(buf) {
		n, fault := t.Proc.AS.Access(addr+uintptr(done), buf[done:], write)
		done += n
		if fault == nil {
			break
		}

		if n == 0 && fault.Addr == lastFault {
			retries++
			if retries == maxFaultRetries {
				return vmm.ErrSegFault
			}
		} else {
			retries = 0
		}
		lastFault = fault.Addr

		regs := gate.Registers{CR2: uint64(fault.Addr), CPU: uint64(cpu), Info: gate.PageFaultUser}
		if fault.Write {
			regs.Info |= gate.PageFaultWrite
		}
		if fault.Present {
			regs.Info |= gate.PageFaultPresent
		}

		if !gate.Dispatch(gate.PageFaultException, &regs) {
			return errUnhandledFault
		}
		if regs.RAX != 0 {
			if kernel.ErrorKind(regs.RAX) == kernel.KindOutOfMemory {
				return vmm.ErrOutOfMemory
			}
			return vmm.ErrSegFault
		}
	}

	return nil
}

// ExtendStack grows the stack region of t that can reach addr.
func (m *Manager) ExtendStack(t *Thread, addr uintptr) *kernel.Error {
	m.lock.Acquire()
	stacks := t.stackRegions
	m.lock.Release()

	err := vmm.ErrRegionNotFound
	for _, stack := range stacks {
		if stack == vmm.NoRegion {
			continue
		}
		if err = t.Proc.AS.GrowStack(stack, addr); err == nil {
			return nil
		}
	}
	return err
}

// StackRange returns the range of the stack region in slot.
func (m *Manager) StackRange(t *Thread, slot int) (uintptr, uintptr, *kernel.Error) {
	if slot < 0 || slot >= StackRegionSlots {
		return 0, 0, errBadStackSlot
	}

	m.lock.Acquire()
	stack := t.stackRegions[slot]
	m.lock.Release()

	if stack == vmm.NoRegion {
		return 0, 0, vmm.ErrRegionNotFound
	}
	return t.Proc.AS.Range(stack)
}

// TLSRange returns the range of the TLS region of t.
func (m *Manager) TLSRange(t *Thread) (uintptr, uintptr, *kernel.Error) {
	m.lock.Acquire()
	tls := t.tlsRegion
	m.lock.Release()

	if tls == vmm.NoRegion {
		return 0, 0, vmm.ErrRegionNotFound
	}
	return t.Proc.AS.Range(tls)
}

// HasStackRegion returns true if id is one of the stack regions of t.
func (m *Manager) HasStackRegion(t *Thread, id vmm.RegionID) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	for _, stack := range t.stackRegions {
		if stack != vmm.NoRegion && stack == id {
			return true
		}
	}
	return false
}

// SetStackRegion assigns the stack region in slot.
func (m *Manager) SetStackRegion(t *Thread, slot int, id vmm.RegionID) *kernel.Error {
	if slot < 0 || slot >= StackRegionSlots {
		return errBadStackSlot
	}

	m.lock.Acquire()
	t.stackRegions[slot] = id
	m.lock.Release()
	return nil
}

// SetTLSRegion assigns the TLS region of t.
func (m *Manager) SetTLSRegion(t *Thread, id vmm.RegionID) {
	m.lock.Acquire()
	t.tlsRegion = id
	m.lock.Release()
}

// RemoveRegions forgets the TLS region and, if removeStack is set, the
// stack regions of t. The regions themselves are removed by the caller.
// The signal handlers of t are dropped since the code handling them is
// gone.
func (m *Manager) RemoveRegions(t *Thread, removeStack bool) {
	m.lock.Acquire()
	t.tlsRegion = vmm.NoRegion
	if removeStack {
		for i := range t.stackRegions {
			t.stackRegions[i] = vmm.NoRegion
		}
	}
	m.lock.Release()

	m.signals.RemoveHandlerFor(t.ID)
}

// AddLock registers l to be released if t dies while holding it.
func (m *Manager) AddLock(t *Thread, l *sync.Spinlock) {
	m.lock.Acquire()
	t.locks = append(t.locks, l)
	m.lock.Release()
}

// RemLock unregisters l.
func (m *Manager) RemLock(t *Thread, l *sync.Spinlock) {
	m.lock.Acquire()
	defer m.lock.Release()

	for i, held := range t.locks {
		if held == l {
			t.locks = append(t.locks[:i], t.locks[i+1:]...)
			return
		}
	}
}

// AddHeapAlloc registers a heap object to be freed if t dies before it
// does.
func (m *Manager) AddHeapAlloc(t *Thread, addr uintptr) {
	m.lock.Acquire()
	t.heapAllocs = append(t.heapAllocs, addr)
	m.lock.Release()
}

// RemHeapAlloc unregisters a heap object.
func (m *Manager) RemHeapAlloc(t *Thread, addr uintptr) {
	m.lock.Acquire()
	defer m.lock.Release()

	for i, alloc := range t.heapAllocs {
		if alloc == addr {
			t.heapAllocs = append(t.heapAllocs[:i], t.heapAllocs[i+1:]...)
			return
		}
	}
}

// AddCallback registers cb to be invoked when t dies. The returned id is
// used to unregister it.
func (m *Manager) AddCallback(t *Thread, cb func()) int {
	m.lock.Acquire()
	defer m.lock.Release()

	t.callbacks = append(t.callbacks, cb)
	return len(t.callbacks) - 1
}

// RemCallback unregisters the callback with the given id.
func (m *Manager) RemCallback(t *Thread, id int) {
	m.lock.Acquire()
	defer m.lock.Release()

	if id >= 0 && id < len(t.callbacks) {
		t.callbacks[id] = nil
	}
}
