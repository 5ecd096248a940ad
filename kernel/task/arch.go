package task

import "github.com/Rohit12234/Escape/kernel"

// archStateSize is the size of the extended register state (FXSAVE area).
const archStateSize = 512

var (
	// cloneArchFn and freeArchFn manage the architecture state of threads.
	// They are replaced by tests.
	cloneArchFn = cloneArch
	freeArchFn  = freeArch
)

// cloneArch copies the register state of src to dst and gives dst its own
// extended state block.
func cloneArch(m *Manager, src, dst *Thread) *kernel.Error {
	addr, err := m.heap.Alloc(archStateSize)
	if err != nil {
		return ErrOutOfMemory
	}

	dst.arch = addr
	dst.Regs = src.Regs
	if src.arch != 0 {
		copy(m.heap.Bytes(addr, archStateSize), m.heap.Bytes(src.arch, archStateSize))
	}
	return nil
}

func freeArch(m *Manager, t *Thread) {
	if t.arch != 0 {
		m.heap.Free(t.arch)
		t.arch = 0
	}
}
