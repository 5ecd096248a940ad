// Package gate routes traps raised by the simulated MMU and CPUs to the
// handlers registered by kernel subsystems.
package gate

import (
	"io"

	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/sync"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. Threads also keep a Registers value as their
// saved architecture state.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// CR2 holds the faulting address for page faults.
	CR2 uint64

	// CPU is the index of the CPU that raised the trap.
	CPU uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x CR2 = %16x\n", r.RFlags, r.CR2)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// TimerIRQ is raised by the simulated local timer of each CPU.
	TimerIRQ = InterruptNumber(32)
)

// Page fault error code bits stored in Registers.Info.
const (
	// PageFaultPresent is set when the fault was caused by a protection
	// violation on a present page.
	PageFaultPresent uint64 = 1 << iota

	// PageFaultWrite is set when the faulting access was a write.
	PageFaultWrite

	// PageFaultUser is set when the access originated in user mode.
	PageFaultUser
)

var (
	handlerLock sync.Spinlock
	handlers    [256]func(*Registers)
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler uninstalls the
// current one.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlerLock.Acquire()
	handlers[intNumber] = handler
	handlerLock.Release()
}

// Dispatch routes an interrupt to its registered handler and reports whether
// a handler was installed. The handler runs without the gate lock held so it
// may install or remove handlers itself.
func Dispatch(intNumber InterruptNumber, regs *Registers) bool {
	handlerLock.Acquire()
	handler := handlers[intNumber]
	handlerLock.Release()

	if handler == nil {
		return false
	}

	handler(regs)
	return true
}

// Reset uninstalls all handlers.
func Reset() {
	handlerLock.Acquire()
	handlers = [256]func(*Registers){}
	handlerLock.Release()
}
