// Package cpu exposes the processor primitives used by the rest of the
// kernel. The kernel runs hosted, so every CPU is backed by a goroutine of
// the host process and these primitives map onto the host scheduler.
package cpu

import "runtime"

// Halt stops instruction execution on the calling CPU. Halt never returns.
func Halt() {
	select {}
}

// Pause hints that the calling CPU is busy-waiting and allows other CPUs to
// make progress.
func Pause() {
	runtime.Gosched()
}

// Count returns the number of host processors available for running
// simulated CPUs.
func Count() int {
	return runtime.NumCPU()
}
