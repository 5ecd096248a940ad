// Package ktest contains self tests that run against a booted kernel. Each
// module groups test cases that exercise one subsystem through its public
// interface and verify that every resource is returned afterwards.
package ktest

import (
	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/kmain"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
)

var log = kfmt.NewLogger("ktest")

// Module is a named group of test cases.
type Module struct {
	Name string
	Run  func(t *T)
}

// Result summarizes a test run.
type Result struct {
	Modules   int
	Cases     int
	Succeeded int
	Failed    int
}

// T tracks the state of the running test case. It is not safe for
// concurrent use; modules that spawn goroutines report back to the module
// goroutine.
type T struct {
	K *kmain.Kernel

	res        Result
	caseName   string
	inCase     bool
	caseFailed bool
}

// All returns every test module.
func All() []Module {
	return []Module{
		ModPhysMem,
		ModCOW,
		ModThreads,
		ModStress,
	}
}

// Run executes modules against k and returns the summary.
func Run(k *kmain.Kernel, modules ...Module) Result {
	t := &T{K: k}
	for _, mod := range modules {
		log.Printf("== module %s ==\n", mod.Name)
		t.res.Modules++
		mod.Run(t)
		t.finishCase()
	}

	log.Printf("%d modules, %d cases: %d succeeded, %d failed\n",
		t.res.Modules, t.res.Cases, t.res.Succeeded, t.res.Failed)
	return t.res
}

// CaseStart begins a new test case. A case that is still open is closed
// first.
func (t *T) CaseStart(name string) {
	t.finishCase()

	t.caseName = name
	t.inCase = true
	t.caseFailed = false
	t.res.Cases++
	log.Printf("-- %s\n", name)
}

// CaseSucceeded closes the current case. It is recorded as failed if any
// assertion failed.
func (t *T) CaseSucceeded() {
	t.finishCase()
}

func (t *T) finishCase() {
	if !t.inCase {
		return
	}
	t.inCase = false

	if t.caseFailed {
		t.res.Failed++
		log.Printf("-- %s: FAILED\n", t.caseName)
		return
	}
	t.res.Succeeded++
}

// Failed returns true if an assertion of the current case failed.
func (t *T) Failed() bool {
	return t.caseFailed
}

// Assert fails the current case if cond is false.
func (t *T) Assert(cond bool, msg string) bool {
	if !cond {
		t.caseFailed = true
		log.Printf("   assertion failed: %s\n", msg)
	}
	return cond
}

// AssertUint fails the current case if got differs from exp.
func (t *T) AssertUint(got, exp uint64) bool {
	if got != exp {
		t.caseFailed = true
		log.Printf("   expected %d; got %d\n", exp, got)
	}
	return got == exp
}

// AssertNoErr fails the current case if err is not nil.
func (t *T) AssertNoErr(err *kernel.Error) bool {
	if err != nil {
		t.caseFailed = true
		log.Printf("   unexpected error: [%s] %s\n", err.Module, err.Message)
	}
	return err == nil
}

// freeFrames returns the free frames of the default pool once the heap has
// returned its empty slabs.
func (t *T) freeFrames() uint64 {
	t.K.Heap.Release()
	return t.K.Frames.FreeCount(pmm.Default)
}
