package ktest

import (
	"github.com/Rohit12234/Escape/kernel/event"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/signal"
)

// ModThreads runs threads through their lifecycle and checks that nothing
// leaks.
var ModThreads = Module{Name: "Thread lifecycle", Run: testThreads}

func testThreads(t *T) {
	k := t.K

	t.CaseStart("Fork and kill a process")
	free := t.freeFrames()
	child, err := k.Tasks.Fork(k.Init, 300)
	if t.AssertNoErr(err) {
		t.Assert(k.Tasks.GetByID(child.ID) == child, "the child can be looked up")
		t.Assert(k.Tasks.Kill(child), "a thread that is not running is destroyed immediately")
		t.Assert(k.Tasks.GetByID(child.ID) == nil, "the child is gone")
		t.AssertUint(t.freeFrames(), free)
	}
	t.CaseSucceeded()

	t.CaseStart("Spawn threads and kill the process")
	free = t.freeFrames()
	child, err = k.Tasks.Fork(k.Init, 301)
	if t.AssertNoErr(err) {
		for i := 0; i < 3; i++ {
			_, err := k.Tasks.Spawn(child, 0, uint64(mm.PageSize))
			t.AssertNoErr(err)
		}
		t.AssertUint(uint64(len(k.Tasks.Threads(child.Proc))), 4)
		t.AssertUint(uint64(k.Tasks.KillProcess(child.Proc)), 4)
		t.AssertUint(t.freeFrames(), free)
	}
	t.CaseSucceeded()

	t.CaseStart("A dying thread notifies its process")
	free = t.freeFrames()
	child, err = k.Tasks.Fork(k.Init, 302)
	if t.AssertNoErr(err) {
		worker, err := k.Tasks.Spawn(child, 0, uint64(mm.PageSize))
		if t.AssertNoErr(err) {
			t.AssertNoErr(k.Events.Wait(child.ID, event.EvThreadDied, 302))
			k.Tasks.Kill(worker)
			t.Assert(!k.Events.IsWaiting(child.ID), "the waiting thread is woken up")

			pending := k.Signals.Pending(302)
			t.Assert(len(pending) == 1 && pending[0] == signal.SigThreadDied, "the process receives SigThreadDied")
		}
		k.Tasks.Kill(child)
		t.AssertUint(t.freeFrames(), free)
	}
	t.CaseSucceeded()

	cpu := k.Config.CPUs - 1
	if cpu == 0 || k.Tasks.Running(cpu) != nil {
		log.Printf("   skipping self kill: no idle CPU\n")
		return
	}

	t.CaseStart("A running thread is reclaimed after the switch")
	free = t.freeFrames()
	child, err = k.Tasks.Fork(k.Init, 303)
	if t.AssertNoErr(err) {
		t.Assert(k.Tasks.Switch(cpu) == child, "the child is scheduled")
		t.Assert(!k.Tasks.Kill(child), "the kill is deferred")
		t.AssertUint(uint64(k.Tasks.Zombies()), 1)
		t.Assert(k.Tasks.GetByID(child.ID) == nil, "a zombie can not be looked up")

		k.Tasks.Switch(cpu)
		t.AssertUint(uint64(k.Tasks.Zombies()), 0)
		t.AssertUint(t.freeFrames(), free)
	}
	t.CaseSucceeded()
}
