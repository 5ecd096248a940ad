package ktest

import (
	"golang.org/x/sync/errgroup"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/kmain"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/vmm"
)

const (
	stressPages  = 8
	stressRounds = 16
	stressPIDs   = 1000
)

var (
	errStressData = &kernel.Error{Module: "ktest", Message: "read back different data", Kind: kernel.KindGeneric}
	errStressKill = &kernel.Error{Module: "ktest", Message: "child was not destroyed", Kind: kernel.KindGeneric}
)

// ModStress forks, faults and tears down processes on every CPU at once.
var ModStress = Module{Name: "Concurrent stress", Run: testStress}

func testStress(t *T) {
	k := t.K
	as := k.Init.Proc.AS

	t.CaseStart("Parallel fork, fault and teardown on every CPU")
	id, err := as.Add(nil, 0, stressPages*uint64(mm.PageSize), 0, vmm.RegionBSS)
	if !t.AssertNoErr(err) {
		t.CaseSucceeded()
		return
	}
	defer func() { _ = as.Remove(id) }()

	start, _, _ := as.Range(id)
	for i := 0; i < stressPages; i++ {
		t.AssertNoErr(access(as, start+uintptr(i)*mm.PageSize, []byte{byte(i)}, true))
	}
	free := t.freeFrames()

	var g errgroup.Group
	for cpu := 0; cpu < k.Config.CPUs; cpu++ {
		g.Go(func() error {
			return stressWorker(k, start, cpu)
		})
	}
	if err := g.Wait(); err != nil {
		t.Assert(false, err.Error())
	}

	t.AssertUint(uint64(k.COW.Entries()), 0)
	t.AssertUint(t.freeFrames(), free)
	t.CaseSucceeded()
}

func stressWorker(k *kmain.Kernel, start uintptr, cpu int) error {
	for round := 0; round < stressRounds; round++ {
		pid := kernel.PID(stressPIDs + cpu*stressRounds + round)
		child, err := k.Tasks.Fork(k.Init, pid)
		if err != nil {
			return err
		}

		addr := start + uintptr((cpu+round)%stressPages)*mm.PageSize
		data, check := []byte{byte(pid)}, make([]byte, 1)
		if err := access(child.Proc.AS, addr, data, true); err != nil {
			k.Tasks.Kill(child)
			return err
		}
		if err := access(child.Proc.AS, addr, check, false); err != nil {
			k.Tasks.Kill(child)
			return err
		}
		if check[0] != data[0] {
			k.Tasks.Kill(child)
			return errStressData
		}

		if !k.Tasks.Kill(child) {
			return errStressKill
		}
	}
	return nil
}
