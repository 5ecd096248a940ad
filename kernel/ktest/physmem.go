package ktest

import (
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
)

const physMemFrameCount = 50

// ModPhysMem exercises both frame pools.
var ModPhysMem = Module{Name: "Physical memory-management", Run: testPhysMem}

type contiguousStep struct {
	count, align uint64

	// free releases the allocation made by the step with this index
	// instead of allocating.
	free int
}

func testPhysMem(t *T) {
	testDefaultPool(t)

	specs := []struct {
		name  string
		steps []contiguousStep
	}{
		{"Requesting once and free", []contiguousStep{{3, 1, -1}, {free: 0}}},
		{"Requesting twice and free", []contiguousStep{{6, 1, -1}, {5, 1, -1}, {free: 0}, {free: 1}}},
		{"Request, free, request and free", []contiguousStep{
			{5, 1, -1}, {5, 1, -1}, {5, 1, -1}, {free: 1},
			{3, 1, -1}, {3, 1, -1}, {free: 0}, {free: 4}, {free: 2}, {free: 5},
		}},
		{"Request a lot multiple times and free", []contiguousStep{
			{35, 1, -1}, {12, 1, -1}, {89, 1, -1}, {56, 1, -1},
			{free: 2}, {free: 0}, {free: 1}, {free: 3},
		}},
		{"[Align] Requesting once and free", []contiguousStep{{3, 4, -1}, {free: 0}}},
		{"[Align] Requesting twice and free", []contiguousStep{{6, 4, -1}, {5, 8, -1}, {free: 0}, {free: 1}}},
		{"[Align] Request, free, request and free", []contiguousStep{
			{5, 16, -1}, {5, 16, -1}, {5, 16, -1}, {free: 1},
			{3, 4, -1}, {3, 4, -1}, {free: 0}, {free: 4}, {free: 2}, {free: 5},
		}},
		{"[Align] Request a lot multiple times and free", []contiguousStep{
			{35, 4, -1}, {12, 16, -1}, {89, 8, -1}, {56, 32, -1},
			{free: 2}, {free: 0}, {free: 1}, {free: 3},
		}},
	}

	for _, spec := range specs {
		t.CaseStart(spec.name)
		runContiguousSteps(t, spec.steps)
		t.CaseSucceeded()
	}
}

func testDefaultPool(t *T) {
	t.CaseStart("Requesting and freeing 50 frames")

	frames := t.K.Frames
	free := frames.FreeCount(pmm.Default)

	var allocated []mm.Frame
	for i := 0; i < physMemFrameCount; i++ {
		frame, err := frames.Allocate()
		if !t.AssertNoErr(err) {
			break
		}
		allocated = append(allocated, frame)
	}
	t.AssertUint(frames.FreeCount(pmm.Default), free-uint64(len(allocated)))

	for _, frame := range allocated {
		frames.Free(frame)
	}
	t.AssertUint(frames.FreeCount(pmm.Default), free)

	t.CaseSucceeded()
}

func runContiguousSteps(t *T, steps []contiguousStep) {
	frames := t.K.Frames
	free := frames.FreeCount(pmm.Contiguous)

	starts := make([]mm.Frame, len(steps))
	for i, step := range steps {
		starts[i] = mm.InvalidFrame
		if step.count == 0 {
			if start := starts[step.free]; start.Valid() {
				frames.FreeContiguous(start, steps[step.free].count)
			}
			continue
		}

		start, err := frames.AllocateContiguous(step.count, step.align)
		if !t.AssertNoErr(err) {
			continue
		}
		t.Assert(uint64(start)%step.align == 0, "contiguous allocation is aligned")
		starts[i] = start
	}

	t.AssertUint(frames.FreeCount(pmm.Contiguous), free)
}
