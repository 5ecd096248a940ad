package vmm

import (
	"math/rand"
	"testing"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/mm"
	"github.com/Rohit12234/Escape/kernel/mm/pmm"
)

func TestAddValidation(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)
	defer as.Destroy()

	bin := newMemBinary("app", 8192)

	specs := []struct {
		name       string
		bin        Binary
		memSize    uint64
		fileSize   uint64
		regionType RegionType
		expErr     *kernel.Error
	}{
		{"zero size", bin, 0, 0, RegionText, errZeroSize},
		{"file size exceeds memory size", bin, 4096, 4097, RegionData, errFileSize},
		{"bss with binary", bin, 4096, 0, RegionBSS, errBSSBinary},
		{"bss with file size", nil, 4096, 10, RegionBSS, errBSSBinary},
		{"text without binary", nil, 4096, 0, RegionText, errMissingBinary},
		{"data without binary", nil, 4096, 0, RegionData, errMissingBinary},
		{"stack with binary", bin, 4096, 0, RegionStack, errAnonBinary},
		{"shm with binary", bin, 4096, 0, RegionSharedMem, errAnonBinary},
		{"stack too big", nil, uint64(StackMaxSize) + 1, 0, RegionStack, errStackTooBig},
		{"tls file size without binary", nil, 4096, 10, RegionTLS, errMissingBinary},
		{"unknown type", nil, 4096, 0, RegionType(42), errBadRegionType},
	}

	for specIndex, spec := range specs {
		id, err := as.Add(spec.bin, 0, spec.memSize, spec.fileSize, spec.regionType)
		if err != spec.expErr {
			t.Errorf("[spec %d: %s] expected error %v; got %v", specIndex, spec.name, spec.expErr, err)
		}
		if id != NoRegion {
			t.Errorf("[spec %d: %s] expected NoRegion; got %d", specIndex, spec.name, id)
		}
	}

	if got := len(as.Regions()); got != 0 {
		t.Fatalf("expected no regions; got %d", got)
	}
}

func TestAddLayout(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)

	bin := newMemBinary("app", 3*4096)

	text, err := as.Add(bin, 0, 5000, 5000, RegionText)
	if err != nil {
		t.Fatal(err)
	}
	rodata, err := as.Add(bin, 8192, 100, 100, RegionRoData)
	if err != nil {
		t.Fatal(err)
	}
	bss, err := as.Add(nil, 0, 3*4096, 0, RegionBSS)
	if err != nil {
		t.Fatal(err)
	}
	stack1, err := as.Add(nil, 0, 8192, 0, RegionStack)
	if err != nil {
		t.Fatal(err)
	}
	stack2, err := as.Add(nil, 0, 4096, 0, RegionStack)
	if err != nil {
		t.Fatal(err)
	}
	tls, err := as.Add(nil, 0, 64, 0, RegionTLS)
	if err != nil {
		t.Fatal(err)
	}
	shm, err := as.Add(nil, 0, 4096, 0, RegionSharedMem)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		id         RegionID
		start, end uintptr
	}{
		{text, TextBase, TextBase + 0x2000},
		{rodata, TextBase + 0x2000, TextBase + 0x3000},
		{bss, TextBase + 0x3000, TextBase + 0x6000},
		{stack1, StackTop - 0x2000, StackTop},
		{stack2, StackTop - stackSlotSize - 0x1000, StackTop - stackSlotSize},
		{tls, FreeAreaBase, FreeAreaBase + 0x1000},
		{shm, FreeAreaBase + 0x1000, FreeAreaBase + 0x2000},
	}

	for specIndex, spec := range specs {
		start, end, err := as.Range(spec.id)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if start != spec.start || end != spec.end {
			t.Errorf("[spec %d] expected range [0x%x, 0x%x); got [0x%x, 0x%x)", specIndex, spec.start, spec.end, start, end)
		}
	}

	// A second text region would overlap the first one.
	if _, err := as.Add(bin, 0, 4096, 0, RegionText); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap; got %v", err)
	}

	if r, ok := as.Region(stack1); !ok || r.Flags&RegionGrowsDown == 0 || r.Type != RegionStack {
		t.Fatalf("unexpected stack region description: %+v", r)
	}

	if err := as.Remove(shm); err != nil {
		t.Fatal(err)
	}
	if err := as.Remove(shm); err != ErrRegionNotFound {
		t.Fatalf("expected ErrRegionNotFound; got %v", err)
	}
	if _, _, err := as.Range(shm); err != ErrRegionNotFound {
		t.Fatalf("expected ErrRegionNotFound; got %v", err)
	}

	// Removing the last binary region makes its range reusable.
	if err := as.Remove(bss); err != nil {
		t.Fatal(err)
	}
	data, err := as.Add(bin, 0, 100, 100, RegionData)
	if err != nil {
		t.Fatal(err)
	}
	if start, _, _ := as.Range(data); start != TextBase+0x3000 {
		t.Fatalf("expected data region to start at 0x%x; got 0x%x", TextBase+0x3000, start)
	}

	as.Destroy()
	env.checkBalance(t)
}

func TestAddRegionsNeverOverlap(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)
	defer as.Destroy()

	bin := newMemBinary("app", 4096)
	rng := rand.New(rand.NewSource(42))
	types := []RegionType{RegionText, RegionRoData, RegionData, RegionBSS, RegionStack, RegionTLS, RegionSharedMem}

	var live []RegionID
	for i := 0; i < 400; i++ {
		if len(live) > 0 && rng.Intn(4) == 0 {
			index := rng.Intn(len(live))
			if err := as.Remove(live[index]); err != nil {
				t.Fatal(err)
			}
			live = append(live[:index], live[index+1:]...)
			continue
		}

		regionType := types[rng.Intn(len(types))]
		var regionBin Binary
		if regionType <= RegionData {
			regionBin = bin
		}

		id, err := as.Add(regionBin, 0, uint64(1+rng.Intn(5*int(mm.PageSize))), 0, regionType)
		if err == nil {
			live = append(live, id)
		}
	}

	regions := as.Regions()
	if len(regions) != len(live) {
		t.Fatalf("expected %d regions; got %d", len(live), len(regions))
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End > regions[i].Start {
			t.Fatalf("regions %+v and %+v overlap", regions[i-1], regions[i])
		}
	}
}

func TestAddSegment(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)
	defer as.Destroy()

	bin := newMemBinary("app", 4*4096)

	if _, err := as.AddSegment(bin, Segment{Flags: ProgRead | ProgExec, VirtAddr: 0x2000, FileSize: 10, MemSize: 10}, 0); err != errTextSegment {
		t.Fatalf("expected errTextSegment for a misplaced text segment; got %v", err)
	}
	if _, err := as.AddSegment(bin, Segment{Flags: ProgRead | ProgWrite | ProgExec, VirtAddr: uint64(TextBase), FileSize: 10, MemSize: 10}, 0); err != errTextSegment {
		t.Fatalf("expected errTextSegment for a writable text segment; got %v", err)
	}

	specs := []struct {
		seg     Segment
		expType RegionType
	}{
		{Segment{Flags: ProgRead | ProgExec, VirtAddr: uint64(TextBase), FileSize: 4096, MemSize: 4096}, RegionText},
		{Segment{Flags: ProgRead, Offset: 4096, FileSize: 100, MemSize: 100}, RegionRoData},
		{Segment{Flags: ProgRead | ProgWrite, Offset: 8192, FileSize: 100, MemSize: 8192}, RegionData},
		{Segment{Flags: ProgRead | ProgWrite, MemSize: 4096}, RegionBSS},
	}

	for specIndex, spec := range specs {
		id, err := as.AddSegment(bin, spec.seg, specIndex)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if r, _ := as.Region(id); r.Type != spec.expType {
			t.Errorf("[spec %d] expected region type %s; got %s", specIndex, spec.expType, r.Type)
		}
	}

	if _, err := as.AddSegment(bin, Segment{Flags: ProgWrite, MemSize: 4096}, 4); err != errSegmentFlags {
		t.Fatalf("expected errSegmentFlags; got %v", err)
	}
}

func TestGrowStack(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)

	stack, err := as.Add(nil, 0, 4096, 0, RegionStack)
	if err != nil {
		t.Fatal(err)
	}
	text, err := as.Add(newMemBinary("app", 10), 0, 10, 10, RegionText)
	if err != nil {
		t.Fatal(err)
	}

	if err := as.GrowStack(text, 0); err != ErrRegionNotFound {
		t.Fatalf("expected ErrRegionNotFound for a non-stack region; got %v", err)
	}
	if err := as.GrowStack(RegionID(99), 0); err != ErrRegionNotFound {
		t.Fatalf("expected ErrRegionNotFound; got %v", err)
	}
	if err := as.GrowStack(stack, StackTop); err != ErrRegionNotFound {
		t.Fatalf("expected ErrRegionNotFound for an address above the stack; got %v", err)
	}
	if err := as.GrowStack(stack, StackTop-StackMaxSize-1); err != ErrNotEnoughMemory {
		t.Fatalf("expected ErrNotEnoughMemory when growing past the limit; got %v", err)
	}

	free := env.frames.FreeCount(pmm.Default)
	if err := as.GrowStack(stack, StackTop-3*mm.PageSize+10); err != nil {
		t.Fatal(err)
	}
	if start, _, _ := as.Range(stack); start != StackTop-3*mm.PageSize {
		t.Fatalf("expected stack to start at 0x%x; got 0x%x", StackTop-3*mm.PageSize, start)
	}

	// Two new pages plus the tables covering the stack area.
	if got := free - env.frames.FreeCount(pmm.Default); got < 2 {
		t.Fatalf("expected at least 2 frames to be reserved; got %d", got)
	}
	if _, flags, ok := as.Lookup(StackTop - 3*mm.PageSize); !ok || flags&FlagRW == 0 {
		t.Fatalf("expected grown stack page to be mapped writable")
	}

	// Growing to an address already covered is a no-op.
	if err := as.GrowStack(stack, StackTop-mm.PageSize); err != nil {
		t.Fatal(err)
	}

	as.Destroy()
	env.checkBalance(t)
}

func TestGrowStackOutOfMemory(t *testing.T) {
	env := newTestEnv(t, 2<<20)
	as := env.addressSpace(t, 1)

	stack, err := as.Add(nil, 0, 4096, 0, RegionStack)
	if err != nil {
		t.Fatal(err)
	}

	// Map a page so that the tables covering the stack area exist.
	if err := as.GrowStack(stack, StackTop-2*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	var hoard []mm.Frame
	for env.frames.FreeCount(pmm.Default) > 3 {
		frame, _ := env.frames.Allocate()
		hoard = append(hoard, frame)
	}

	if err := as.GrowStack(stack, StackTop-10*mm.PageSize); err != ErrNotEnoughMemory {
		t.Fatalf("expected ErrNotEnoughMemory; got %v", err)
	}
	if exp, got := uint64(3), env.frames.FreeCount(pmm.Default); got != exp {
		t.Fatalf("expected partially grown pages to be released; free count %d, got %d", exp, got)
	}
	if start, _, _ := as.Range(stack); start != StackTop-2*mm.PageSize {
		t.Fatalf("expected stack start to be unchanged; got 0x%x", start)
	}

	for _, frame := range hoard {
		env.frames.Free(frame)
	}
	as.Destroy()
	env.checkBalance(t)
}
