package mark

import (
	"sync"
	"testing"
	"time"

	"github.com/tinygc/tinygc/gang"
	"github.com/tinygc/tinygc/heap"
)

func testHeap(t *testing.T, heapWords, regionWords uintptr) *heap.Heap {
	t.Helper()
	h, err := heap.New(heapWords, regionWords)
	if err != nil {
		t.Fatalf("creating heap: %v", err)
	}
	t.Cleanup(func() { h.Release() })
	return h
}

func testCM(t *testing.T, h *heap.Heap, cfg Config, yield gang.YieldFunc) *ConcurrentMark {
	t.Helper()
	cm, err := New(h, cfg, gang.New("test", cfg.ConcGCThreads, yield))
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	if !cm.CompletedInitialization() {
		t.Fatal("engine did not complete initialization")
	}
	t.Cleanup(cm.Shutdown)
	return cm
}

func mustObject(t *testing.T, h *heap.Heap, slots int) uintptr {
	t.Helper()
	obj, err := h.AllocObject(slots)
	if err != nil {
		t.Fatalf("allocating object: %v", err)
	}
	return obj
}

func mustArray(t *testing.T, h *heap.Heap, length int) uintptr {
	t.Helper()
	obj, err := h.AllocArray(length)
	if err != nil {
		t.Fatalf("allocating array: %v", err)
	}
	return obj
}

// Empty heap: a full cycle over nothing marks nothing and upsets nothing.
func TestCycleEmptyHeap(t *testing.T) {
	h := testHeap(t, 4*256, 256)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	reclaimed := cm.RunCycle(nil, false)
	if cm.HasAborted() {
		t.Error("empty cycle aborted")
	}
	if len(reclaimed) != 0 {
		t.Errorf("empty cycle reclaimed %d regions", len(reclaimed))
	}
	if !cm.PrevMarkBitmap().IsClear() {
		t.Error("marking over an empty heap set bits")
	}
	if !cm.NextMarkBitmapIsClear() {
		t.Error("next bitmap dirty after cycle")
	}
	if got := cm.Stats().OverflowRestarts; got != 0 {
		t.Errorf("got %d overflow restarts, want 0", got)
	}
	if cm.Phase() != PhaseIdle {
		t.Errorf("got phase %v, want idle", cm.Phase())
	}
}

// A single linked list: every element ends up marked, without ever touching
// the global mark stack.
func TestCycleLinkedList(t *testing.T) {
	const n = 1000
	h := testHeap(t, 8*512, 512)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	objs := make([]uintptr, n)
	for i := range objs {
		objs[i] = mustObject(t, h, 1)
	}
	for i := 0; i < n-1; i++ {
		h.SetRef(objs[i], 0, objs[i+1])
	}

	cm.RunCycle(objs[:1], false)

	for i, obj := range objs {
		if !cm.IsMarkedInPrevBitmap(obj) {
			t.Fatalf("chain element %d not marked", i)
		}
	}
	if got := cm.Stats().OverflowRestarts; got != 0 {
		t.Errorf("got %d overflow restarts, want 0", got)
	}

	live := uintptr(0)
	for i := 0; i < h.NumRegions(); i++ {
		live += h.Region(i).LiveWords
	}
	if live != n*2 {
		t.Errorf("got %d live words, want %d", live, n*2)
	}
}

// High fan-out into a tiny mark stack: the overflow restart protocol must
// converge to the same marking an untroubled run produces.
func TestCycleOverflowRestart(t *testing.T) {
	const fan = 10000
	h := testHeap(t, 4*16384, 16384)

	// A plain (unsliced) object with huge fan-out is scanned as a single
	// entry, so its greys all pile up at once and bury a two-chunk stack.
	objs := make([]uintptr, fan)
	for i := range objs {
		objs[i] = mustObject(t, h, 1)
	}
	root := mustObject(t, h, fan)
	for i, obj := range objs {
		h.SetRef(root, i, obj)
	}

	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cfg.TaskQueueCapacity = 128
	cfg.MarkStackSize = 2 * 8192 // two chunks
	cfg.MarkStackSizeMax = 2 * 8192
	cm := testCM(t, h, cfg, nil)

	cm.RunCycle([]uintptr{root}, false)

	if cm.HasAborted() {
		t.Fatal("cycle aborted")
	}
	if got := cm.Stats().OverflowRestarts; got == 0 {
		t.Error("expected at least one overflow restart")
	}

	// Reference run with a roomy stack over the same heap.
	refCM := testCM(t, h, DefaultConfig(), nil)
	refCM.RunCycle([]uintptr{root}, false)

	for i, obj := range objs {
		got := cm.IsMarkedInPrevBitmap(obj)
		want := refCM.IsMarkedInPrevBitmap(obj)
		if !want {
			t.Fatalf("reference run left object %d unmarked", i)
		}
		if got != want {
			t.Fatalf("object %d: restarted run marked=%v, reference %v", i, got, want)
		}
	}
	if !cm.IsMarkedInPrevBitmap(root) {
		t.Error("root not marked after restarts")
	}
}

// All marks start in one region; the other workers must live off stealing.
func TestCycleWorkStealing(t *testing.T) {
	const mids = 256
	const leavesPerMid = 64
	h := testHeap(t, 64*2048, 2048)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 4
	cm := testCM(t, h, cfg, nil)

	// Leaves keep one hop below them so a worker that only manages to
	// steal leaves still greys something.
	subLeaves := make([]uintptr, mids*leavesPerMid)
	for i := range subLeaves {
		subLeaves[i] = mustObject(t, h, 0)
	}
	leaves := make([]uintptr, 0, mids*leavesPerMid)
	for i := 0; i < mids*leavesPerMid; i++ {
		leaf := mustObject(t, h, 1)
		h.SetRef(leaf, 0, subLeaves[i])
		leaves = append(leaves, leaf)
	}
	midObjs := make([]uintptr, mids)
	for i := range midObjs {
		midObjs[i] = mustObject(t, h, leavesPerMid)
		for j := 0; j < leavesPerMid; j++ {
			h.SetRef(midObjs[i], j, leaves[i*leavesPerMid+j])
		}
	}
	root := mustObject(t, h, mids)
	for i, mid := range midObjs {
		h.SetRef(root, i, mid)
	}

	cm.RunCycle([]uintptr{root}, false)

	for _, leaf := range leaves {
		if !cm.IsMarkedInPrevBitmap(leaf) {
			t.Fatal("leaf not marked")
		}
	}
	for _, ts := range cm.Stats().Tasks {
		if ts.RefsReached == 0 {
			t.Errorf("worker %d reached no references; stealing failed", ts.WorkerID)
		}
	}
}

// Abort mid-cycle: workers unwind promptly, the engine drains to idle, and
// the next cycle runs normally.
func TestCycleAbort(t *testing.T) {
	const n = 200000
	h := testHeap(t, 16*65536, 65536)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	// Slow the clock down so the cycle is reliably still running when the
	// abort lands.
	yield := func() { time.Sleep(time.Millisecond) }
	cm := testCM(t, h, cfg, yield)

	objs := make([]uintptr, n)
	for i := range objs {
		objs[i] = mustObject(t, h, 1)
	}
	for i := 0; i < n-1; i++ {
		h.SetRef(objs[i], 0, objs[i+1])
	}

	done := make(chan struct{})
	go func() {
		cm.RunCycle(objs[:1], false)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cm.Abort()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not unwind after abort")
	}
	if !cm.HasAborted() {
		t.Fatal("abort flag not observable")
	}
	if cm.Phase() != PhaseIdle {
		t.Errorf("got phase %v after abort, want idle", cm.Phase())
	}
	if got := cm.markStackSize(); got != 0 {
		t.Errorf("mark stack holds %d entries after abort", got)
	}
	if !cm.NextMarkBitmapIsClear() {
		t.Error("next bitmap dirty after abort")
	}

	// The engine is reusable: a clean cycle marks the whole chain.
	cm.RunCycle(objs[:1], false)
	if cm.HasAborted() {
		t.Fatal("follow-up cycle aborted")
	}
	for i, obj := range objs {
		if !cm.IsMarkedInPrevBitmap(obj) {
			t.Fatalf("chain element %d not marked by follow-up cycle", i)
		}
	}
}

// One huge object array: it is scanned in slices and every referent gets
// marked.
func TestCycleLargeArraySlicing(t *testing.T) {
	const n = 1 << 20
	h := testHeap(t, 4<<21, 1<<21)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	referents := make([]uintptr, n)
	for i := range referents {
		referents[i] = mustObject(t, h, 0)
	}
	arr := mustArray(t, h, n)
	for i, obj := range referents {
		h.SetRef(arr, i, obj)
	}

	cm.RunCycle([]uintptr{arr}, false)

	if cm.HasAborted() {
		t.Fatal("cycle aborted")
	}
	if !cm.IsMarkedInPrevBitmap(arr) {
		t.Error("array not marked")
	}
	for i, obj := range referents {
		if !cm.IsMarkedInPrevBitmap(obj) {
			t.Fatalf("referent %d not marked", i)
		}
	}
}

// An overwritten reference logged through the SATB queue is still marked:
// the snapshot at cycle start wins over the mutation.
func TestSATBKeepsSnapshotAlive(t *testing.T) {
	h := testHeap(t, 4*1024, 1024)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	root := mustObject(t, h, 1)
	b := mustObject(t, h, 1)
	h.SetRef(root, 0, b)

	cm.CheckpointRootsInitialPre()
	cm.MarkRoot(root)
	cm.CheckpointRootsInitialPost()
	cm.ScanRootRegions()

	// The mutator deletes the only reference to b, logging the overwritten
	// value as the write barrier would.
	h.SetRef(root, 0, 0)
	cm.SATBQueueSet().Enqueue(b)

	cm.MarkFromRoots()
	cm.CheckpointRootsFinal(false)
	if cm.RestartForOverflow() {
		t.Fatal("unexpected overflow restart")
	}
	cm.Cleanup()
	cm.CompleteCleanup()
	cm.CleanupForNextMark()

	if !cm.IsMarkedInPrevBitmap(b) {
		t.Error("SATB-logged object not marked")
	}
}

// Survivor regions are scanned as root regions: what they reference gets
// marked, while their own objects stay implicitly live without bits.
func TestRootRegionScanGreysReferents(t *testing.T) {
	h := testHeap(t, 4*1024, 1024)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	old := mustObject(t, h, 0) // lives in region 0

	surv := h.Region(1)
	surv.SetSurvivor(true)
	x, err := h.AllocObjectIn(surv, 1)
	if err != nil {
		t.Fatalf("allocating in survivor region: %v", err)
	}
	h.SetRef(x, 0, old)

	cm.RunCycle(nil, false)

	if !cm.IsMarkedInPrevBitmap(old) {
		t.Error("object referenced from a root region not marked")
	}
	if cm.IsMarkedInPrevBitmap(x) {
		t.Error("implicitly live survivor object has a mark bit")
	}
}

type testRefProcessor struct {
	referent  uintptr
	resurrect bool
	wasAlive  bool
}

func (p *testRefProcessor) ProcessDiscoveredReferences(clearAllSoftRefs bool, isAlive func(uintptr) bool, keepAlive func(uintptr), drain func()) {
	p.wasAlive = isAlive(p.referent)
	if !p.wasAlive && p.resurrect {
		keepAlive(p.referent)
		drain()
	}
}

// The reference processor runs at remark with a working liveness predicate,
// and resurrected referents end up marked along with what they reach.
func TestWeakReferenceProcessing(t *testing.T) {
	h := testHeap(t, 4*1024, 1024)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	root := mustObject(t, h, 0)
	d := mustObject(t, h, 1)
	e := mustObject(t, h, 0)
	h.SetRef(d, 0, e)

	rp := &testRefProcessor{referent: d, resurrect: true}
	cm.SetReferenceProcessor(rp)

	cm.RunCycle([]uintptr{root}, false)

	if rp.wasAlive {
		t.Error("unreachable referent reported alive")
	}
	if !cm.IsMarkedInPrevBitmap(d) {
		t.Error("resurrected referent not marked")
	}
	if !cm.IsMarkedInPrevBitmap(e) {
		t.Error("object reachable from resurrected referent not marked")
	}
}

// Fully dead regions land on the cleanup list and come back empty.
func TestCleanupReclaimsDeadRegions(t *testing.T) {
	h := testHeap(t, 4*1024, 1024)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cm := testCM(t, h, cfg, nil)

	live, err := h.AllocObjectIn(h.Region(0), 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := h.AllocObjectIn(h.Region(2), 3); err != nil {
			t.Fatal(err)
		}
	}

	reclaimed := cm.RunCycle([]uintptr{live}, false)

	if len(reclaimed) != 1 || reclaimed[0].Index() != 2 {
		t.Fatalf("got %d reclaimed regions, want region 2 alone", len(reclaimed))
	}
	if !h.Region(2).IsEmpty() {
		t.Error("reclaimed region not reset")
	}
	if h.Region(0).LiveWords != 2 {
		t.Errorf("got %d live words in region 0, want 2", h.Region(0).LiveWords)
	}
}

// Each region is claimed exactly once per phase, and the finger never runs
// backwards.
func TestClaimRegionUniqueness(t *testing.T) {
	h := testHeap(t, 64*256, 256)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 4
	cm := testCM(t, h, cfg, nil)

	var mu sync.Mutex
	claimed := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				r := cm.claimRegion(w)
				if r == nil {
					return
				}
				mu.Lock()
				claimed[r.Index()]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != h.NumRegions() {
		t.Errorf("got %d regions claimed, want %d", len(claimed), h.NumRegions())
	}
	for idx, n := range claimed {
		if n != 1 {
			t.Errorf("region %d claimed %d times", idx, n)
		}
	}
	if !cm.outOfRegions() {
		t.Error("finger short of the heap end after all claims")
	}
}

// The phase machine moves through the cycle in order and the derived
// in-progress flag follows it.
func TestPhaseMachine(t *testing.T) {
	h := testHeap(t, 4*256, 256)
	cfg := DefaultConfig()
	cm := testCM(t, h, cfg, nil)

	if cm.Phase() != PhaseIdle || cm.ConcurrentMarkingInProgress() {
		t.Fatal("fresh engine not idle")
	}
	cm.CheckpointRootsInitialPre()
	cm.CheckpointRootsInitialPost()
	if cm.Phase() != PhaseRootScan || !cm.ConcurrentMarkingInProgress() {
		t.Errorf("got phase %v after initial mark", cm.Phase())
	}
	cm.ScanRootRegions()
	cm.MarkFromRoots()
	if cm.Phase() != PhaseConcurrentMark {
		t.Errorf("got phase %v during concurrent mark", cm.Phase())
	}
	cm.CheckpointRootsFinal(false)
	if cm.Phase() != PhaseCleanup || cm.ConcurrentMarkingInProgress() {
		t.Errorf("got phase %v after remark", cm.Phase())
	}
	cm.Cleanup()
	cm.CompleteCleanup()
	if cm.Phase() != PhaseIdle {
		t.Errorf("got phase %v at cycle end, want idle", cm.Phase())
	}
}

// Marking verification is exercised with the knob on.
func TestVerifyMarking(t *testing.T) {
	h := testHeap(t, 4*1024, 1024)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 2
	cfg.VerifyMarking = true
	cm := testCM(t, h, cfg, nil)

	a := mustObject(t, h, 1)
	b := mustObject(t, h, 0)
	h.SetRef(a, 0, b)
	cm.RunCycle([]uintptr{a}, false)
	if !cm.IsMarkedInPrevBitmap(b) {
		t.Error("object not marked")
	}
}

// A bad configuration leaves the engine unusable and says so.
func TestIncompleteInitialization(t *testing.T) {
	h := testHeap(t, 4*256, 256)
	cfg := DefaultConfig()
	cfg.ConcGCThreads = 0
	cm, err := New(h, cfg, gang.New("test", 1, nil))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	if cm.CompletedInitialization() {
		t.Error("engine claims completed initialization after a failure")
	}
}
