// Package mark implements the concurrent marking engine of a region-based,
// mostly-concurrent collector. Marking runs in parallel with mutators under
// the snapshot-at-the-beginning invariant: everything reachable when the
// cycle starts ends up marked on the under-construction (next) bitmap, with
// mutator deletions compensated through SATB buffers.
//
// The surrounding collector drives the engine through its phase entry
// points at the appropriate pauses; ConcurrentMark only owns the marking
// data structures and the marking workers' logic.
package mark

import (
	"fmt"
	"sync/atomic"

	"github.com/tinygc/tinygc/bitmap"
	"github.com/tinygc/tinygc/gang"
	"github.com/tinygc/tinygc/heap"
)

// engineAsserts guards internal invariant checks. Violations are bugs in
// the engine or its callers, never recoverable conditions.
const engineAsserts = true

// Phase is the engine's position in the marking cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRootScan
	PhaseConcurrentMark
	PhaseRemark
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRootScan:
		return "root-scan"
	case PhaseConcurrentMark:
		return "concurrent-mark"
	case PhaseRemark:
		return "remark"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "!err"
	}
}

// ReferenceProcessor handles discovered weak references during remark. The
// engine supplies an is-alive predicate and a keep-alive closure; whenever
// the processor resurrects referents through keepAlive it must call drain
// before relying on them being marked.
type ReferenceProcessor interface {
	ProcessDiscoveredReferences(clearAllSoftRefs bool, isAlive func(obj uintptr) bool, keepAlive func(obj uintptr), drain func())
}

// ConcurrentMark owns the marking data structures: both mark bitmaps, the
// global mark stack, the per-worker tasks and queues, the root region claim
// set, and the global finger.
type ConcurrentMark struct {
	h    *heap.Heap
	cfg  Config
	gang *gang.Gang

	completedInitialization bool

	prevBitmap *bitmap.Bitmap // completed marking
	nextBitmap *bitmap.Bitmap // under construction

	globalMarkStack *MarkStack
	rootRegions     *RootRegions
	satb            *SATBQueueSet

	heapStart uintptr
	heapEnd   uintptr

	// The global finger. Regions below it have been offered to a worker;
	// it only moves forward during a phase.
	finger atomic.Uintptr

	maxNumTasks    int
	numActiveTasks int
	tasks          []*MarkingTask
	taskQueues     []*TaskQueue

	terminator            *Terminator
	firstOverflowBarrier  *barrierSync
	secondOverflowBarrier *barrierSync

	hasOverflownFlag       atomic.Bool
	hasAbortedFlag         atomic.Bool
	restartForOverflowFlag atomic.Bool
	concurrentFlag         atomic.Bool
	phase                  atomic.Int32

	refProcessor ReferenceProcessor
	cleanupList  []*heap.Region

	trace *tracer
	stats cycleStats
}

// New creates the marking engine for a heap. When the bitmap or mark stack
// reservations fail the returned engine reports
// CompletedInitialization() == false and must not be used.
func New(h *heap.Heap, cfg Config, workers *gang.Gang) (*ConcurrentMark, error) {
	cm := &ConcurrentMark{
		h:         h,
		cfg:       cfg,
		gang:      workers,
		heapStart: h.Bottom(),
		heapEnd:   h.End(),
		trace:     newTracer(cfg.Trace),
	}
	if err := cfg.Validate(); err != nil {
		return cm, err
	}

	var err error
	cm.prevBitmap, err = bitmap.New(h.Bottom(), h.Words())
	if err != nil {
		return cm, fmt.Errorf("mark: prev bitmap: %w", err)
	}
	cm.nextBitmap, err = bitmap.New(h.Bottom(), h.Words())
	if err != nil {
		return cm, fmt.Errorf("mark: next bitmap: %w", err)
	}
	initialChunks, maxChunks := cfg.markStackChunks()
	cm.globalMarkStack, err = NewMarkStack(initialChunks, maxChunks)
	if err != nil {
		return cm, fmt.Errorf("mark: global mark stack: %w", err)
	}

	cm.rootRegions = newRootRegions()
	cm.satb = NewSATBQueueSet(cfg.SATBBufferSize)

	cm.maxNumTasks = cfg.ConcGCThreads
	cm.tasks = make([]*MarkingTask, cm.maxNumTasks)
	cm.taskQueues = make([]*TaskQueue, cm.maxNumTasks)
	for i := range cm.tasks {
		cm.taskQueues[i] = NewTaskQueue(cfg.TaskQueueCapacity)
		cm.tasks[i] = newMarkingTask(i, cm, cm.taskQueues[i])
	}

	cm.terminator = newTerminator(cm.peekInQueueSet)
	cm.firstOverflowBarrier = newBarrierSync()
	cm.secondOverflowBarrier = newBarrierSync()

	cm.finger.Store(cm.heapStart)
	cm.completedInitialization = true
	return cm, nil
}

// Shutdown releases all reservations. The engine must be idle.
func (cm *ConcurrentMark) Shutdown() {
	if !cm.completedInitialization {
		return
	}
	if engineAsserts && cm.Phase() != PhaseIdle {
		panic("mark: shutdown with a cycle in progress")
	}
	cm.prevBitmap.Release()
	cm.nextBitmap.Release()
	cm.globalMarkStack.Release()
}

// CompletedInitialization reports whether New fully initialized the engine.
func (cm *ConcurrentMark) CompletedInitialization() bool {
	return cm.completedInitialization
}

// SetReferenceProcessor installs the weak reference processor invoked at
// remark. May be nil.
func (cm *ConcurrentMark) SetReferenceProcessor(rp ReferenceProcessor) {
	cm.refProcessor = rp
}

// Queries.

func (cm *ConcurrentMark) Phase() Phase { return Phase(cm.phase.Load()) }

func (cm *ConcurrentMark) setPhase(p Phase) { cm.phase.Store(int32(p)) }

// ConcurrentMarkingInProgress reports whether a marking cycle is between
// its initial mark and the end of remark.
func (cm *ConcurrentMark) ConcurrentMarkingInProgress() bool {
	switch cm.Phase() {
	case PhaseRootScan, PhaseConcurrentMark, PhaseRemark:
		return true
	}
	return false
}

// HasAborted reports whether the current or most recent cycle was aborted.
func (cm *ConcurrentMark) HasAborted() bool { return cm.hasAbortedFlag.Load() }

// RestartForOverflow reports whether remark overflowed and concurrent
// marking must run again.
func (cm *ConcurrentMark) RestartForOverflow() bool { return cm.restartForOverflowFlag.Load() }

// PrevMarkBitmap returns the completed marking bitmap.
func (cm *ConcurrentMark) PrevMarkBitmap() *bitmap.Bitmap { return cm.prevBitmap }

// NextMarkBitmap returns the under-construction marking bitmap.
func (cm *ConcurrentMark) NextMarkBitmap() *bitmap.Bitmap { return cm.nextBitmap }

// RootRegions returns the root region claim set.
func (cm *ConcurrentMark) RootRegions() *RootRegions { return cm.rootRegions }

// SATBQueueSet returns the queue set mutator write barriers feed.
func (cm *ConcurrentMark) SATBQueueSet() *SATBQueueSet { return cm.satb }

// CleanupList returns the fully dead regions found by the last Cleanup,
// until CompleteCleanup hands them back.
func (cm *ConcurrentMark) CleanupList() []*heap.Region { return cm.cleanupList }

// Flags.

func (cm *ConcurrentMark) hasOverflown() bool   { return cm.hasOverflownFlag.Load() }
func (cm *ConcurrentMark) setHasOverflown()     { cm.hasOverflownFlag.Store(true) }
func (cm *ConcurrentMark) clearHasOverflown()   { cm.hasOverflownFlag.Store(false) }
func (cm *ConcurrentMark) doYieldCheck()        { cm.gang.Yield() }
func (cm *ConcurrentMark) fingerValue() uintptr { return cm.finger.Load() }

// Bitmap helpers, also used by the collector's barrier and remembered-set
// code.

// MarkInNextBitmap marks obj on the next bitmap if it existed at mark
// start. Objects at or above their region's top-at-mark-start are
// implicitly live and take no bit. Returns whether this call set the bit.
func (cm *ConcurrentMark) MarkInNextBitmap(obj uintptr) bool {
	r := cm.h.RegionContaining(obj)
	if engineAsserts && r == nil {
		panic("mark: marking an address outside the heap")
	}
	return cm.markInNextBitmap(r, obj)
}

func (cm *ConcurrentMark) markInNextBitmap(r *heap.Region, obj uintptr) bool {
	if obj >= r.TAMS() {
		// Allocated since mark start, implicitly live.
		return false
	}
	return cm.nextBitmap.Mark(obj)
}

// MarkInPrevBitmap marks obj on the prev bitmap. The prev bitmap is
// normally read-only; use with care.
func (cm *ConcurrentMark) MarkInPrevBitmap(obj uintptr) bool {
	return cm.prevBitmap.Mark(obj)
}

// IsMarkedInPrevBitmap reports whether obj is marked on the prev bitmap.
func (cm *ConcurrentMark) IsMarkedInPrevBitmap(obj uintptr) bool {
	return cm.prevBitmap.IsMarked(obj)
}

// ClearRangeInPrevBitmap clears prev bitmap bits for [lo, hi). Safepoint
// only.
func (cm *ConcurrentMark) ClearRangeInPrevBitmap(lo, hi uintptr) {
	cm.prevBitmap.ClearRange(lo, hi)
}

// isLive is the liveness predicate handed to the reference processor: an
// object is live when it is implicitly live past its region's
// top-at-mark-start or marked on the next bitmap.
func (cm *ConcurrentMark) isLive(obj uintptr) bool {
	r := cm.h.RegionContaining(obj)
	if r == nil {
		return false
	}
	return obj >= r.TAMS() || cm.nextBitmap.IsMarked(obj)
}

// Global mark stack hooks for task transfers.

func (cm *ConcurrentMark) markStackPush(buf *[EntriesPerChunk]Entry) bool {
	if !cm.globalMarkStack.ParPushChunk(buf) {
		cm.setHasOverflown()
		return false
	}
	return true
}

func (cm *ConcurrentMark) markStackPop(buf *[EntriesPerChunk]Entry) bool {
	return cm.globalMarkStack.ParPopChunk(buf)
}

func (cm *ConcurrentMark) markStackSize() int    { return cm.globalMarkStack.Size() }
func (cm *ConcurrentMark) markStackIsEmpty() bool { return cm.globalMarkStack.IsEmpty() }

func (cm *ConcurrentMark) partialMarkStackSizeTarget() int {
	return cm.globalMarkStack.Capacity() / 3 * EntriesPerChunk
}

// Region claiming.

// outOfRegions reports whether the finger has passed the heap end.
func (cm *ConcurrentMark) outOfRegions() bool {
	return cm.finger.Load() >= cm.heapEnd
}

// claimRegion hands the caller the next unclaimed region and moves the
// finger past it. Exactly one worker obtains each region per phase. The
// region may turn out to be empty; its bitmap scan simply finds nothing.
func (cm *ConcurrentMark) claimRegion(workerID int) *heap.Region {
	for {
		f := cm.finger.Load()
		if f >= cm.heapEnd {
			return nil
		}
		if cm.finger.CompareAndSwap(f, f+cm.h.RegionBytes()) {
			return cm.h.RegionContaining(f)
		}
	}
}

// Work stealing.

func (cm *ConcurrentMark) peekInQueueSet() bool {
	for i := 0; i < cm.numActiveTasks; i++ {
		if !cm.taskQueues[i].IsEmpty() {
			return true
		}
	}
	return false
}

// tryStealing probes random peer queues for an entry, up to twice the
// number of active workers before giving up.
func (cm *ConcurrentMark) tryStealing(workerID int, seed *uint64) (Entry, bool) {
	n := cm.numActiveTasks
	if n < 2 {
		return NullEntry, false
	}
	for attempt := 0; attempt < 2*n; attempt++ {
		victim := int(nextRandom(seed) % uint64(n))
		if victim == workerID {
			continue
		}
		if e, ok := cm.taskQueues[victim].Steal(); ok {
			return e, true
		}
	}
	return NullEntry, false
}

// nextRandom is a xorshift step over the task's hash seed.
func nextRandom(seed *uint64) uint64 {
	x := *seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	*seed = x
	return x
}

// Phase plumbing.

func (cm *ConcurrentMark) setConcurrencyAndPhase(activeTasks int, concurrent bool) {
	cm.numActiveTasks = activeTasks
	cm.concurrentFlag.Store(concurrent)
	cm.terminator.reset(activeTasks)
	cm.firstOverflowBarrier.setNWorkers(activeTasks)
	cm.secondOverflowBarrier.setNWorkers(activeTasks)
	for i := 0; i < activeTasks; i++ {
		cm.tasks[i].concurrent = concurrent
	}
}

// reset prepares all marking state for a new cycle. Initial-mark pause
// only.
func (cm *ConcurrentMark) reset() {
	cm.hasAbortedFlag.Store(false)
	cm.restartForOverflowFlag.Store(false)
	cm.resetMarkingState()
	for _, t := range cm.tasks {
		t.reset(cm.nextBitmap)
	}
}

// resetMarkingState rebuilds the shared marking structures: empty mark
// stack (grown if the cycle overflowed), empty task queues, finger back at
// the heap bottom. Callers must have all workers quiesced.
func (cm *ConcurrentMark) resetMarkingState() {
	cm.globalMarkStack.SetEmpty()
	if cm.hasOverflown() && cm.globalMarkStack.ShouldExpand() {
		cm.globalMarkStack.Expand()
		cm.trace.phasef("mark stack expanded to %d chunks", cm.globalMarkStack.Capacity())
	}
	cm.clearHasOverflown()
	cm.finger.Store(cm.heapStart)
	for _, q := range cm.taskQueues {
		q.SetEmpty()
	}
}

// setNonMarkingState leaves the marking structures in a predictable state
// between cycles.
func (cm *ConcurrentMark) setNonMarkingState() {
	cm.resetMarkingState()
	cm.concurrentFlag.Store(false)
	cm.numActiveTasks = 0
}

// Overflow barriers. All workers enter the first barrier to guarantee
// nobody is still touching the shared structures; worker 0 then rebuilds
// them while the rest rebuild only their own state; the second barrier
// releases everyone to resume marking.

func (cm *ConcurrentMark) enterFirstSyncBarrier(workerID int) {
	cm.firstOverflowBarrier.enter()
	// Only the concurrent phase restarts in place. During remark the
	// overflow flag must survive so the pause requests a full restart of
	// concurrent marking instead.
	if workerID == 0 && cm.concurrentFlag.Load() {
		cm.stats.overflowRestarts++
		cm.resetMarkingState()
	}
}

func (cm *ConcurrentMark) enterSecondSyncBarrier(workerID int) {
	cm.secondOverflowBarrier.enter()
}

func (cm *ConcurrentMark) swapMarkBitmaps() {
	cm.prevBitmap, cm.nextBitmap = cm.nextBitmap, cm.prevBitmap
}

// Abort abandons the current marking cycle, typically because a full
// collection is taking over. In-flight marking steps notice at their next
// clock call and unwind; the cycle driver then drains the engine back to
// idle.
func (cm *ConcurrentMark) Abort() {
	if cm.Phase() == PhaseIdle || cm.HasAborted() {
		return
	}
	cm.hasAbortedFlag.Store(true)
	cm.rootRegions.Abort()
	cm.satb.AbandonPartialMarking()
	cm.satb.SetActive(false)
	cm.trace.phasef("cycle aborted")
}
