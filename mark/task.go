package mark

import (
	"time"

	"github.com/tinygc/tinygc/bitmap"
	"github.com/tinygc/tinygc/heap"
)

const (
	// taskQueueDrainTarget is the local queue size a partial drain stops
	// at.
	taskQueueDrainTarget = 64

	// initHashSeed seeds the work stealing random victim choice.
	initHashSeed = 17

	// remarkStepTargetMillis is the effectively unbounded time target of a
	// remark step.
	remarkStepTargetMillis = 1000000000.0
)

// MarkingTask is one marking worker's state. A task repeatedly pops grey
// entries, scans the objects behind them and greys their referents,
// interleaved with claiming heap regions whose bitmap range it scans
// directly. Everything here except the shared queue is owned by the task's
// worker.
type MarkingTask struct {
	workerID int
	cm       *ConcurrentMark
	h        *heap.Heap
	next     *bitmap.Bitmap
	queue    *TaskQueue

	calls int

	// timeTarget bounds the current marking step; startTime is when it
	// began.
	timeTarget time.Duration
	startTime  time.Time

	// Region currently being scanned, the task's local finger inside it,
	// and the scan limit (the region's top-at-mark-start).
	currRegion  *heap.Region
	localFinger uintptr
	regionLimit uintptr

	wordsScanned          int64
	wordsScannedLimit     int64
	realWordsScannedLimit int64
	refsReached           int64
	refsReachedLimit      int64
	realRefsReachedLimit  int64

	hashSeed uint64

	hasAborted   bool
	hasTimedOut  bool
	drainingSATB bool
	concurrent   bool

	// Separate transfer buffers: a flush to the global stack can happen
	// in the middle of consuming a popped chunk.
	moveBuf [EntriesPerChunk]Entry
	getBuf  [EntriesPerChunk]Entry

	elapsed         time.Duration
	terminationTime time.Duration
	stepDiffs       truncatedSeq
	steals          int64
	satbRefs        int64
}

func newMarkingTask(workerID int, cm *ConcurrentMark, queue *TaskQueue) *MarkingTask {
	return &MarkingTask{
		workerID: workerID,
		cm:       cm,
		h:        cm.h,
		queue:    queue,
		hashSeed: initHashSeed + uint64(workerID),
	}
}

// reset prepares the task for a new marking phase.
func (t *MarkingTask) reset(next *bitmap.Bitmap) {
	if engineAsserts && !t.queue.IsEmpty() {
		panic("mark: resetting task with a non-empty queue")
	}
	t.next = next
	t.calls = 0
	t.wordsScanned = 0
	t.refsReached = 0
	t.steals = 0
	t.satbRefs = 0
	t.elapsed = 0
	t.terminationTime = 0
	t.clearRegionFields()
}

func (t *MarkingTask) setHasAborted() { t.hasAborted = true }

func (t *MarkingTask) clearRegionFields() {
	t.currRegion = nil
	t.localFinger = 0
	t.regionLimit = 0
}

func (t *MarkingTask) setupForRegion(r *heap.Region) {
	t.currRegion = r
	t.localFinger = r.Bottom()
	// Marks only exist below the region's top-at-mark-start, so that is
	// all the scan has to cover.
	t.regionLimit = r.TAMS()
}

func (t *MarkingTask) giveupCurrentRegion() {
	t.clearRegionFields()
}

// Limit bookkeeping. The limits make the task call its regular clock after
// a bounded amount of work; they shrink temporarily around expensive
// operations so the next clock call comes sooner.

func (t *MarkingTask) recalculateLimits() {
	t.realWordsScannedLimit = t.wordsScanned + t.cm.cfg.WordsScannedPeriod
	t.wordsScannedLimit = t.realWordsScannedLimit
	t.realRefsReachedLimit = t.refsReached + t.cm.cfg.RefsReachedPeriod
	t.refsReachedLimit = t.realRefsReachedLimit
}

func (t *MarkingTask) decreaseLimits() {
	t.wordsScannedLimit = t.realWordsScannedLimit - 3*t.cm.cfg.WordsScannedPeriod/4
	t.refsReachedLimit = t.realRefsReachedLimit - 3*t.cm.cfg.RefsReachedPeriod/4
}

func (t *MarkingTask) checkLimits() {
	if t.wordsScanned >= t.wordsScannedLimit || t.refsReached >= t.refsReachedLimit {
		t.reachedLimit()
	}
}

func (t *MarkingTask) reachedLimit() {
	if engineAsserts && t.wordsScanned < t.wordsScannedLimit && t.refsReached < t.refsReachedLimit {
		panic("mark: reachedLimit called below both limits")
	}
	t.regularClockCall()
}

// regularClockCall is invoked after every bounded batch of work. It checks
// every condition that should make the current marking step wind down:
// global overflow, an external abort, a pending safepoint, the step's time
// target, and fresh SATB input.
func (t *MarkingTask) regularClockCall() {
	if t.hasAborted {
		return
	}
	t.recalculateLimits()

	if t.cm.hasOverflown() {
		t.setHasAborted()
		return
	}

	// Everything below only matters while running concurrently with
	// mutators; during remark the world is stopped.
	if !t.concurrent {
		return
	}

	if t.cm.HasAborted() {
		t.setHasAborted()
		return
	}

	// Let a pending safepoint happen. This may block for as long as the
	// safepoint lasts; afterwards the phase state must be re-read.
	t.cm.doYieldCheck()
	if t.cm.HasAborted() {
		t.setHasAborted()
		return
	}

	if time.Since(t.startTime) > t.timeTarget {
		t.setHasAborted()
		t.hasTimedOut = true
		return
	}

	if !t.drainingSATB && t.cm.satb.CompletedBuffersExist() {
		// Wind down this step so the SATB drain at the top of the next
		// one picks the buffers up.
		t.setHasAborted()
	}
}

// Greying machinery.

// dealWithReference filters one outgoing reference and greys it if it is a
// heap object that existed at mark start.
func (t *MarkingTask) dealWithReference(obj uintptr) {
	if obj == 0 || !t.h.InHeap(obj) {
		return
	}
	t.makeReferenceGrey(obj)
}

// makeReferenceGrey marks obj and, when the bitmap scan would otherwise
// miss it, queues it.
func (t *MarkingTask) makeReferenceGrey(obj uintptr) {
	if !t.cm.MarkInNextBitmap(obj) {
		return
	}
	t.refsReached++

	if t.isBelowFinger(obj, t.cm.fingerValue()) {
		if t.h.BodyWords(obj) == 0 {
			// A leaf holds no references; account for its words right
			// away instead of queueing it.
			t.wordsScanned += int64(t.h.ObjectWords(obj))
			t.checkLimits()
		} else {
			t.push(EntryFromObj(obj))
		}
	}
}

// isBelowFinger reports whether every future bitmap scan would pass over
// obj, in which case it must be queued. Objects at or above the global
// finger sit in a region no worker has claimed yet. Objects below it are
// covered only if they fall in the range this task itself still has to
// scan; anywhere else the claiming worker's scan may already be past them.
func (t *MarkingTask) isBelowFinger(obj, globalFinger uintptr) bool {
	if obj >= globalFinger {
		return false
	}
	if t.localFinger != 0 && obj >= t.localFinger && obj < t.regionLimit {
		return false
	}
	return true
}

// push queues a grey entry locally, spilling a chunk of entries to the
// global mark stack when the queue is full.
func (t *MarkingTask) push(e Entry) {
	if t.queue.Push(e) {
		return
	}
	t.moveEntriesToGlobalStack()
	if !t.queue.Push(e) {
		// The flush just removed a chunk's worth of entries, so the
		// queue cannot still be full.
		panic("mark: task queue full after flushing to the global stack")
	}
}

// moveEntriesToGlobalStack flushes up to one chunk of local entries to the
// global mark stack. On overflow the global flag has been raised and the
// entries are dropped; the restart protocol rebuilds them from the bitmap.
func (t *MarkingTask) moveEntriesToGlobalStack() {
	n := 0
	for n < EntriesPerChunk {
		e, ok := t.queue.PopLocal()
		if !ok {
			break
		}
		t.moveBuf[n] = e
		n++
	}
	if n == 0 {
		return
	}
	if n < EntriesPerChunk {
		t.moveBuf[n] = NullEntry
	}
	t.cm.markStackPush(&t.moveBuf)
}

// getEntriesFromGlobalStack moves one chunk from the global mark stack into
// the local queue. Returns whether a chunk was popped.
func (t *MarkingTask) getEntriesFromGlobalStack() bool {
	if !t.cm.markStackPop(&t.getBuf) {
		return false
	}
	for i := 0; i < EntriesPerChunk; i++ {
		e := t.getBuf[i]
		if e.IsNull() {
			break
		}
		t.push(e)
	}
	return true
}

// drainLocalQueue pops and scans local entries. A partial drain stops at a
// low-water size so region scanning is not starved; a full drain empties
// the queue.
func (t *MarkingTask) drainLocalQueue(partially bool) {
	if t.hasAborted {
		return
	}
	target := 0
	if partially {
		target = taskQueueDrainTarget
		if third := t.queue.Capacity() / 3; third < target {
			target = third
		}
	}
	for t.queue.Size() > target {
		e, ok := t.queue.PopLocal()
		if !ok {
			break
		}
		t.scanTaskEntry(e)
		if t.hasAborted {
			break
		}
	}
}

// drainGlobalStack moves chunks from the global mark stack into the local
// queue and scans them. A partial drain keeps going only while the stack
// is above its partial target.
func (t *MarkingTask) drainGlobalStack(partially bool) {
	if t.hasAborted {
		return
	}
	if engineAsserts && !partially && t.queue.Size() != 0 {
		panic("mark: full global drain with a non-empty local queue")
	}
	target := 0
	if partially {
		target = t.cm.partialMarkStackSizeTarget()
	}
	for !t.hasAborted && t.cm.markStackSize() > target {
		if !t.getEntriesFromGlobalStack() {
			break
		}
		t.drainLocalQueue(partially)
	}
}

// drainSATBBuffers processes completed SATB buffers until none are left.
// Every reference in them was overwritten by a mutator since the cycle
// started and is grey under the snapshot invariant.
func (t *MarkingTask) drainSATBBuffers() {
	if t.hasAborted {
		return
	}
	t.drainingSATB = true
	for !t.hasAborted {
		buf := t.cm.satb.DrainNextBuffer()
		if buf == nil {
			break
		}
		for _, ref := range buf {
			t.dealWithReference(ref)
		}
		t.satbRefs += int64(len(buf))
		t.regularClockCall()
	}
	t.drainingSATB = false
	// Buffer processing is expensive per word scanned; make the next
	// clock call come sooner.
	t.decreaseLimits()
}

// scanTaskEntry scans one grey entry: a slice continuation advances a large
// array, a large array is turned into its first slice, and everything else
// is scanned object by object.
func (t *MarkingTask) scanTaskEntry(e Entry) {
	if e.IsArraySlice() {
		t.wordsScanned += int64(t.processSlice(e.Slice()))
	} else {
		obj := e.Obj()
		if t.shouldBeSliced(obj) {
			t.wordsScanned += int64(t.processObjArray(obj))
		} else {
			t.scanObject(obj)
		}
	}
	t.checkLimits()
}

// scanObject visits every reference slot of a plain object.
func (t *MarkingTask) scanObject(obj uintptr) {
	n := int(t.h.BodyWords(obj))
	for i := 0; i < n; i++ {
		t.dealWithReference(t.h.Ref(obj, i))
	}
	t.wordsScanned += int64(t.h.ObjectWords(obj))
}

// scanCurrentRegion walks the marked bits of the claimed region from the
// local finger to the region limit, scanning each object found. The next
// bit is re-fetched after every object: greyed objects inside the range
// this task still has to cover are not queued, so the scan must observe
// their freshly set bits itself. Partial drains between objects keep the
// queues shallow.
func (t *MarkingTask) scanCurrentRegion() {
	addr := t.next.NextMarked(t.localFinger, t.regionLimit)
	for addr != 0 {
		t.moveFingerTo(addr)
		t.scanTaskEntry(EntryFromObj(addr))
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		if t.hasAborted {
			// Skip past the object just scanned so a restarted step does
			// not scan it twice.
			newFinger := addr + t.h.ObjectWords(addr)*heap.WordBytes
			if newFinger >= t.regionLimit {
				t.giveupCurrentRegion()
			} else {
				t.localFinger = newFinger
			}
			return
		}
		next := addr + t.h.ObjectWords(addr)*heap.WordBytes
		if next >= t.regionLimit {
			break
		}
		addr = t.next.NextMarked(next, t.regionLimit)
	}
	t.giveupCurrentRegion()
	t.regularClockCall()
}

func (t *MarkingTask) moveFingerTo(addr uintptr) {
	if engineAsserts && (addr < t.localFinger || addr >= t.regionLimit) {
		panic("mark: local finger moved outside the claimed range")
	}
	t.localFinger = addr
}

// tryStealing probes peer queues for an entry, remembering the random walk
// position in the task's hash seed.
func (t *MarkingTask) tryStealing() (Entry, bool) {
	return t.cm.tryStealing(t.workerID, &t.hashSeed)
}

// shouldExitTermination tells the terminator whether this task wants out of
// the termination protocol: either the global stack has work again, or the
// regular clock raised the abort flag.
func (t *MarkingTask) shouldExitTermination() bool {
	t.regularClockCall()
	return !t.cm.markStackIsEmpty() || t.hasAborted
}

// doMarkingStep performs one marking step of roughly targetMillis
// milliseconds. The step drains SATB buffers, the local queue and the
// global stack, claims and scans regions, then steals and finally offers
// termination. It can end early for many reasons, all of them reported
// through the task's hasAborted flag; the caller decides whether to run
// another step.
//
// A step that aborted on a global overflow finishes by going through the
// two overflow barriers, so that every worker leaves its step with the
// marking state rebuilt.
func (t *MarkingTask) doMarkingStep(targetMillis float64, doTermination, isSerial bool) {
	if engineAsserts && targetMillis < 1.0 {
		panic("mark: marking step below the 1ms clock granularity")
	}
	t.startTime = time.Now()

	// Stealing is only sensible with termination detection and peers.
	doStealing := doTermination && !isSerial

	// Shave the typical overrun of recent steps off the target so this
	// step lands closer to it.
	target := targetMillis - t.stepDiffs.avg()
	if target < 1.0 {
		target = 1.0
	}
	t.timeTarget = time.Duration(target * float64(time.Millisecond))

	t.calls++
	t.hasAborted = false
	t.hasTimedOut = false
	t.drainingSATB = false
	t.recalculateLimits()

	if t.cm.hasOverflown() {
		// A peer raised the overflow flag after our last step ended;
		// abort immediately so all workers meet at the barriers.
		t.setHasAborted()
	}

	t.drainSATBBuffers()
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)

	for {
		if !t.hasAborted && t.currRegion != nil {
			t.scanCurrentRegion()
			t.drainLocalQueue(true)
			t.drainGlobalStack(true)
		}
		for !t.hasAborted && t.currRegion == nil && !t.cm.outOfRegions() {
			if r := t.cm.claimRegion(t.workerID); r != nil {
				t.setupForRegion(r)
				t.cm.trace.workerf(t.workerID, "claimed region %d", r.Index())
			}
			// Claiming can walk long runs of empty regions; keep the
			// clock ticking while it does.
			t.regularClockCall()
		}
		if t.hasAborted || t.currRegion == nil {
			break
		}
	}

	if !t.hasAborted {
		// Out of regions. Process SATB buffers one more time to shrink
		// the remark workload, then empty the queues completely.
		t.drainSATBBuffers()
		t.drainLocalQueue(false)
		t.drainGlobalStack(false)
	}

	if doStealing && !t.hasAborted {
		for !t.hasAborted {
			e, ok := t.tryStealing()
			if !ok {
				break
			}
			t.steals++
			t.scanTaskEntry(e)
			// We are near the end; empty the queues completely.
			t.drainLocalQueue(false)
			t.drainGlobalStack(false)
		}
	}

	if doTermination && !t.hasAborted {
		terminationStart := time.Now()
		finished := isSerial || t.cm.terminator.OfferTermination(t.shouldExitTermination)
		t.terminationTime += time.Since(terminationStart)
		if finished {
			if engineAsserts && !t.queue.IsEmpty() {
				panic("mark: terminated with local entries left")
			}
		} else {
			// A peer produced work; abort this step so the caller loops
			// into a fresh one that can pick it up.
			t.setHasAborted()
		}
	}

	elapsed := time.Since(t.startTime)
	t.elapsed += elapsed

	if t.hasAborted {
		if t.hasTimedOut {
			overrun := float64(elapsed-t.timeTarget) / float64(time.Millisecond)
			t.stepDiffs.add(overrun)
		}
		if t.cm.hasOverflown() && !isSerial {
			t.cm.trace.workerf(t.workerID, "overflow, entering barriers")
			t.cm.enterFirstSyncBarrier(t.workerID)
			// Everyone has stopped marking and worker 0 has rebuilt the
			// global state; rebuild ours.
			t.clearRegionFields()
			t.cm.enterSecondSyncBarrier(t.workerID)
		} else if t.cm.hasOverflown() {
			t.clearRegionFields()
		}
	}
}

// truncatedSeq keeps the most recent samples of a series and averages
// them.
type truncatedSeq struct {
	samples [8]float64
	n       int
	next    int
}

func (s *truncatedSeq) add(v float64) {
	s.samples[s.next] = v
	s.next = (s.next + 1) % len(s.samples)
	if s.n < len(s.samples) {
		s.n++
	}
}

func (s *truncatedSeq) avg() float64 {
	if s.n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < s.n; i++ {
		sum += s.samples[i]
	}
	return sum / float64(s.n)
}
