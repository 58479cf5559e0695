package mark

import (
	"sync/atomic"
	"time"

	"github.com/tinygc/tinygc/heap"
)

// Phase entry points. The surrounding collector calls these at the right
// pauses; only ScanRootRegions, MarkFromRoots, CompleteCleanup and
// CleanupForNextMark run concurrently with mutators.

// CheckpointRootsInitialPre runs at the start of the initial-mark pause,
// before the collector publishes strong roots. It snapshots every region's
// top-at-mark-start and resets all marking state.
func (cm *ConcurrentMark) CheckpointRootsInitialPre() {
	if engineAsserts && cm.Phase() != PhaseIdle {
		panic("mark: starting a cycle while one is in progress")
	}
	cm.stats.cycleStart = time.Now()
	cm.stats.cycles++
	cm.h.NoteStartOfMark()
	cm.reset()
}

// MarkRoot publishes one strong root found during the initial-mark pause.
func (cm *ConcurrentMark) MarkRoot(obj uintptr) bool {
	if obj == 0 || !cm.h.InHeap(obj) {
		return false
	}
	return cm.MarkInNextBitmap(obj)
}

// CheckpointRootsInitialPost runs at the end of the initial-mark pause:
// SATB logging goes live and the survivor snapshot becomes the root region
// claim set.
func (cm *ConcurrentMark) CheckpointRootsInitialPost() {
	cm.satb.SetActive(true)
	cm.rootRegions.PrepareForScan(cm.h.SurvivorSnapshot())
	cm.setPhase(PhaseRootScan)
	cm.trace.phasef("cycle %d started, %d root regions", cm.stats.cycles, cm.rootRegions.NumRootRegions())
}

// ScanRootRegions scans the survivor regions concurrently. Everything they
// reference is marked; under the snapshot invariant no object needs more
// than that one visit, so an evacuation pause may move the survivors as
// soon as this completes.
func (cm *ConcurrentMark) ScanRootRegions() {
	if !cm.rootRegions.ScanInProgress() {
		return
	}
	workers := cm.rootRegions.NumRootRegions()
	if workers > cm.maxNumTasks {
		workers = cm.maxNumTasks
	}
	cm.gang.Run("root-region-scan", workers, func(worker int) {
		for {
			r := cm.rootRegions.ClaimNext()
			if r == nil {
				break
			}
			cm.scanRootRegion(r, worker)
		}
	})
	cm.rootRegions.ScanFinished()
}

// scanRootRegion marks everything one survivor region references. The
// objects themselves live above their region's top-at-mark-start and are
// implicitly live. A claimed region is always scanned to completion, even
// when an abort has cut off further claims: the evacuation correctness
// argument needs every claimed region either untouched or fully done.
func (cm *ConcurrentMark) scanRootRegion(r *heap.Region, worker int) {
	cm.trace.workerf(worker, "scanning root region %d", r.Index())
	cm.h.IterateObjects(r.Bottom(), r.Top(), func(obj uintptr) bool {
		n := int(cm.h.BodyWords(obj))
		for i := 0; i < n; i++ {
			ref := cm.h.Ref(obj, i)
			if ref != 0 && cm.h.InHeap(ref) {
				cm.MarkInNextBitmap(ref)
			}
		}
		return true
	})
}

// MarkFromRoots is the concurrent marking phase: every active worker runs
// marking steps until its task terminates or the cycle is aborted. A global
// mark stack overflow restarts the phase internally through the two-stage
// barrier; steps then rebuild the closure by rescanning the bitmap from the
// bottom of the heap, which converges because marked objects are never
// greyed twice.
func (cm *ConcurrentMark) MarkFromRoots() {
	cm.restartForOverflowFlag.Store(false)
	activeWorkers := cm.maxNumTasks
	cm.setConcurrencyAndPhase(activeWorkers, true)
	cm.setPhase(PhaseConcurrentMark)

	start := time.Now()
	cm.gang.Run("concurrent-mark", activeWorkers, func(worker int) {
		t := cm.tasks[worker]
		for !cm.HasAborted() {
			t.doMarkingStep(cm.cfg.StepDurationMillis, true, false)
			if !t.hasAborted {
				break
			}
			cm.doYieldCheck()
		}
	})
	cm.stats.markTime += time.Since(start)
}

// CheckpointRootsFinal is the remark pause. Residual SATB buffers are
// flushed and drained with the world stopped; an overflow here requests a
// restart of concurrent marking instead of rebuilding the marking state at
// the overflow barriers and resuming in place. On success the
// weak references are processed and the bitmaps swap roles.
func (cm *ConcurrentMark) CheckpointRootsFinal(clearAllSoftRefs bool) {
	if cm.HasAborted() {
		return
	}
	cm.setPhase(PhaseRemark)
	start := time.Now()

	// The mutators are stopped; pick up their partially filled buffers.
	cm.satb.FlushCurrent()
	cm.checkpointRootsFinalWork()

	if cm.hasOverflown() {
		cm.trace.phasef("remark overflowed, restarting concurrent mark")
		cm.stats.overflowRestarts++
		cm.restartForOverflowFlag.Store(true)
		cm.resetMarkingState()
	} else {
		cm.weakRefsWork(clearAllSoftRefs)
		cm.satb.SetActive(false)
		if engineAsserts && cm.satb.CompletedBuffersExist() {
			panic("mark: SATB buffers left after remark")
		}
		if cm.cfg.VerifyMarking {
			cm.verifyMarking()
		}
		cm.swapMarkBitmaps()
		cm.setNonMarkingState()
		cm.setPhase(PhaseCleanup)
	}
	cm.stats.remarkTime += time.Since(start)
}

func (cm *ConcurrentMark) checkpointRootsFinalWork() {
	activeWorkers := cm.maxNumTasks
	cm.setConcurrencyAndPhase(activeWorkers, false)
	serial := activeWorkers == 1
	cm.gang.Run("remark", activeWorkers, func(worker int) {
		t := cm.tasks[worker]
		for {
			t.doMarkingStep(remarkStepTargetMillis, true, serial)
			if !t.hasAborted || cm.hasOverflown() {
				break
			}
		}
	})
}

// weakRefsWork lets the installed reference processor walk its discovered
// references with the marking liveness predicate. Resurrected referents are
// greyed through task 0 and drained serially.
func (cm *ConcurrentMark) weakRefsWork(clearAllSoftRefs bool) {
	if cm.refProcessor == nil {
		return
	}
	t := cm.tasks[0]
	keepAlive := func(obj uintptr) {
		t.dealWithReference(obj)
	}
	drain := func() {
		for {
			t.doMarkingStep(remarkStepTargetMillis, false, true)
			if !t.hasAborted || cm.hasOverflown() {
				break
			}
		}
	}
	cm.refProcessor.ProcessDiscoveredReferences(clearAllSoftRefs, cm.isLive, keepAlive, drain)
}

// Cleanup runs at the cleanup pause: per-region liveness is computed from
// the completed marking, and fully dead regions are collected on the
// cleanup list for the collector's region lifecycle.
func (cm *ConcurrentMark) Cleanup() {
	if cm.HasAborted() {
		return
	}
	cm.setPhase(PhaseCleanup)
	cm.cleanupList = cm.cleanupList[:0]
	prev := cm.prevBitmap
	for i := 0; i < cm.h.NumRegions(); i++ {
		r := cm.h.Region(i)
		live := uintptr(0)
		prev.Iterate(r.Bottom(), r.TAMS(), func(obj uintptr) bool {
			live += cm.h.ObjectWords(obj)
			return true
		})
		// Objects past top-at-mark-start are implicitly live.
		live += (r.Top() - r.TAMS()) / heap.WordBytes
		r.LiveWords = live
		if live == 0 && !r.IsEmpty() {
			cm.cleanupList = append(cm.cleanupList, r)
		}
	}
	cm.trace.phasef("cleanup found %d reclaimable regions", len(cm.cleanupList))
}

// CompleteCleanup is the concurrent tail of cleanup: the dead regions are
// reset and handed back to the caller. The cycle is over afterwards.
func (cm *ConcurrentMark) CompleteCleanup() []*heap.Region {
	if cm.HasAborted() {
		return nil
	}
	reclaimed := cm.cleanupList
	cm.cleanupList = nil
	for _, r := range reclaimed {
		r.Reset()
	}
	cm.setPhase(PhaseIdle)
	cm.stats.totalTime += time.Since(cm.stats.cycleStart)
	return reclaimed
}

// CleanupForNextMark clears the next bitmap concurrently with mutators,
// yielding between chunks so safepoints are never held up.
func (cm *ConcurrentMark) CleanupForNextMark() {
	cm.nextBitmap.ClearAll(cm.gang.Yield)
}

// NextMarkBitmapIsClear reports whether the next bitmap has no marks set.
// Assertion use only; does not yield.
func (cm *ConcurrentMark) NextMarkBitmapIsClear() bool {
	return cm.nextBitmap.IsClear()
}

// ClearPrevBitmap clears the completed bitmap with all gang workers, region
// by region. Safepoint only.
func (cm *ConcurrentMark) ClearPrevBitmap() {
	var cursor atomic.Int64
	cm.gang.Run("clear-prev-bitmap", cm.maxNumTasks, func(worker int) {
		for {
			i := int(cursor.Add(1)) - 1
			if i >= cm.h.NumRegions() {
				return
			}
			r := cm.h.Region(i)
			cm.prevBitmap.ClearRange(r.Bottom(), r.End())
		}
	})
}

// verifyMarking checks that every bit on the next bitmap denotes a
// plausible object header below its region's top-at-mark-start.
func (cm *ConcurrentMark) verifyMarking() {
	for i := 0; i < cm.h.NumRegions(); i++ {
		r := cm.h.Region(i)
		cm.nextBitmap.Iterate(r.Bottom(), r.End(), func(obj uintptr) bool {
			if obj >= r.TAMS() {
				panic("mark: verify: mark at or above top-at-mark-start")
			}
			end := obj + cm.h.ObjectWords(obj)*heap.WordBytes
			if end > r.Top() {
				panic("mark: verify: marked object overruns its region's top")
			}
			return true
		})
	}
}
