package mark

import "github.com/tinygc/tinygc/heap"

// RunCycle drives one complete marking cycle the way the collector's
// concurrent mark thread does: initial mark publishing the given strong
// roots, the concurrent root region scan, concurrent marking with the
// remark/restart loop, then cleanup. It returns the regions found fully
// dead, or nil when the cycle was aborted.
//
// The initial-mark and remark portions would normally run inside pauses;
// RunCycle assumes the only mutator activity while it runs is SATB
// enqueues and allocation above top-at-mark-start.
func (cm *ConcurrentMark) RunCycle(roots []uintptr, clearAllSoftRefs bool) []*heap.Region {
	cm.CheckpointRootsInitialPre()
	for _, obj := range roots {
		cm.MarkRoot(obj)
	}
	cm.CheckpointRootsInitialPost()

	cm.ScanRootRegions()

	if !cm.HasAborted() {
		for {
			cm.MarkFromRoots()
			if cm.HasAborted() {
				break
			}
			cm.CheckpointRootsFinal(clearAllSoftRefs)
			if cm.HasAborted() || !cm.RestartForOverflow() {
				break
			}
		}
	}

	if cm.HasAborted() {
		cm.abortedCycleCleanup()
		return nil
	}

	cm.Cleanup()
	reclaimed := cm.CompleteCleanup()
	cm.CleanupForNextMark()
	return reclaimed
}

// abortedCycleCleanup drains the engine back to idle after an abort: all
// marking state is reset and the half-built next bitmap is cleared. The
// aborted flag itself stays observable until the next cycle starts.
func (cm *ConcurrentMark) abortedCycleCleanup() {
	if cm.rootRegions.ScanInProgress() {
		cm.rootRegions.CancelScan()
	}
	cm.setNonMarkingState()
	cm.nextBitmap.ClearAll(nil)
	cm.setPhase(PhaseIdle)
	cm.trace.phasef("cycle %d aborted, engine idle", cm.stats.cycles)
}
