package mark

import (
	"sync"
	"sync/atomic"

	"github.com/tinygc/tinygc/heap"
)

// RootRegions is the claim set of survivor regions scanned concurrently at
// the start of a marking cycle. Objects in these regions may be moved by an
// evacuation pause while marking runs, so everything reachable from them
// must be marked before the next pause; under the snapshot invariant each
// object only needs to be visited once.
type RootRegions struct {
	survivors []*heap.Region

	claimedIndex   atomic.Int32
	shouldAbort    atomic.Bool
	scanInProgress atomic.Bool

	mu   sync.Mutex
	done *sync.Cond
}

func newRootRegions() *RootRegions {
	r := &RootRegions{}
	r.done = sync.NewCond(&r.mu)
	return r
}

// PrepareForScan resets claiming over the given survivor snapshot. Called
// at the initial-mark pause.
func (r *RootRegions) PrepareForScan(survivors []*heap.Region) {
	if engineAsserts && r.ScanInProgress() {
		panic("mark: preparing root regions while a scan is in progress")
	}
	r.survivors = survivors
	r.claimedIndex.Store(0)
	r.shouldAbort.Store(false)
	r.scanInProgress.Store(len(survivors) > 0)
}

// ClaimNext atomically claims the next unscanned root region, or returns
// nil when all have been claimed or the scan was aborted.
func (r *RootRegions) ClaimNext() *heap.Region {
	if r.shouldAbort.Load() {
		return nil
	}
	i := int(r.claimedIndex.Add(1)) - 1
	if i >= len(r.survivors) {
		return nil
	}
	return r.survivors[i]
}

// NumRootRegions returns the number of regions in the claim set.
func (r *RootRegions) NumRootRegions() int {
	return len(r.survivors)
}

// Abort makes all subsequent ClaimNext calls return nil. Regions already
// claimed are still scanned to completion by their claimants.
func (r *RootRegions) Abort() {
	r.shouldAbort.Store(true)
}

// ScanInProgress reports whether workers are still scanning root regions.
func (r *RootRegions) ScanInProgress() bool {
	return r.scanInProgress.Load()
}

// ScanFinished flags the scan as complete and wakes all waiters.
func (r *RootRegions) ScanFinished() {
	r.mu.Lock()
	r.scanInProgress.Store(false)
	r.survivors = nil
	r.done.Broadcast()
	r.mu.Unlock()
}

// CancelScan abandons the scan, e.g. when the cycle is aborted.
func (r *RootRegions) CancelScan() {
	r.ScanFinished()
}

// WaitUntilScanFinished blocks while a scan is in progress. It returns
// whether it actually had to wait.
func (r *RootRegions) WaitUntilScanFinished() bool {
	if !r.ScanInProgress() {
		return false
	}
	r.mu.Lock()
	waited := false
	for r.scanInProgress.Load() {
		waited = true
		r.done.Wait()
	}
	r.mu.Unlock()
	return waited
}
