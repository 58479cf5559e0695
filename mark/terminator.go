package mark

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Terminator detects that all marking workers have run out of work. A
// worker with nothing left offers termination; it spins there watching the
// number of idle peers, the shared queues and an exit predicate supplied by
// its task. A late push by a peer (work became stealable, or the global
// stack grew) makes it withdraw the offer and resume. When every active
// worker is offering at once, marking is complete.
type Terminator struct {
	nTasks  int
	offered atomic.Int32

	// peekInQueueSet reports whether any task queue holds stealable work.
	peekInQueueSet func() bool
}

// Number of spin/yield rounds before an offering worker starts sleeping
// between checks.
const terminatorYieldsBeforeSleep = 64

func newTerminator(peek func() bool) *Terminator {
	return &Terminator{peekInQueueSet: peek}
}

// reset arms the terminator for a phase with n active workers.
func (t *Terminator) reset(n int) {
	t.nTasks = n
	t.offered.Store(0)
}

// OfferTermination blocks the caller in the termination protocol. It
// returns true when all workers terminated together, false when the caller
// should resume because work appeared or shouldExit asked it to leave.
// shouldExit may be nil.
func (t *Terminator) OfferTermination(shouldExit func() bool) bool {
	offered := t.offered.Add(1)
	if engineAsserts && int(offered) > t.nTasks {
		panic("mark: more termination offers than active workers")
	}
	rounds := 0
	for {
		if int(t.offered.Load()) == t.nTasks {
			return true
		}
		if t.peekInQueueSet() || (shouldExit != nil && shouldExit()) {
			t.offered.Add(-1)
			return false
		}
		if rounds < terminatorYieldsBeforeSleep {
			rounds++
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}
