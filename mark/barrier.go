package mark

import "sync"

// barrierSync is an N-arrival gate. Workers block in enter until nWorkers
// of them have arrived, then all proceed and the gate rearms for the next
// use. Two of these linearize every overflow: no worker resumes marking
// until every worker has stopped and the shared state has been rebuilt.
type barrierSync struct {
	mu         sync.Mutex
	cond       *sync.Cond
	nWorkers   int
	arrived    int
	generation uint64
}

func newBarrierSync() *barrierSync {
	b := &barrierSync{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// setNWorkers arms the gate for n arrivals. Must not be called while
// workers are blocked in enter.
func (b *barrierSync) setNWorkers(n int) {
	b.mu.Lock()
	if engineAsserts && b.arrived != 0 {
		b.mu.Unlock()
		panic("mark: resizing a barrier with workers waiting")
	}
	b.nWorkers = n
	b.mu.Unlock()
}

// enter blocks until nWorkers workers have entered, then releases them all.
func (b *barrierSync) enter() {
	b.mu.Lock()
	gen := b.generation
	b.arrived++
	if b.arrived == b.nWorkers {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
	} else {
		for b.generation == gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}
