package mark

import (
	"sync"
	"sync/atomic"
)

// SATBQueueSet collects the references that mutators overwrote since the
// cycle started. Under the snapshot-at-the-beginning invariant each of them
// is a grey candidate that marking must still visit. Producers fill a
// current buffer; full buffers move to a completed list that marking
// workers drain one buffer at a time.
//
// The engine treats this purely as a pull source; the write barrier feeding
// it lives outside the engine.
type SATBQueueSet struct {
	bufferSize int

	mu        sync.Mutex
	current   []uintptr
	completed [][]uintptr

	ncompleted atomic.Int32
	active     atomic.Bool
}

// NewSATBQueueSet creates a queue set whose buffers hold bufferSize
// references.
func NewSATBQueueSet(bufferSize int) *SATBQueueSet {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &SATBQueueSet{bufferSize: bufferSize}
}

// SetActive turns the queue set on or off. Enqueues outside an active
// marking cycle are dropped.
func (s *SATBQueueSet) SetActive(active bool) {
	s.active.Store(active)
}

// IsActive reports whether the queue set is accepting references.
func (s *SATBQueueSet) IsActive() bool {
	return s.active.Load()
}

// Enqueue records an overwritten reference.
func (s *SATBQueueSet) Enqueue(ref uintptr) {
	if ref == 0 || !s.active.Load() {
		return
	}
	s.mu.Lock()
	s.current = append(s.current, ref)
	if len(s.current) >= s.bufferSize {
		s.completed = append(s.completed, s.current)
		s.current = nil
		s.ncompleted.Add(1)
	}
	s.mu.Unlock()
}

// FlushCurrent moves the partially filled current buffer onto the
// completed list. Called at the remark pause so no residue stays behind.
func (s *SATBQueueSet) FlushCurrent() {
	s.mu.Lock()
	if len(s.current) > 0 {
		s.completed = append(s.completed, s.current)
		s.current = nil
		s.ncompleted.Add(1)
	}
	s.mu.Unlock()
}

// DrainNextBuffer removes and returns one completed buffer, or nil if none
// is available.
func (s *SATBQueueSet) DrainNextBuffer() []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.completed)
	if n == 0 {
		return nil
	}
	buf := s.completed[n-1]
	s.completed = s.completed[:n-1]
	s.ncompleted.Add(-1)
	return buf
}

// CompletedBuffersExist reports whether a completed buffer is waiting.
// Racy, hint only.
func (s *SATBQueueSet) CompletedBuffersExist() bool {
	return s.ncompleted.Load() > 0
}

// AbandonPartialMarking drops all queued references. Called when the cycle
// is aborted.
func (s *SATBQueueSet) AbandonPartialMarking() {
	s.mu.Lock()
	s.current = nil
	s.completed = nil
	s.ncompleted.Store(0)
	s.mu.Unlock()
}
