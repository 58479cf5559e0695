package mark

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinygc/tinygc/mem"
)

// The global mark stack holds grey entries that overflowed the per-worker
// queues. Entries move between workers and the stack a whole chunk at a
// time.
//
// Storage is a contiguous reservation of maxCapacity chunks, always
// committed. Chunks are handed out with a high-water-mark allocator and
// recycled through a lock-free free list; chunks holding data sit on an
// equally lock-free chunk list. Both list heads pack a 32-bit version
// counter next to a 32-bit chunk index, so a head value is never reused and
// a concurrent pop cannot be fooled by a chunk cycling through the lists
// (the classic ABA hazard).
//
// Resizing only happens during a stop-the-world pause while the stack is
// empty.

// EntriesPerChunk is the number of entries in a single chunk. One slot of
// the chunk memory is taken by the list link, keeping the chunk footprint a
// round power of two. A partially-filled chunk is terminated by a null
// entry.
const EntriesPerChunk = 1024 - 1

type chunk struct {
	next atomic.Uint64 // packed head value of the rest of the list
	data [EntriesPerChunk]Entry
}

const cacheLineBytes = 64

// MarkStack is the global overflow stack.
type MarkStack struct {
	mem    *mem.Region
	chunks []chunk

	// chunkCapacity is only changed at a stop-the-world pause with all
	// workers quiesced.
	chunkCapacity    int
	maxChunkCapacity int

	_                [cacheLineBytes]byte
	freeList         atomic.Uint64
	_                [cacheLineBytes - 8]byte
	chunkList        atomic.Uint64
	chunksInList     atomic.Int64
	_                [cacheLineBytes - 16]byte
	hwm              atomic.Int64
	_                [cacheLineBytes - 8]byte
}

// NewMarkStack reserves room for maxChunks chunks and opens the stack with
// initialChunks of them usable.
func NewMarkStack(initialChunks, maxChunks int) (*MarkStack, error) {
	if initialChunks < 1 || maxChunks < initialChunks {
		return nil, fmt.Errorf("mark: invalid mark stack capacity %d/%d", initialChunks, maxChunks)
	}
	if maxChunks > 1<<31-2 {
		return nil, fmt.Errorf("mark: mark stack capacity %d does not fit the packed head index", maxChunks)
	}
	res, err := mem.Reserve(uintptr(maxChunks) * unsafe.Sizeof(chunk{}))
	if err != nil {
		return nil, fmt.Errorf("mark: reserving mark stack: %w", err)
	}
	s := &MarkStack{
		mem:              res,
		chunks:           unsafe.Slice((*chunk)(unsafe.Pointer(&res.Bytes()[0])), maxChunks),
		chunkCapacity:    initialChunks,
		maxChunkCapacity: maxChunks,
	}
	return s, nil
}

// Release returns the reservation to the operating system.
func (s *MarkStack) Release() error {
	s.chunks = nil
	return s.mem.Release()
}

// Head values pack a version counter in the upper half and chunk index + 1
// in the lower half, so that zero is the empty list.

func packHead(idx int, version uint64) uint64 {
	return version<<32 | uint64(uint32(idx+1))
}

func headIndex(h uint64) int {
	return int(int64(uint32(h))) - 1
}

func headVersion(h uint64) uint64 {
	return h >> 32
}

func (s *MarkStack) pushList(list *atomic.Uint64, idx int) {
	for {
		old := list.Load()
		s.chunks[idx].next.Store(old)
		if list.CompareAndSwap(old, packHead(idx, headVersion(old)+1)) {
			return
		}
	}
}

func (s *MarkStack) popList(list *atomic.Uint64) int {
	for {
		old := list.Load()
		idx := headIndex(old)
		if idx < 0 {
			return -1
		}
		next := s.chunks[idx].next.Load()
		if list.CompareAndSwap(old, packHead(headIndex(next), headVersion(old)+1)) {
			return idx
		}
	}
}

// allocateChunk grabs a free chunk: first from the free list, then from the
// never-used part of the reservation. Returns -1 when the stack is at
// capacity.
func (s *MarkStack) allocateChunk() int {
	if idx := s.popList(&s.freeList); idx >= 0 {
		return idx
	}
	for {
		hwm := s.hwm.Load()
		if hwm >= int64(s.chunkCapacity) {
			return -1
		}
		if s.hwm.CompareAndSwap(hwm, hwm+1) {
			return int(hwm)
		}
	}
}

// ParPushChunk copies buf into a fresh chunk and publishes it on the chunk
// list. If fewer than EntriesPerChunk entries are pushed the caller must
// have null-terminated buf. Returns false when the stack is out of chunks,
// the overflow condition.
func (s *MarkStack) ParPushChunk(buf *[EntriesPerChunk]Entry) bool {
	idx := s.allocateChunk()
	if idx < 0 {
		return false
	}
	copy(s.chunks[idx].data[:], buf[:])
	s.pushList(&s.chunkList, idx)
	s.chunksInList.Add(1)
	return true
}

// ParPopChunk removes a chunk from the chunk list and copies its entries
// into buf. Returns false when the list is empty.
func (s *MarkStack) ParPopChunk(buf *[EntriesPerChunk]Entry) bool {
	idx := s.popList(&s.chunkList)
	if idx < 0 {
		return false
	}
	copy(buf[:], s.chunks[idx].data[:])
	s.chunksInList.Add(-1)
	s.pushList(&s.freeList, idx)
	return true
}

// IsEmpty reports whether the chunk list is empty. Racy, hint only.
func (s *MarkStack) IsEmpty() bool {
	return headIndex(s.chunkList.Load()) < 0
}

// Size returns the approximate number of entries on the stack. Racy, hint
// only.
func (s *MarkStack) Size() int {
	n := s.chunksInList.Load()
	if n < 0 {
		return 0
	}
	return int(n) * EntriesPerChunk
}

// Capacity returns the current capacity in chunks.
func (s *MarkStack) Capacity() int {
	return s.chunkCapacity
}

// ShouldExpand reports whether Expand can still grow the stack.
func (s *MarkStack) ShouldExpand() bool {
	return s.chunkCapacity < s.maxChunkCapacity
}

// Expand doubles the chunk capacity, up to the maximum. Only called at a
// stop-the-world point with the stack empty; the free list is discarded
// along with the high-water mark, since all chunks below it are back in the
// never-used pool.
func (s *MarkStack) Expand() {
	if engineAsserts && s.chunksInList.Load() != 0 {
		panic("mark: expanding non-empty mark stack")
	}
	newCapacity := s.chunkCapacity * 2
	if newCapacity > s.maxChunkCapacity {
		newCapacity = s.maxChunkCapacity
	}
	s.chunkCapacity = newCapacity
	s.setEmptyLists()
}

// SetEmpty discards all chunks. Only called with all workers quiesced.
func (s *MarkStack) SetEmpty() {
	s.chunksInList.Store(0)
	s.setEmptyLists()
}

func (s *MarkStack) setEmptyLists() {
	// Keep the version counters moving so stale head values can never
	// match again.
	s.freeList.Store(packHead(-1, headVersion(s.freeList.Load())+1))
	s.chunkList.Store(packHead(-1, headVersion(s.chunkList.Load())+1))
	s.hwm.Store(0)
}
