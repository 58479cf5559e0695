// Package bitmap implements the mark bitmaps used by the concurrent marking
// engine: one bit per heap word, set atomically by concurrent markers. Two
// instances exist per heap, the completed (prev) bitmap and the
// under-construction (next) bitmap; this package is agnostic to which role
// an instance plays.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/tinygc/tinygc/heap"
	"github.com/tinygc/tinygc/mem"
)

const bitmapAsserts = true

const bitsPerWord = 64

// Bitmap covers a contiguous heap range with one bit per heap word.
type Bitmap struct {
	mem   *mem.Region
	words []uint64

	base  uintptr // lowest heap address covered
	limit uintptr // address just past the covered range
}

// New reserves storage for a bitmap covering heapWords words starting at
// base.
func New(base uintptr, heapWords uintptr) (*Bitmap, error) {
	storageWords := (heapWords + bitsPerWord - 1) / bitsPerWord
	res, err := mem.Reserve(storageWords * 8)
	if err != nil {
		return nil, fmt.Errorf("bitmap: reserving storage: %w", err)
	}
	return &Bitmap{
		mem:   res,
		words: res.Words(),
		base:  base,
		limit: base + heapWords*heap.WordBytes,
	}, nil
}

// Release returns the bitmap storage to the operating system.
func (b *Bitmap) Release() error {
	b.words = nil
	return b.mem.Release()
}

func (b *Bitmap) bitIndex(addr uintptr) uintptr {
	if bitmapAsserts && (addr < b.base || addr >= b.limit) {
		panic("bitmap: address outside covered range")
	}
	return (addr - b.base) / heap.WordBytes
}

// Mark atomically sets the bit for addr. It returns true iff this call
// performed the 0 -> 1 transition, so exactly one of any number of
// concurrent markers of the same address observes true.
func (b *Bitmap) Mark(addr uintptr) bool {
	i := b.bitIndex(addr)
	word := &b.words[i/bitsPerWord]
	mask := uint64(1) << (i % bitsPerWord)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}

// IsMarked reports whether the bit for addr is set.
func (b *Bitmap) IsMarked(addr uintptr) bool {
	i := b.bitIndex(addr)
	return atomic.LoadUint64(&b.words[i/bitsPerWord])&(uint64(1)<<(i%bitsPerWord)) != 0
}

// ClearRange clears all bits for addresses in [lo, hi). Must only run at a
// safepoint, or during a clearing phase with no concurrent setters on the
// range.
func (b *Bitmap) ClearRange(lo, hi uintptr) {
	if lo >= hi {
		return
	}
	first := b.bitIndex(lo)
	last := b.bitIndex(hi - heap.WordBytes) // index of the last bit to clear
	fw, lw := first/bitsPerWord, last/bitsPerWord
	headMask := ^uint64(0) << (first % bitsPerWord)
	tailMask := ^uint64(0) >> (bitsPerWord - 1 - last%bitsPerWord)
	if fw == lw {
		b.andWord(fw, ^(headMask & tailMask))
		return
	}
	b.andWord(fw, ^headMask)
	for w := fw + 1; w < lw; w++ {
		atomic.StoreUint64(&b.words[w], 0)
	}
	b.andWord(lw, ^tailMask)
}

func (b *Bitmap) andWord(w uintptr, mask uint64) {
	atomic.StoreUint64(&b.words[w], atomic.LoadUint64(&b.words[w])&mask)
}

// clearChunkWords is the number of storage words cleared between yield
// checks in ClearAll.
const clearChunkWords = 4096

// ClearAll clears the whole bitmap, invoking yield between chunks so that a
// concurrent clearing phase can give way to safepoints. yield may be nil.
func (b *Bitmap) ClearAll(yield func()) {
	for i := 0; i < len(b.words); i += clearChunkWords {
		end := i + clearChunkWords
		if end > len(b.words) {
			end = len(b.words)
		}
		for w := i; w < end; w++ {
			atomic.StoreUint64(&b.words[w], 0)
		}
		if yield != nil {
			yield()
		}
	}
}

// IsClear reports whether no bit is set. Intended for assertions.
func (b *Bitmap) IsClear() bool {
	for i := range b.words {
		if atomic.LoadUint64(&b.words[i]) != 0 {
			return false
		}
	}
	return true
}

// Iterate visits the address of every set bit in [lo, hi) in ascending
// order, calling fn for each. Iteration stops early when fn returns false;
// Iterate then returns false. Bits set before the call are guaranteed to be
// visited; bits set concurrently at addresses the scan has not reached may
// or may not be.
func (b *Bitmap) Iterate(lo, hi uintptr, fn func(addr uintptr) bool) bool {
	if lo >= hi {
		return true
	}
	first := b.bitIndex(lo)
	limit := b.bitIndex(hi-heap.WordBytes) + 1
	w := first / bitsPerWord
	cur := atomic.LoadUint64(&b.words[w]) &^ (uint64(1)<<(first%bitsPerWord) - 1)
	for {
		for cur != 0 {
			bit := uintptr(bits.TrailingZeros64(cur))
			i := w*bitsPerWord + bit
			if i >= limit {
				return true
			}
			if !fn(b.base + i*heap.WordBytes) {
				return false
			}
			cur &= cur - 1
		}
		w++
		if w*bitsPerWord >= limit {
			return true
		}
		cur = atomic.LoadUint64(&b.words[w])
	}
}

// NextMarked returns the address of the first set bit in [lo, hi), or zero
// if there is none. Every call re-reads the storage, so bits set
// concurrently below hi are found by a caller advancing lo; the region
// scan depends on this to pick up objects greyed inside the range it still
// has to cover.
func (b *Bitmap) NextMarked(lo, hi uintptr) uintptr {
	if lo >= hi {
		return 0
	}
	first := b.bitIndex(lo)
	limit := b.bitIndex(hi-heap.WordBytes) + 1
	w := first / bitsPerWord
	cur := atomic.LoadUint64(&b.words[w]) &^ (uint64(1)<<(first%bitsPerWord) - 1)
	for {
		if cur != 0 {
			i := w*bitsPerWord + uintptr(bits.TrailingZeros64(cur))
			if i >= limit {
				return 0
			}
			return b.base + i*heap.WordBytes
		}
		w++
		if w*bitsPerWord >= limit {
			return 0
		}
		cur = atomic.LoadUint64(&b.words[w])
	}
}

// PreviousMarked returns the address of the last set bit in [lo, addr], or
// zero if there is none. Used to recover the header of an object from an
// interior address, much like walking block states back to an allocation
// head.
func (b *Bitmap) PreviousMarked(addr, lo uintptr) uintptr {
	if addr < lo {
		return 0
	}
	first := b.bitIndex(lo)
	i := b.bitIndex(addr)
	w := i / bitsPerWord
	cur := atomic.LoadUint64(&b.words[w]) & (^uint64(0) >> (bitsPerWord - 1 - i%bitsPerWord))
	for {
		if cur != 0 {
			bit := uintptr(bitsPerWord - 1 - bits.LeadingZeros64(cur))
			j := w*bitsPerWord + bit
			if j < first {
				return 0
			}
			return b.base + j*heap.WordBytes
		}
		if w == first/bitsPerWord || w == 0 {
			return 0
		}
		w--
		cur = atomic.LoadUint64(&b.words[w])
	}
}
