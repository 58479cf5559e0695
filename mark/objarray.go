package mark

import "github.com/tinygc/tinygc/heap"

// Large object arrays are not scanned in one go: a bounded slice is scanned
// and a continuation entry for the remainder is pushed, so a single grey
// entry never holds a worker hostage for the length of the array. The
// continuation is an interior address, distinguished from object entries by
// its tag bit.

// arraySliceWords is the number of words scanned per array slice.
const arraySliceWords = 512

// shouldBeSliced reports whether the object is an array big enough to be
// worth scanning in slices.
func (t *MarkingTask) shouldBeSliced(obj uintptr) bool {
	return t.h.IsObjArray(obj) && t.h.ObjectWords(obj) >= 2*arraySliceWords
}

// processObjArray starts slicing a large array from its header. Returns the
// number of words scanned.
func (t *MarkingTask) processObjArray(obj uintptr) uintptr {
	if engineAsserts && !t.h.IsObjArray(obj) {
		panic("mark: slicing a non-array object")
	}
	return t.processArraySlice(obj, obj, t.h.ObjectWords(obj))
}

// processSlice continues scanning a large array from an interior address.
// The array's own bit is set before any slice is pushed, so walking the
// bitmap backwards from the slice address recovers the header.
func (t *MarkingTask) processSlice(slice uintptr) uintptr {
	r := t.h.RegionContaining(slice)
	start := t.next.PreviousMarked(slice, r.Bottom())
	if engineAsserts && (start == 0 || !t.h.IsObjArray(start) || start+t.h.ObjectWords(start)*heap.WordBytes <= slice) {
		panic("mark: array slice does not point into a marked array")
	}
	remaining := t.h.ObjectWords(start) - (slice-start)/heap.WordBytes
	return t.processArraySlice(start, slice, remaining)
}

// processArraySlice scans up to arraySliceWords words of the array starting
// at from, pushing a continuation for whatever is left.
func (t *MarkingTask) processArraySlice(obj, from uintptr, remaining uintptr) uintptr {
	words := remaining
	if words > arraySliceWords {
		words = arraySliceWords
		t.push(EntryFromSlice(from + words*heap.WordBytes))
	}

	// Visit the reference slots that overlap [from, from+words). The
	// header word contributes no references.
	body := t.h.BodyStart(obj)
	lo := from
	if lo < body {
		lo = body
	}
	hi := from + words*heap.WordBytes
	end := body + t.h.BodyWords(obj)*heap.WordBytes
	if hi > end {
		hi = end
	}
	for addr := lo; addr < hi; addr += heap.WordBytes {
		t.dealWithReference(t.h.Ref(obj, int((addr-body)/heap.WordBytes)))
	}
	return words
}
