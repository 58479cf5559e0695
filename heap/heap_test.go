package heap

import "testing"

func testHeap(t *testing.T, heapWords, regionWords uintptr) *Heap {
	t.Helper()
	h, err := New(heapWords, regionWords)
	if err != nil {
		t.Fatalf("creating heap: %v", err)
	}
	t.Cleanup(func() { h.Release() })
	return h
}

func TestRegionCarving(t *testing.T) {
	h := testHeap(t, 1024, 256)
	if got := h.NumRegions(); got != 4 {
		t.Fatalf("got %d regions, want 4", got)
	}
	for i := 0; i < h.NumRegions(); i++ {
		r := h.Region(i)
		if r.End()-r.Bottom() != 256*WordBytes {
			t.Errorf("region %d: got %d bytes", i, r.End()-r.Bottom())
		}
		if i > 0 && r.Bottom() != h.Region(i-1).End() {
			t.Errorf("region %d does not start at the previous region's end", i)
		}
		if !r.IsEmpty() {
			t.Errorf("fresh region %d not empty", i)
		}
	}
	if h.Region(0).Bottom() != h.Bottom() || h.Region(3).End() != h.End() {
		t.Error("regions do not span the heap")
	}

	if _, err := New(1000, 256); err == nil {
		t.Error("expected error for a heap size that is not a multiple of the region size")
	}
}

func TestRegionContaining(t *testing.T) {
	h := testHeap(t, 1024, 256)
	if r := h.RegionContaining(h.Bottom()); r.Index() != 0 {
		t.Errorf("bottom: got region %d, want 0", r.Index())
	}
	if r := h.RegionContaining(h.Bottom() + 256*WordBytes); r.Index() != 1 {
		t.Errorf("second region bottom: got region %d, want 1", r.Index())
	}
	if r := h.RegionContaining(h.End()); r != nil {
		t.Error("heap end resolved to a region")
	}
	if h.RegionContaining(h.Bottom()-WordBytes) != nil {
		t.Error("address below the heap resolved to a region")
	}
}

func TestAllocation(t *testing.T) {
	h := testHeap(t, 1024, 256)

	obj, err := h.AllocObject(3)
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	if h.IsObjArray(obj) {
		t.Error("plain object reports as array")
	}
	if got := h.BodyWords(obj); got != 3 {
		t.Errorf("got %d body words, want 3", got)
	}
	if got := h.ObjectWords(obj); got != 4 {
		t.Errorf("got %d object words, want 4", got)
	}

	arr, err := h.AllocArray(10)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	if !h.IsObjArray(arr) {
		t.Error("array does not report as array")
	}

	h.SetRef(obj, 0, arr)
	h.SetRef(obj, 2, obj)
	if got := h.Ref(obj, 0); got != arr {
		t.Errorf("slot 0: got %#x, want %#x", got, arr)
	}
	if got := h.Ref(obj, 1); got != 0 {
		t.Errorf("slot 1: got %#x, want a null reference", got)
	}
	if got := h.Ref(obj, 2); got != obj {
		t.Errorf("slot 2: got %#x, want %#x", got, obj)
	}

	// Objects never span regions.
	if _, err := h.AllocObject(256); err == nil {
		t.Error("expected error for an object larger than a region")
	}
}

func TestAllocationCrossesRegions(t *testing.T) {
	h := testHeap(t, 512, 128)
	var objs []uintptr
	for {
		obj, err := h.AllocObject(63)
		if err != nil {
			break
		}
		objs = append(objs, obj)
	}
	// 64 words per object, 128 per region: two per region, eight total.
	if len(objs) != 8 {
		t.Fatalf("got %d objects, want 8", len(objs))
	}
	for i, obj := range objs {
		if got := h.RegionContaining(obj).Index(); got != i/2 {
			t.Errorf("object %d: got region %d, want %d", i, got, i/2)
		}
	}
}

func TestNoteStartOfMark(t *testing.T) {
	h := testHeap(t, 1024, 256)
	obj, _ := h.AllocObject(1)
	r := h.RegionContaining(obj)
	if r.TAMS() != r.Bottom() {
		t.Error("fresh region has a raised top-at-mark-start")
	}
	h.NoteStartOfMark()
	if r.TAMS() != r.Top() {
		t.Error("top-at-mark-start not at top after NoteStartOfMark")
	}

	// Allocations after the snapshot sit above the mark.
	obj2, _ := h.AllocObject(1)
	if obj2 < r.TAMS() {
		t.Error("post-snapshot allocation below top-at-mark-start")
	}

	// Survivor regions keep their top-at-mark-start at bottom.
	s := h.Region(2)
	s.SetSurvivor(true)
	if _, err := h.AllocObjectIn(s, 4); err != nil {
		t.Fatalf("AllocObjectIn: %v", err)
	}
	h.NoteStartOfMark()
	if s.TAMS() != s.Bottom() {
		t.Error("survivor region top-at-mark-start not at bottom")
	}
}

func TestSurvivorSnapshot(t *testing.T) {
	h := testHeap(t, 1024, 256)
	h.Region(1).SetSurvivor(true)
	h.Region(3).SetSurvivor(true)
	got := h.SurvivorSnapshot()
	if len(got) != 2 || got[0].Index() != 1 || got[1].Index() != 3 {
		t.Errorf("got %d survivors, want regions 1 and 3", len(got))
	}
}

func TestIterateObjects(t *testing.T) {
	h := testHeap(t, 1024, 256)
	a, _ := h.AllocObject(2)
	b, _ := h.AllocArray(5)
	c, _ := h.AllocObject(0)
	r := h.RegionContaining(a)

	var got []uintptr
	h.IterateObjects(r.Bottom(), r.Top(), func(obj uintptr) bool {
		got = append(got, obj)
		return true
	})
	want := []uintptr{a, b, c}
	if len(got) != len(want) {
		t.Fatalf("got %d objects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
}
