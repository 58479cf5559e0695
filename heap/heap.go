// Package heap models an old generation carved into fixed-size regions, the
// marking universe of the concurrent marking engine. The arena is a single
// reservation; objects are laid out as a header word followed by reference
// slots, and are allocated by bumping a per-region top pointer.
//
// Every address handed to the engine is the address of an object header.
// Objects never span regions.
package heap

import (
	"fmt"
	"unsafe"

	"github.com/tinygc/tinygc/mem"
)

const heapAsserts = true

// WordBytes is the size of a heap word. All object sizes and bitmap indices
// are expressed in words of this size.
const WordBytes = unsafe.Sizeof(uintptr(0))

// Heap is a region-based heap.
type Heap struct {
	mem     *mem.Region
	bottom  uintptr
	end     uintptr
	regions []Region

	regionWords uintptr

	// allocCursor is the region the bump allocator is currently filling.
	allocCursor int
}

// Region is a fixed-size slice of the heap.
type Region struct {
	index  int
	bottom uintptr
	end    uintptr

	// top is the bump allocation pointer of this region.
	top uintptr

	// tams is the top-at-mark-start address. Objects at or above tams were
	// allocated since the cycle started and are implicitly live.
	tams uintptr

	survivor bool

	// LiveWords is the number of live words found below tams by the most
	// recent completed marking.
	LiveWords uintptr
}

// New reserves a heap of heapWords words split into regions of regionWords
// words each. regionWords must evenly divide heapWords.
func New(heapWords, regionWords uintptr) (*Heap, error) {
	if regionWords == 0 || heapWords == 0 || heapWords%regionWords != 0 {
		return nil, fmt.Errorf("heap: %d words cannot be split into regions of %d words", heapWords, regionWords)
	}
	res, err := mem.Reserve(heapWords * WordBytes)
	if err != nil {
		return nil, fmt.Errorf("heap: reserving arena: %w", err)
	}
	h := &Heap{
		mem:         res,
		bottom:      res.Base(),
		end:         res.Base() + heapWords*WordBytes,
		regionWords: regionWords,
	}
	n := int(heapWords / regionWords)
	h.regions = make([]Region, n)
	for i := range h.regions {
		bottom := h.bottom + uintptr(i)*regionWords*WordBytes
		h.regions[i] = Region{
			index:  i,
			bottom: bottom,
			end:    bottom + regionWords*WordBytes,
			top:    bottom,
			tams:   bottom,
		}
	}
	return h, nil
}

// Release returns the arena to the operating system.
func (h *Heap) Release() error {
	return h.mem.Release()
}

// Bottom returns the lowest heap address.
func (h *Heap) Bottom() uintptr { return h.bottom }

// End returns the address just past the heap.
func (h *Heap) End() uintptr { return h.end }

// Words returns the heap size in words.
func (h *Heap) Words() uintptr { return (h.end - h.bottom) / WordBytes }

// RegionWords returns the region size in words.
func (h *Heap) RegionWords() uintptr { return h.regionWords }

// RegionBytes returns the region size in bytes.
func (h *Heap) RegionBytes() uintptr { return h.regionWords * WordBytes }

// NumRegions returns the number of regions in the heap.
func (h *Heap) NumRegions() int { return len(h.regions) }

// Region returns the region with the given index.
func (h *Heap) Region(i int) *Region { return &h.regions[i] }

// RegionContaining returns the region covering addr, or nil if addr is
// outside the heap.
func (h *Heap) RegionContaining(addr uintptr) *Region {
	if addr < h.bottom || addr >= h.end {
		return nil
	}
	return &h.regions[(addr-h.bottom)/(h.regionWords*WordBytes)]
}

// InHeap reports whether addr falls inside the heap reservation.
func (h *Heap) InHeap(addr uintptr) bool {
	return addr >= h.bottom && addr < h.end
}

// NoteStartOfMark records the current top of every region as its
// top-at-mark-start. Survivor regions keep their top-at-mark-start at
// bottom: they were filled during the pause itself, so their objects are
// implicitly live and are scanned as root regions instead. Must run at a
// safepoint, before roots are published.
func (h *Heap) NoteStartOfMark() {
	for i := range h.regions {
		r := &h.regions[i]
		if r.survivor {
			r.tams = r.bottom
		} else {
			r.tams = r.top
		}
	}
}

// SurvivorSnapshot returns the regions currently flagged as survivors, in
// index order. The engine scans these as root regions.
func (h *Heap) SurvivorSnapshot() []*Region {
	var out []*Region
	for i := range h.regions {
		if h.regions[i].survivor {
			out = append(out, &h.regions[i])
		}
	}
	return out
}

// Bottom returns the lowest address of the region.
func (r *Region) Bottom() uintptr { return r.bottom }

// End returns the address just past the region.
func (r *Region) End() uintptr { return r.end }

// Top returns the current allocation top of the region.
func (r *Region) Top() uintptr { return r.top }

// TAMS returns the top-at-mark-start address of the region.
func (r *Region) TAMS() uintptr { return r.tams }

// Index returns the position of the region in the heap.
func (r *Region) Index() int { return r.index }

// IsEmpty reports whether nothing has been allocated in the region.
func (r *Region) IsEmpty() bool { return r.top == r.bottom }

// SetSurvivor flags the region as a survivor region. Survivor regions are
// scanned as root regions at the start of a marking cycle.
func (r *Region) SetSurvivor(survivor bool) { r.survivor = survivor }

// IsSurvivor reports whether the region is flagged as a survivor region.
func (r *Region) IsSurvivor() bool { return r.survivor }

// Reset empties the region. Used when a fully-dead region is handed back
// after cleanup.
func (r *Region) Reset() {
	r.top = r.bottom
	r.tams = r.bottom
	r.survivor = false
	r.LiveWords = 0
}
