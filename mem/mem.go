// Package mem reserves large zeroed memory ranges used as backing storage
// for the heap arena, the mark bitmaps and the global mark stack. On unix
// systems the reservation is an anonymous private mapping so that untouched
// pages cost nothing; elsewhere it falls back to ordinary allocation.
package mem

import "unsafe"

// A Region is a contiguous word-aligned reservation.
type Region struct {
	data []byte
	base uintptr
}

// Base returns the address of the first byte of the reservation.
func (r *Region) Base() uintptr {
	return r.base
}

// Size returns the size of the reservation in bytes.
func (r *Region) Size() uintptr {
	return uintptr(len(r.data))
}

// Bytes returns the reservation as a byte slice.
func (r *Region) Bytes() []byte {
	return r.data
}

// Words returns the reservation as a slice of uint64 words.
func (r *Region) Words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&r.data[0])), len(r.data)/8)
}

// Reserve allocates a zeroed region of at least size bytes, rounded up to a
// whole number of words.
func Reserve(size uintptr) (*Region, error) {
	size = (size + 7) &^ 7
	if size == 0 {
		size = 8
	}
	return reserve(size)
}

// Release returns the reservation to the operating system. The region must
// not be used afterwards.
func (r *Region) Release() error {
	return r.release()
}

func baseOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}
