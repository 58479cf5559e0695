//go:build !unix

package mem

import "unsafe"

// reserve falls back to the Go heap. Allocating uint64 words keeps the base
// word-aligned.
func reserve(size uintptr) (*Region, error) {
	words := make([]uint64, size/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &Region{
		data: data,
		base: baseOf(data),
	}, nil
}

func (r *Region) release() error {
	r.data = nil
	r.base = 0
	return nil
}
