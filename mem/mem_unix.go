//go:build unix

package mem

import "golang.org/x/sys/unix"

// reserve maps an anonymous private region. The mapping is zero-filled and
// page-aligned, which also satisfies word alignment.
func reserve(size uintptr) (*Region, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Region{
		data: data,
		base: baseOf(data),
	}, nil
}

func (r *Region) release() error {
	data := r.data
	r.data = nil
	r.base = 0
	return unix.Munmap(data)
}
