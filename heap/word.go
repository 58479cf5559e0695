package heap

import "unsafe"

// Raw word access into the arena. Object headers and reference slots are
// only read and written while their owner has exclusive access (the
// allocator before the cycle, or a marker scanning a marked object), so no
// atomics are needed here.

func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeWord(addr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}
