package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	// Arenas allocated by the host side of this module start on this boundary.
	CacheLineSize = 64

	// DefaultAlignment is the offset alignment used when placing arrays inside an arena.
	// It matches the size of the widest element format (float32).
	DefaultAlignment = 4
)

// IsAligned checks if a pointer (represented as a uintptr) is aligned to align bytes.
func IsAligned(addr uintptr, align int) bool {
	return addr%uintptr(align) == 0
}

// AlignSize rounds size up to the specified alignment boundary.
// align must be a power of two; values <= 1 leave size untouched.
func AlignSize(size, align int) int {
	if align <= 1 {
		return size
	}
	return (size + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// AlignedBytes allocates a byte slice with its underlying array aligned to CacheLineSize.
// This is the recommended way for a host to allocate an arena in Go.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	// Allocate extra space to allow for alignment.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}
