package core

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

// Buffer is a typed byte buffer exchanged with the host at the I/O boundary.
type Buffer struct {
	Format Format
	Data   []byte
}

// Count returns the number of whole elements held by the buffer.
func (b Buffer) Count() int {
	if !b.Format.Valid() {
		return 0
	}
	return len(b.Data) / b.Format.Size()
}

// Float32Buffer wraps f without copying.
func Float32Buffer(f []float32) Buffer {
	return Buffer{Format: Float32, Data: Float32Bytes(f)}
}

// Float32Bytes reinterprets f as its underlying bytes, without copying.
func Float32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

// Float32View reinterprets b as float32 elements without copying.
// Returns nil when b is empty, misaligned in length, or misaligned in memory.
func Float32View(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// FloatsToBytes converts a slice of float32 to a new byte slice using LittleEndian encoding.
func FloatsToBytes(f []float32) []byte {
	result := make([]byte, len(f)*4)
	for i, val := range f {
		binary.LittleEndian.PutUint32(result[i*4:], math.Float32bits(val))
	}
	return result
}

// BytesToFloats converts a LittleEndian byte slice to a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4.
func BytesToFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("byte slice length %d not multiple of 4", len(b))
	}
	result := make([]float32, len(b)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return result, nil
}
