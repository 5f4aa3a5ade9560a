package kernels

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"

	"github.com/sbl8/staticnn/core"
)

// Matrix is a read-only strided view over parameter storage.
// Element (i, j) lives at byte i*RowStride + j*ColStride of Data.
type Matrix struct {
	Format    core.Format
	Data      []byte
	Rows      int
	Cols      int
	RowStride int
	ColStride int
}

// NewMatrix views a tensor's storage as a matrix over its first two dimensions.
func NewMatrix(t *core.Tensor, format core.Format, data []byte) Matrix {
	return Matrix{
		Format:    format,
		Data:      data,
		Rows:      t.Shape[0],
		Cols:      t.Shape[1],
		RowStride: t.Stride[0],
		ColStride: t.Stride[1],
	}
}

// Extent returns the number of bytes of Data the view can touch.
func (m *Matrix) Extent() int {
	if m.Rows == 0 || m.Cols == 0 {
		return 0
	}
	return (m.Rows-1)*m.RowStride + (m.Cols-1)*m.ColStride + m.Format.Size()
}

// At returns element (i, j) widened to float32.
func (m *Matrix) At(i, j int) float32 {
	off := i*m.RowStride + j*m.ColStride
	switch m.Format {
	case core.Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(m.Data[off:])).Float32()
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(m.Data[off:]))
	}
}

// denseRows returns the matrix as a flat float32 slice when it is stored
// densely in row-major order, nil otherwise.
func (m *Matrix) denseRows() []float32 {
	if m.Format != core.Float32 || m.ColStride != 4 || m.RowStride != m.Cols*4 {
		return nil
	}
	return core.Float32View(m.Data[:m.Rows*m.Cols*4])
}

func (m *Matrix) check(what string) {
	if !m.Format.Valid() {
		exceptions.Panicf("dense: %s has invalid format %d", what, m.Format)
	}
	if m.Rows <= 0 || m.Cols <= 0 {
		exceptions.Panicf("dense: %s has empty shape %dx%d", what, m.Rows, m.Cols)
	}
	if ext := m.Extent(); ext > len(m.Data) {
		exceptions.Panicf("dense: %s view spans %d bytes, storage holds %d", what, ext, len(m.Data))
	}
}

// Dense computes out[j] = bias[j] + sum_i in[i]*W[i][j].
// Accumulation runs over i in ascending order, so results are reproducible
// bit for bit on a given build.
func Dense(a *Args) {
	in, out := a.In, a.Out
	w, b := &a.Weights, &a.Bias
	w.check("weights")
	b.check("bias")
	if len(in) != w.Rows {
		exceptions.Panicf("dense: input has %d elements, weights expect %d", len(in), w.Rows)
	}
	if len(out) != w.Cols || b.Rows*b.Cols != w.Cols {
		exceptions.Panicf("dense: output has %d elements, weights produce %d and bias holds %d",
			len(out), w.Cols, b.Rows*b.Cols)
	}
	if overlapping(in, out) {
		exceptions.Panicf("dense: output aliases input")
	}

	for j := range out {
		out[j] = b.At(0, j)
	}
	if rows := w.denseRows(); rows != nil {
		cols := w.Cols
		for i, x := range in {
			axpy(out, rows[i*cols:(i+1)*cols], x)
		}
		return
	}
	for i, x := range in {
		for j := range out {
			out[j] += x * w.At(i, j)
		}
	}
}

// overlapping reports whether the backing memory of a and b intersects.
func overlapping(a, b []float32) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	return a0 < b0+uintptr(len(b))*4 && b0 < a0+uintptr(len(a))*4
}
