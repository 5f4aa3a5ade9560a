package kernels

import (
	"runtime"
)

// BatchSize determines the unroll width of element-wise loops based on architecture.
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		return 8 // AVX2 width in float32 lanes
	case "arm64":
		return 4 // NEON
	default:
		return 4
	}
}

// VectorizedKernel applies a scalar function element by element, in batches
// so the compiler can keep each batch in registers.
type VectorizedKernel struct {
	scalar func(float32) float32
	batch  int
}

// NewVectorizedKernel creates a kernel that automatically batches operations
func NewVectorizedKernel(scalar func(float32) float32) *VectorizedKernel {
	return &VectorizedKernel{
		scalar: scalar,
		batch:  BatchSize(),
	}
}

// Execute writes scalar(in[i]) to out[i]. in and out may be the same slice.
func (vk *VectorizedKernel) Execute(in, out []float32) {
	count := len(in)
	out = out[:count]
	for i := 0; i < count; i += vk.batch {
		end := i + vk.batch
		if end > count {
			end = count
		}
		for j := i; j < end; j++ {
			out[j] = vk.scalar(in[j])
		}
	}
}

// axpy computes y += a*x.
func axpy(y, x []float32, a float32) {
	x = x[:len(y)]
	i := 0
	for ; i+4 <= len(y); i += 4 {
		y[i] += a * x[i]
		y[i+1] += a * x[i+1]
		y[i+2] += a * x[i+2]
		y[i+3] += a * x[i+3]
	}
	for ; i < len(y); i++ {
		y[i] += a * x[i]
	}
}
