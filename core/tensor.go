package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Rank is the fixed number of dimensions of every Tensor. Higher-rank views
// degrade to these four: batch, channel, height, width.
const Rank = 4

// Shape holds the dimensions of a Tensor: batch, channel, height, width.
type Shape [Rank]int

// Elements returns the number of elements described by the shape.
func (s Shape) Elements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Vector returns the shape of a single-batch feature vector of n elements.
func Vector(n int) Shape {
	return Shape{1, n, 1, 1}
}

// Matrix returns the shape of a rows x cols matrix laid out in the first two dimensions.
func Matrix(rows, cols int) Shape {
	return Shape{rows, cols, 1, 1}
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s[0], s[1], s[2], s[3])
}

// Stride holds the byte step taken when the corresponding dimension index increments.
type Stride [Rank]int

// ContiguousStrides returns row-major byte strides for shape with elements of elemSize bytes.
func ContiguousStrides(shape Shape, elemSize int) Stride {
	var st Stride
	step := elemSize
	for i := Rank - 1; i >= 0; i-- {
		st[i] = step
		step *= shape[i]
	}
	return st
}

// Tensor is a shaped, strided view over exactly one Array.
type Tensor struct {
	Name   string
	Shape  Shape
	Stride Stride
	Array  int // index into the owning graph's Arrays
}

// NewTensor builds a contiguous view of shape over array.
func NewTensor(name string, shape Shape, array int, format Format) Tensor {
	return Tensor{
		Name:   name,
		Shape:  shape,
		Stride: ContiguousStrides(shape, format.Size()),
		Array:  array,
	}
}

// Elements returns the element count of the view.
func (t *Tensor) Elements() int {
	return t.Shape.Elements()
}

// Extent returns the number of bytes, starting at the array origin, that the view can touch.
func (t *Tensor) Extent(elemSize int) int {
	ext := elemSize
	for i := 0; i < Rank; i++ {
		ext += (t.Shape[i] - 1) * t.Stride[i]
	}
	return ext
}

// IsContiguous reports whether the view walks its array densely in row-major order.
func (t *Tensor) IsContiguous(elemSize int) bool {
	return t.Stride == ContiguousStrides(t.Shape, elemSize)
}

// Validate checks the view against the array it references.
func (t *Tensor) Validate(arr *Array) error {
	elemSize := arr.Format.Size()
	for i, d := range t.Shape {
		if d < 1 {
			return errors.Errorf("tensor %q: dimension %d must be >= 1, got shape %s", t.Name, i, t.Shape)
		}
	}
	if t.Stride[Rank-1] < elemSize {
		return errors.Errorf("tensor %q: innermost stride %d smaller than element size %d", t.Name, t.Stride[Rank-1], elemSize)
	}
	for i := 0; i < Rank-1; i++ {
		if t.Stride[i] < t.Shape[i+1]*t.Stride[i+1] {
			return errors.Errorf("tensor %q: stride[%d]=%d overlaps dimension %d (needs >= %d)",
				t.Name, i, t.Stride[i], i+1, t.Shape[i+1]*t.Stride[i+1])
		}
	}
	for i := 0; i < Rank; i++ {
		if t.Stride[i]%elemSize != 0 {
			return errors.Errorf("tensor %q: stride[%d]=%d not a multiple of element size %d", t.Name, i, t.Stride[i], elemSize)
		}
	}
	if ext := t.Extent(elemSize); ext > arr.Bytes() {
		return errors.Errorf("tensor %q: view spans %d bytes but array %q holds %d", t.Name, ext, arr.Name, arr.Bytes())
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s", t.Name, t.Shape)
}
