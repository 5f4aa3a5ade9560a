package model

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/sbl8/staticnn/core"
)

// ParamTensors returns the parameter tensor indices of every layer in chain order.
func (g *Graph) ParamTensors() []int {
	var params []int
	for _, li := range g.Order() {
		params = append(params, g.Layers[li].Params...)
	}
	return params
}

// AllocWeights makes sure the embedded weights blob covers WeightsSize bytes.
// Existing contents are preserved.
func (g *Graph) AllocWeights() {
	if len(g.Weights) >= g.WeightsSize {
		return
	}
	blob := make([]byte, g.WeightsSize)
	copy(blob, g.Weights)
	g.Weights = blob
}

// forEachOffset calls fn with the row-major element index and byte offset
// (relative to the array origin) of every element of t.
func forEachOffset(t *core.Tensor, fn func(idx, off int)) {
	idx := 0
	for a := 0; a < t.Shape[0]; a++ {
		for b := 0; b < t.Shape[1]; b++ {
			for c := 0; c < t.Shape[2]; c++ {
				for d := 0; d < t.Shape[3]; d++ {
					fn(idx, a*t.Stride[0]+b*t.Stride[1]+c*t.Stride[2]+d*t.Stride[3])
					idx++
				}
			}
		}
	}
}

func (g *Graph) paramStorage(ti int) (*core.Tensor, *core.Array, []byte, error) {
	if ti < 0 || ti >= len(g.Tensors) {
		return nil, nil, nil, errors.Errorf("tensor %d out of range", ti)
	}
	t := &g.Tensors[ti]
	arr := &g.Arrays[t.Array]
	if arr.Region != core.RegionWeights {
		return nil, nil, nil, errors.Errorf("tensor %q is not a parameter", t.Name)
	}
	if arr.End() > len(g.Weights) {
		return nil, nil, nil, errors.Errorf("parameter %q [%d, %d) outside embedded weights of %d bytes",
			t.Name, arr.Offset, arr.End(), len(g.Weights))
	}
	return t, arr, g.Weights[arr.Offset:arr.End()], nil
}

// SetParam stores values, in row-major order of the tensor shape, into the
// embedded weights blob using the array's storage format.
func (g *Graph) SetParam(ti int, values []float32) error {
	t, arr, data, err := g.paramStorage(ti)
	if err != nil {
		return err
	}
	if len(values) != t.Elements() {
		return errors.Errorf("parameter %q holds %d elements, got %d", t.Name, t.Elements(), len(values))
	}
	forEachOffset(t, func(idx, off int) {
		switch arr.Format {
		case core.Float16:
			binary.LittleEndian.PutUint16(data[off:], float16.Fromfloat32(values[idx]).Bits())
		default:
			binary.LittleEndian.PutUint32(data[off:], math.Float32bits(values[idx]))
		}
	})
	return nil
}

// Param decodes a parameter tensor from the embedded weights blob, widened to float32.
func (g *Graph) Param(ti int) ([]float32, error) {
	t, arr, data, err := g.paramStorage(ti)
	if err != nil {
		return nil, err
	}
	values := make([]float32, t.Elements())
	forEachOffset(t, func(idx, off int) {
		switch arr.Format {
		case core.Float16:
			values[idx] = float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		default:
			values[idx] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
	})
	return values, nil
}
