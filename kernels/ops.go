// Package kernels provides the numeric operators of the staticnn inference engine.
//
// Every kernel reads float32 input elements and writes float32 output elements
// into memory that was bound by the runtime before the call; kernels never
// allocate. Dense layers read their parameters through a Matrix view which may
// be stored as float32 or as IEEE 754 half precision.
//
// Available operations:
//   - Dense: y = W^T x + b with W stored row-major as [inputDim, outputDim]
//   - Activations: ReLU, numerically stable softmax, identity, sigmoid, tanh
//
// All kernels are registered in the Catalog array for dispatch by opcode. A
// violated precondition (mismatched lengths, a view that does not fit its
// storage, aliasing that the operator cannot tolerate) panics with an error
// built by github.com/gomlx/exceptions; the runtime converts it back to an error.
package kernels

import (
	"fmt"

	"github.com/pkg/errors"
)

// Op identifies a kernel in the Catalog.
type Op uint8

// Kernel operation codes
const (
	OpInvalid Op = iota
	OpDense
	OpReLU
	OpSoftmax
	OpIdentity
	OpSigmoid
	OpTanh
	numOps
)

// KernelFn evaluates one layer over memory already bound by the caller.
type KernelFn func(a *Args)

// Args carries the bound operands of one kernel invocation.
// Element-wise operators use only In and Out.
type Args struct {
	In, Out []float32
	Weights Matrix // dense only: [inputDim, outputDim]
	Bias    Matrix // dense only: [1, outputDim]
}

// Catalog maps opcodes to kernel implementations
var Catalog = [numOps]KernelFn{
	OpDense:    Dense,
	OpReLU:     ReLU,
	OpSoftmax:  Softmax,
	OpIdentity: Identity,
	OpSigmoid:  Sigmoid,
	OpTanh:     Tanh,
}

type opInfo struct {
	name        string
	elementWise bool // out[i] depends only on in[i]
	// costPerElement is the MACC charged per output element for non-dense operators.
	costPerElement int
}

var infos = [numOps]opInfo{
	OpInvalid:  {name: "invalid"},
	OpDense:    {name: "dense"},
	OpReLU:     {name: "relu", elementWise: true, costPerElement: 1},
	OpSoftmax:  {name: "softmax", costPerElement: 15},
	OpIdentity: {name: "identity", elementWise: true},
	OpSigmoid:  {name: "sigmoid", elementWise: true, costPerElement: 10},
	OpTanh:     {name: "tanh", elementWise: true, costPerElement: 10},
}

// Valid reports whether op names a registered kernel.
func (op Op) Valid() bool {
	return op > OpInvalid && op < numOps
}

func (op Op) String() string {
	if op < numOps {
		return infos[op].name
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Lookup returns the kernel registered for op.
func Lookup(op Op) (KernelFn, error) {
	if !op.Valid() || Catalog[op] == nil {
		return nil, errors.Errorf("no kernel registered for %s", op)
	}
	return Catalog[op], nil
}

// InPlaceSafe reports whether op may write its output over its own input.
// Only element-wise operators qualify: dense reads every input for every
// output, and softmax needs the whole input to normalize.
func InPlaceSafe(op Op) bool {
	return op.Valid() && infos[op].elementWise
}

// Cost returns the multiply-accumulate estimate of one evaluation of op
// mapping inputs elements to outputs elements.
func Cost(op Op, inputs, outputs int) int {
	if op == OpDense {
		return inputs*outputs + outputs
	}
	if !op.Valid() {
		return 0
	}
	return infos[op].costPerElement * outputs
}
