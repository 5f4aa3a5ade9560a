package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
)

var (
	reluKernel     = NewVectorizedKernel(reluScalar)
	identityKernel = NewVectorizedKernel(func(x float32) float32 { return x })
	sigmoidKernel  = NewVectorizedKernel(sigmoidScalar)
	tanhKernel     = NewVectorizedKernel(tanhScalar)
)

func checkElementWise(name string, a *Args) {
	if len(a.In) != len(a.Out) {
		exceptions.Panicf("%s: input has %d elements, output %d", name, len(a.In), len(a.Out))
	}
}

// ReLU implements max(0, x). NaN inputs propagate unchanged.
func ReLU(a *Args) {
	checkElementWise("relu", a)
	reluKernel.Execute(a.In, a.Out)
}

func reluScalar(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Identity copies the input.
func Identity(a *Args) {
	checkElementWise("identity", a)
	identityKernel.Execute(a.In, a.Out)
}

// Sigmoid implements 1 / (1 + e^(-x)).
func Sigmoid(a *Args) {
	checkElementWise("sigmoid", a)
	sigmoidKernel.Execute(a.In, a.Out)
}

func sigmoidScalar(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Tanh implements the hyperbolic tangent.
func Tanh(a *Args) {
	checkElementWise("tanh", a)
	tanhKernel.Execute(a.In, a.Out)
}

func tanhScalar(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Softmax implements out[i] = exp(in[i]-m) / sum_k exp(in[k]-m) with m = max(in),
// so every output lies in [0, 1] and the outputs sum to 1 within rounding.
func Softmax(a *Args) {
	checkElementWise("softmax", a)
	in, out := a.In, a.Out
	if len(in) == 0 {
		return
	}

	maxVal := in[0]
	for _, x := range in[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	var sum float32
	for i, x := range in {
		e := float32(math.Exp(float64(x - maxVal)))
		out[i] = e
		sum += e
	}

	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
}
