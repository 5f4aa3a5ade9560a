package model

import "github.com/sbl8/staticnn/core"

// Reference network: a human activity recognition classifier over a window of
// accelerometer features, 30 -> 30 -> 20 -> 2.
const (
	HARName      = "network"
	HARSignature = "92942d266fe5b2f4f750d3b7102e6f26"
)

// HARInputShape is the (batch, channel, height, width) shape of the reference input.
var HARInputShape = core.Shape{1, 5, 1, 6}

// NewHAR builds the unplaced reference network with weights stored in format.
func NewHAR(format core.Format) (*Graph, error) {
	return NewBuilder(HARName).
		Signature(HARSignature).
		WeightFormat(format).
		Input("input_0", HARInputShape).
		Dense("dense_3", 30).
		ReLU("dense_3_nl").
		Dense("dense_4", 20).
		ReLU("dense_4_nl").
		Dense("dense_5", 2).
		Softmax("dense_5_nl").
		Build()
}
