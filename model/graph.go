// Package model defines the static network representation of staticnn.
//
// A Graph is the complete, immutable description of one compiled network: its
// Arrays (flat storage with a placement in one of the two arenas, or external
// I/O), its Tensors (shaped views over arrays) and its Layers, which form a
// strict linear chain from Head to the terminal layer.
//
// Key data structures:
//   - Layer: one computation step (dense or element-wise nonlinearity) with its
//     input, output and parameter tensors and the index of the next layer
//   - Graph: the network, its declared arena sizes and optional embedded weights
//   - Builder: assembles a well-formed chain from layer declarations
//   - Serialization to the binary model file format consumed by the runtime
//
// Graphs are created by the compiler (or by Builder directly), placed by the
// planner and then bound by the runtime. Nothing in this package allocates
// arena memory.
package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/kernels"
)

// Kind identifies the computation a Layer performs.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindDense
	KindNonlinear
)

func (k Kind) String() string {
	switch k {
	case KindDense:
		return "dense"
	case KindNonlinear:
		return "nonlinear"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Activation selects the element-wise function of a nonlinear layer.
type Activation uint8

const (
	ActNone Activation = iota
	ActReLU
	ActSoftmax
	ActIdentity
	ActSigmoid
	ActTanh
)

var activationNames = map[Activation]string{
	ActNone:     "none",
	ActReLU:     "relu",
	ActSoftmax:  "softmax",
	ActIdentity: "identity",
	ActSigmoid:  "sigmoid",
	ActTanh:     "tanh",
}

func (a Activation) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Activation(%d)", uint8(a))
}

// ParseActivation is the inverse of Activation.String, for nonlinear activations only.
func ParseActivation(s string) (Activation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range activationNames {
		if a != ActNone && name == s {
			return a, nil
		}
	}
	return ActNone, errors.Errorf("unknown activation %q", s)
}

// Layer is one step of the chain. Inputs, Outputs and Params hold tensor indices.
type Layer struct {
	ID         int
	Name       string
	Kind       Kind
	Activation Activation // nonlinear layers only
	Inputs     []int
	Outputs    []int
	Params     []int // dense: [weights, bias]
	Next       int   // index of the next layer, -1 for the terminal layer
}

// Op returns the kernel implementing the layer, OpInvalid if there is none.
func (l *Layer) Op() kernels.Op {
	switch l.Kind {
	case KindDense:
		return kernels.OpDense
	case KindNonlinear:
		switch l.Activation {
		case ActReLU:
			return kernels.OpReLU
		case ActSoftmax:
			return kernels.OpSoftmax
		case ActIdentity:
			return kernels.OpIdentity
		case ActSigmoid:
			return kernels.OpSigmoid
		case ActTanh:
			return kernels.OpTanh
		}
	}
	return kernels.OpInvalid
}

func (l *Layer) String() string {
	if l.Kind == KindNonlinear {
		return fmt.Sprintf("%s(%s)", l.Name, l.Activation)
	}
	return fmt.Sprintf("%s(%s)", l.Name, l.Kind)
}

// Graph is a compiled network.
type Graph struct {
	Name      string
	Signature string

	Arrays  []core.Array
	Tensors []core.Tensor
	Layers  []Layer
	Head    int // index of the first layer

	Input  int // tensor index of the externally visible input
	Output int // tensor index of the externally visible output

	WeightsSize     int // declared size in bytes of the weights arena
	ActivationsSize int // declared size in bytes of the activations arena

	Weights []byte // embedded weights blob, nil if weights are supplied by the host
}

// LayerCount returns the number of layers in the chain.
func (g *Graph) LayerCount() int {
	return len(g.Layers)
}

// ArrayOf returns the array viewed by tensor ti.
func (g *Graph) ArrayOf(ti int) *core.Array {
	return &g.Arrays[g.Tensors[ti].Array]
}

// InputTensor returns the externally visible input tensor.
func (g *Graph) InputTensor() *core.Tensor { return &g.Tensors[g.Input] }

// OutputTensor returns the externally visible output tensor.
func (g *Graph) OutputTensor() *core.Tensor { return &g.Tensors[g.Output] }

// InputArray returns the array backing the input tensor.
func (g *Graph) InputArray() *core.Array { return g.ArrayOf(g.Input) }

// OutputArray returns the array backing the output tensor.
func (g *Graph) OutputArray() *core.Array { return g.ArrayOf(g.Output) }

// LayerInput returns the single input tensor of layer li.
func (g *Graph) LayerInput(li int) *core.Tensor { return &g.Tensors[g.Layers[li].Inputs[0]] }

// LayerOutput returns the single output tensor of layer li.
func (g *Graph) LayerOutput(li int) *core.Tensor { return &g.Tensors[g.Layers[li].Outputs[0]] }

// Order returns the layer indices in execution order, following Next from Head.
func (g *Graph) Order() []int {
	order := make([]int, 0, len(g.Layers))
	for li := g.Head; li >= 0 && li < len(g.Layers) && len(order) < len(g.Layers); li = g.Layers[li].Next {
		order = append(order, li)
	}
	return order
}

// LayerMACC returns the multiply-accumulate estimate of layer li.
func (g *Graph) LayerMACC(li int) int {
	return kernels.Cost(g.Layers[li].Op(), g.LayerInput(li).Elements(), g.LayerOutput(li).Elements())
}

// MACC returns the multiply-accumulate estimate of one inference.
func (g *Graph) MACC() int {
	total := 0
	for li := range g.Layers {
		total += g.LayerMACC(li)
	}
	return total
}

// Validate checks the graph for structural consistency (see ValidateStructure)
// and placement within the declared arena sizes. Activation aliasing is
// checked by the planner.
func (g *Graph) Validate() error {
	if err := g.ValidateStructure(); err != nil {
		return err
	}
	return g.validatePlacement()
}

// ValidateStructure checks descriptors, the chain and per-layer shapes,
// ignoring placement. Graphs fresh out of a Builder pass it before planning.
func (g *Graph) ValidateStructure() error {
	if len(g.Layers) == 0 {
		return errors.Errorf("graph %q has no layers", g.Name)
	}
	for i := range g.Arrays {
		if err := g.Arrays[i].Validate(); err != nil {
			return err
		}
	}
	for i := range g.Tensors {
		t := &g.Tensors[i]
		if t.Array < 0 || t.Array >= len(g.Arrays) {
			return errors.Errorf("tensor %q references array %d, graph has %d", t.Name, t.Array, len(g.Arrays))
		}
		if err := t.Validate(&g.Arrays[t.Array]); err != nil {
			return err
		}
	}
	if err := g.validateIO(); err != nil {
		return err
	}
	if err := g.validateChain(); err != nil {
		return err
	}
	for li := range g.Layers {
		if err := g.validateLayer(li); err != nil {
			return errors.WithMessagef(err, "layer %d (%s)", li, g.Layers[li].Name)
		}
	}
	return nil
}

func (g *Graph) tensorIndexOK(ti int) bool {
	return ti >= 0 && ti < len(g.Tensors)
}

func (g *Graph) validateIO() error {
	if !g.tensorIndexOK(g.Input) || !g.tensorIndexOK(g.Output) {
		return errors.Errorf("input tensor %d or output tensor %d out of range", g.Input, g.Output)
	}
	in, out := g.Tensors[g.Input].Array, g.Tensors[g.Output].Array
	if in == out {
		return errors.Errorf("input and output share array %q", g.Arrays[in].Name)
	}
	for ai := range g.Arrays {
		a := &g.Arrays[ai]
		isBoundary := ai == in || ai == out
		if a.IsIO() != isBoundary {
			return errors.Errorf("array %q: only the input and output arrays may be I/O", a.Name)
		}
		if isBoundary && a.Format != core.Float32 {
			return errors.Errorf("array %q: I/O arrays must be float32, got %s", a.Name, a.Format)
		}
	}
	return nil
}

func (g *Graph) validateChain() error {
	if g.Head != 0 {
		return errors.Errorf("chain must start at layer 0, head is %d", g.Head)
	}
	last := len(g.Layers) - 1
	for li := range g.Layers {
		l := &g.Layers[li]
		if l.ID != li {
			return errors.Errorf("layer %q has id %d at index %d", l.Name, l.ID, li)
		}
		want := li + 1
		if li == last {
			want = -1
		}
		if l.Next != want {
			return errors.Errorf("layer %q: next is %d, want %d", l.Name, l.Next, want)
		}
		if len(l.Inputs) != 1 || len(l.Outputs) != 1 {
			return errors.Errorf("layer %q: needs exactly one input and one output tensor, got %d and %d",
				l.Name, len(l.Inputs), len(l.Outputs))
		}
		for _, ti := range append(append(append([]int{}, l.Inputs...), l.Outputs...), l.Params...) {
			if !g.tensorIndexOK(ti) {
				return errors.Errorf("layer %q references tensor %d, graph has %d", l.Name, ti, len(g.Tensors))
			}
		}
	}

	producer := make(map[int]int, len(g.Layers))
	for li := range g.Layers {
		in := g.Tensors[g.Layers[li].Inputs[0]].Array
		out := g.Tensors[g.Layers[li].Outputs[0]].Array
		if li == 0 && in != g.Tensors[g.Input].Array {
			return errors.Errorf("first layer %q does not read the graph input", g.Layers[li].Name)
		}
		if li > 0 && in != g.Tensors[g.Layers[li-1].Outputs[0]].Array {
			return errors.Errorf("layer %q does not read the output of layer %q", g.Layers[li].Name, g.Layers[li-1].Name)
		}
		if li == last && out != g.Tensors[g.Output].Array {
			return errors.Errorf("terminal layer %q does not write the graph output", g.Layers[li].Name)
		}
		if prev, dup := producer[out]; dup {
			return errors.Errorf("array %q written by layers %d and %d", g.Arrays[out].Name, prev, li)
		}
		producer[out] = li
	}
	for ai := range g.Arrays {
		if g.Arrays[ai].Region != core.RegionActivations {
			continue
		}
		if _, ok := producer[ai]; !ok {
			return errors.Errorf("activation array %q is not written by any layer", g.Arrays[ai].Name)
		}
	}
	return nil
}

func (g *Graph) validateLayer(li int) error {
	l := &g.Layers[li]
	in, out := g.LayerInput(li), g.LayerOutput(li)
	for _, t := range []*core.Tensor{in, out} {
		arr := &g.Arrays[t.Array]
		if arr.Format != core.Float32 || arr.IsConst() {
			return errors.Errorf("tensor %q must view a mutable float32 array", t.Name)
		}
		if !t.IsContiguous(arr.Format.Size()) || t.Elements() != arr.Count {
			return errors.Errorf("tensor %q must densely cover array %q", t.Name, arr.Name)
		}
	}

	switch l.Kind {
	case KindDense:
		if l.Activation != ActNone {
			return errors.Errorf("dense layers carry no activation, got %s", l.Activation)
		}
		if len(l.Params) != 2 {
			return errors.Errorf("dense layers need [weights, bias] params, got %d", len(l.Params))
		}
		for _, pi := range l.Params {
			if arr := g.ArrayOf(pi); arr.Region != core.RegionWeights {
				return errors.Errorf("parameter %q lives in the %s region", g.Tensors[pi].Name, arr.Region)
			}
		}
		w, b := &g.Tensors[l.Params[0]], &g.Tensors[l.Params[1]]
		if w.Shape[2] != 1 || w.Shape[3] != 1 {
			return errors.Errorf("weights %q must have shape (in, out, 1, 1), got %s", w.Name, w.Shape)
		}
		if w.Shape[0] != in.Elements() {
			return errors.Errorf("weights %q expect %d inputs, layer input has %d", w.Name, w.Shape[0], in.Elements())
		}
		if w.Shape[1] != out.Elements() {
			return errors.Errorf("weights %q produce %d outputs, layer output has %d", w.Name, w.Shape[1], out.Elements())
		}
		if b.Shape != core.Vector(out.Elements()) {
			return errors.Errorf("bias %q must have shape %s, got %s", b.Name, core.Vector(out.Elements()), b.Shape)
		}
	case KindNonlinear:
		if len(l.Params) != 0 {
			return errors.Errorf("nonlinear layers take no params, got %d", len(l.Params))
		}
		if l.Op() == kernels.OpInvalid {
			return errors.Errorf("unsupported activation %s", l.Activation)
		}
		if in.Shape != out.Shape {
			return errors.Errorf("input shape %s differs from output shape %s", in.Shape, out.Shape)
		}
	default:
		return errors.Errorf("unsupported layer kind %s", l.Kind)
	}
	return nil
}

func (g *Graph) validatePlacement() error {
	var weights []*core.Array
	for ai := range g.Arrays {
		a := &g.Arrays[ai]
		switch a.Region {
		case core.RegionWeights:
			if err := a.CheckFits(g.WeightsSize); err != nil {
				return err
			}
			for _, other := range weights {
				if a.Overlaps(other) {
					return errors.Errorf("weight arrays %q and %q overlap", other.Name, a.Name)
				}
			}
			weights = append(weights, a)
		case core.RegionActivations:
			if err := a.CheckFits(g.ActivationsSize); err != nil {
				return err
			}
		}
	}
	if g.Weights != nil && len(g.Weights) < g.WeightsSize {
		return errors.Errorf("embedded weights hold %d bytes, graph declares %d", len(g.Weights), g.WeightsSize)
	}
	return nil
}

// Summary returns a human-readable description of the graph for logs.
func (g *Graph) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "network %q (%s): %d layers, %d MACC, weights %d B, activations %d B\n",
		g.Name, g.Signature, len(g.Layers), g.MACC(), g.WeightsSize, g.ActivationsSize)
	fmt.Fprintf(&sb, "  input  %s\n  output %s\n", g.InputTensor(), g.OutputTensor())
	for _, li := range g.Order() {
		l := &g.Layers[li]
		fmt.Fprintf(&sb, "  #%d %-12s %-9s %s -> %s", li, l.Name, l.Op(), g.LayerInput(li).Shape, g.LayerOutput(li).Shape)
		for _, pi := range l.Params {
			fmt.Fprintf(&sb, " %s@%d", g.Tensors[pi].Name, g.ArrayOf(pi).Offset)
		}
		fmt.Fprintf(&sb, " macc=%d\n", g.LayerMACC(li))
	}
	return sb.String()
}
