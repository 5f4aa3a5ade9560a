package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	"github.com/sbl8/staticnn/core"
)

// Builder assembles a linear chain of layers into an unplaced Graph.
//
// Arrays and tensors are numbered the way the runtime expects to find them:
// the input first, then every layer output in chain order, then the
// parameters of every dense layer in chain order. The first error sticks and
// is returned by Build.
type Builder struct {
	g       *Graph
	format  core.Format
	current int // tensor index of the most recent output, -1 before Input
	params  []pendingParam
	names   map[string]bool
	err     error
}

type pendingParam struct {
	layer int
	name  string
	shape core.Shape
}

// NewBuilder starts a network called name with float32 weights.
func NewBuilder(name string) *Builder {
	return &Builder{
		g:       &Graph{Name: name, Input: -1, Output: -1},
		format:  core.Float32,
		current: -1,
		names:   make(map[string]bool),
	}
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error { return b.err }

func (b *Builder) failf(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = errors.Errorf(format, args...)
	}
	return b
}

// Signature sets the network signature. Without one, Build derives it from the topology.
func (b *Builder) Signature(sig string) *Builder {
	b.g.Signature = sig
	return b
}

// WeightFormat sets the storage format of weight and bias arrays.
func (b *Builder) WeightFormat(f core.Format) *Builder {
	if !f.Valid() {
		return b.failf("invalid weight format %d", f)
	}
	b.format = f
	return b
}

func (b *Builder) claim(name string) bool {
	if name == "" {
		b.failf("layer names cannot be empty")
		return false
	}
	if b.names[name] {
		b.failf("duplicate name %q", name)
		return false
	}
	b.names[name] = true
	return true
}

func (b *Builder) addArray(a core.Array) int {
	b.g.Arrays = append(b.g.Arrays, a)
	return len(b.g.Arrays) - 1
}

func (b *Builder) addTensor(t core.Tensor) int {
	b.g.Tensors = append(b.g.Tensors, t)
	return len(b.g.Tensors) - 1
}

// Input declares the network input with the given (batch, channel, height, width) shape.
// Non-vector inputs also get a flattened view, which is what the first layer reads.
func (b *Builder) Input(name string, shape core.Shape) *Builder {
	if b.err != nil {
		return b
	}
	if b.current >= 0 {
		return b.failf("input already declared")
	}
	if !b.claim(name) {
		return b
	}
	for _, d := range shape {
		if d < 1 {
			return b.failf("input %q: invalid shape %s", name, shape)
		}
	}
	ai := b.addArray(core.Array{
		Name:   name + "_output_array",
		Format: core.Float32,
		Count:  shape.Elements(),
		Flags:  core.FlagIO,
		Region: core.RegionExternal,
	})
	b.g.Input = b.addTensor(core.NewTensor(name+"_output", shape, ai, core.Float32))
	b.current = b.g.Input
	if flat := core.Vector(shape.Elements()); flat != shape {
		b.current = b.addTensor(core.NewTensor(name+"_output0", flat, ai, core.Float32))
	}
	return b
}

func (b *Builder) addLayer(name string, kind Kind, act Activation, outShape core.Shape) int {
	ai := b.addArray(core.Array{
		Name:   name + "_output_array",
		Format: core.Float32,
		Count:  outShape.Elements(),
		Region: core.RegionActivations,
	})
	out := b.addTensor(core.NewTensor(name+"_output", outShape, ai, core.Float32))
	li := len(b.g.Layers)
	b.g.Layers = append(b.g.Layers, Layer{
		ID:         li,
		Name:       name,
		Kind:       kind,
		Activation: act,
		Inputs:     []int{b.current},
		Outputs:    []int{out},
	})
	b.current = out
	return li
}

// Dense appends a fully connected layer producing units outputs.
func (b *Builder) Dense(name string, units int) *Builder {
	if b.err != nil {
		return b
	}
	if b.current < 0 {
		return b.failf("dense %q declared before the input", name)
	}
	if units < 1 {
		return b.failf("dense %q: units must be positive, got %d", name, units)
	}
	if !b.claim(name) {
		return b
	}
	inputs := b.g.Tensors[b.current].Elements()
	li := b.addLayer(name, KindDense, ActNone, core.Vector(units))
	b.params = append(b.params,
		pendingParam{layer: li, name: name + "_weights", shape: core.Matrix(inputs, units)},
		pendingParam{layer: li, name: name + "_bias", shape: core.Vector(units)},
	)
	return b
}

// Activation appends an element-wise nonlinear layer.
func (b *Builder) Activation(name string, act Activation) *Builder {
	if b.err != nil {
		return b
	}
	if b.current < 0 {
		return b.failf("%s %q declared before the input", act, name)
	}
	if act == ActNone {
		return b.failf("%q: missing activation", name)
	}
	if _, ok := activationNames[act]; !ok {
		return b.failf("%q: unknown activation %d", name, act)
	}
	if !b.claim(name) {
		return b
	}
	b.addLayer(name, KindNonlinear, act, b.g.Tensors[b.current].Shape)
	return b
}

// ReLU appends a rectifier layer.
func (b *Builder) ReLU(name string) *Builder { return b.Activation(name, ActReLU) }

// Softmax appends a softmax layer.
func (b *Builder) Softmax(name string) *Builder { return b.Activation(name, ActSoftmax) }

// Build finalizes the chain. The returned graph is structurally valid but
// unplaced: every offset and both arena sizes are zero until the planner runs.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	g := b.g
	if b.current < 0 {
		return nil, errors.Errorf("network %q has no input", g.Name)
	}
	if len(g.Layers) == 0 {
		return nil, errors.Errorf("network %q has no layers", g.Name)
	}

	for _, p := range b.params {
		ai := b.addArray(core.Array{
			Name:   p.name + "_array",
			Format: b.format,
			Count:  p.shape.Elements(),
			Flags:  core.FlagConst,
			Region: core.RegionWeights,
		})
		ti := b.addTensor(core.NewTensor(p.name, p.shape, ai, b.format))
		g.Layers[p.layer].Params = append(g.Layers[p.layer].Params, ti)
	}

	last := len(g.Layers) - 1
	for li := range g.Layers {
		g.Layers[li].Next = li + 1
	}
	g.Layers[last].Next = -1
	g.Head = 0

	g.Output = g.Layers[last].Outputs[0]
	out := g.OutputArray()
	out.Region = core.RegionExternal
	out.Flags |= core.FlagIO

	if g.Signature == "" {
		g.Signature = TopologySignature(g)
	}
	if err := g.ValidateStructure(); err != nil {
		return nil, errors.WithMessagef(err, "network %q", g.Name)
	}
	b.err = errors.New("builder already used")
	return g, nil
}

// TopologySignature returns an md5 hex digest of the network topology and storage formats.
func TopologySignature(g *Graph) string {
	h := md5.New()
	fmt.Fprintf(h, "%s|%s", g.Name, g.InputTensor().Shape)
	for li := range g.Layers {
		l := &g.Layers[li]
		fmt.Fprintf(h, "|%s:%s:%s:%s", l.Name, l.Kind, l.Activation, g.LayerOutput(li).Shape)
		for _, pi := range l.Params {
			fmt.Fprintf(h, ":%s", g.ArrayOf(pi).Format)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
