// Package runtime executes placed staticnn networks over host-supplied arenas.
//
// A Network binds every array of its graph into one of two memory regions the
// host owns: the read-only weights arena and the shared activations arena.
// After a successful Initialize, each run binds the caller's input and output
// buffers for the duration of the call, walks the layer chain once and
// returns the number of output elements written. Nothing is allocated on the
// hot path.
//
// Key components:
//   - Network: the Uninitialized -> Ready -> Destroyed state machine, binding and execution
//   - Arena: bounds-checked view over one host buffer
//   - Report: read-only introspection (signature, MACC, I/O specs, arena sizes)
//   - Observer and Profiler: per-sample and per-layer callbacks
//   - Pool: several networks sharing one weights arena for concurrent inference
//
// A Network admits one run at a time. A second concurrent run fails with
// ErrBusy instead of corrupting the shared activations arena; concurrent
// inference goes through a Pool.
package runtime

import (
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/kernels"
	"github.com/sbl8/staticnn/model"
	"github.com/sbl8/staticnn/planner"
)

// State of a Network.
type State uint32

const (
	StateUninitialized State = iota
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// boundLayer is one layer with its operands resolved to arena memory.
// External operands (the graph input and output) are filled in per run.
type boundLayer struct {
	index        int
	layer        *model.Layer
	op           kernels.Op
	fn           kernels.KernelFn
	args         kernels.Args
	readsInput   bool
	writesOutput bool
}

// Network is one instance of a compiled graph.
type Network struct {
	graph *model.Graph
	opts  Options

	mu          sync.Mutex // held for the whole of every run and lifecycle change
	state       atomic.Uint32
	weights     *Arena
	activations *Arena
	layers      []boundLayer
	inCount     int
	outCount    int
	weightsCRC  atomic.Uint32

	stats *statsRecorder
}

// New creates an uninitialized network for g. The graph must be valid and
// placed, with no two live activation arrays overlapping except legal
// in-place pairs; it is shared, not copied, and must not be modified afterwards.
func New(g *model.Graph, opts *Options) (*Network, error) {
	if g == nil {
		return nil, configErrorf("graph cannot be nil")
	}
	// Verify also rejects activation arrays sharing bytes while both are live.
	if err := planner.Verify(g, planner.DefaultOptions()); err != nil {
		return nil, configErrorf("network %q: %v", g.Name, err)
	}
	n := &Network{
		graph:    g,
		opts:     DefaultOptions(),
		inCount:  g.InputArray().Count,
		outCount: g.OutputArray().Count,
	}
	if opts != nil {
		n.opts = *opts
	}
	if n.opts.EnableStats {
		n.stats = newStatsRecorder()
	}
	klog.V(1).Infof("created network %q (%s): %d layers, %d MACC, weights %d B, activations %d B",
		g.Name, g.Signature, g.LayerCount(), g.MACC(), g.WeightsSize, g.ActivationsSize)
	return n, nil
}

// Graph returns the network's underlying graph.
func (n *Network) Graph() *model.Graph { return n.graph }

// State returns the current lifecycle state.
func (n *Network) State() State { return State(n.state.Load()) }

// InputCount returns the number of float32 elements every run consumes.
func (n *Network) InputCount() int { return n.inCount }

// OutputCount returns the number of float32 elements every run produces.
func (n *Network) OutputCount() int { return n.outCount }

// Initialize binds the network to the host's arenas: weights must hold the
// parameters at their planned offsets and is never written; activations is
// scratch space. Both must be non-nil and at least as large as the graph
// declares; extra bytes are ignored. Initializing a ready network rebinds it.
// On failure the network is left uninitialized with no bindings.
func (n *Network) Initialize(weights, activations []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == StateDestroyed {
		return stateErrorf("cannot initialize a destroyed network")
	}
	if err := n.bind(weights, activations); err != nil {
		n.unbind()
		n.state.Store(uint32(StateUninitialized))
		return errors.WithMessagef(err, "initializing network %q", n.graph.Name)
	}
	n.state.Store(uint32(StateReady))
	return nil
}

func (n *Network) bind(weights, activations []byte) error {
	g := n.graph
	wa, err := NewArena("weights", weights, g.WeightsSize)
	if err != nil {
		return err
	}
	aa, err := NewArena("activations", activations, g.ActivationsSize)
	if err != nil {
		return err
	}
	for _, a := range []*Arena{wa, aa} {
		if a.TotalSize() > a.UsedSize() {
			klog.Warningf("network %q: %s arena holds %d bytes, only %d are used", g.Name, a.Name(), a.TotalSize(), a.UsedSize())
		}
	}

	storage := make([][]byte, len(g.Arrays))
	for ai := range g.Arrays {
		arr := &g.Arrays[ai]
		switch arr.Region {
		case core.RegionWeights:
			storage[ai], err = wa.Bind(arr)
		case core.RegionActivations:
			storage[ai], err = aa.Bind(arr)
		}
		if err != nil {
			return err
		}
	}

	layers := make([]boundLayer, 0, g.LayerCount())
	for _, li := range g.Order() {
		bl, err := n.setupLayer(li, storage)
		if err != nil {
			return errors.WithMessagef(err, "layer %d (%s)", li, g.Layers[li].Name)
		}
		layers = append(layers, bl)
	}

	if n.opts.ZeroActivations {
		aa.Zero()
	}
	var crc uint32
	if n.opts.ChecksumWeights {
		crc = crc32.ChecksumIEEE(weights[:g.WeightsSize])
	}
	n.weights, n.activations, n.layers = wa, aa, layers
	n.weightsCRC.Store(crc)
	klog.V(1).Infof("network %q bound: %d weight and %d activation regions, weights crc %08x",
		g.Name, wa.Regions(), aa.Regions(), crc)
	return nil
}

// setupLayer resolves the operands of layer li and runs the kernel-specific checks.
func (n *Network) setupLayer(li int, storage [][]byte) (boundLayer, error) {
	g := n.graph
	l := &g.Layers[li]
	bl := boundLayer{index: li, layer: l, op: l.Op()}
	fn, err := kernels.Lookup(bl.op)
	if err != nil {
		return bl, configErrorf("%v", err)
	}
	bl.fn = fn

	in, out := g.LayerInput(li), g.LayerOutput(li)
	if g.Arrays[in.Array].Region == core.RegionExternal {
		bl.readsInput = true
	} else {
		bl.args.In = core.Float32View(storage[in.Array])
	}
	if g.Arrays[out.Array].Region == core.RegionExternal {
		bl.writesOutput = true
	} else {
		bl.args.Out = core.Float32View(storage[out.Array])
	}
	if (!bl.readsInput && len(bl.args.In) != in.Elements()) || (!bl.writesOutput && len(bl.args.Out) != out.Elements()) {
		return bl, configErrorf("operand storage does not match tensors %s and %s", in, out)
	}

	if bl.op == kernels.OpDense {
		w, b := &g.Tensors[l.Params[0]], &g.Tensors[l.Params[1]]
		wArr, bArr := &g.Arrays[w.Array], &g.Arrays[b.Array]
		bl.args.Weights = kernels.NewMatrix(w, wArr.Format, storage[w.Array])
		bl.args.Bias = kernels.NewMatrix(b, bArr.Format, storage[b.Array])
		if bl.args.Weights.Rows != in.Elements() || bl.args.Weights.Cols != out.Elements() {
			return bl, configErrorf("weights %q are %dx%d, layer maps %d to %d elements",
				w.Name, bl.args.Weights.Rows, bl.args.Weights.Cols, in.Elements(), out.Elements())
		}
		if b.Elements() != out.Elements() {
			return bl, configErrorf("bias %q holds %d elements, layer produces %d", b.Name, b.Elements(), out.Elements())
		}
		for _, m := range []*kernels.Matrix{&bl.args.Weights, &bl.args.Bias} {
			if m.Extent() > len(m.Data) {
				return bl, configErrorf("parameter view spans %d bytes, storage holds %d", m.Extent(), len(m.Data))
			}
		}
	}
	return bl, nil
}

func (n *Network) unbind() {
	n.weights, n.activations, n.layers = nil, nil, nil
	n.weightsCRC.Store(0)
}

// Destroy releases the arenas. The network cannot be used afterwards.
func (n *Network) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == StateDestroyed {
		return stateErrorf("network already destroyed")
	}
	n.unbind()
	n.state.Store(uint32(StateDestroyed))
	klog.V(1).Infof("network %q destroyed", n.graph.Name)
	return nil
}

// VerifyWeights recomputes the weights checksum recorded at initialization.
func (n *Network) VerifyWeights() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() != StateReady {
		return stateErrorf("network is %s", n.State())
	}
	if !n.opts.ChecksumWeights {
		return stateErrorf("weights checksum disabled")
	}
	if sum := crc32.ChecksumIEEE(n.weights.Buffer()[:n.weights.UsedSize()]); sum != n.weightsCRC.Load() {
		return errors.WithMessagef(ErrInternal, "weights arena modified: crc %08x, recorded %08x", sum, n.weightsCRC.Load())
	}
	return nil
}

// Stats returns a copy of the run statistics; empty unless Options.EnableStats is set.
func (n *Network) Stats() Stats {
	if n.stats == nil {
		return Stats{KernelExecutions: map[string]int64{}}
	}
	return n.stats.snapshot()
}

// RunBuffer runs one inference. in must hold exactly the input element count
// in float32; out must have room for the output elements. Both buffers are
// used in place, only for the duration of the call, and must not overlap.
// Returns the number of output elements written.
func (n *Network) RunBuffer(in, out core.Buffer) (int, error) {
	if !n.mu.TryLock() {
		return 0, errors.WithMessagef(ErrBusy, "network %q", n.graph.Name)
	}
	defer n.mu.Unlock()
	return n.runLocked(in, out)
}

func (n *Network) runLocked(in, out core.Buffer) (count int, err error) {
	if n.stats != nil {
		defer func(start time.Time) { n.stats.recordRun(start, err) }(time.Now())
	}
	if s := n.State(); s != StateReady {
		return 0, stateErrorf("run on %s network %q", s, n.graph.Name)
	}
	input, output, err := n.checkIO(in, out)
	if err != nil {
		return 0, err
	}
	return n.execute(input, output)
}

func (n *Network) checkIO(in, out core.Buffer) ([]float32, []float32, error) {
	if in.Format != core.Float32 || out.Format != core.Float32 {
		return nil, nil, inputErrorf("buffers must be float32, got input %s and output %s", in.Format, out.Format)
	}
	if len(in.Data) != n.inCount*4 {
		return nil, nil, inputErrorf("input holds %d bytes, network expects %d float32 elements (%d bytes)",
			len(in.Data), n.inCount, n.inCount*4)
	}
	if len(out.Data) < n.outCount*4 {
		return nil, nil, inputErrorf("output holds %d bytes, network produces %d float32 elements (%d bytes)",
			len(out.Data), n.outCount, n.outCount*4)
	}
	input := core.Float32View(in.Data)
	output := core.Float32View(out.Data[:n.outCount*4])
	if input == nil || output == nil {
		return nil, nil, inputErrorf("buffers must be aligned to 4 bytes")
	}
	if overlaps(in.Data, out.Data[:n.outCount*4]) {
		return nil, nil, inputErrorf("input and output buffers overlap")
	}
	return input, output, nil
}

func overlaps(a, b []byte) bool {
	a0, b0 := uintptr(unsafe.Pointer(&a[0])), uintptr(unsafe.Pointer(&b[0]))
	return a0 < b0+uintptr(len(b)) && b0 < a0+uintptr(len(a))
}

// execute walks the chain. Kernel panics are converted to ErrInternal; the
// external operands are unbound before returning in every case.
func (n *Network) execute(input, output []float32) (int, error) {
	obs := n.opts.Observer
	current := -1
	defer func() {
		for i := range n.layers {
			if n.layers[i].readsInput {
				n.layers[i].args.In = nil
			}
			if n.layers[i].writesOutput {
				n.layers[i].args.Out = nil
			}
		}
	}()

	err := exceptions.TryCatch[error](func() {
		for i := range n.layers {
			bl := &n.layers[i]
			current = i
			if bl.readsInput {
				bl.args.In = input
			}
			if bl.writesOutput {
				bl.args.Out = output
			}
			var start time.Time
			if obs != nil {
				obs.OnNodeBegin(bl.index, bl.layer)
				start = time.Now()
			}
			bl.fn(&bl.args)
			if obs != nil {
				obs.OnNodeEnd(bl.index, bl.layer, bl.args.Out, time.Since(start))
			}
			if n.stats != nil {
				n.stats.recordKernel(bl.op.String())
			}
			if v := klog.V(2); v.Enabled() {
				v.Infof("network %q: layer %d %s done", n.graph.Name, bl.index, bl.layer)
			}
		}
	})
	if err != nil {
		name := "<none>"
		if current >= 0 {
			name = n.layers[current].layer.Name
		}
		return 0, errors.WithMessagef(ErrInternal, "layer %s: %v", name, err)
	}
	return n.outCount, nil
}

// Run is RunBuffer over float32 slices.
func (n *Network) Run(input, output []float32) (int, error) {
	return n.RunBuffer(core.Float32Buffer(input), core.Float32Buffer(output))
}

// Infer runs one inference into a newly allocated output slice.
func (n *Network) Infer(input []float32) ([]float32, error) {
	output := make([]float32, n.outCount)
	if _, err := n.Run(input, output); err != nil {
		return nil, err
	}
	return output, nil
}

// RunBatch runs the inputs in order while holding the network, notifying the
// Observer around every sample. It stops at the first error, or when the
// Observer's OnSampleEnd returns false, returning the outputs produced so far.
func (n *Network) RunBatch(inputs [][]float32) ([][]float32, error) {
	if !n.mu.TryLock() {
		return nil, errors.WithMessagef(ErrBusy, "network %q", n.graph.Name)
	}
	defer n.mu.Unlock()

	obs := n.opts.Observer
	outputs := make([][]float32, 0, len(inputs))
	for i, input := range inputs {
		if obs != nil {
			obs.OnSampleBegin(i)
		}
		output := make([]float32, n.outCount)
		if _, err := n.runLocked(core.Float32Buffer(input), core.Float32Buffer(output)); err != nil {
			return outputs, errors.WithMessagef(err, "sample %d", i)
		}
		outputs = append(outputs, output)
		if obs != nil && !obs.OnSampleEnd(i, output) {
			klog.V(1).Infof("network %q: batch stopped by observer after sample %d", n.graph.Name, i)
			break
		}
	}
	return outputs, nil
}
