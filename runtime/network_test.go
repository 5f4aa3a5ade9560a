package runtime

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/kernels"
	"github.com/sbl8/staticnn/model"
	"github.com/sbl8/staticnn/planner"
)

func place(t *testing.T, g *model.Graph) *model.Graph {
	t.Helper()
	plan, err := planner.PlanGraph(g, planner.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, planner.Apply(g, plan))
	return g
}

func placedHAR(t *testing.T, format core.Format) *model.Graph {
	t.Helper()
	return place(t, must.M1(model.NewHAR(format)))
}

// randomWeights fills the embedded weights of g and returns an aligned copy.
func randomWeights(t *testing.T, g *model.Graph, seed int64) []byte {
	t.Helper()
	g.AllocWeights()
	rng := rand.New(rand.NewSource(seed))
	for _, ti := range g.ParamTensors() {
		values := make([]float32, g.Tensors[ti].Elements())
		for i := range values {
			values[i] = rng.Float32()*2 - 1
		}
		require.NoError(t, g.SetParam(ti, values))
	}
	weights := core.AlignedBytes(g.WeightsSize)
	copy(weights, g.Weights)
	return weights
}

// reference evaluates g in float64 straight from its parameter tensors.
func reference(g *model.Graph, input []float32) []float32 {
	x := make([]float64, len(input))
	for i, v := range input {
		x[i] = float64(v)
	}
	for _, li := range g.Order() {
		l := &g.Layers[li]
		switch l.Op() {
		case kernels.OpDense:
			w := must.M1(g.Param(l.Params[0]))
			b := must.M1(g.Param(l.Params[1]))
			y := make([]float64, len(b))
			for j := range y {
				y[j] = float64(b[j])
				for i := range x {
					y[j] += x[i] * float64(w[i*len(b)+j])
				}
			}
			x = y
		case kernels.OpReLU:
			for i := range x {
				x[i] = math.Max(0, x[i])
			}
		case kernels.OpSoftmax:
			maxV, sum := math.Inf(-1), 0.0
			for _, v := range x {
				maxV = math.Max(maxV, v)
			}
			for i := range x {
				x[i] = math.Exp(x[i] - maxV)
				sum += x[i]
			}
			for i := range x {
				x[i] /= sum
			}
		}
	}
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(v)
	}
	return out
}

func readyNetwork(t *testing.T, g *model.Graph, weights []byte, opts *Options) *Network {
	t.Helper()
	n, err := New(g, opts)
	require.NoError(t, err)
	require.NoError(t, n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)))
	require.Equal(t, StateReady, n.State())
	return n
}

func TestZeroWeightsGiveUniformOutput(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), nil)

	output := make([]float32, 2)
	count, err := n.Run(make([]float32, 30), output)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []float32{0.5, 0.5}, output)
}

func TestIdentityDense(t *testing.T) {
	t.Parallel()
	g := place(t, must.M1(model.NewBuilder("identity").
		Input("x", core.Vector(3)).
		Dense("fc", 3).
		ReLU("act").
		Build()))
	g.AllocWeights()
	require.NoError(t, g.SetParam(g.Layers[0].Params[0], []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}))
	require.NoError(t, g.SetParam(g.Layers[0].Params[1], []float32{0, 0, 0}))
	weights := core.AlignedBytes(g.WeightsSize)
	copy(weights, g.Weights)

	n := readyNetwork(t, g, weights, nil)
	output, err := n.Infer([]float32{-1, 0, 2.5})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2.5}, output)
}

func TestMatchesReference(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		format core.Format
		delta  float64
	}{
		{"float32", core.Float32, 1e-5},
		{"float16", core.Float16, 1e-4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := placedHAR(t, tc.format)
			n := readyNetwork(t, g, randomWeights(t, g, 7), nil)
			for seed := int64(0); seed < 5; seed++ {
				input := RandomInput(g, seed)
				output, err := n.Infer(input)
				require.NoError(t, err)
				assert.InDeltaSlice(t, reference(g, input), output, tc.delta)

				var sum float32
				for _, v := range output {
					sum += v
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}
		})
	}
}

func TestDeterminism(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	weights := randomWeights(t, g, 3)
	a := readyNetwork(t, g, weights, nil)
	b := readyNetwork(t, g, weights, nil)

	input := RandomInput(g, 11)
	first := must.M1(a.Infer(input))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, must.M1(a.Infer(input)))
	}
	assert.Equal(t, first, must.M1(b.Infer(input)))
}

func TestRunDoesNotModifyInputOrWeights(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	weights := randomWeights(t, g, 5)
	n := readyNetwork(t, g, weights, nil)

	input := RandomInput(g, 1)
	saved := append([]float32(nil), input...)
	before := append([]byte(nil), weights...)
	_ = must.M1(n.Infer(input))
	assert.Equal(t, saved, input)
	assert.Equal(t, before, weights)
	assert.NoError(t, n.VerifyWeights())

	weights[0] ^= 0xff
	assert.ErrorIs(t, n.VerifyWeights(), ErrInternal)
}

func TestInputContract(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), &Options{EnableStats: true})

	shared := make([]float32, 32)
	testCases := []struct {
		name    string
		in, out core.Buffer
	}{
		{"short input", core.Float32Buffer(make([]float32, 29)), core.Float32Buffer(make([]float32, 2))},
		{"long input", core.Float32Buffer(make([]float32, 31)), core.Float32Buffer(make([]float32, 2))},
		{"nil input", core.Float32Buffer(nil), core.Float32Buffer(make([]float32, 2))},
		{"short output", core.Float32Buffer(make([]float32, 30)), core.Float32Buffer(make([]float32, 1))},
		{"float16 input", core.Buffer{Format: core.Float16, Data: make([]byte, 60)}, core.Float32Buffer(make([]float32, 2))},
		{"misaligned input", core.Buffer{Format: core.Float32, Data: make([]byte, 124)[1:121]}, core.Float32Buffer(make([]float32, 2))},
		{"overlapping buffers", core.Float32Buffer(shared[:30]), core.Float32Buffer(shared[29:])},
	}
	for _, tc := range testCases {
		count, err := n.RunBuffer(tc.in, tc.out)
		assert.ErrorIs(t, err, ErrInput, tc.name)
		assert.Zero(t, count, tc.name)
	}

	// A larger output buffer is accepted; only the first elements are written.
	output := []float32{-1, -1, -1}
	count, err := n.Run(make([]float32, 30), output)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []float32{0.5, 0.5, -1}, output)

	stats := n.Stats()
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(len(testCases)), stats.FailedRuns)
	assert.Equal(t, int64(3), stats.KernelExecutions["dense"])
	assert.Equal(t, int64(2), stats.KernelExecutions["relu"])
	assert.Equal(t, int64(1), stats.KernelExecutions["softmax"])
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	weights := core.AlignedBytes(g.WeightsSize)

	n, err := New(g, nil)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, n.State())

	_, err = n.Run(make([]float32, 30), make([]float32, 2))
	assert.ErrorIs(t, err, ErrState)
	assert.NotErrorIs(t, err, ErrInput)

	require.NoError(t, n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)))
	require.NoError(t, n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)), "reinitialize")
	assert.Equal(t, StateReady, n.State())

	// A failed initialization drops the previous bindings.
	assert.ErrorIs(t, n.Initialize(nil, core.AlignedBytes(g.ActivationsSize)), ErrConfig)
	assert.Equal(t, StateUninitialized, n.State())
	_, err = n.Run(make([]float32, 30), make([]float32, 2))
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)))
	require.NoError(t, n.Destroy())
	assert.Equal(t, StateDestroyed, n.State())
	assert.ErrorIs(t, n.Destroy(), ErrState)
	assert.ErrorIs(t, n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)), ErrState)
	_, err = n.Run(make([]float32, 30), make([]float32, 2))
	assert.ErrorIs(t, err, ErrState)
}

func TestInitializeRejectsArenas(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	testCases := []struct {
		name                 string
		weights, activations []byte
	}{
		{"nil weights", nil, core.AlignedBytes(g.ActivationsSize)},
		{"nil activations", core.AlignedBytes(g.WeightsSize), nil},
		{"small weights", core.AlignedBytes(g.WeightsSize - 4), core.AlignedBytes(g.ActivationsSize)},
		{"small activations", core.AlignedBytes(g.WeightsSize), core.AlignedBytes(g.ActivationsSize - 1)},
		{"misaligned activations", core.AlignedBytes(g.WeightsSize), core.AlignedBytes(g.ActivationsSize + 1)[1:]},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n, err := New(g, nil)
			require.NoError(t, err)
			assert.ErrorIs(t, n.Initialize(tc.weights, tc.activations), ErrConfig)
			assert.Equal(t, StateUninitialized, n.State())
		})
	}

	t.Run("larger arenas", func(t *testing.T) {
		t.Parallel()
		n, err := New(g, nil)
		require.NoError(t, err)
		require.NoError(t, n.Initialize(core.AlignedBytes(g.WeightsSize+64), core.AlignedBytes(g.ActivationsSize+64)))
		assert.Equal(t, []float32{0.5, 0.5}, must.M1(n.Infer(make([]float32, 30))))
	})
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	g := placedHAR(t, core.Float32)
	g.ActivationsSize = 8
	_, err = New(g, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func arrayNamed(t *testing.T, g *model.Graph, name string) *core.Array {
	t.Helper()
	for i := range g.Arrays {
		if g.Arrays[i].Name == name {
			return &g.Arrays[i]
		}
	}
	require.Failf(t, "missing array", "%q", name)
	return nil
}

func TestNewRejectsLiveActivationAliasing(t *testing.T) {
	t.Parallel()

	t.Run("partial overlap of element-wise pair", func(t *testing.T) {
		t.Parallel()
		g := place(t, must.M1(model.NewBuilder("shifted").
			Input("x", core.Vector(3)).
			Dense("fc", 3).
			ReLU("act").
			Dense("out", 3).
			Build()))
		fc, act := arrayNamed(t, g, "fc_output_array"), arrayNamed(t, g, "act_output_array")
		require.Equal(t, fc.Offset, act.Offset, "relu runs in place")
		act.Offset = fc.Offset + 4
		g.ActivationsSize = max(g.ActivationsSize, act.End())
		require.NoError(t, g.Validate())

		_, err := New(g, nil)
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "act_output_array")
	})

	t.Run("dense output over its input", func(t *testing.T) {
		t.Parallel()
		g := placedHAR(t, core.Float32)
		arrayNamed(t, g, "dense_4_output_array").Offset = 0
		require.NoError(t, g.Validate())

		_, err := New(g, nil)
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "dense_4_output_array")
	})
}

func TestBusy(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), nil)

	n.mu.Lock()
	_, err := n.Run(make([]float32, 30), make([]float32, 2))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = n.RunBatch([][]float32{make([]float32, 30)})
	assert.ErrorIs(t, err, ErrBusy)
	n.mu.Unlock()

	_, err = n.Run(make([]float32, 30), make([]float32, 2))
	assert.NoError(t, err)
}

func TestConcurrentRunsNeverCorrupt(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n := readyNetwork(t, g, randomWeights(t, g, 9), nil)
	input := RandomInput(g, 2)
	want := must.M1(n.Infer(input))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				output, err := n.Infer(input)
				if err != nil {
					assert.ErrorIs(t, err, ErrBusy)
					continue
				}
				assert.Equal(t, want, output)
			}
		}()
	}
	wg.Wait()
}

func TestKernelFailureIsInternal(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), nil)
	n.layers[0].args.Weights.Rows = 7

	_, err := n.Run(make([]float32, 30), make([]float32, 2))
	require.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "dense_3")
	assert.Nil(t, n.layers[0].args.In, "external input stays unbound")
}

type recordingObserver struct {
	NopObserver
	stopAfter int
	samples   []int
	nodes     []string
}

func (o *recordingObserver) OnSampleBegin(idx int) { o.samples = append(o.samples, idx) }

func (o *recordingObserver) OnSampleEnd(idx int, _ []float32) bool { return idx < o.stopAfter }

func (o *recordingObserver) OnNodeEnd(_ int, layer *model.Layer, output []float32, _ time.Duration) {
	o.nodes = append(o.nodes, layer.Name)
}

func TestObserver(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	obs := &recordingObserver{stopAfter: 1}
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), &Options{Observer: obs})

	inputs := [][]float32{make([]float32, 30), make([]float32, 30), make([]float32, 30)}
	outputs, err := n.RunBatch(inputs)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
	assert.Equal(t, []int{0, 1}, obs.samples)
	assert.Equal(t, []string{
		"dense_3", "dense_3_nl", "dense_4", "dense_4_nl", "dense_5", "dense_5_nl",
		"dense_3", "dense_3_nl", "dense_4", "dense_4_nl", "dense_5", "dense_5_nl",
	}, obs.nodes)

	_, err = n.RunBatch([][]float32{make([]float32, 30), make([]float32, 3)})
	assert.ErrorIs(t, err, ErrInput)
	assert.Contains(t, err.Error(), "sample 1")
}

func TestProfiler(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	profiler := NewProfiler()
	n := readyNetwork(t, g, core.AlignedBytes(g.WeightsSize), &Options{Observer: profiler})

	inputs := make([][]float32, 4)
	for i := range inputs {
		inputs[i] = RandomInput(g, int64(i))
	}
	_, err := n.RunBatch(inputs)
	require.NoError(t, err)

	assert.Equal(t, int64(4), profiler.Samples())
	layers := profiler.Layers()
	require.Len(t, layers, 6)
	for i, l := range layers {
		assert.Equal(t, i, l.Index)
		assert.Equal(t, int64(4), l.Calls)
		assert.LessOrEqual(t, l.Min, l.Max)
	}
	assert.Equal(t, "dense", layers[0].Op)
	assert.Contains(t, profiler.Table(), "dense_5_nl")
}

func TestReport(t *testing.T) {
	t.Parallel()
	g := placedHAR(t, core.Float32)
	n, err := New(g, nil)
	require.NoError(t, err)

	r := n.Report()
	assert.Equal(t, model.HARName, r.Name)
	assert.Equal(t, model.HARSignature, r.Signature)
	assert.Equal(t, Version, r.RuntimeVersion)
	assert.Equal(t, StateUninitialized, r.State)
	assert.Equal(t, 1672, r.MACC)
	assert.Equal(t, 6368, r.WeightsSize)
	assert.Equal(t, 200, r.ActivationsSize)
	assert.Equal(t, core.Shape{1, 5, 1, 6}, r.Input.Shape)
	assert.Equal(t, 30, r.Input.Count)
	assert.Equal(t, 120, r.Input.Bytes)
	assert.Equal(t, 2, r.Output.Count)
	assert.Equal(t, core.Float32, r.Output.Format)
	require.Len(t, r.Layers, 6)
	assert.Equal(t, 930, r.Layers[0].MACC)
	assert.Equal(t, "softmax", r.Layers[5].Op)
	assert.Zero(t, r.WeightsCRC)

	require.NoError(t, n.Initialize(randomWeights(t, g, 1), core.AlignedBytes(g.ActivationsSize)))
	r = n.Report()
	assert.Equal(t, StateReady, r.State)
	assert.NotZero(t, r.WeightsCRC)
	assert.Contains(t, r.String(), model.HARSignature)
	assert.Contains(t, r.String(), "1,672 MACC")
}
