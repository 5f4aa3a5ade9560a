package runtime

import (
	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/model"
)

// Load reads a model file with embedded weights and returns a ready network
// owning freshly allocated, cache-line aligned arenas.
func Load(path string, opts *Options) (*Network, error) {
	g, weights, err := loadGraph(path)
	if err != nil {
		return nil, err
	}
	n, err := New(g, opts)
	if err != nil {
		return nil, err
	}
	if err := n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)); err != nil {
		return nil, err
	}
	return n, nil
}

// LoadPool is Load for a Pool of size networks.
func LoadPool(path string, size int, opts *Options) (*Pool, error) {
	g, weights, err := loadGraph(path)
	if err != nil {
		return nil, err
	}
	return NewPool(g, weights, size, opts)
}

func loadGraph(path string) (*model.Graph, []byte, error) {
	g, err := model.ReadFile(path)
	if err != nil {
		return nil, nil, configErrorf("%v", err)
	}
	if g.Weights == nil {
		return nil, nil, configErrorf("model %q in %s has no embedded weights", g.Name, path)
	}
	if len(g.Weights) < g.WeightsSize {
		return nil, nil, configErrorf("model %q embeds %d weight bytes, needs %d", g.Name, len(g.Weights), g.WeightsSize)
	}
	weights := core.AlignedBytes(g.WeightsSize)
	copy(weights, g.Weights)
	return g, weights, nil
}
