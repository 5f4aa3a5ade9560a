package runtime

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/model"
)

// Pool holds several networks over one graph. They share the read-only
// weights arena; each owns its activations arena. A network is lent to one
// run at a time, so runs on a Pool never see ErrBusy.
type Pool struct {
	graph *model.Graph
	nets  []*Network
	free  chan *Network

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool initializes size networks over weights. A size of zero or less
// uses one network per CPU. opts, including its Observer, is shared by all
// networks.
func NewPool(g *model.Graph, weights []byte, size int, opts *Options) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		graph:  g,
		free:   make(chan *Network, size),
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		n, err := New(g, opts)
		if err != nil {
			p.destroyAll()
			return nil, errors.WithMessagef(err, "pool network %d", i)
		}
		if err := n.Initialize(weights, core.AlignedBytes(g.ActivationsSize)); err != nil {
			p.destroyAll()
			return nil, errors.WithMessagef(err, "pool network %d", i)
		}
		p.nets = append(p.nets, n)
		p.free <- n
	}
	klog.V(1).Infof("pool for %q: %d networks, %d activation bytes each", g.Name, size, g.ActivationsSize)
	return p, nil
}

// Size returns the number of networks in the pool.
func (p *Pool) Size() int { return len(p.nets) }

// Graph returns the graph shared by the pool.
func (p *Pool) Graph() *model.Graph { return p.graph }

func (p *Pool) acquire(ctx context.Context) (*Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-p.closed:
		return nil, stateErrorf("pool closed")
	default:
	}
	select {
	case n := <-p.free:
		return n, nil
	case <-p.closed:
		return nil, stateErrorf("pool closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(n *Network) { p.free <- n }

// Run borrows a network, waiting for one to be free or ctx to be done.
func (p *Pool) Run(ctx context.Context, input, output []float32) (int, error) {
	n, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer p.release(n)
	return n.Run(input, output)
}

// Infer is Run into a newly allocated output slice.
func (p *Pool) Infer(ctx context.Context, input []float32) ([]float32, error) {
	output := make([]float32, p.graph.OutputArray().Count)
	if _, err := p.Run(ctx, input, output); err != nil {
		return nil, err
	}
	return output, nil
}

// RunBatch runs the inputs concurrently, at most Size at a time. outputs[i]
// belongs to inputs[i]. The first failure cancels the remaining samples.
func (p *Pool) RunBatch(ctx context.Context, inputs [][]float32) ([][]float32, error) {
	outputs := make([][]float32, len(inputs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.Size())
	for i := range inputs {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			out, err := p.Infer(ctx, inputs[i])
			if err != nil {
				return errors.WithMessagef(err, "sample %d", i)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Close waits for in-flight runs to finish and destroys every network.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		for range p.nets {
			<-p.free
		}
		p.destroyAll()
	})
	return nil
}

func (p *Pool) destroyAll() {
	for _, n := range p.nets {
		if err := n.Destroy(); err != nil {
			klog.Warningf("pool for %q: %v", p.graph.Name, err)
		}
	}
}
