package runtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/sbl8/staticnn/model"
)

// Observer is notified while a Network runs. Callbacks run on the calling
// goroutine, synchronously, while the network is held.
type Observer interface {
	// OnSampleBegin is called before sample idx of a batch.
	OnSampleBegin(idx int)
	// OnSampleEnd is called with the output of sample idx. Returning false stops the batch.
	OnSampleEnd(idx int, output []float32) bool
	// OnNodeBegin is called before layer li runs.
	OnNodeBegin(li int, layer *model.Layer)
	// OnNodeEnd is called after layer li ran, with a view of its output valid only during the call.
	OnNodeEnd(li int, layer *model.Layer, output []float32, d time.Duration)
}

// NopObserver implements Observer with no-ops; embed it to override selected callbacks.
type NopObserver struct{}

func (NopObserver) OnSampleBegin(int)                                     {}
func (NopObserver) OnSampleEnd(int, []float32) bool                       { return true }
func (NopObserver) OnNodeBegin(int, *model.Layer)                         {}
func (NopObserver) OnNodeEnd(int, *model.Layer, []float32, time.Duration) {}

// LayerProfile accumulates the timings of one layer.
type LayerProfile struct {
	Index int
	Name  string
	Op    string
	Calls int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration per call.
func (p *LayerProfile) Mean() time.Duration {
	if p.Calls == 0 {
		return 0
	}
	return p.Total / time.Duration(p.Calls)
}

// Profiler is an Observer collecting per-layer durations. It is safe to share
// between the networks of a Pool.
type Profiler struct {
	NopObserver

	mu      sync.Mutex
	layers  map[int]*LayerProfile
	samples int64
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{layers: make(map[int]*LayerProfile)}
}

func (p *Profiler) OnSampleEnd(int, []float32) bool {
	p.mu.Lock()
	p.samples++
	p.mu.Unlock()
	return true
}

func (p *Profiler) OnNodeEnd(li int, layer *model.Layer, _ []float32, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp, ok := p.layers[li]
	if !ok {
		lp = &LayerProfile{Index: li, Name: layer.Name, Op: layer.Op().String(), Min: d}
		p.layers[li] = lp
	}
	lp.Calls++
	lp.Total += d
	lp.Min = min(lp.Min, d)
	lp.Max = max(lp.Max, d)
}

// Samples returns the number of completed samples observed.
func (p *Profiler) Samples() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

// Layers returns a copy of the per-layer profiles in chain order.
func (p *Profiler) Layers() []LayerProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LayerProfile, 0, len(p.layers))
	for _, lp := range p.layers {
		out = append(out, *lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Table renders the profile as a terminal table.
func (p *Profiler) Table() string {
	layers := p.Layers()
	var total time.Duration
	for _, lp := range layers {
		total += lp.Total
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return header
			}
			return cell
		}).
		Headers("#", "layer", "op", "calls", "mean", "min", "max", "share")
	for _, lp := range layers {
		share := 0.0
		if total > 0 {
			share = 100 * float64(lp.Total) / float64(total)
		}
		t.Row(
			fmt.Sprint(lp.Index), lp.Name, lp.Op,
			humanize.Comma(lp.Calls),
			lp.Mean().String(), lp.Min.String(), lp.Max.String(),
			fmt.Sprintf("%.1f%%", share),
		)
	}
	return t.Render()
}
