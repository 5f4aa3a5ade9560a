package planner

import (
	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/kernels"
	"github.com/sbl8/staticnn/model"
)

// Lifetime is the closed interval of chain positions during which an
// activation array holds a live value.
type Lifetime struct {
	Array   int // index into the graph's Arrays
	Def     int // position of the layer writing the array
	LastUse int // greatest position of a layer reading it, Def if never read
}

// Overlaps reports whether both arrays are live at some common chain position.
func (l Lifetime) Overlaps(o Lifetime) bool {
	return l.Def <= o.LastUse && o.Def <= l.LastUse
}

// Lifetimes returns one Lifetime per activation-region array, in array order.
func Lifetimes(g *model.Graph) []Lifetime {
	def := make(map[int]int)
	last := make(map[int]int)
	for pos, li := range g.Order() {
		l := &g.Layers[li]
		for _, ti := range l.Inputs {
			last[g.Tensors[ti].Array] = pos
		}
		for _, ti := range l.Outputs {
			def[g.Tensors[ti].Array] = pos
		}
	}

	var lts []Lifetime
	for ai := range g.Arrays {
		if g.Arrays[ai].Region != core.RegionActivations {
			continue
		}
		lt := Lifetime{Array: ai, Def: def[ai], LastUse: def[ai]}
		if u, ok := last[ai]; ok && u > lt.LastUse {
			lt.LastUse = u
		}
		lts = append(lts, lt)
	}
	return lts
}

// inPlacePair reports whether next may be written over prev: prev dies at the
// very layer that defines next, that layer reads prev and writes next with an
// element-wise kernel, and next is no larger than prev.
func inPlacePair(g *model.Graph, prev, next Lifetime, opts Options) bool {
	if !opts.InPlace || prev.LastUse != next.Def {
		return false
	}
	order := g.Order()
	if next.Def < 0 || next.Def >= len(order) {
		return false
	}
	li := order[next.Def]
	l := &g.Layers[li]
	if g.LayerInput(li).Array != prev.Array || g.LayerOutput(li).Array != next.Array {
		return false
	}
	if !kernels.InPlaceSafe(l.Op()) {
		return false
	}
	return g.Arrays[next.Array].Bytes() <= g.Arrays[prev.Array].Bytes()
}
