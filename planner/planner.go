// Package planner assigns every array of a graph a fixed byte offset in one of
// the two arenas.
//
// Weights are packed back to back in declaration order and never reused.
// Activations share a scratch arena: two activation arrays may occupy
// overlapping bytes only when their lifetimes along the chain are disjoint, or
// when an element-wise layer overwrites its own input in place (both arrays
// then start at the same offset). Placement is a greedy interval coloring that
// visits arrays in definition order and takes the lowest offset that does not
// collide with any live array.
package planner

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/model"
)

// Options control placement.
type Options struct {
	// Alignment of every offset, in bytes. Must be a power of two and at least 4.
	Alignment int
	// InPlace lets element-wise layers write over their input.
	InPlace bool
}

// DefaultOptions returns float32 alignment with in-place reuse enabled.
func DefaultOptions() Options {
	return Options{
		Alignment: core.DefaultAlignment,
		InPlace:   true,
	}
}

func (o Options) validate() error {
	if o.Alignment < core.DefaultAlignment || !core.IsPowerOfTwo(o.Alignment) {
		return errors.Errorf("alignment must be a power of two >= %d, got %d", core.DefaultAlignment, o.Alignment)
	}
	return nil
}

// Placement is the offset assigned to one array.
type Placement struct {
	Array  int
	Name   string
	Offset int
	Size   int // bytes
	// Alias is the array whose storage is overwritten in place, -1 if none.
	Alias int
}

// End returns the first byte past the placement.
func (p Placement) End() int { return p.Offset + p.Size }

// Plan is the placement map of a graph.
type Plan struct {
	Weights         []Placement
	Activations     []Placement
	WeightsSize     int
	ActivationsSize int
	Lifetimes       []Lifetime
}

// PlanWeights packs the weight arrays back to back in declaration order.
func PlanWeights(g *model.Graph, opts Options) (*Plan, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	plan := &Plan{}
	cursor := 0
	for ai := range g.Arrays {
		a := &g.Arrays[ai]
		if a.Region != core.RegionWeights {
			continue
		}
		off := core.AlignSize(cursor, opts.Alignment)
		plan.Weights = append(plan.Weights, Placement{
			Array: ai, Name: a.Name, Offset: off, Size: a.Bytes(), Alias: -1,
		})
		cursor = off + a.Bytes()
	}
	plan.WeightsSize = cursor
	return plan, nil
}

// PlanActivations places the activation arrays in the shared scratch arena.
func PlanActivations(g *model.Graph, opts Options) (*Plan, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	lts := Lifetimes(g)
	byDef := slices.Clone(lts)
	slices.SortStableFunc(byDef, func(a, b Lifetime) int {
		if a.Def != b.Def {
			return a.Def - b.Def
		}
		return a.Array - b.Array
	})

	plan := &Plan{Lifetimes: lts}
	var placed []Placement
	var placedLts []Lifetime
	for _, lt := range byDef {
		arr := &g.Arrays[lt.Array]
		size := arr.Bytes()

		var live []int // indices into placed
		partner := -1
		for i, other := range placedLts {
			if !other.Overlaps(lt) {
				continue
			}
			live = append(live, i)
			if partner < 0 && inPlacePair(g, other, lt, opts) {
				partner = i
			}
		}

		candidates := []int{0}
		for _, i := range live {
			candidates = append(candidates, core.AlignSize(placed[i].End(), opts.Alignment))
		}
		if partner >= 0 {
			candidates = append(candidates, placed[partner].Offset)
		}
		slices.Sort(candidates)

		offset := -1
		for _, c := range candidates {
			if fits(c, size, live, partner, placed) {
				offset = c
				break
			}
		}
		if offset < 0 {
			// The end of the highest live array always fits.
			return nil, errors.Errorf("no offset found for activation array %q", arr.Name)
		}

		p := Placement{Array: lt.Array, Name: arr.Name, Offset: offset, Size: size, Alias: -1}
		if partner >= 0 && offset == placed[partner].Offset {
			p.Alias = placed[partner].Array
		}
		placed = append(placed, p)
		placedLts = append(placedLts, lt)
		if p.End() > plan.ActivationsSize {
			plan.ActivationsSize = p.End()
		}
	}

	slices.SortFunc(placed, func(a, b Placement) int { return a.Array - b.Array })
	plan.Activations = placed
	return plan, nil
}

// fits reports whether [offset, offset+size) is free of every live placement,
// except for an exact in-place alias of the partner.
func fits(offset, size int, live []int, partner int, placed []Placement) bool {
	for _, i := range live {
		p := placed[i]
		if i == partner && offset == p.Offset {
			continue
		}
		if offset < p.End() && p.Offset < offset+size {
			return false
		}
	}
	return true
}

// PlanGraph places both arenas.
func PlanGraph(g *model.Graph, opts Options) (*Plan, error) {
	if err := g.ValidateStructure(); err != nil {
		return nil, err
	}
	weights, err := PlanWeights(g, opts)
	if err != nil {
		return nil, err
	}
	plan, err := PlanActivations(g, opts)
	if err != nil {
		return nil, err
	}
	plan.Weights = weights.Weights
	plan.WeightsSize = weights.WeightsSize
	return plan, nil
}

// Apply writes the plan's offsets and arena sizes into g. Weight placement is
// refused once weights are embedded, since the blob layout would go stale.
func Apply(g *model.Graph, plan *Plan) error {
	if len(plan.Weights) > 0 && g.Weights != nil {
		return errors.Errorf("network %q already embeds weights, cannot move them", g.Name)
	}
	for _, p := range append(slices.Clone(plan.Weights), plan.Activations...) {
		if p.Array < 0 || p.Array >= len(g.Arrays) {
			return errors.Errorf("placement %q references array %d, graph has %d", p.Name, p.Array, len(g.Arrays))
		}
		if g.Arrays[p.Array].Bytes() != p.Size {
			return errors.Errorf("placement %q is %d bytes, array holds %d", p.Name, p.Size, g.Arrays[p.Array].Bytes())
		}
		g.Arrays[p.Array].Offset = p.Offset
	}
	if plan.Weights != nil {
		g.WeightsSize = plan.WeightsSize
	}
	if plan.Activations != nil {
		g.ActivationsSize = plan.ActivationsSize
	}
	return nil
}

// Verify checks an already placed graph: structural validity, placement
// within the declared sizes, and that any two activation arrays sharing bytes
// are either never live together or form a legal in-place pair.
func Verify(g *model.Graph, opts Options) error {
	if err := g.Validate(); err != nil {
		return err
	}
	lts := Lifetimes(g)
	for i := range lts {
		for j := i + 1; j < len(lts); j++ {
			a, b := lts[i], lts[j]
			arrA, arrB := &g.Arrays[a.Array], &g.Arrays[b.Array]
			if !arrA.Overlaps(arrB) || !a.Overlaps(b) {
				continue
			}
			if arrA.Offset == arrB.Offset && (inPlacePair(g, a, b, opts) || inPlacePair(g, b, a, opts)) {
				continue
			}
			return errors.Errorf("activation arrays %q [%d, %d) and %q [%d, %d) alias while both live",
				arrA.Name, arrA.Offset, arrA.End(), arrB.Name, arrB.Offset, arrB.End())
		}
	}
	return nil
}
