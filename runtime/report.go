package runtime

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/sbl8/staticnn/core"
)

// Version of the runtime, reported alongside every network.
const Version = "1.0.0"

// IOSpec describes the network input or output as seen by the host.
type IOSpec struct {
	Name   string
	Format core.Format
	Shape  core.Shape
	Count  int
	Bytes  int
}

func (s IOSpec) String() string {
	return fmt.Sprintf("%s %s %s (%d elements, %s)", s.Name, s.Format, s.Shape, s.Count, humanize.Bytes(uint64(s.Bytes)))
}

// LayerReport describes one layer of the chain.
type LayerReport struct {
	Index  int
	Name   string
	Op     string
	Input  core.Shape
	Output core.Shape
	MACC   int
}

// Report is the read-only description of a network, available in any state.
type Report struct {
	Name            string
	Signature       string
	RuntimeVersion  string
	State           State
	MACC            int
	Input           IOSpec
	Output          IOSpec
	WeightsSize     int
	ActivationsSize int
	WeightsCRC      uint32 // zero unless ready with Options.ChecksumWeights
	Layers          []LayerReport
}

// Report describes the network. It does not take the network lock and may be
// called from an Observer.
func (n *Network) Report() Report {
	g := n.graph
	r := Report{
		Name:            g.Name,
		Signature:       g.Signature,
		RuntimeVersion:  Version,
		State:           n.State(),
		MACC:            g.MACC(),
		Input:           ioSpec(g.InputTensor(), g.InputArray()),
		Output:          ioSpec(g.OutputTensor(), g.OutputArray()),
		WeightsSize:     g.WeightsSize,
		ActivationsSize: g.ActivationsSize,
		WeightsCRC:      n.weightsCRC.Load(),
	}
	for _, li := range g.Order() {
		l := &g.Layers[li]
		r.Layers = append(r.Layers, LayerReport{
			Index:  li,
			Name:   l.Name,
			Op:     l.Op().String(),
			Input:  g.LayerInput(li).Shape,
			Output: g.LayerOutput(li).Shape,
			MACC:   g.LayerMACC(li),
		})
	}
	return r
}

func ioSpec(t *core.Tensor, arr *core.Array) IOSpec {
	return IOSpec{
		Name:   t.Name,
		Format: arr.Format,
		Shape:  t.Shape,
		Count:  arr.Count,
		Bytes:  arr.Bytes(),
	}
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "network %q (signature %s, runtime %s, %s)\n", r.Name, r.Signature, r.RuntimeVersion, r.State)
	fmt.Fprintf(&sb, "  input:       %s\n", r.Input)
	fmt.Fprintf(&sb, "  output:      %s\n", r.Output)
	fmt.Fprintf(&sb, "  weights:     %s\n", humanize.Bytes(uint64(r.WeightsSize)))
	fmt.Fprintf(&sb, "  activations: %s\n", humanize.Bytes(uint64(r.ActivationsSize)))
	fmt.Fprintf(&sb, "  complexity:  %s MACC over %d layers\n", humanize.Comma(int64(r.MACC)), len(r.Layers))
	if r.WeightsCRC != 0 {
		fmt.Fprintf(&sb, "  weights crc: %08x\n", r.WeightsCRC)
	}
	return sb.String()
}
