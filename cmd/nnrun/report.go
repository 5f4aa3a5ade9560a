package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/runtime"
)

func newReportCmd() *cobra.Command {
	var arrays bool
	cmd := &cobra.Command{
		Use:   "report <model.snn>",
		Short: "Describe a model: I/O, arena sizes, complexity and layers",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n := must.M1(runtime.Load(args[0], nil))
			defer func() { _ = n.Destroy() }()
			w := cmd.OutOrStdout()
			r := n.Report()

			fmt.Fprintln(w, titleStyle.Render("Summary"))
			summary := newPlainTable()
			summary.Row("model", args[0])
			summary.Row("name", r.Name)
			summary.Row("signature", r.Signature)
			summary.Row("runtime", r.RuntimeVersion)
			summary.Row("input", r.Input.String())
			summary.Row("output", r.Output.String())
			summary.Row("weights", humanize.Bytes(uint64(r.WeightsSize)))
			summary.Row("activations", humanize.Bytes(uint64(r.ActivationsSize)))
			summary.Row("MACC", humanize.Comma(int64(r.MACC)))
			summary.Row("weights crc", fmt.Sprintf("%08x", r.WeightsCRC))
			fmt.Fprintln(w, summary.Render())

			fmt.Fprintln(w, titleStyle.Render("Layers"))
			layers := newPlainTable("#", "layer", "op", "input", "output", "MACC", "share")
			for _, l := range r.Layers {
				layers.Row(
					fmt.Sprint(l.Index), l.Name, l.Op, l.Input.String(), l.Output.String(),
					humanize.Comma(int64(l.MACC)),
					fmt.Sprintf("%.1f%%", 100*float64(l.MACC)/float64(max(r.MACC, 1))),
				)
			}
			fmt.Fprintln(w, layers.Render())

			if !arrays {
				return
			}
			fmt.Fprintln(w, titleStyle.Render("Arrays"))
			table := newPlainTable("#", "array", "format", "region", "offset", "bytes")
			g := n.Graph()
			for i := range g.Arrays {
				a := &g.Arrays[i]
				offset := "-"
				if a.Region != core.RegionExternal {
					offset = humanize.Comma(int64(a.Offset))
				}
				table.Row(fmt.Sprint(i), a.Name, a.Format.String(), a.Region.String(), offset, humanize.Comma(int64(a.Bytes())))
			}
			fmt.Fprintln(w, table.Render())
		},
	}
	cmd.Flags().BoolVar(&arrays, "arrays", false, "Also list every array with its arena placement")
	return cmd
}
