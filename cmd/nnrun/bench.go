package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"

	"github.com/sbl8/staticnn/runtime"
)

func newBenchCmd() *cobra.Command {
	var (
		iterations int
		warmup     int
		workers    int
		seed       int64
		profile    bool
	)
	cmd := &cobra.Command{
		Use:   "bench <model.snn>",
		Short: "Measure inference latency and throughput on random inputs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			opts := runtime.DefaultOptions()
			opts.EnableStats = true
			profiler := runtime.NewProfiler()
			w := cmd.OutOrStdout()

			var elapsed time.Duration
			var stats *runtime.Stats
			if workers > 1 {
				pool := must.M1(runtime.LoadPool(args[0], workers, &opts))
				defer func() { _ = pool.Close() }()
				inputs := make([][]float32, iterations)
				for i := range inputs {
					inputs[i] = runtime.RandomInput(pool.Graph(), seed+int64(i))
				}
				_ = must.M1(pool.RunBatch(cmd.Context(), inputs[:min(warmup, len(inputs))]))
				start := time.Now()
				_ = must.M1(pool.RunBatch(cmd.Context(), inputs))
				elapsed = time.Since(start)
			} else {
				if profile {
					opts.Observer = profiler
				}
				n := must.M1(runtime.Load(args[0], &opts))
				defer func() { _ = n.Destroy() }()
				input := runtime.RandomInput(n.Graph(), seed)
				output := make([]float32, n.OutputCount())
				for i := 0; i < warmup; i++ {
					_ = must.M1(n.Run(input, output))
				}
				start := time.Now()
				for i := 0; i < iterations; i++ {
					_ = must.M1(n.Run(input, output))
				}
				elapsed = time.Since(start)
				s := n.Stats()
				stats = &s
			}

			fmt.Fprintln(w, titleStyle.Render("Benchmark"))
			table := newPlainTable()
			table.Row("model", args[0])
			table.Row("workers", fmt.Sprint(max(workers, 1)))
			table.Row("iterations", humanize.Comma(int64(iterations)))
			table.Row("elapsed", elapsed.String())
			if iterations > 0 {
				table.Row("mean latency", (elapsed / time.Duration(iterations)).String())
				table.Row("throughput", fmt.Sprintf("%s inferences/s",
					humanize.CommafWithDigits(float64(iterations)/elapsed.Seconds(), 1)))
			}
			if stats != nil {
				table.Row("runs", humanize.Comma(stats.TotalRuns))
				table.Row("average run latency", stats.AverageLatency.String())
			}
			fmt.Fprintln(w, table.Render())
			if profile && workers <= 1 {
				fmt.Fprintln(w, titleStyle.Render("Layers"))
				fmt.Fprintln(w, profiler.Table())
			}
		},
	}
	cmd.Flags().IntVar(&iterations, "iter", 10000, "Number of timed inferences")
	cmd.Flags().IntVar(&warmup, "warmup", 100, "Number of untimed inferences run first")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of networks running concurrently")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed of the random inputs")
	cmd.Flags().BoolVar(&profile, "profile", false, "Also print per-layer timings (single worker only)")
	return cmd
}
