package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/model"
	"github.com/sbl8/staticnn/runtime"
)

func newRunCmd() *cobra.Command {
	var (
		workers int
		random  int
		seed    int64
		binary  bool
		profile bool
	)
	cmd := &cobra.Command{
		Use:   "run <model.snn> [input...]",
		Short: "Run inference and print one output per line",
		Long: "Run inference on every sample of the inputs. Text inputs hold one sample per line, " +
			"values separated by spaces or commas; --binary inputs are raw little-endian float32 files " +
			"holding one or more samples. Without inputs, samples are read from stdin.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtime.DefaultOptions()
			var profiler *runtime.Profiler
			if profile {
				profiler = runtime.NewProfiler()
				opts.Observer = profiler
			}

			outputs, err := runInputs(cmd, args[0], &opts, workers, func(g *model.Graph) ([][]float32, error) {
				return collectInputs(cmd, args[1:], g, random, seed, binary)
			})
			for _, out := range outputs {
				fmt.Fprintln(cmd.OutOrStdout(), formatFloats(out))
			}
			if profiler != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), profiler.Table())
			}
			return err
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of networks running samples concurrently")
	cmd.Flags().IntVar(&random, "random", 0, "Run this many random samples instead of reading inputs")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed of the first random sample")
	cmd.Flags().BoolVar(&binary, "binary", false, "Inputs are raw little-endian float32 files")
	cmd.Flags().BoolVar(&profile, "profile", false, "Print per-layer timings to stderr")
	return cmd
}

// runInputs loads the model, on a Pool when workers > 1, and runs every sample.
// Outputs produced before a failure are returned with the error.
func runInputs(cmd *cobra.Command, path string, opts *runtime.Options, workers int,
	inputs func(*model.Graph) ([][]float32, error)) ([][]float32, error) {
	if workers > 1 {
		pool, err := runtime.LoadPool(path, workers, opts)
		if err != nil {
			return nil, err
		}
		defer func() { _ = pool.Close() }()
		samples, err := inputs(pool.Graph())
		if err != nil {
			return nil, err
		}
		return pool.RunBatch(cmd.Context(), samples)
	}
	n, err := runtime.Load(path, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = n.Destroy() }()
	samples, err := inputs(n.Graph())
	if err != nil {
		return nil, err
	}
	return n.RunBatch(samples)
}

func collectInputs(cmd *cobra.Command, paths []string, g *model.Graph, random int, seed int64, binary bool) ([][]float32, error) {
	if random > 0 {
		inputs := make([][]float32, random)
		for i := range inputs {
			inputs[i] = runtime.RandomInput(g, seed+int64(i))
		}
		return inputs, nil
	}
	count := g.InputArray().Count
	if len(paths) == 0 {
		return readText(cmd.InOrStdin(), "stdin")
	}
	var inputs [][]float32
	for _, path := range paths {
		var (
			samples [][]float32
			err     error
		)
		if binary {
			samples, err = readBinary(path, count)
		} else {
			var f *os.File
			if f, err = os.Open(path); err == nil {
				samples, err = readText(f, path)
				_ = f.Close()
			}
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, samples...)
	}
	return inputs, nil
}

// readText reads one sample per non-empty line.
func readText(r io.Reader, name string) ([][]float32, error) {
	var samples [][]float32
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		values, err := parseFloats(text)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s:%d", name, line)
		}
		samples = append(samples, values)
	}
	return samples, errors.Wrapf(scanner.Err(), "reading %s", name)
}

func readBinary(path string, count int) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	values, err := core.BytesToFloats(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	if len(values) == 0 || len(values)%count != 0 {
		return nil, errors.Errorf("%q holds %d values, not a multiple of the %d input elements", path, len(values), count)
	}
	var samples [][]float32
	for len(values) > 0 {
		samples = append(samples, values[:count:count])
		values = values[count:]
	}
	return samples, nil
}

func parseFloats(text string) ([]float32, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	values := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, errors.Errorf("invalid value %q", f)
		}
		values[i] = float32(v)
	}
	return values, nil
}

func formatFloats(values []float32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strings.Join(parts, " ")
}
