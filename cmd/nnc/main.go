// nnc compiles network descriptions into placed model files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sbl8/staticnn/compiler"
	"github.com/sbl8/staticnn/model"
)

const version = "1.0.0"

func newRootCmd() *cobra.Command {
	opts := compiler.DefaultOptions()
	noInPlace := false

	cmd := &cobra.Command{
		Use:          "nnc <src.nn> <out.snn>",
		Short:        "Compile a network description into a model file",
		Version:      version,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.InPlace = !noInPlace
			src, out := args[0], args[1]
			if err := compiler.CompileWithOptions(src, out, opts); err != nil {
				return err
			}
			g, err := model.ReadFile(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s: %s, weights %d B, activations %d B\n",
				src, out, g.Summary(), g.WeightsSize, g.ActivationsSize)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Alignment, "alignment", opts.Alignment, "Arena offset alignment in bytes (power of two, at least 4)")
	cmd.Flags().BoolVar(&noInPlace, "no-inplace", false, "Never let element-wise layers overwrite their input")
	cmd.Flags().BoolVar(&opts.ValidateGraph, "validate", opts.ValidateGraph, "Check the placed graph for aliasing before writing")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	return cmd
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
