// nnrun loads model files and runs, inspects or benchmarks them.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sbl8/staticnn/runtime"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nnrun",
		Short:        "Run static neural network models",
		Version:      runtime.Version,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newReportCmd(), newBenchCmd())

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
