// kernelrt_batch runs one kernel over the operands staged in a batch directory, writing the results back to the
// operand files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/kernelrt/harness"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDir         = flag.String("dir", "", "Batch directory with the count, sizes and offsets files and one file per operand")
	flagKernel      = flag.String("kernel", "", "Name of a built-in kernel (e.g. \"square\"), used when -library is not set")
	flagLibrary     = flag.String("library", "", "Shared library exporting the batch kernel. Bare names are searched in $KERNELRT_LIBRARY_PATH")
	flagSymbol      = flag.String("symbol", "", "Symbol of the batch kernel in -library, \"apply\" if not set")
	flagConfig      = flag.String("config", "", "Optional YAML job file with the fields dir, kernel, library, symbol and metrics_file. Flags override it")
	flagMetricsFile = flag.String("metrics_file", "", "If set, metrics are written to this file in Prometheus text format")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `kernelrt_batch applies a kernel to the operands of a batch directory.

$ kernelrt_batch -dir=<batch_dir> -kernel=square
$ kernelrt_batch -dir=<batch_dir> -library=libkernels.so -symbol=apply

The batch directory holds "count" (one big-endian int32 N), "sizes" and "offsets" (N big-endian int32 each),
and the operand files "0" to "N-1" with big-endian float64 values. Operands are overwritten with their values
after the kernel runs.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	var job harness.Job
	if *flagConfig != "" {
		job = must.M1(harness.LoadJob(*flagConfig))
	}
	job = job.Merge(harness.Job{
		Dir:         *flagDir,
		Kernel:      *flagKernel,
		Library:     *flagLibrary,
		Symbol:      *flagSymbol,
		MetricsFile: *flagMetricsFile,
	})
	if job.Dir == "" {
		fmt.Fprintln(os.Stderr, "The batch directory must be given with the -dir flag or in the -config file!")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(1)
	}
	if err := job.Run(); err != nil {
		klog.Fatalf("Batch failed: %+v", err)
	}
}
