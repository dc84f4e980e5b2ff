package harness

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run executes the batch in dir with kernel k: reads the metadata and operands, applies the kernel, writes the
// operands back, and frees them.
func Run(dir string, k Kernel) error {
	b, err := ReadBatch(dir)
	if err != nil {
		return errors.WithMessagef(err, "batch %q", dir)
	}
	var values int
	for _, arg := range b.Args {
		values += len(arg)
	}
	klog.V(1).Infof("batch %q: %d operands, %s of values", dir, b.Count(), humanize.Bytes(uint64(8*values)))

	if err := k.Apply(b.Args, b.Offsets, b.Sizes); err != nil {
		return errors.WithMessagef(err, "batch %q, kernel %q", dir, k.Name())
	}
	if err := WriteOperands(dir, b); err != nil {
		return errors.WithMessagef(err, "batch %q", dir)
	}
	metrics.RecordHarnessOperands(b.Count())
	b.Args = nil
	return nil
}
