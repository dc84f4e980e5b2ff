package harness

import (
	"os"

	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/gomlx/kernelrt/native"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Job describes one batch execution. It can be loaded from a YAML file with LoadJob.
type Job struct {
	// Dir is the batch directory.
	Dir string `yaml:"dir"`

	// Kernel is the name of a registered kernel. Ignored if Library is set.
	Kernel string `yaml:"kernel"`

	// Library is a shared library exporting the batch entry point Symbol.
	Library string `yaml:"library"`

	// Symbol of the entry point in Library, "apply" if empty.
	Symbol string `yaml:"symbol"`

	// MetricsFile, if set, receives the metrics in Prometheus text format after the batch.
	MetricsFile string `yaml:"metrics_file"`
}

// LoadJob reads a Job from the YAML file at path. Unknown fields are rejected.
func LoadJob(path string) (Job, error) {
	var job Job
	f, err := os.Open(path)
	if err != nil {
		return job, errors.Wrapf(err, "failed to open job file")
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		return job, errors.Wrapf(err, "failed to parse job file %q", path)
	}
	return job, nil
}

// Merge returns the job with the non-empty fields of override replacing its own.
func (job Job) Merge(override Job) Job {
	for _, field := range []struct {
		dst *string
		src string
	}{
		{&job.Dir, override.Dir},
		{&job.Kernel, override.Kernel},
		{&job.Library, override.Library},
		{&job.Symbol, override.Symbol},
		{&job.MetricsFile, override.MetricsFile},
	} {
		if field.src != "" {
			*field.dst = field.src
		}
	}
	return job
}

// Run executes the job.
func (job Job) Run() error {
	if job.Dir == "" {
		return errors.New("batch job without a directory")
	}
	var k Kernel
	if job.Library != "" {
		lib, err := native.Open(job.Library)
		if err != nil {
			return err
		}
		defer func() {
			if err := lib.Close(); err != nil {
				klog.Errorf("%v", err)
			}
		}()
		symbol := job.Symbol
		if symbol == "" {
			symbol = native.DefaultSymbol
		}
		fn, err := lib.BatchFunc(symbol)
		if err != nil {
			return err
		}
		k = NativeKernel(fn)
	} else {
		if job.Kernel == "" {
			return errors.New("batch job needs either a kernel name or a library")
		}
		var err error
		if k, err = Lookup(job.Kernel); err != nil {
			return err
		}
	}
	if err := Run(job.Dir, k); err != nil {
		return err
	}
	if job.MetricsFile != "" {
		return metrics.WriteTextfile(job.MetricsFile)
	}
	return nil
}
