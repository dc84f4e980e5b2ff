package abi

import (
	"context"
	"iter"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Indices yields the work-items of one grid-stride slice: globalIndex, globalIndex+stride, ... while
// below globalTotal. It yields nothing if globalIndex >= globalTotal.
func Indices(globalIndex, globalTotal int64, stride int) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		step := int64(max(stride, 1))
		for id := globalIndex; id < globalTotal; id += step {
			if !yield(id) {
				return
			}
		}
	}
}

// Kernel is a compiled kernel that executes one grid-stride slice of the work described by a Descriptor.
type Kernel interface {
	// Name of the kernel, for logging and metrics.
	Name() string

	// Apply runs the work-items of the slice starting at globalIndex.
	Apply(d *Descriptor, globalIndex int) error
}

// WorkItemFunc computes one work-item of a Go kernel.
type WorkItemFunc func(d *Descriptor, id int64)

type goKernel struct {
	name string
	fn   WorkItemFunc
}

// NewKernel returns a Kernel implemented in Go, where fn is called for each work-item of the slice.
func NewKernel(name string, fn WorkItemFunc) Kernel {
	return &goKernel{name: name, fn: fn}
}

func (k *goKernel) Name() string { return k.name }

func (k *goKernel) Apply(d *Descriptor, globalIndex int) error {
	if d == nil {
		return errNilDescriptor
	}
	for id := range Indices(int64(globalIndex), d.globalTotal, d.stride) {
		k.fn(d, id)
	}
	return nil
}

// Run executes all d.Stride() slices of the kernel, at most parallelism at a time (no limit if
// parallelism <= 0). It stops scheduling new slices after the first error, or if ctx is cancelled.
//
// A slice can't be interrupted once started.
func Run(ctx context.Context, k Kernel, d *Descriptor, parallelism int) error {
	if d == nil {
		return errNilDescriptor
	}
	slices := make([]int, d.stride)
	for ii := range slices {
		slices[ii] = ii
	}
	return RunSlices(ctx, k, d, slices, parallelism)
}

// RunSlices executes only the given grid-stride slices of the kernel. Work-items of omitted slices are left
// untouched.
func RunSlices(ctx context.Context, k Kernel, d *Descriptor, slices []int, parallelism int) error {
	if d == nil {
		return errNilDescriptor
	}
	for _, s := range slices {
		if s < 0 || s >= d.stride {
			return errors.Errorf("abi.RunSlices(%q): slice %d out of range [0, %d)", k.Name(), s, d.stride)
		}
	}
	g, gCtx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, s := range slices {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			if err := k.Apply(d, s); err != nil {
				return errors.WithMessagef(err, "kernel %q, slice %d", k.Name(), s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return context.Cause(ctx) // Cancelled before all slices were scheduled.
}
