// Package abi defines the calling convention shared by every compiled kernel, on every backend.
//
// A kernel receives one raw address per operand, each pointing to a contiguous run of float64 values,
// plus three parallel int32 arrays giving, per operand, the element offset where its logical view begins
// (offset), its declared extent (size) and the stride used to advance along its leading dimension (dim0).
// Work is expressed as a flat range of work-items [0, globalTotal), walked by a grid-stride loop:
//
//	for id := globalIndex; id < globalTotal; id += stride { ... }
//
// Each globalIndex in [0, stride) selects an interleaved slice of the work that can be executed independently
// of the others, on a different goroutine or in a different dispatch.
//
// Kernels trust the Descriptor completely and never bounds check. Descriptors can therefore only be built
// through the validating Builder, or with Trusted as an explicit escape hatch.
package abi

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultStrideCount is the number of interleaved slices work is partitioned into, and the grid-stride step
// compiled into generated kernels.
const DefaultStrideCount = 20

// StrideEnv is the environment variable that overrides the stride count used when none is given.
const StrideEnv = "KERNELRT_STRIDE"

// StrideCount returns the process-wide stride count: the value of $KERNELRT_STRIDE if set to a positive
// integer, otherwise DefaultStrideCount. It is read once.
var StrideCount = sync.OnceValue(func() int {
	v, found := os.LookupEnv(StrideEnv)
	if !found || v == "" {
		return DefaultStrideCount
	}
	stride, err := strconv.Atoi(v)
	if err != nil || stride < 1 {
		klog.Warningf("Invalid $%s=%q, using default stride count %d", StrideEnv, v, DefaultStrideCount)
		return DefaultStrideCount
	}
	return stride
})

// Descriptor holds the per-call arguments of a kernel invocation. It is read-only to kernels.
type Descriptor struct {
	args                  []unsafe.Pointer
	lengths               []int
	offsets, sizes, dim0s []int32
	globalTotal           int64
	stride                int
	queue                 unsafe.Pointer

	// pinner keeps Go-allocated operands fixed in memory while their addresses are handed to kernels.
	pinner *runtime.Pinner
}

// Trusted creates a Descriptor without any validation: args holds the raw address of each operand and
// offsets, sizes and dim0s must have the same length as args.
//
// Kernels don't check bounds, so malformed values lead to out-of-bounds memory access. Use Builder instead,
// unless the values were already validated elsewhere (e.g., produced by the graph compiler).
func Trusted(args []uint64, offsets, sizes, dim0s []int32, globalTotal int64) *Descriptor {
	d := &Descriptor{
		args:        make([]unsafe.Pointer, len(args)),
		lengths:     make([]int, len(args)),
		offsets:     offsets,
		sizes:       sizes,
		dim0s:       dim0s,
		globalTotal: globalTotal,
		stride:      StrideCount(),
	}
	for ii, addr := range args {
		d.args[ii] = unsafe.Pointer(uintptr(addr))
		d.lengths[ii] = -1
	}
	if Debug {
		if err := checkDescriptor(d); err != nil {
			panic(err)
		}
	}
	return d
}

// Count returns the number of operands.
func (d *Descriptor) Count() int { return len(d.args) }

// GlobalTotal returns the total number of work-items of the computation.
func (d *Descriptor) GlobalTotal() int64 { return d.globalTotal }

// Stride returns the grid-stride step, also the number of independent slices of the work.
func (d *Descriptor) Stride() int { return d.stride }

// Queue returns the opaque command queue handle passed to GPU-oriented kernels, or nil.
func (d *Descriptor) Queue() unsafe.Pointer { return d.queue }

// Pointer returns the start address of operand i.
func (d *Descriptor) Pointer(i int) unsafe.Pointer { return d.args[i] }

// Address returns the start address of operand i as a 64-bit integer.
func (d *Descriptor) Address(i int) uint64 { return uint64(uintptr(d.args[i])) }

// Offset returns the element offset where the logical view of operand i begins.
func (d *Descriptor) Offset(i int) int32 { return d.offsets[i] }

// Size returns the declared extent of operand i.
func (d *Descriptor) Size(i int) int32 { return d.sizes[i] }

// Dim0 returns the leading-dimension stride of operand i.
func (d *Descriptor) Dim0(i int) int32 { return d.dim0s[i] }

// Offsets returns the offsets of all operands. It must not be modified.
func (d *Descriptor) Offsets() []int32 { return d.offsets }

// Sizes returns the sizes of all operands. It must not be modified.
func (d *Descriptor) Sizes() []int32 { return d.sizes }

// Dim0s returns the leading-dimension strides of all operands. It must not be modified.
func (d *Descriptor) Dim0s() []int32 { return d.dim0s }

// Addresses returns the start address of every operand.
func (d *Descriptor) Addresses() []uint64 {
	addrs := make([]uint64, len(d.args))
	for ii := range d.args {
		addrs[ii] = d.Address(ii)
	}
	return addrs
}

// Float64s returns operand i as a float64 slice starting at its buffer start (not at its offset).
//
// Operands built from Go slices or sized buffers have their full length. Operands created with Trusted have
// no known length, and the slice extends to the end of the last work-item's view.
func (d *Descriptor) Float64s(i int) []float64 {
	n := d.extent(i)
	if d.args[i] == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*float64)(d.args[i]), n)
}

// extent returns the number of elements of operand i's buffer: its length if known, otherwise the end of the
// view of the last work-item.
func (d *Descriptor) extent(i int) int {
	if d.lengths[i] >= 0 {
		return d.lengths[i]
	}
	if d.globalTotal == 0 {
		return int(d.offsets[i]) + int(d.sizes[i])
	}
	return int(int64(d.offsets[i]) + (d.globalTotal-1)*int64(d.dim0s[i]) + int64(d.sizes[i]))
}

// Locate returns the element index, in operand i's buffer, of the k-th value of work-item id:
// offset + id*dim0 + k. A zero dim0 makes every work-item address the same values (broadcast).
func (d *Descriptor) Locate(i int, id int64, k int) int {
	idx := int(int64(d.offsets[i]) + id*int64(d.dim0s[i]) + int64(k))
	if Debug {
		d.assertInBounds(i, id, idx)
	}
	return idx
}

// Release unpins any Go memory referenced by the descriptor. The descriptor must not be used afterward.
// It is a no-op for descriptors that don't reference Go memory, and calling it twice is safe.
func (d *Descriptor) Release() {
	if d.pinner != nil {
		d.pinner.Unpin()
		d.pinner = nil
	}
}

// String implements fmt.Stringer, for logging.
func (d *Descriptor) String() string {
	return "abi.Descriptor{count=" + strconv.Itoa(d.Count()) +
		", globalTotal=" + strconv.FormatInt(d.globalTotal, 10) +
		", stride=" + strconv.Itoa(d.stride) + "}"
}

// errNilDescriptor is returned by the runners when given a nil descriptor.
var errNilDescriptor = errors.New("nil kernel descriptor")
