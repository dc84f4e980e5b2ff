package abi

import (
	"math"
	"runtime"
	"unsafe"

	"github.com/gomlx/kernelrt/cbuffer"
	"github.com/pkg/errors"
)

// Builder validates and assembles a Descriptor.
//
// Each operand is given with its offset, size and dim0, and is checked against the global total: every
// work-item's view, [offset + id*dim0, offset + id*dim0 + size), must fit in the operand's buffer.
//
// Errors are kept and only returned by Done, so calls can be chained:
//
//	desc, err := abi.NewBuilder(n).Float64s(out, 0, 1, 1).Float64s(in, 0, 1, 1).Done()
type Builder struct {
	d   *Descriptor
	err error
}

// NewBuilder starts a Descriptor for globalTotal work-items.
func NewBuilder(globalTotal int64) *Builder {
	b := &Builder{d: &Descriptor{globalTotal: globalTotal, stride: StrideCount()}}
	if globalTotal < 0 {
		b.err = errors.Errorf("abi.Builder: negative global total %d", globalTotal)
	}
	return b
}

func (b *Builder) addOperand(name string, ptr unsafe.Pointer, length int, offset, size, dim0 int32) {
	if b.err != nil {
		return
	}
	idx := len(b.d.args)
	if ptr == nil && length > 0 {
		b.err = errors.Errorf("abi.Builder: operand #%d (%s) has a nil address", idx, name)
		return
	}
	if offset < 0 || size < 0 || dim0 < 0 {
		b.err = errors.Errorf("abi.Builder: operand #%d (%s) has negative offset/size/dim0 (%d, %d, %d)",
			idx, name, offset, size, dim0)
		return
	}
	if b.d.globalTotal > 0 && size > 0 {
		last := int64(offset) + (b.d.globalTotal-1)*int64(dim0) + int64(size)
		if last > int64(length) {
			b.err = errors.Errorf("abi.Builder: operand #%d (%s) of %d elements is too small: "+
				"offset=%d, size=%d, dim0=%d over %d work-items reaches element %d",
				idx, name, length, offset, size, dim0, b.d.globalTotal, last)
			return
		}
	}
	if len(b.d.args) >= math.MaxInt32 {
		b.err = errors.Errorf("abi.Builder: too many operands")
		return
	}
	b.d.args = append(b.d.args, ptr)
	b.d.lengths = append(b.d.lengths, length)
	b.d.offsets = append(b.d.offsets, offset)
	b.d.sizes = append(b.d.sizes, size)
	b.d.dim0s = append(b.d.dim0s, dim0)
}

// Float64s adds a Go-allocated operand. The slice is pinned until Descriptor.Release is called.
func (b *Builder) Float64s(data []float64, offset, size, dim0 int32) *Builder {
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(unsafe.SliceData(data))
	}
	b.addOperand("[]float64", ptr, len(data), offset, size, dim0)
	if b.err == nil && ptr != nil {
		if b.d.pinner == nil {
			b.d.pinner = &runtime.Pinner{}
		}
		b.d.pinner.Pin(ptr)
	}
	return b
}

// CBuffer adds an operand living in non-relocatable C memory. It must not be freed while the Descriptor is
// in use.
func (b *Builder) CBuffer(buf *cbuffer.CBuffer, offset, size, dim0 int32) *Builder {
	if buf == nil {
		if b.err == nil {
			b.err = errors.New("abi.Builder: nil CBuffer")
		}
		return b
	}
	b.addOperand("CBuffer", buf.Pointer(), buf.Size()/8, offset, size, dim0)
	return b
}

// Address adds an operand given by its raw address and length in float64 elements: e.g., the contents of a
// shared device buffer. The memory must not move or be freed while the Descriptor is in use.
func (b *Builder) Address(addr uint64, length int, offset, size, dim0 int32) *Builder {
	b.addOperand("address", unsafe.Pointer(uintptr(addr)), length, offset, size, dim0)
	return b
}

// Stride overrides the stride count. It must match the step compiled into the kernels it is used with.
func (b *Builder) Stride(stride int) *Builder {
	if b.err == nil && stride < 1 {
		b.err = errors.Errorf("abi.Builder: stride must be >= 1, got %d", stride)
	}
	b.d.stride = stride
	return b
}

// Queue sets the opaque command queue handle passed to GPU-oriented kernels.
func (b *Builder) Queue(queue unsafe.Pointer) *Builder {
	b.d.queue = queue
	return b
}

// Done returns the Descriptor, or the first error found while building it.
func (b *Builder) Done() (*Descriptor, error) {
	if b.err != nil {
		b.d.Release()
		return nil, b.err
	}
	if err := checkDescriptor(b.d); err != nil {
		b.d.Release()
		return nil, err
	}
	return b.d, nil
}
