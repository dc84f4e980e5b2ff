// Package cbuffer provides non-relocatable host memory allocated in the C heap, and exposes its raw address.
//
// It is the "direct buffer" of kernelrt: memory the Go garbage collector never moves, so its address can be
// handed across the foreign-function boundary (to native kernels or to a device wrapping it without copies)
// and read or written there with no copy.
package cbuffer

/*
#include <stdlib.h>
*/
import "C"
import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CBuffer is a generic wrapper to C data, which is assumed to own the underlying data.
type CBuffer struct {
	wrapper *cBufferWrapper
}

type cBufferWrapper struct {
	size    int
	data    unsafe.Pointer
	aligned bool
	stack   []byte
}

// New returns a CBuffer object to manage the C data.
//
// If `withStack` is set to true, it also stores a stack of where it was created.
// This is used for debugging if it is garbage collected without being freed.
func New(data unsafe.Pointer, size int, withStack bool) *CBuffer {
	b := &CBuffer{&cBufferWrapper{data: data, size: size}}
	if withStack {
		buf := make([]byte, 10*1024)
		n := runtime.Stack(buf, false)
		b.wrapper.stack = buf[:n]
	}
	runtime.AddCleanup(b, func(wrapper *cBufferWrapper) {
		if wrapper.data == nil {
			return // Correctly freed.
		}

		// The data can't be freed here: a kernel may still hold the address returned by Address().
		// A leak with a warning is better than a use-after-free.
		if wrapper.stack == nil {
			klog.Errorf("CBuffer of %d bytes garbage collected without the corresponding data being freed", wrapper.size)
		} else {
			klog.Errorf("CBuffer of %d bytes garbage collected without the corresponding data being freed. Stack:\n%s\n", wrapper.size, wrapper.stack)
		}
	}, b.wrapper)
	return b
}

// Alloc allocates size bytes, zero-initialized, aligned to Alignment bytes.
func Alloc(size int) (*CBuffer, error) {
	if size < 0 {
		return nil, errors.Errorf("cbuffer.Alloc: invalid size %d", size)
	}
	data := AlignedAlloc(uintptr(size), Alignment)
	if data == nil {
		return nil, errors.Errorf("cbuffer.Alloc: failed to allocate %d bytes", size)
	}
	b := New(data, size, false)
	b.wrapper.aligned = true
	return b, nil
}

// NewFromString returns a CBuffer that holds a copy of the given string.
//
// Like a normal CBuffer, it needs to be freed.
func NewFromString(s string, withStack bool) *CBuffer {
	data := unsafe.Pointer(C.CString(s))
	// Notice we don't include the '\0' in the length, even thought it's likely
	// allocated along.
	return New(data, len(s), withStack)
}

func (wrapper *cBufferWrapper) Free() {
	if wrapper.data == nil {
		return
	}
	if wrapper.aligned {
		AlignedFree(wrapper.data)
	} else {
		C.free(wrapper.data)
	}
	wrapper.data = nil
	wrapper.size = 0
}

// Free the underlying data.
// It sets the pointer to nil, so if it is called again, it is a no-op.
func (b *CBuffer) Free() {
	b.wrapper.Free()
}

// Size in bytes. It is 0 after Free.
func (b *CBuffer) Size() int {
	return b.wrapper.size
}

// Pointer returns the start of the data, or nil if it has been freed.
func (b *CBuffer) Pointer() unsafe.Pointer {
	return b.wrapper.data
}

// Address returns the raw address of the data as a 64-bit integer, or 0 if it has been freed.
//
// The address stays valid until Free is called: the memory lives in the C heap and is never moved.
func (b *CBuffer) Address() uint64 {
	return uint64(uintptr(b.wrapper.data))
}

// Bytes returns the buffer as a byte slice.
//
// Ownership is not transferred: remember to free CBuffer afterward.
func (b *CBuffer) Bytes() []byte {
	if b.wrapper.data == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.wrapper.data), b.wrapper.size)
}

// Float64s returns the buffer viewed as float64 values. Trailing bytes that don't fill a value are ignored.
func (b *CBuffer) Float64s() []float64 {
	return View[float64](b)
}

// Float32s returns the buffer viewed as float32 values.
func (b *CBuffer) Float32s() []float32 {
	return View[float32](b)
}

// Int32s returns the buffer viewed as int32 values.
func (b *CBuffer) Int32s() []int32 {
	return View[int32](b)
}

// View returns the buffer viewed as a slice of T. It is only valid until Free is called.
func View[T any](b *CBuffer) []T {
	if b.wrapper.data == nil {
		return nil
	}
	var zero T
	n := b.wrapper.size / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(b.wrapper.data), n)
}

// AddressOf returns the address of the first element of a slice backed by non-relocatable memory
// (a CBuffer view, a memory mapping or a device buffer's contents), or 0 for an empty slice.
//
// It must not be used with slices allocated by Go: the garbage collector may move or free them.
func AddressOf[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(s))))
}
