package native

/*
#include <stdint.h>

typedef void (*kernelrt_apply_fn)(void *queue, int64_t *args, int32_t *offsets, int32_t *sizes, int32_t *dim0s,
		int32_t count, int32_t global_index, int64_t global_total, int32_t global_id);

static void kernelrt_call_apply(void *fn, void *queue, int64_t *args, int32_t *offsets, int32_t *sizes,
		int32_t *dim0s, int32_t count, int32_t global_index, int64_t global_total, int32_t global_id) {
	((kernelrt_apply_fn)fn)(queue, args, offsets, sizes, dim0s, count, global_index, global_total, global_id);
}

typedef void (*kernelrt_batch_fn)(double **args, int32_t *offsets, int32_t *sizes, int32_t count);

static void kernelrt_call_batch(void *fn, double **args, int32_t *offsets, int32_t *sizes, int32_t count) {
	((kernelrt_batch_fn)fn)(args, offsets, sizes, count);
}
*/
import "C"
import (
	"math"
	"runtime"
	"unsafe"

	"github.com/gomlx/kernelrt/abi"
	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
)

// DefaultSymbol is the entry point name used by generated kernels.
const DefaultSymbol = "apply"

// Kernel is a compiled kernel entry point. It implements abi.Kernel.
type Kernel struct {
	lib    *Library
	symbol string
	fn     unsafe.Pointer
}

var _ abi.Kernel = (*Kernel)(nil)

// Kernel looks up the entry point with the given symbol name.
func (l *Library) Kernel(symbol string) (*Kernel, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, err := l.symbolPointer(symbol)
	if err != nil {
		return nil, err
	}
	return &Kernel{lib: l, symbol: symbol, fn: fn}, nil
}

// Name implements abi.Kernel.
func (k *Kernel) Name() string { return k.symbol }

// Apply implements abi.Kernel: it calls the entry point for the grid-stride slice starting at globalIndex.
// The stride is the one compiled into the kernel, and must match d.Stride().
func (k *Kernel) Apply(d *abi.Descriptor, globalIndex int) error {
	if d == nil {
		return errors.Errorf("kernel %q: nil descriptor", k.symbol)
	}
	if globalIndex < 0 || globalIndex > math.MaxInt32 {
		return errors.Errorf("kernel %q: global index %d out of int32 range", k.symbol, globalIndex)
	}
	k.lib.mu.RLock()
	defer k.lib.mu.RUnlock()
	if k.lib.handle == nil {
		return errors.Errorf("kernel %q: library %q already closed", k.symbol, k.lib.Path)
	}

	count := d.Count()
	arena := k.lib.arenas.Get(argumentsArenaSize(count))
	defer k.lib.arenas.Return(arena)
	args := arenaAllocSlice[int64](arena, count)
	for ii := range count {
		args[ii] = int64(d.Address(ii))
	}
	offsets := arenaSliceFrom(arena, d.Offsets())
	sizes := arenaSliceFrom(arena, d.Sizes())
	dim0s := arenaSliceFrom(arena, d.Dim0s())

	C.kernelrt_call_apply(k.fn, d.Queue(),
		(*C.int64_t)(sliceData(args)), (*C.int32_t)(sliceData(offsets)),
		(*C.int32_t)(sliceData(sizes)), (*C.int32_t)(sliceData(dim0s)),
		C.int32_t(count), C.int32_t(globalIndex), C.int64_t(d.GlobalTotal()), C.int32_t(globalIndex))
	metrics.RecordDispatch(metrics.ModeNative)
	return nil
}

// BatchFunc is an entry point with the batch harness signature:
//
//	void apply(double **args, int32_t *offsets, int32_t *sizes, int32_t count);
type BatchFunc struct {
	lib    *Library
	symbol string
	fn     unsafe.Pointer
}

// BatchFunc looks up a batch harness entry point with the given symbol name.
func (l *Library) BatchFunc(symbol string) (*BatchFunc, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, err := l.symbolPointer(symbol)
	if err != nil {
		return nil, err
	}
	return &BatchFunc{lib: l, symbol: symbol, fn: fn}, nil
}

// Name of the entry point.
func (f *BatchFunc) Name() string { return f.symbol }

// Call invokes the entry point on the operands, which it may modify in place. args, offsets and sizes
// must have the same length, and sizes[i] must not exceed len(args[i]).
func (f *BatchFunc) Call(args [][]float64, offsets, sizes []int32) error {
	count := len(args)
	if len(offsets) != count || len(sizes) != count {
		return errors.Errorf("batch function %q: %d operands, %d offsets and %d sizes", f.symbol, count, len(offsets), len(sizes))
	}
	for ii, arg := range args {
		if sizes[ii] < 0 || int(sizes[ii]) > len(arg) {
			return errors.Errorf("batch function %q: operand #%d has %d values, but size is %d", f.symbol, ii, len(arg), sizes[ii])
		}
	}
	f.lib.mu.RLock()
	defer f.lib.mu.RUnlock()
	if f.lib.handle == nil {
		return errors.Errorf("batch function %q: library %q already closed", f.symbol, f.lib.Path)
	}

	// The operands are Go memory referenced from C memory: they must be pinned during the call.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	arena := f.lib.arenas.Get(argumentsArenaSize(count))
	defer f.lib.arenas.Return(arena)
	cArgs := arenaAllocSlice[*C.double](arena, count)
	for ii, arg := range args {
		if len(arg) == 0 {
			cArgs[ii] = nil
			continue
		}
		ptr := unsafe.SliceData(arg)
		pinner.Pin(ptr)
		cArgs[ii] = (*C.double)(unsafe.Pointer(ptr))
	}
	cOffsets := arenaSliceFrom(arena, offsets)
	cSizes := arenaSliceFrom(arena, sizes)
	C.kernelrt_call_batch(f.fn, (**C.double)(sliceData(cArgs)),
		(*C.int32_t)(sliceData(cOffsets)), (*C.int32_t)(sliceData(cSizes)), C.int32_t(count))
	metrics.RecordDispatch(metrics.ModeNative)
	return nil
}

// sliceData returns the pointer to the first element of an arena slice, or nil for an empty one.
func sliceData[T any](s []T) unsafe.Pointer {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(s))
}
