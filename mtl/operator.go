package mtl

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OperatorArg is an argument of an Operator invocation: a buffer and the logical view of it the kernel
// operates on.
type OperatorArg struct {
	Buffer *Buffer

	// Offset, in elements, where the view begins.
	Offset int32

	// AtomicLength is the number of elements of the view used by one work-item.
	AtomicLength int32

	// Count is the number of atomic items in the argument. If it is a multiple of (and at least) the global
	// work size, each work-item advances AtomicLength elements into the buffer (dim0 = AtomicLength);
	// otherwise all work-items address the same elements (dim0 = 0).
	Count int
}

// Operator runs one kernel function on a command queue, following the kernel invocation convention: the N
// argument buffers are bound to slots 0 to N-1, followed by three Int32 buffers holding the offset, size and
// dim0 of each argument in slots N, N+1 and N+2.
//
// The pipeline state is created on first use. An Operator is safe for concurrent use, but invocations are
// serialized.
type Operator struct {
	mu       sync.Mutex
	queue    *CommandQueue
	function *Function
	pipeline *PipelineState
	name     string
	argCount int

	// Mode used to dispatch, DispatchThreads by default.
	Mode DispatchMode

	// DimensionMasks enables dim0 strides derived from the argument counts; if disabled dim0 is always the
	// argument's AtomicLength.
	DimensionMasks bool

	invocations int64
}

// NewOperator creates an operator for fn, taking argCount arguments, dispatched on queue.
func NewOperator(queue *CommandQueue, fn *Function, argCount int) (*Operator, error) {
	if queue == nil || fn == nil {
		return nil, errors.New("mtl.NewOperator: nil queue or function")
	}
	if argCount < 0 || argCount+3 > MaxBufferSlots {
		return nil, errors.Errorf("mtl.NewOperator(%q): %d arguments plus 3 descriptor buffers don't fit %d slots",
			fn.Name(), argCount, MaxBufferSlots)
	}
	return &Operator{queue: queue, function: fn, name: fn.Name(), argCount: argCount, DimensionMasks: true}, nil
}

// Name of the kernel function.
func (op *Operator) Name() string { return op.name }

// Invocations returns how many times the operator was invoked successfully.
func (op *Operator) Invocations() int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.invocations
}

// DimensionMasks returns, for each argument, 1 if work-items advance along it and 0 if they all address the
// same elements. With a single work-item, all masks are 0.
func DimensionMasks(args []OperatorArg, globalWorkSize int) []int32 {
	masks := make([]int32, len(args))
	if globalWorkSize == 1 {
		return masks
	}
	for ii, arg := range args {
		if arg.Count >= globalWorkSize && arg.Count%globalWorkSize == 0 {
			masks[ii] = 1
		}
	}
	return masks
}

// Apply runs the kernel over globalWorkSize work-items and blocks until it completes.
func (op *Operator) Apply(args []OperatorArg, globalWorkSize int) error {
	if len(args) != op.argCount {
		return errors.Errorf("mtl.Operator(%q): expected %d arguments, got %d", op.name, op.argCount, len(args))
	}
	if globalWorkSize <= 0 || globalWorkSize > math.MaxInt32 {
		return errors.Errorf("mtl.Operator(%q): invalid global work size %d", op.name, globalWorkSize)
	}
	for ii, arg := range args {
		if arg.Buffer == nil {
			return errors.Errorf("mtl.Operator(%q): argument #%d has a nil buffer", op.name, ii)
		}
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	device := op.queue.Device()
	if op.pipeline == nil {
		pipeline, err := device.NewComputePipelineState(op.function)
		if err != nil {
			return errors.WithMessagef(err, "mtl.Operator(%q)", op.name)
		}
		op.pipeline = pipeline
	}

	masks := DimensionMasks(args, globalWorkSize)
	offsets := make([]int32, len(args))
	sizes := make([]int32, len(args))
	dim0s := make([]int32, len(args))
	for ii, arg := range args {
		offsets[ii] = arg.Offset
		sizes[ii] = arg.AtomicLength
		dim0s[ii] = arg.AtomicLength
		if op.DimensionMasks {
			dim0s[ii] *= masks[ii]
		}
	}
	klog.V(2).Infof("mtl.Operator(%q) #%d: work=%d offsets=%v sizes=%v dim0s=%v",
		op.name, op.invocations, globalWorkSize, offsets, sizes, dim0s)

	var descriptors []*Buffer
	defer func() {
		for _, buf := range descriptors {
			_ = buf.Release()
		}
	}()
	for _, values := range [][]int32{offsets, sizes, dim0s} {
		if len(values) == 0 {
			// Buffers can't be empty: kernels without arguments still get their descriptor slots bound.
			values = []int32{0}
		}
		buf, err := device.NewIntBuffer(values)
		if err != nil {
			return errors.WithMessagef(err, "mtl.Operator(%q)", op.name)
		}
		descriptors = append(descriptors, buf)
	}

	if err := op.dispatch(args, descriptors, globalWorkSize); err != nil {
		return errors.WithMessagef(err, "mtl.Operator(%q)", op.name)
	}
	op.invocations++
	return nil
}

func (op *Operator) dispatch(args []OperatorArg, descriptors []*Buffer, globalWorkSize int) error {
	cmdBuf, err := op.queue.CommandBuffer()
	if err != nil {
		return err
	}
	encoder, err := cmdBuf.ComputeEncoder()
	if err != nil {
		cmdBuf.Discard()
		return err
	}
	err = op.encode(encoder, args, descriptors, globalWorkSize)
	if err != nil {
		cmdBuf.Discard()
		return err
	}
	if err = cmdBuf.Commit(); err != nil {
		cmdBuf.Discard()
		return err
	}
	return cmdBuf.WaitUntilCompleted()
}

func (op *Operator) encode(encoder *ComputeEncoder, args []OperatorArg, descriptors []*Buffer, globalWorkSize int) error {
	if err := encoder.SetPipeline(op.pipeline); err != nil {
		return err
	}
	slot := 0
	for _, arg := range args {
		if err := encoder.SetBuffer(slot, arg.Buffer); err != nil {
			return err
		}
		slot++
	}
	for _, buf := range descriptors {
		if err := encoder.SetBuffer(slot, buf); err != nil {
			return err
		}
		slot++
	}
	group := op.pipeline.WorkgroupDimensions(globalWorkSize, op.Mode)
	grid := Size{globalWorkSize, 1, 1}
	if op.Mode == DispatchThreadgroups {
		grid = Size{globalWorkSize / group.Total(), 1, 1}
	}
	if err := encoder.Dispatch(op.Mode, group, grid); err != nil {
		return err
	}
	return encoder.EndEncoding()
}

// Release the pipeline state of the operator. The Function and CommandQueue are owned by the caller.
func (op *Operator) Release() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.pipeline != nil {
		op.pipeline.Release()
		op.pipeline = nil
	}
}
