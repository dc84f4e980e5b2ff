package mtl

import (
	"fmt"
	"sync"

	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileError is returned when kernel source fails to compile, or doesn't define the requested entry
// point.
type CompileError struct {
	// Name of the entry point requested.
	Name string

	// Message is the compiler diagnostic.
	Message string
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile kernel %q: %s", e.Name, e.Message)
}

// Function is a compiled kernel entry point.
type Function struct {
	mu     sync.Mutex
	device *Device
	drv    functionDriver
	name   string
}

// NewFunction compiles source, a self-contained kernel program, with fast-math enabled, and returns its entry
// point called name.
//
// Compilation failures are returned as a *CompileError (use errors.As), and logged.
func (d *Device) NewFunction(name, source string) (*Function, error) {
	var fn *Function
	err := d.use(func(drv deviceDriver) error {
		fnDrv, err := drv.compile(name, source)
		if err != nil {
			metrics.RecordCompileFailure()
			var compileErr *CompileError
			if errors.As(err, &compileErr) {
				klog.Errorf("mtl: %v", compileErr)
				return compileErr
			}
			return errors.WithMessagef(err, "mtl: failed to create function %q", name)
		}
		fn = &Function{device: d, drv: fnDrv, name: name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("mtl: compiled function %q (%d bytes of source)", name, len(source))
	return fn, nil
}

// Name of the entry point.
func (f *Function) Name() string { return f.name }

// Release the function. It is a no-op if already released.
func (f *Function) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drv == nil {
		return
	}
	f.drv.release()
	f.drv = nil
}

// PipelineState is a Function prepared for dispatch on a Device.
type PipelineState struct {
	mu   sync.Mutex
	drv  pipelineDriver
	name string

	maxTotalThreads int
	executionWidth  int
}

// NewComputePipelineState creates the pipeline state for fn.
func (d *Device) NewComputePipelineState(fn *Function) (*PipelineState, error) {
	if fn == nil {
		return nil, errors.New("mtl: NewComputePipelineState with a nil Function")
	}
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.drv == nil {
		return nil, errors.Errorf("mtl: NewComputePipelineState with released Function %q", fn.name)
	}
	var p *PipelineState
	err := d.use(func(drv deviceDriver) error {
		pDrv, err := drv.newPipeline(fn.drv)
		if err != nil {
			return errors.WithMessagef(err, "mtl: failed to create pipeline state for %q", fn.name)
		}
		p = &PipelineState{
			drv:             pDrv,
			name:            fn.name,
			maxTotalThreads: pDrv.maxTotalThreadsPerThreadgroup(),
			executionWidth:  pDrv.threadExecutionWidth(),
		}
		return nil
	})
	if err != nil {
		klog.Errorf("%v", err)
		return nil, err
	}
	return p, nil
}

// Name of the function the pipeline state was created from.
func (p *PipelineState) Name() string { return p.name }

// MaxTotalThreadsPerThreadgroup is the largest threadgroup (X*Y*Z) the pipeline can be dispatched with.
func (p *PipelineState) MaxTotalThreadsPerThreadgroup() int { return p.maxTotalThreads }

// ThreadExecutionWidth is the SIMD width of the pipeline: the preferred multiple for threadgroup sizes.
func (p *PipelineState) ThreadExecutionWidth() int { return p.executionWidth }

// WorkgroupSize returns the number of threads per threadgroup to use for a one-dimensional dispatch of
// globalWorkSize threads.
//
// For DispatchThreadgroups, if the SIMD width divides the work, it is the SIMD width. Otherwise it is the
// largest power-of-two fraction of MaxTotalThreadsPerThreadgroup that divides the work, and 1 if none does.
func (p *PipelineState) WorkgroupSize(globalWorkSize int, mode DispatchMode) int {
	simd := p.executionWidth
	if mode == DispatchThreadgroups && simd > 0 && globalWorkSize%simd == 0 {
		return simd
	}
	for size := p.maxTotalThreads; size > 1; size /= 2 {
		if globalWorkSize%size == 0 {
			return size
		}
	}
	return 1
}

// WorkgroupDimensions returns the threadgroup size to dispatch globalWorkSize threads in the given mode.
//
// For DispatchThreads the threadgroup is laid out as (simdWidth, size/simdWidth, 1), or (size, 1, 1) if size
// isn't a multiple of the SIMD width.
func (p *PipelineState) WorkgroupDimensions(globalWorkSize int, mode DispatchMode) Size {
	size := p.WorkgroupSize(globalWorkSize, mode)
	simd := p.executionWidth
	if mode == DispatchThreadgroups || simd <= 0 || size%simd != 0 {
		return Size{size, 1, 1}
	}
	return Size{simd, size / simd, 1}
}

// Release the pipeline state. It is a no-op if already released.
func (p *PipelineState) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drv == nil {
		return
	}
	p.drv.release()
	p.drv = nil
}
