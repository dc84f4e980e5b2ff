package mtl

import (
	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputeEncoder records pipeline and buffer bindings and dispatches into its CommandBuffer.
// It can't be used after EndEncoding.
type ComputeEncoder struct {
	cmdBuf   *CommandBuffer
	drv      encoderDriver
	maxGroup Size

	ended    bool
	pipeline *PipelineState
	buffers  [MaxBufferSlots]*Buffer
}

func (e *ComputeEncoder) check(op string) error {
	if e == nil {
		return errors.Errorf("mtl: %s on a nil ComputeEncoder", op)
	}
	if e.ended {
		return errors.Errorf("mtl: %s on an ended ComputeEncoder", op)
	}
	return nil
}

// SetPipeline binds the pipeline state of the kernel to dispatch.
func (e *ComputeEncoder) SetPipeline(p *PipelineState) error {
	if err := e.check("SetPipeline"); err != nil {
		return err
	}
	if p == nil || p.drv == nil {
		return errors.New("mtl: SetPipeline with a nil or released PipelineState")
	}
	e.pipeline = p
	e.drv.setPipeline(p.drv)
	return nil
}

// SetBuffer binds buf to the argument slot, which must match the kernel's declared argument order.
func (e *ComputeEncoder) SetBuffer(slot int, buf *Buffer) error {
	if err := e.check("SetBuffer"); err != nil {
		return err
	}
	if slot < 0 || slot >= MaxBufferSlots {
		return errors.Errorf("mtl: SetBuffer slot %d out of range [0, %d)", slot, MaxBufferSlots)
	}
	drv, err := buf.driver()
	if err != nil {
		return errors.WithMessagef(err, "mtl: SetBuffer(%d)", slot)
	}
	e.buffers[slot] = buf
	e.drv.setBuffer(slot, drv)
	return nil
}

// DispatchThreads dispatches grid threads, in threadgroups of the given size. The grid doesn't need to be a
// multiple of the threadgroup size.
func (e *ComputeEncoder) DispatchThreads(group, grid Size) error {
	return e.dispatch(DispatchThreads, group, grid)
}

// DispatchThreadgroups dispatches grid threadgroups, each of the given size.
func (e *ComputeEncoder) DispatchThreadgroups(group, grid Size) error {
	return e.dispatch(DispatchThreadgroups, group, grid)
}

// Dispatch dispatches in the given mode. See DispatchThreads and DispatchThreadgroups.
//
// Dispatches whose threadgroup exceeds the pipeline's MaxTotalThreadsPerThreadgroup or any of the device's
// per-axis limits, or with an empty threadgroup or grid, are rejected with an error and nothing is recorded.
func (e *ComputeEncoder) Dispatch(mode DispatchMode, group, grid Size) error {
	return e.dispatch(mode, group, grid)
}

func (e *ComputeEncoder) dispatch(mode DispatchMode, group, grid Size) error {
	if err := e.check("Dispatch"); err != nil {
		return err
	}
	if err := e.checkGeometry(mode, group, grid); err != nil {
		return err
	}
	var acquired []*Buffer
	for slot, buf := range e.buffers {
		if buf == nil {
			continue
		}
		if err := buf.acquire(); err != nil {
			for _, prev := range acquired {
				prev.done()
			}
			return errors.Errorf("mtl: dispatch of %q with released buffer in slot %d", e.pipeline.Name(), slot)
		}
		acquired = append(acquired, buf)
	}
	e.cmdBuf.inUse = append(e.cmdBuf.inUse, acquired...)
	klog.V(2).Infof("mtl: dispatch %q mode=%s group=%s grid=%s", e.pipeline.Name(), mode, group, grid)
	e.drv.dispatch(mode, group, grid)
	e.cmdBuf.kernels = append(e.cmdBuf.kernels, e.pipeline.Name())
	metrics.RecordDispatch(mode.String())
	return nil
}

// checkGeometry validates a dispatch against the bound pipeline and the device limits.
func (e *ComputeEncoder) checkGeometry(mode DispatchMode, group, grid Size) error {
	if e.pipeline == nil {
		return errors.New("mtl: dispatch without a pipeline, call SetPipeline first")
	}
	if mode != DispatchThreads && mode != DispatchThreadgroups {
		return errors.Errorf("mtl: invalid dispatch mode %s", mode)
	}
	if group.X <= 0 || group.Y <= 0 || group.Z <= 0 {
		return errors.Errorf("mtl: invalid threadgroup size %s", group)
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 {
		return errors.Errorf("mtl: invalid grid size %s", grid)
	}
	if group.X > e.maxGroup.X || group.Y > e.maxGroup.Y || group.Z > e.maxGroup.Z {
		return errors.Errorf("mtl: threadgroup size %s exceeds device limits %s", group, e.maxGroup)
	}
	if maxTotal := e.pipeline.MaxTotalThreadsPerThreadgroup(); group.Total() > maxTotal {
		return errors.Errorf("mtl: threadgroup size %s has %d threads, but pipeline %q allows at most %d",
			group, group.Total(), e.pipeline.Name(), maxTotal)
	}
	return nil
}

// EndEncoding finalizes the recording. The encoder can't be used afterward.
func (e *ComputeEncoder) EndEncoding() error {
	if err := e.check("EndEncoding"); err != nil {
		return err
	}
	e.cmdBuf.mu.Lock()
	defer e.cmdBuf.mu.Unlock()
	e.drv.end()
	e.ended = true
	e.pipeline = nil
	e.buffers = [MaxBufferSlots]*Buffer{}
	if e.cmdBuf.encoder == e {
		e.cmdBuf.encoder = nil
	}
	return nil
}
