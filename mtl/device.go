package mtl

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a compute device. Its hardware limits are queried once, at creation.
type Device struct {
	mu  sync.RWMutex
	drv deviceDriver

	name     string
	maxGroup Size
}

var devicesAlive atomic.Int64

// DevicesAlive returns the number of devices created and not yet released.
func DevicesAlive() int64 {
	return devicesAlive.Load()
}

func newDevice(drv deviceDriver) *Device {
	d := &Device{drv: drv, name: drv.name(), maxGroup: drv.maxThreadsPerThreadgroup()}
	devicesAlive.Add(1)
	klog.V(1).Infof("mtl: created device %q, max threads per threadgroup %s", d.name, d.maxGroup)
	return d
}

// Name of the device.
func (d *Device) Name() string { return d.name }

// MaxThreadsPerThreadgroup returns the per-axis limits of a threadgroup.
func (d *Device) MaxThreadsPerThreadgroup() Size { return d.maxGroup }

// MaxThreadgroupWidth returns the limit of a threadgroup along X.
func (d *Device) MaxThreadgroupWidth() int { return d.maxGroup.X }

// MaxThreadgroupHeight returns the limit of a threadgroup along Y.
func (d *Device) MaxThreadgroupHeight() int { return d.maxGroup.Y }

// MaxThreadgroupDepth returns the limit of a threadgroup along Z.
func (d *Device) MaxThreadgroupDepth() int { return d.maxGroup.Z }

// IsHost returns whether the device is backed by the host driver.
func (d *Device) IsHost() bool {
	_, ok := d.drv.(*hostDriver)
	return ok
}

// use runs fn with the driver, under a read lock, or returns an error if the device was released.
func (d *Device) use(fn func(drv deviceDriver) error) error {
	if d == nil {
		return errors.New("mtl: nil Device")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.drv == nil {
		return errors.Errorf("mtl: Device %q already released", d.name)
	}
	return fn(d.drv)
}

// Release the device. Resources created from it must be released before.
// It is a no-op if the device has already been released.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drv == nil {
		return
	}
	d.drv.release()
	d.drv = nil
	devicesAlive.Add(-1)
	klog.V(1).Infof("mtl: released device %q", d.name)
}

// CommandQueue is an ordered queue of command buffers submitted to a Device.
type CommandQueue struct {
	mu     sync.RWMutex
	device *Device
	drv    queueDriver
}

// NewCommandQueue creates a command queue.
func (d *Device) NewCommandQueue() (*CommandQueue, error) {
	var q *CommandQueue
	err := d.use(func(drv deviceDriver) error {
		qDrv, err := drv.newQueue()
		if err != nil {
			return errors.WithMessagef(err, "mtl: failed to create command queue on %q", d.name)
		}
		q = &CommandQueue{device: d, drv: qDrv}
		return nil
	})
	return q, err
}

// Device returns the device that created the queue.
func (q *CommandQueue) Device() *Device { return q.device }

// Release the command queue. It is a no-op if already released.
func (q *CommandQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drv == nil {
		return
	}
	q.drv.release()
	q.drv = nil
}

// CommandBufferStatus is the lifecycle state of a CommandBuffer.
type CommandBufferStatus int

const (
	StatusRecording CommandBufferStatus = iota
	StatusCommitted
	StatusCompleted
)

// String implements fmt.Stringer.
func (s CommandBufferStatus) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusCommitted:
		return "committed"
	case StatusCompleted:
		return "completed"
	}
	return "invalid"
}

// CommandBuffer is a single unit of work scheduled on a CommandQueue. It is not reused: create one per
// dispatch.
type CommandBuffer struct {
	mu      sync.Mutex
	queue   *CommandQueue
	drv     commandBufferDriver
	status  CommandBufferStatus
	encoder *ComputeEncoder // Currently open encoder, if any.
	err     error           // Completion error, once completed.

	// kernels dispatched, for metrics.
	kernels  []string
	commitAt time.Time

	// inUse holds the buffers acquired by each dispatch, returned once the command buffer completes.
	inUse []*Buffer
}

// releaseBuffers ends the use of the buffers of all dispatches. It must be called with cb.mu held.
func (cb *CommandBuffer) releaseBuffers() {
	for _, buf := range cb.inUse {
		buf.done()
	}
	cb.inUse = nil
}

// CommandBuffer creates a new command buffer in the recording state.
func (q *CommandQueue) CommandBuffer() (*CommandBuffer, error) {
	if q == nil {
		return nil, errors.New("mtl: nil CommandQueue")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.drv == nil {
		return nil, errors.New("mtl: CommandQueue already released")
	}
	drv, err := q.drv.newCommandBuffer()
	if err != nil {
		return nil, errors.WithMessagef(err, "mtl: failed to create command buffer")
	}
	return &CommandBuffer{queue: q, drv: drv}, nil
}

// Status returns the lifecycle state of the command buffer.
func (cb *CommandBuffer) Status() CommandBufferStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}

// ComputeEncoder creates the encoder that records the commands of the command buffer. Only one encoder can be
// open at a time, and only while the command buffer is recording.
func (cb *CommandBuffer) ComputeEncoder() (*ComputeEncoder, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusRecording {
		return nil, errors.Errorf("mtl: ComputeEncoder() on a %s command buffer", cb.status)
	}
	if cb.encoder != nil {
		return nil, errors.New("mtl: ComputeEncoder() while another encoder is still open, call EndEncoding first")
	}
	drv, err := cb.drv.newEncoder()
	if err != nil {
		return nil, errors.WithMessagef(err, "mtl: failed to create compute encoder")
	}
	cb.encoder = &ComputeEncoder{cmdBuf: cb, drv: drv, maxGroup: cb.queue.device.maxGroup}
	return cb.encoder, nil
}

// Commit submits the command buffer to its queue. All encoders must have been ended.
func (cb *CommandBuffer) Commit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusRecording {
		return errors.Errorf("mtl: Commit() on a %s command buffer", cb.status)
	}
	if cb.encoder != nil {
		return errors.New("mtl: Commit() with an open encoder, call EndEncoding first")
	}
	cb.queue.mu.RLock()
	released := cb.queue.drv == nil
	cb.queue.mu.RUnlock()
	if released {
		return errors.New("mtl: Commit() on a released CommandQueue")
	}
	cb.commitAt = time.Now()
	cb.drv.commit()
	cb.status = StatusCommitted
	return nil
}

// WaitUntilCompleted blocks until the device completes the command buffer, and releases it. It returns the
// error reported by the device, if the execution failed.
//
// Calling it again on a completed command buffer returns the same result.
func (cb *CommandBuffer) WaitUntilCompleted() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.status {
	case StatusRecording:
		return errors.New("mtl: WaitUntilCompleted() on a command buffer not yet committed")
	case StatusCompleted:
		return cb.err
	}
	err := cb.drv.wait()
	elapsed := time.Since(cb.commitAt)
	cb.drv.release()
	cb.releaseBuffers()
	cb.status = StatusCompleted
	for _, kernel := range cb.kernels {
		metrics.RecordDispatchDuration(kernel, elapsed)
	}
	if err != nil {
		cb.err = errors.WithMessagef(err, "mtl: command buffer execution failed")
		klog.Errorf("%v", cb.err)
	}
	return cb.err
}

// Discard releases a command buffer that is still recording and won't be committed. It is a no-op on
// committed or completed command buffers: those are released by WaitUntilCompleted.
func (cb *CommandBuffer) Discard() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusRecording {
		return
	}
	if cb.encoder != nil {
		cb.encoder.ended = true
		cb.encoder.drv.end()
		cb.encoder = nil
	}
	cb.drv.release()
	cb.releaseBuffers()
	cb.status = StatusCompleted
	cb.err = errors.New("mtl: command buffer discarded")
}
