// Package mtl manages the resources of a Metal-compatible compute device: device discovery, command queues,
// command buffers and compute encoders, just-in-time compilation of kernel source into functions and
// pipeline states, dispatch sizing and the buffers bound to kernels.
//
// Resources are created from a Device:
//
//	device, err := mtl.CreateDevice()
//	queue, err := device.NewCommandQueue()
//	fn, err := device.NewFunction("square", source)
//	pipeline, err := device.NewComputePipelineState(fn)
//	cmdBuf, err := queue.CommandBuffer()
//	encoder, err := cmdBuf.ComputeEncoder()
//	err = encoder.SetPipeline(pipeline)
//	err = encoder.SetBuffer(0, buffer)
//	err = encoder.DispatchThreads(groupSize, gridSize)
//	err = encoder.EndEncoding()
//	err = cmdBuf.Commit()
//	err = cmdBuf.WaitUntilCompleted()
//
// Every creation returns an error instead of an invalid handle, and misuse of a resource lifecycle (using a
// released resource, dispatching on an ended encoder, committing twice) returns an error.
//
// On darwin, with cgo, devices are backed by Metal. Everywhere else, and when $KERNELRT_DEVICE=host, they are
// backed by the host driver, which executes kernels implemented in Go (see RegisterHostKernel).
//
// Synchronization is by blocking waits only: no completion callbacks, cancellation or timeouts. Devices and
// command queues can be shared by goroutines issuing independent command buffers; a command buffer and its
// encoder must be used by one goroutine at a time.
package mtl

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceEnv selects the driver used by CreateDevice: "auto" (the default), "metal" or "host".
const DeviceEnv = "KERNELRT_DEVICE"

// Size is a 3D extent: of a threadgroup, of a grid or of device limits.
type Size struct {
	X, Y, Z int
}

// Total returns X*Y*Z.
func (s Size) Total() int { return s.X * s.Y * s.Z }

// String implements fmt.Stringer.
func (s Size) String() string { return fmt.Sprintf("(%d, %d, %d)", s.X, s.Y, s.Z) }

// DispatchMode selects how the grid of a dispatch is expressed.
type DispatchMode int

const (
	// DispatchThreads expresses the grid in threads: the driver handles a grid that isn't a multiple of the
	// threadgroup size.
	DispatchThreads DispatchMode = iota

	// DispatchThreadgroups expresses the grid in threadgroups: the caller pre-divides the work and rounds up,
	// and kernels check bounds themselves.
	DispatchThreadgroups
)

// String implements fmt.Stringer.
func (m DispatchMode) String() string {
	switch m {
	case DispatchThreads:
		return metrics.ModeThreads
	case DispatchThreadgroups:
		return metrics.ModeThreadgroups
	default:
		return fmt.Sprintf("DispatchMode(%d)", int(m))
	}
}

// MaxBufferSlots is the number of buffer argument slots of a compute encoder.
const MaxBufferSlots = 31

// The driver interfaces below are implemented by each backend. The public types in this package wrap them and
// enforce lifecycles, so drivers can assume valid calls.

type deviceDriver interface {
	name() string
	maxThreadsPerThreadgroup() Size
	newQueue() (queueDriver, error)
	compile(name, source string) (functionDriver, error)
	newPipeline(fn functionDriver) (pipelineDriver, error)
	newBuffer(length int) (bufferDriver, error)

	// wrapBuffer creates a buffer over existing page-aligned memory, without copying. The memory is not owned
	// by the buffer.
	wrapBuffer(ptr unsafe.Pointer, length int) (bufferDriver, error)
	release()
}

type queueDriver interface {
	newCommandBuffer() (commandBufferDriver, error)
	release()
}

type commandBufferDriver interface {
	newEncoder() (encoderDriver, error)
	commit()
	wait() error
	release()
}

type encoderDriver interface {
	setPipeline(p pipelineDriver)
	setBuffer(slot int, b bufferDriver)
	dispatch(mode DispatchMode, group, grid Size)
	end()
}

type functionDriver interface {
	release()
}

type pipelineDriver interface {
	maxTotalThreadsPerThreadgroup() int
	threadExecutionWidth() int
	release()
}

type bufferDriver interface {
	contents() unsafe.Pointer
	didModifyRange(offset, length int)
	release()
}

// CreateDevice returns the system default compute device, selected by $KERNELRT_DEVICE.
//
// Each call returns a new reference that must be released individually with Device.Release.
func CreateDevice() (*Device, error) {
	choice := strings.ToLower(strings.TrimSpace(os.Getenv(DeviceEnv)))
	switch choice {
	case "", "auto":
		if metalAvailable {
			drv, err := newMetalDriver()
			if err == nil {
				return newDevice(drv), nil
			}
			klog.Warningf("Metal device not available, falling back to host driver: %+v", err)
		}
		return CreateHostDevice(), nil
	case "metal":
		drv, err := newMetalDriver()
		if err != nil {
			return nil, errors.WithMessagef(err, "$%s=%q", DeviceEnv, choice)
		}
		return newDevice(drv), nil
	case "host":
		return CreateHostDevice(), nil
	default:
		return nil, errors.Errorf("invalid $%s=%q, valid values are \"auto\", \"metal\" or \"host\"", DeviceEnv, choice)
	}
}

// CreateHostDevice returns a device backed by the host driver, regardless of $KERNELRT_DEVICE.
func CreateHostDevice() *Device {
	return newDevice(newHostDriver())
}
