package mtl

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/kernelrt/cbuffer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// HostKernel implements a kernel for the host driver. It is called once per thread of the dispatch, possibly
// concurrently for threads of different threadgroups.
type HostKernel func(t *Thread)

// Thread is the execution context of one thread of a host dispatch.
type Thread struct {
	// Position of the thread in the grid (thread_position_in_grid).
	Position Size

	// GridSize is the number of threads of the dispatch along each axis (threads_per_grid). For
	// DispatchThreadgroups it includes the threads past the end of the work, which kernels must skip.
	GridSize Size

	// ThreadgroupSize is the size of the threadgroups of the dispatch.
	ThreadgroupSize Size

	bindings *[MaxBufferSlots]hostBinding
}

// Bytes returns the buffer bound to slot, or nil if none was bound.
func (t *Thread) Bytes(slot int) []byte {
	b := t.bindings[slot]
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.length)
}

// Float32s returns the buffer bound to slot as float32 values.
func (t *Thread) Float32s(slot int) []float32 { return bindingView[float32](t, slot) }

// Float64s returns the buffer bound to slot as float64 values.
func (t *Thread) Float64s(slot int) []float64 { return bindingView[float64](t, slot) }

// Int32s returns the buffer bound to slot as int32 values.
func (t *Thread) Int32s(slot int) []int32 { return bindingView[int32](t, slot) }

func bindingView[T any](t *Thread, slot int) []T {
	b := t.bindings[slot]
	if b.ptr == nil {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(b.ptr), b.length/int(unsafe.Sizeof(zero)))
}

var (
	hostKernelsMu sync.RWMutex
	hostKernels   = make(map[string]HostKernel)
)

// RegisterHostKernel registers the host implementation of the kernel function name. Source compiled on host
// devices must declare it with "kernel void name(...)".
func RegisterHostKernel(name string, fn HostKernel) {
	hostKernelsMu.Lock()
	defer hostKernelsMu.Unlock()
	hostKernels[name] = fn
}

func lookupHostKernel(name string) (HostKernel, bool) {
	hostKernelsMu.RLock()
	defer hostKernelsMu.RUnlock()
	fn, found := hostKernels[name]
	return fn, found
}

// Host limits, those of common Apple GPUs.
const (
	hostMaxTotalThreads  = 1024
	hostExecutionWidth   = 32
	hostMaxThreadsZ      = 64
	hostDeviceNamePrefix = "host"
)

// hostDriver runs kernels implemented in Go on the CPU.
type hostDriver struct {
	parallelism int
}

func newHostDriver() *hostDriver {
	return &hostDriver{parallelism: runtime.GOMAXPROCS(0)}
}

func (h *hostDriver) name() string {
	return fmt.Sprintf("%s (%d cpus)", hostDeviceNamePrefix, h.parallelism)
}

func (h *hostDriver) maxThreadsPerThreadgroup() Size {
	return Size{hostMaxTotalThreads, hostMaxTotalThreads, hostMaxThreadsZ}
}

func (h *hostDriver) release() {}

var reKernelDecl = regexp.MustCompile(`\bkernel\s+void\s+([A-Za-z_]\w*)\s*\(`)

type hostFunction struct {
	name string
	fn   HostKernel
}

func (f *hostFunction) release() {}

// compile checks the source declares the kernel, and binds it to its registered Go implementation.
func (h *hostDriver) compile(name, source string) (functionDriver, error) {
	if strings.Count(source, "{") != strings.Count(source, "}") || strings.Count(source, "(") != strings.Count(source, ")") {
		return nil, &CompileError{Name: name, Message: "unbalanced brackets in source"}
	}
	declared := false
	for _, match := range reKernelDecl.FindAllStringSubmatch(source, -1) {
		if match[1] == name {
			declared = true
			break
		}
	}
	if !declared {
		return nil, &CompileError{Name: name, Message: fmt.Sprintf("function %q not found in library", name)}
	}
	fn, found := lookupHostKernel(name)
	if !found {
		return nil, &CompileError{Name: name, Message: fmt.Sprintf("no host implementation registered for kernel %q", name)}
	}
	return &hostFunction{name: name, fn: fn}, nil
}

type hostPipeline struct {
	fn *hostFunction
}

func (h *hostDriver) newPipeline(fn functionDriver) (pipelineDriver, error) {
	hostFn, ok := fn.(*hostFunction)
	if !ok {
		return nil, errors.Errorf("function of type %T not created by the host driver", fn)
	}
	return &hostPipeline{fn: hostFn}, nil
}

func (p *hostPipeline) maxTotalThreadsPerThreadgroup() int { return hostMaxTotalThreads }
func (p *hostPipeline) threadExecutionWidth() int          { return hostExecutionWidth }
func (p *hostPipeline) release()                           {}

// hostBuffer is aligned C memory, so its address is stable and can be handed to native code.
type hostBuffer struct {
	buf    *cbuffer.CBuffer // nil for wrapped memory.
	ptr    unsafe.Pointer
	length int
}

func (h *hostDriver) newBuffer(length int) (bufferDriver, error) {
	buf, err := cbuffer.Alloc(length)
	if err != nil {
		return nil, err
	}
	return &hostBuffer{buf: buf, ptr: buf.Pointer(), length: length}, nil
}

func (h *hostDriver) wrapBuffer(ptr unsafe.Pointer, length int) (bufferDriver, error) {
	if ptr == nil {
		return nil, errors.New("wrapBuffer of nil memory")
	}
	return &hostBuffer{ptr: ptr, length: length}, nil
}

func (b *hostBuffer) contents() unsafe.Pointer { return b.ptr }

// didModifyRange is a no-op: host memory is coherent.
func (b *hostBuffer) didModifyRange(_, _ int) {}

func (b *hostBuffer) release() {
	if b.buf != nil {
		b.buf.Free()
		b.buf = nil
	}
	b.ptr = nil
}

// hostQueue executes committed command buffers in order, in its own goroutine.
type hostQueue struct {
	driver  *hostDriver
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*hostCommandBuffer
	closed  bool
}

func (h *hostDriver) newQueue() (queueDriver, error) {
	q := &hostQueue{driver: h}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q, nil
}

func (q *hostQueue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cb := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		cb.execute()
	}
}

// release stops the worker once the already committed command buffers are executed.
func (q *hostQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

type hostCommandBuffer struct {
	queue    *hostQueue
	commands []func() error
	done     chan struct{}
	err      error
}

func (q *hostQueue) newCommandBuffer() (commandBufferDriver, error) {
	return &hostCommandBuffer{queue: q, done: make(chan struct{})}, nil
}

func (cb *hostCommandBuffer) commit() {
	q := cb.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, cb)
	q.cond.Signal()
}

func (cb *hostCommandBuffer) execute() {
	defer close(cb.done)
	for _, cmd := range cb.commands {
		if err := cmd(); err != nil {
			cb.err = err
			return
		}
	}
}

func (cb *hostCommandBuffer) wait() error {
	<-cb.done
	return cb.err
}

func (cb *hostCommandBuffer) release() {
	cb.commands = nil
}

type hostBinding struct {
	ptr    unsafe.Pointer
	length int
}

type hostEncoder struct {
	cb       *hostCommandBuffer
	pipeline *hostPipeline
	bindings [MaxBufferSlots]hostBinding
}

func (cb *hostCommandBuffer) newEncoder() (encoderDriver, error) {
	return &hostEncoder{cb: cb}, nil
}

func (e *hostEncoder) setPipeline(p pipelineDriver) {
	e.pipeline = p.(*hostPipeline)
}

func (e *hostEncoder) setBuffer(slot int, b bufferDriver) {
	hb := b.(*hostBuffer)
	e.bindings[slot] = hostBinding{ptr: hb.ptr, length: hb.length}
}

func (e *hostEncoder) end() {}

// dispatch records the dispatch with a snapshot of the current bindings.
func (e *hostEncoder) dispatch(mode DispatchMode, group, grid Size) {
	bindings := e.bindings
	fn := e.pipeline.fn
	parallelism := e.cb.queue.driver.parallelism
	e.cb.commands = append(e.cb.commands, func() error {
		return runHostDispatch(fn, &bindings, mode, group, grid, parallelism)
	})
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// runHostDispatch runs every thread of the dispatch, threadgroups in parallel. A panicking kernel fails the
// command buffer instead of crashing the process.
func runHostDispatch(fn *hostFunction, bindings *[MaxBufferSlots]hostBinding, mode DispatchMode, group, grid Size, parallelism int) error {
	var groups, threads Size
	if mode == DispatchThreadgroups {
		groups = grid
		threads = Size{grid.X * group.X, grid.Y * group.Y, grid.Z * group.Z}
	} else {
		groups = Size{ceilDiv(grid.X, group.X), ceilDiv(grid.Y, group.Y), ceilDiv(grid.Z, group.Z)}
		threads = grid
	}

	var g errgroup.Group
	g.SetLimit(max(parallelism, 1))
	for gz := range groups.Z {
		for gy := range groups.Y {
			for gx := range groups.X {
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = errors.Errorf("host kernel %q panicked in threadgroup %s: %v", fn.name, Size{gx, gy, gz}, r)
						}
					}()
					t := &Thread{GridSize: threads, ThreadgroupSize: group, bindings: bindings}
					for lz := range group.Z {
						for ly := range group.Y {
							for lx := range group.X {
								t.Position = Size{gx*group.X + lx, gy*group.Y + ly, gz*group.Z + lz}
								if t.Position.X >= threads.X || t.Position.Y >= threads.Y || t.Position.Z >= threads.Z {
									continue
								}
								fn.fn(t)
							}
						}
					}
					return nil
				})
			}
		}
	}
	return g.Wait()
}
