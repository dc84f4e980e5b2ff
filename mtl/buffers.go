package mtl

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelrt/dtypes"
	"github.com/gomlx/kernelrt/dtypes/bfloat16"
	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Buffer is a block of memory visible to a Device, holding count elements of a DType.
//
// Buffers created with NewBuffer are allocated by the device. Shared buffers (see NewSharedBuffer) are backed by
// a memory-mapped file that the device uses without copies.
//
// Writes through the setters notify the device of the modified range. Writes through Contents or Address must
// be followed by DidModifyRange before the device reads them.
type Buffer struct {
	mu     sync.RWMutex
	device *Device
	drv    bufferDriver
	dtype  dtypes.DType
	count  int
	length int

	// Shared buffers only.
	mapping         []byte
	path            string
	removeOnRelease bool

	// inFlight counts the dispatches of uncompleted command buffers using the buffer. Releasing a buffer in
	// flight only detaches it: its memory is freed by the last command buffer to complete, from pending.
	inFlight int
	pending  bufferDriver

	// leaked is cleared on Release, and checked when the buffer is garbage collected.
	leaked *atomic.Bool
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of buffers created and not yet released.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

func newBuffer(device *Device, drv bufferDriver, dtype dtypes.DType, count int) *Buffer {
	b := &Buffer{device: device, drv: drv, dtype: dtype, count: count, length: dtype.SizeForElements(count),
		leaked: &atomic.Bool{}}
	b.leaked.Store(true)
	buffersAlive.Add(1)
	metrics.RecordBufferAllocated(b.length)
	length := b.length
	runtime.AddCleanup(b, func(leaked *atomic.Bool) {
		if leaked.Load() {
			klog.Errorf("mtl: Buffer of %s garbage collected without being released", humanize.Bytes(uint64(length)))
		}
	}, b.leaked)
	return b
}

// BufferConfig configures the creation of a Buffer. It is created with Device.Buffer, and the buffer is
// created by Done.
type BufferConfig struct {
	device *Device
	dtype  dtypes.DType
	count  int

	float32s []float32
	float64s []float64
	int32s   []int32

	shared bool
	path   string

	// err stores the first error that happened during configuration.
	// If it is not nil, it is immediately returned by the Done call.
	err error
}

// Buffer starts the configuration of a buffer of count elements of dtype.
func (d *Device) Buffer(dtype dtypes.DType, count int) *BufferConfig {
	c := &BufferConfig{device: d, dtype: dtype, count: count}
	if !dtype.IsValid() {
		c.err = errors.Errorf("mtl.Buffer: invalid dtype %s", dtype)
	} else if count <= 0 {
		c.err = errors.Errorf("mtl.Buffer: count must be > 0, got %d", count)
	}
	return c
}

// FromFloat32s initializes the buffer with values, converted to the buffer's dtype. For BFloat16 the
// conversion truncates (see package bfloat16). len(values) must not exceed the count.
func (c *BufferConfig) FromFloat32s(values []float32) *BufferConfig {
	if c.err != nil {
		return c
	}
	if len(values) > c.count {
		c.err = errors.Errorf("mtl.Buffer: %d initial values for a buffer of %d elements", len(values), c.count)
		return c
	}
	c.float32s = values
	return c
}

// FromFloat64s initializes the buffer with values, converted to the buffer's dtype.
func (c *BufferConfig) FromFloat64s(values []float64) *BufferConfig {
	if c.err != nil {
		return c
	}
	if len(values) > c.count {
		c.err = errors.Errorf("mtl.Buffer: %d initial values for a buffer of %d elements", len(values), c.count)
		return c
	}
	c.float64s = values
	return c
}

// FromInt32s initializes an Int32 buffer with values.
func (c *BufferConfig) FromInt32s(values []int32) *BufferConfig {
	if c.err != nil {
		return c
	}
	if c.dtype != dtypes.Int32 {
		c.err = errors.Errorf("mtl.Buffer: FromInt32s on a %s buffer", c.dtype)
		return c
	}
	if len(values) > c.count {
		c.err = errors.Errorf("mtl.Buffer: %d initial values for a buffer of %d elements", len(values), c.count)
		return c
	}
	c.int32s = values
	return c
}

// Shared makes the buffer a zero-copy buffer backed by the file at path, which is created if needed and
// resized to exactly count*dtype.Size() bytes. Existing contents of the file are kept, unless initial values
// are given.
//
// If path is empty, an anonymous file is created in os.TempDir() and removed when the buffer is released.
func (c *BufferConfig) Shared(path string) *BufferConfig {
	c.shared = true
	c.path = path
	return c
}

// Done creates the buffer.
func (c *BufferConfig) Done() (*Buffer, error) {
	if c.err != nil {
		return nil, c.err
	}
	var b *Buffer
	var err error
	if c.shared {
		b, err = c.device.newSharedBuffer(c.path, c.dtype, c.count)
	} else {
		err = c.device.use(func(drv deviceDriver) error {
			length := c.dtype.SizeForElements(c.count)
			bDrv, err := drv.newBuffer(length)
			if err != nil {
				return errors.WithMessagef(err, "mtl: failed to allocate buffer of %s", humanize.Bytes(uint64(length)))
			}
			b = newBuffer(c.device, bDrv, c.dtype, c.count)
			return nil
		})
	}
	if err != nil {
		return nil, err
	}
	switch {
	case c.float32s != nil:
		err = b.SetFloat32s(0, c.float32s)
	case c.float64s != nil:
		err = b.SetFloat64s(0, c.float64s)
	case c.int32s != nil:
		err = b.SetInt32s(0, c.int32s)
	}
	if err != nil {
		_ = b.Release()
		return nil, err
	}
	klog.V(1).Infof("mtl: created buffer %s", b)
	return b, nil
}

// NewBuffer creates a zero-initialized buffer of count elements of dtype.
func (d *Device) NewBuffer(dtype dtypes.DType, count int) (*Buffer, error) {
	return d.Buffer(dtype, count).Done()
}

// NewIntBuffer creates an Int32 buffer holding values.
func (d *Device) NewIntBuffer(values []int32) (*Buffer, error) {
	return d.Buffer(dtypes.Int32, len(values)).FromInt32s(values).Done()
}

// NewSharedBuffer creates a zero-copy buffer of count elements of dtype backed by the file at path. See
// BufferConfig.Shared.
func (d *Device) NewSharedBuffer(path string, dtype dtypes.DType, count int) (*Buffer, error) {
	return d.Buffer(dtype, count).Shared(path).Done()
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b.mapping != nil {
		return "[" + humanize.Comma(int64(b.count)) + "]" + b.dtype.String() + " shared with " + b.path
	}
	return "[" + humanize.Comma(int64(b.count)) + "]" + b.dtype.String()
}

// DType of the elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Count is the number of elements.
func (b *Buffer) Count() int { return b.count }

// Length in bytes: Count()*DType().Size().
func (b *Buffer) Length() int { return b.length }

// IsShared returns whether the buffer is backed by a memory-mapped file.
func (b *Buffer) IsShared() bool { return b.mapping != nil }

// Path of the file backing a shared buffer, or "" for other buffers.
func (b *Buffer) Path() string { return b.path }

func (b *Buffer) isReleased() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.drv == nil
}

func (b *Buffer) driver() (bufferDriver, error) {
	if b == nil {
		return nil, errors.New("mtl: nil Buffer")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return nil, errors.Errorf("mtl: Buffer %s already released", b)
	}
	return b.drv, nil
}

// Contents returns the CPU-visible memory of the buffer, or nil if the buffer was released.
func (b *Buffer) Contents() unsafe.Pointer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return nil
	}
	return b.drv.contents()
}

// Address returns the address of Contents as a 64-bit integer, or 0 if the buffer was released.
func (b *Buffer) Address() uint64 {
	return uint64(uintptr(b.Contents()))
}

// Bytes returns the contents of the buffer as a byte slice, valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	ptr := b.Contents()
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), b.length)
}

// DidModifyRange notifies the device that the CPU modified the given byte range of the contents.
func (b *Buffer) DidModifyRange(offset, length int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: DidModifyRange on a released Buffer")
	}
	if offset < 0 || length < 0 || offset+length > b.length {
		return errors.Errorf("mtl: DidModifyRange(%d, %d) out of buffer of %d bytes", offset, length, b.length)
	}
	b.drv.didModifyRange(offset, length)
	return nil
}

// View returns the contents of the buffer as a slice of T, which must match the buffer's dtype. It is valid
// until the buffer is released; writes through it require DidModifyRange.
func View[T dtypes.Supported](b *Buffer) ([]T, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != b.dtype {
		return nil, errors.Errorf("mtl.View[%s] on a %s buffer", dtype, b.dtype)
	}
	ptr := b.Contents()
	if ptr == nil {
		return nil, errors.New("mtl.View on a released Buffer")
	}
	return unsafe.Slice((*T)(ptr), b.count), nil
}

// elementRange validates a range of n elements starting at offset and returns it in bytes.
func (b *Buffer) elementRange(op string, offset, n int) (byteOffset, byteLength int, err error) {
	if offset < 0 || n < 0 || offset+n > b.count {
		return 0, 0, errors.Errorf("mtl: %s range [%d, %d) out of buffer of %d elements", op, offset, offset+n, b.count)
	}
	size := b.dtype.Size()
	return offset * size, n * size, nil
}

// SetFloat32s copies values into the buffer starting at element offset, converting them to the buffer's dtype,
// and notifies the device of the modified range. BFloat16 conversion truncates (see package bfloat16).
func (b *Buffer) SetFloat32s(offset int, values []float32) error {
	byteOffset, byteLength, err := b.elementRange("SetFloat32s", offset, len(values))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: SetFloat32s on a released Buffer")
	}
	base := unsafe.Add(b.drv.contents(), byteOffset)
	switch b.dtype {
	case dtypes.Float32:
		copy(unsafe.Slice((*float32)(base), len(values)), values)
	case dtypes.BFloat16:
		bfloat16.EncodeFloat32s(unsafe.Slice((*bfloat16.BFloat16)(base), len(values)), values)
	case dtypes.Float16:
		dst := unsafe.Slice((*float16.Float16)(base), len(values))
		for ii, v := range values {
			dst[ii] = float16.Fromfloat32(v)
		}
	case dtypes.Float64:
		dst := unsafe.Slice((*float64)(base), len(values))
		for ii, v := range values {
			dst[ii] = float64(v)
		}
	default:
		return errors.Errorf("mtl: SetFloat32s on a %s buffer", b.dtype)
	}
	b.drv.didModifyRange(byteOffset, byteLength)
	return nil
}

// Float32s copies len(dst) elements starting at element offset into dst, converted to float32.
func (b *Buffer) Float32s(offset int, dst []float32) error {
	byteOffset, _, err := b.elementRange("Float32s", offset, len(dst))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: Float32s on a released Buffer")
	}
	base := unsafe.Add(b.drv.contents(), byteOffset)
	switch b.dtype {
	case dtypes.Float32:
		copy(dst, unsafe.Slice((*float32)(base), len(dst)))
	case dtypes.BFloat16:
		bfloat16.DecodeFloat32s(dst, unsafe.Slice((*bfloat16.BFloat16)(base), len(dst)))
	case dtypes.Float16:
		for ii, v := range unsafe.Slice((*float16.Float16)(base), len(dst)) {
			dst[ii] = v.Float32()
		}
	case dtypes.Float64:
		for ii, v := range unsafe.Slice((*float64)(base), len(dst)) {
			dst[ii] = float32(v)
		}
	default:
		return errors.Errorf("mtl: Float32s on a %s buffer", b.dtype)
	}
	return nil
}

// SetFloat64s copies values into the buffer starting at element offset, converting them to the buffer's dtype,
// and notifies the device of the modified range.
func (b *Buffer) SetFloat64s(offset int, values []float64) error {
	if b.dtype != dtypes.Float64 {
		converted := make([]float32, len(values))
		for ii, v := range values {
			converted[ii] = float32(v)
		}
		return b.SetFloat32s(offset, converted)
	}
	byteOffset, byteLength, err := b.elementRange("SetFloat64s", offset, len(values))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: SetFloat64s on a released Buffer")
	}
	copy(unsafe.Slice((*float64)(unsafe.Add(b.drv.contents(), byteOffset)), len(values)), values)
	b.drv.didModifyRange(byteOffset, byteLength)
	return nil
}

// Float64s copies len(dst) elements starting at element offset into dst, converted to float64.
func (b *Buffer) Float64s(offset int, dst []float64) error {
	if b.dtype != dtypes.Float64 {
		converted := make([]float32, len(dst))
		if err := b.Float32s(offset, converted); err != nil {
			return err
		}
		for ii, v := range converted {
			dst[ii] = float64(v)
		}
		return nil
	}
	byteOffset, _, err := b.elementRange("Float64s", offset, len(dst))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: Float64s on a released Buffer")
	}
	copy(dst, unsafe.Slice((*float64)(unsafe.Add(b.drv.contents(), byteOffset)), len(dst)))
	return nil
}

// SetInt32s copies values into an Int32 buffer starting at element offset, and notifies the device of the
// modified range.
func (b *Buffer) SetInt32s(offset int, values []int32) error {
	if b.dtype != dtypes.Int32 {
		return errors.Errorf("mtl: SetInt32s on a %s buffer", b.dtype)
	}
	byteOffset, byteLength, err := b.elementRange("SetInt32s", offset, len(values))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: SetInt32s on a released Buffer")
	}
	copy(unsafe.Slice((*int32)(unsafe.Add(b.drv.contents(), byteOffset)), len(values)), values)
	b.drv.didModifyRange(byteOffset, byteLength)
	return nil
}

// Int32s copies len(dst) elements of an Int32 buffer starting at element offset into dst.
func (b *Buffer) Int32s(offset int, dst []int32) error {
	if b.dtype != dtypes.Int32 {
		return errors.Errorf("mtl: Int32s on a %s buffer", b.dtype)
	}
	byteOffset, _, err := b.elementRange("Int32s", offset, len(dst))
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: Int32s on a released Buffer")
	}
	copy(dst, unsafe.Slice((*int32)(unsafe.Add(b.drv.contents(), byteOffset)), len(dst)))
	return nil
}

// Sync flushes the pages of a shared buffer to its file (msync). It is a no-op for other buffers.
func (b *Buffer) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drv == nil {
		return errors.New("mtl: Sync on a released Buffer")
	}
	if b.mapping == nil {
		return nil
	}
	if err := unix.Msync(b.mapping, unix.MS_SYNC); err != nil {
		err = errors.Wrapf(err, "mtl: msync of shared buffer %q failed", b.path)
		klog.Errorf("%v", err)
		return err
	}
	klog.V(2).Infof("mtl: synced %s of shared buffer %q", humanize.Bytes(uint64(b.length)), b.path)
	return nil
}

// Release the buffer. For shared buffers it also unmaps the file, exactly once, and removes anonymous files.
// It is a no-op if the buffer has already been released.
//
// A buffer used by a command buffer not yet completed becomes unusable immediately, but its memory is only
// freed when that command buffer completes or is discarded.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drv == nil {
		return nil
	}
	drv := b.drv
	b.drv = nil
	b.leaked.Store(false)
	buffersAlive.Add(-1)
	if b.inFlight > 0 {
		klog.V(1).Infof("mtl: buffer %s released while in use by %d dispatches, freeing it on completion", b, b.inFlight)
		b.pending = drv
		return nil
	}
	return b.free(drv)
}

// free releases the memory of the buffer. It must be called with b.mu held.
func (b *Buffer) free(drv bufferDriver) error {
	drv.release()
	metrics.RecordBufferReleased(b.length)

	var err error
	if b.mapping != nil {
		if unmapErr := unix.Munmap(b.mapping); unmapErr != nil {
			err = errors.Wrapf(unmapErr, "mtl: munmap of shared buffer %q failed", b.path)
		}
		b.mapping = nil
		if b.removeOnRelease {
			if rmErr := os.Remove(b.path); rmErr != nil && err == nil {
				err = errors.Wrapf(rmErr, "mtl: failed to remove anonymous shared buffer file %q", b.path)
			}
		}
	}
	if err != nil {
		klog.Errorf("%v", err)
	}
	return err
}

// acquire marks the buffer as used by a dispatch, or fails if it was released.
func (b *Buffer) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drv == nil {
		return errors.Errorf("mtl: Buffer %s already released", b)
	}
	b.inFlight++
	return nil
}

// done ends a use started by acquire, freeing the buffer if it was released meanwhile.
func (b *Buffer) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	if b.inFlight == 0 && b.pending != nil {
		_ = b.free(b.pending)
		b.pending = nil
	}
}
