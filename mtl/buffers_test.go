package mtl

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelrt/dtypes"
	"github.com/gomlx/kernelrt/dtypes/bfloat16"
	"github.com/gomlx/kernelrt/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBufferLength(t *testing.T) {
	device, _ := setup(t)
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.BFloat16, dtypes.Float16, dtypes.Float64, dtypes.Int32} {
		for _, n := range []int{1, 3, 1000} {
			buf := capture(device.NewBuffer(dtype, n)).Test(t)
			require.Equal(t, n*dtype.Size(), buf.Length())
			require.Equal(t, n, buf.Count())
			require.Equal(t, dtype, buf.DType())
			require.Len(t, buf.Bytes(), buf.Length())
			require.NoError(t, buf.Release())
		}
	}
	_, err := device.NewBuffer(dtypes.Float32, 0)
	require.Error(t, err)
	_, err = device.NewBuffer(dtypes.InvalidDType, 1)
	require.Error(t, err)
}

func TestBuffersAlive(t *testing.T) {
	device, _ := setup(t)
	alive := BuffersAlive()
	bytes := testutil.ToFloat64(metrics.BufferBytes)
	buf := capture(device.NewBuffer(dtypes.Float64, 16)).Test(t)
	require.Equal(t, alive+1, BuffersAlive())
	require.Equal(t, bytes+128, testutil.ToFloat64(metrics.BufferBytes))
	require.NoError(t, buf.Release())
	require.NoError(t, buf.Release())
	require.Equal(t, alive, BuffersAlive())
	require.Equal(t, bytes, testutil.ToFloat64(metrics.BufferBytes))
	require.Nil(t, buf.Contents())
	require.Zero(t, buf.Address())
}

func TestBufferBFloat16(t *testing.T) {
	device, _ := setup(t)
	x := math.Float32frombits(0x3F80C000) // Rounds up to 0x3F81, truncates to 0x3F80.
	buf := capture(device.Buffer(dtypes.BFloat16, 3).FromFloat32s([]float32{x, -2.5, 3}).Done()).Test(t)
	defer func() { require.NoError(t, buf.Release()) }()
	require.Equal(t, 6, buf.Length())

	raw := capture(View[bfloat16.BFloat16](buf)).Test(t)
	require.Equal(t, bfloat16.BFloat16(0x3F80), raw[0])

	got := make([]float32, 3)
	require.NoError(t, buf.Float32s(0, got))
	require.Equal(t, []float32{1, -2.5, 3}, got)

	// Partial update.
	require.NoError(t, buf.SetFloat32s(2, []float32{7}))
	require.NoError(t, buf.Float32s(1, got[:2]))
	require.Equal(t, []float32{-2.5, 7}, got[:2])
	require.Error(t, buf.SetFloat32s(2, []float32{1, 2}))
	require.Error(t, buf.Float32s(-1, got))
}

func TestBufferFloat16AndFloat64(t *testing.T) {
	device, _ := setup(t)
	half := capture(device.Buffer(dtypes.Float16, 2).FromFloat32s([]float32{0.5, 65504}).Done()).Test(t)
	defer func() { require.NoError(t, half.Release()) }()
	raw := capture(View[float16.Float16](half)).Test(t)
	require.Equal(t, float16.Fromfloat32(0.5), raw[0])
	got := make([]float64, 2)
	require.NoError(t, half.Float64s(0, got))
	require.Equal(t, []float64{0.5, 65504}, got)

	f64 := capture(device.Buffer(dtypes.Float64, 2).FromFloat64s([]float64{math.Pi, 1e300}).Done()).Test(t)
	defer func() { require.NoError(t, f64.Release()) }()
	require.NoError(t, f64.Float64s(0, got))
	require.Equal(t, []float64{math.Pi, 1e300}, got)
	narrow := make([]float32, 1)
	require.NoError(t, f64.Float32s(0, narrow))
	require.Equal(t, float32(math.Pi), narrow[0])
}

func TestBufferInt32(t *testing.T) {
	device, _ := setup(t)
	buf := capture(device.NewIntBuffer([]int32{1, -2, 3})).Test(t)
	defer func() { require.NoError(t, buf.Release()) }()
	require.Equal(t, 12, buf.Length())
	require.NoError(t, buf.SetInt32s(1, []int32{20}))
	got := make([]int32, 3)
	require.NoError(t, buf.Int32s(0, got))
	require.Equal(t, []int32{1, 20, 3}, got)

	require.Error(t, buf.SetFloat32s(0, []float32{1}))
	_, err := View[float32](buf)
	require.Error(t, err)
	view := capture(View[int32](buf)).Test(t)
	require.Equal(t, got, view)

	f32 := capture(device.NewBuffer(dtypes.Float32, 1)).Test(t)
	defer func() { require.NoError(t, f32.Release()) }()
	require.Error(t, f32.SetInt32s(0, []int32{1}))
	require.Error(t, f32.Int32s(0, got[:1]))
	_, err = device.Buffer(dtypes.Float32, 1).FromInt32s([]int32{1}).Done()
	require.Error(t, err)
	_, err = device.Buffer(dtypes.Float32, 1).FromFloat32s([]float32{1, 2}).Done()
	require.Error(t, err)
}

func TestBufferDidModifyRange(t *testing.T) {
	device, _ := setup(t)
	buf := capture(device.NewBuffer(dtypes.Float32, 4)).Test(t)
	view := capture(View[float32](buf)).Test(t)
	view[1] = 2
	require.NoError(t, buf.DidModifyRange(4, 4))
	require.Error(t, buf.DidModifyRange(8, 16))
	got := make([]float32, 4)
	require.NoError(t, buf.Float32s(0, got))
	require.Equal(t, []float32{0, 2, 0, 0}, got)
	require.NoError(t, buf.Sync()) // No-op for non-shared buffers.
	require.NoError(t, buf.Release())
	require.Error(t, buf.DidModifyRange(0, 4))
	require.Error(t, buf.Sync())
	require.Error(t, buf.SetFloat32s(0, []float32{1}))
}

func TestSharedBufferZeroCopy(t *testing.T) {
	device, _ := setup(t)
	path := filepath.Join(t.TempDir(), "shared.bin")
	buf := capture(device.NewSharedBuffer(path, dtypes.Float32, 5)).Test(t)
	require.True(t, buf.IsShared())
	require.Equal(t, path, buf.Path())
	require.Equal(t, 20, buf.Length())

	// The file is sized to exactly count*4 bytes.
	info := capture(os.Stat(path)).Test(t)
	require.Equal(t, int64(20), info.Size())

	// Write through the CPU-visible pointer, notify and sync: the file sees the value.
	view := capture(View[float32](buf)).Test(t)
	view[3] = 42.5
	require.NoError(t, buf.DidModifyRange(12, 4))
	require.NoError(t, buf.Sync())
	contents := capture(os.ReadFile(path)).Test(t)
	require.Equal(t, float32(42.5), math.Float32frombits(binary.NativeEndian.Uint32(contents[12:16])))

	// Writes through the setters land in the file too.
	require.NoError(t, buf.SetFloat32s(0, []float32{-1}))
	require.NoError(t, buf.Sync())
	contents = capture(os.ReadFile(path)).Test(t)
	require.Equal(t, float32(-1), math.Float32frombits(binary.NativeEndian.Uint32(contents[0:4])))

	// Unmapped exactly once: releasing twice is a no-op, and the file stays.
	require.NoError(t, buf.Release())
	require.NoError(t, buf.Release())
	require.False(t, buf.IsShared())
	require.FileExists(t, path)
	require.Error(t, buf.Sync())
}

func TestSharedBufferExistingContents(t *testing.T) {
	device, _ := setup(t)
	path := filepath.Join(t.TempDir(), "existing.bin")
	data := make([]byte, 8*3)
	for ii, v := range []float64{1.5, -2, 1e10} {
		binary.NativeEndian.PutUint64(data[8*ii:], math.Float64bits(v))
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	// Existing contents are visible, and the file is resized to 4 elements.
	buf := capture(device.NewSharedBuffer(path, dtypes.Float64, 4)).Test(t)
	got := make([]float64, 4)
	require.NoError(t, buf.Float64s(0, got))
	require.Equal(t, []float64{1.5, -2, 1e10, 0}, got)
	require.NoError(t, buf.Release())
	info := capture(os.Stat(path)).Test(t)
	require.Equal(t, int64(32), info.Size())

	// Initial values overwrite them.
	buf = capture(device.Buffer(dtypes.Float64, 2).Shared(path).FromFloat64s([]float64{7, 8}).Done()).Test(t)
	require.NoError(t, buf.Sync())
	require.NoError(t, buf.Release())
	contents := capture(os.ReadFile(path)).Test(t)
	require.Len(t, contents, 16)
	require.Equal(t, 8.0, math.Float64frombits(binary.NativeEndian.Uint64(contents[8:])))
}

func TestSharedBufferAnonymous(t *testing.T) {
	device, _ := setup(t)
	buf := capture(device.NewSharedBuffer("", dtypes.Float32, 1000)).Test(t)
	path := buf.Path()
	require.FileExists(t, path)
	require.Equal(t, filepath.Clean(os.TempDir()), filepath.Dir(path))
	require.NoError(t, buf.SetFloat32s(999, []float32{1}))
	require.NoError(t, buf.Release())
	require.NoFileExists(t, path)
}

func TestSharedBufferErrors(t *testing.T) {
	device, _ := setup(t)
	alive := BuffersAlive()
	_, err := device.NewSharedBuffer(filepath.Join(t.TempDir(), "missing", "dir", "shared.bin"), dtypes.Float32, 4)
	require.Error(t, err)
	_, err = device.NewSharedBuffer(t.TempDir(), dtypes.Float32, 4)
	require.Error(t, err)
	require.Equal(t, alive, BuffersAlive())
}
