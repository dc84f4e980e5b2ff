package native

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/gomlx/kernelrt/abi"
	"github.com/gomlx/kernelrt/cbuffer"
	"github.com/stretchr/testify/require"
)

const kernelSource = `
#include <stdint.h>

void apply(void *queue, int64_t *args, int32_t *offset, int32_t *size, int32_t *dim0,
		int32_t count, int32_t global_index, int64_t global_total, int32_t global_id) {
	double *out = (double *) args[0];
	double *in = (double *) args[1];
	for (int64_t id = global_index; id < global_total; id += 20) {
		double v = in[offset[1] + id * dim0[1]];
		out[offset[0] + id * dim0[0]] = v * v;
	}
}

void batch_square(double **args, int32_t *offsets, int32_t *sizes, int32_t count) {
	for (int32_t i = 0; i < sizes[0]; i++) {
		args[0][i] = args[0][i] * args[0][i];
	}
}

void batch_sum_into_first(double **args, int32_t *offsets, int32_t *sizes, int32_t count) {
	for (int32_t i = 0; i < sizes[0]; i++) {
		for (int32_t j = 1; j < count; j++) {
			args[0][i] += args[j][offsets[j] + i];
		}
	}
}
`

type errTester[T any] struct {
	value T
	err   error
}

func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// buildLibrary compiles kernelSource into a shared library, or skips the test if no C compiler is found.
func buildLibrary(t *testing.T) string {
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skipf("no C compiler available: %v", err)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "kernels.c")
	require.NoError(t, os.WriteFile(src, []byte(kernelSource), 0o644))
	ext := ".so"
	if runtime.GOOS == "darwin" {
		ext = ".dylib"
	}
	lib := filepath.Join(dir, "libkernels"+ext)
	out, err := exec.Command(cc, "-shared", "-fPIC", "-O2", "-o", lib, src).CombinedOutput()
	if err != nil {
		t.Skipf("failed to compile test kernels: %v\n%s", err, out)
	}
	return lib
}

func TestKernelApply(t *testing.T) {
	lib := capture(Open(buildLibrary(t))).Test(t)
	defer func() { require.NoError(t, lib.Close()) }()
	k := capture(lib.Kernel(DefaultSymbol)).Test(t)
	require.Equal(t, "apply", k.Name())

	const total = 45
	in := make([]float64, total)
	for ii := range in {
		in[ii] = float64(ii) - 10
	}
	out := make([]float64, total)
	d := capture(abi.NewBuilder(total).Float64s(out, 0, 1, 1).Float64s(in, 0, 1, 1).Done()).Test(t)
	defer d.Release()

	require.NoError(t, abi.Run(context.Background(), k, d, 4))
	for ii, v := range in {
		require.Equal(t, v*v, out[ii])
	}
}

func TestKernelSlicesWithCBuffers(t *testing.T) {
	lib := capture(Open(buildLibrary(t))).Test(t)
	defer func() { require.NoError(t, lib.Close()) }()
	k := capture(lib.Kernel("apply")).Test(t)

	const total = 30
	in := capture(cbuffer.Alloc(total * 8)).Test(t)
	defer in.Free()
	out := capture(cbuffer.Alloc(total * 8)).Test(t)
	defer out.Free()
	for ii := range total {
		in.Float64s()[ii] = float64(ii)
	}
	d := abi.Trusted([]uint64{out.Address(), in.Address()}, []int32{0, 0}, []int32{1, 1}, []int32{1, 1}, total)

	// Only slice 7: work-items 7 and 27.
	require.NoError(t, k.Apply(d, 7))
	for ii, v := range out.Float64s() {
		if ii == 7 || ii == 27 {
			require.Equal(t, float64(ii*ii), v)
		} else {
			require.Zero(t, v)
		}
	}
}

func TestBatchFunc(t *testing.T) {
	lib := capture(Open(buildLibrary(t))).Test(t)
	defer func() { require.NoError(t, lib.Close()) }()

	square := capture(lib.BatchFunc("batch_square")).Test(t)
	args := [][]float64{{1, 2, 3, 4}}
	require.NoError(t, square.Call(args, []int32{0}, []int32{4}))
	require.Equal(t, []float64{1, 4, 9, 16}, args[0])

	sum := capture(lib.BatchFunc("batch_sum_into_first")).Test(t)
	args = [][]float64{{1, 1}, {0, 10, 20}, {5, 5}}
	require.NoError(t, sum.Call(args, []int32{0, 1, 0}, []int32{2, 2, 2}))
	require.Equal(t, []float64{16, 26}, args[0])

	require.Error(t, sum.Call(args, []int32{0}, []int32{2, 2, 2}))
	require.Error(t, sum.Call(args, []int32{0, 0, 0}, []int32{2, 4, 2}))
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)
	_, err = Open(t.TempDir())
	require.ErrorContains(t, err, "directory")

	lib := capture(Open(buildLibrary(t))).Test(t)
	_, err = lib.Kernel("no_such_symbol")
	require.Error(t, err)
	k := capture(lib.Kernel("apply")).Test(t)
	require.NoError(t, lib.Close())
	require.NoError(t, lib.Close())

	// Calls after Close fail instead of jumping into unmapped code.
	d := abi.Trusted(nil, nil, nil, nil, 0)
	require.ErrorContains(t, k.Apply(d, 0), "closed")
	_, err = lib.Kernel("apply")
	require.ErrorContains(t, err, "closed")
}

func TestLibraryPathSearch(t *testing.T) {
	path := buildLibrary(t)
	t.Setenv(LibraryPathEnv, filepath.Dir(path))
	lib := capture(Open(filepath.Base(path))).Test(t)
	require.Equal(t, path, lib.Path)
	require.NoError(t, lib.Close())
}

func TestArenaPools(t *testing.T) {
	pools := newArenaPools()
	a := pools.Get(argumentsArenaSize(3))
	require.GreaterOrEqual(t, len(a.buf), argumentsArenaSize(3))
	args := arenaAllocSlice[int64](a, 3)
	offsets := arenaSliceFrom(a, []int32{1, 2, 3})
	require.Len(t, args, 3)
	require.Equal(t, []int32{1, 2, 3}, offsets)
	require.Zero(t, uintptr(unsafe.Pointer(&offsets[0]))%arenaAlignBytes)
	pools.Return(a)

	// Returned arenas come back zeroed.
	a = pools.Get(argumentsArenaSize(3))
	require.Equal(t, []int64{0, 0, 0}, arenaAllocSlice[int64](a, 3))
	pools.Return(a)

	big := pools.Get(4 * maxPooledArenaSize)
	require.Equal(t, -1, big.poolIndex)
	require.Panics(t, func() { arenaAllocSlice[byte](big, 8*maxPooledArenaSize) })
	pools.Return(big)
	require.Nil(t, big.buf)
}

func TestArenaPoolsFree(t *testing.T) {
	pools := newArenaPools()
	var arenas []*arenaContainer
	for range maxPooledArenas + 2 {
		arenas = append(arenas, pools.Get(argumentsArenaSize(3)))
	}
	for _, a := range arenas {
		pools.Return(a)
	}
	// Arenas beyond the pool capacity are freed on return.
	require.Equal(t, maxPooledArenas, pools.Idle())
	require.Nil(t, arenas[maxPooledArenas].buf)
	require.Nil(t, arenas[maxPooledArenas+1].buf)

	pools.Free()
	require.Zero(t, pools.Idle())
	for _, a := range arenas {
		require.Nil(t, a.buf)
	}

	// Pools remain usable after Free, handing out fresh arenas.
	a := pools.Get(argumentsArenaSize(3))
	require.GreaterOrEqual(t, len(a.buf), argumentsArenaSize(3))
	pools.Return(a)
	require.Equal(t, 1, pools.Idle())
	pools.Free()
}

func TestCloseFreesArenas(t *testing.T) {
	lib := capture(Open(buildLibrary(t))).Test(t)
	lib.arenas.Return(lib.arenas.Get(argumentsArenaSize(2)))
	require.Equal(t, 1, lib.arenas.Idle())
	require.NoError(t, lib.Close())
	require.Zero(t, lib.arenas.Idle())
}
