package abi

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/gomlx/kernelrt/cbuffer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

func TestIndicesCoverage(t *testing.T) {
	for _, stride := range []int{1, 2, 3, 7, 20} {
		for _, total := range []int64{0, 1, 2, 19, 20, 21, 39, 40, 41, 100, 1001} {
			seen := make([]int, total)
			for globalIndex := range stride {
				for id := range Indices(int64(globalIndex), total, stride) {
					require.Less(t, id, total)
					require.Equal(t, int64(globalIndex), id%int64(stride))
					seen[id]++
				}
			}
			for id, n := range seen {
				require.Equalf(t, 1, n, "stride=%d, total=%d: work-item %d visited %d times", stride, total, id, n)
			}
		}
	}
}

func TestIndicesEarlyStop(t *testing.T) {
	var got []int64
	for id := range Indices(3, 100, 20) {
		got = append(got, id)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []int64{3, 23}, got)
}

func TestStrideCount(t *testing.T) {
	// $KERNELRT_STRIDE is read once per process, so only the default is checked here.
	if _, found := os.LookupEnv(StrideEnv); !found {
		require.Equal(t, DefaultStrideCount, StrideCount())
	}
}

// squareKernel writes in operand 0 the square of operand 1, one value per work-item.
var squareKernel = NewKernel("square", func(d *Descriptor, id int64) {
	out, in := d.Float64s(0), d.Float64s(1)
	v := in[d.Locate(1, id, 0)]
	out[d.Locate(0, id, 0)] = v * v
})

func TestBuilderAndRun(t *testing.T) {
	in := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23}
	out := make([]float64, len(in))
	d := capture(NewBuilder(int64(len(in))).
		Float64s(out, 0, 1, 1).
		Float64s(in, 0, 1, 1).
		Done()).Test(t)
	defer d.Release()
	require.Equal(t, 2, d.Count())
	require.Equal(t, DefaultStrideCount, d.Stride())
	require.Equal(t, []int32{1, 1}, d.Dim0s())

	require.NoError(t, Run(context.Background(), squareKernel, d, 4))
	for ii, v := range in {
		require.Equal(t, v*v, out[ii])
	}
}

func TestRunSlicesSparse(t *testing.T) {
	const total = 50
	in := make([]float64, total)
	for ii := range in {
		in[ii] = float64(ii)
	}
	out := make([]float64, total)
	d := must.M1(NewBuilder(total).Float64s(out, 0, 1, 1).Float64s(in, 0, 1, 1).Done())
	defer d.Release()

	// Omitting slices leaves exactly their work-items untouched.
	require.NoError(t, RunSlices(context.Background(), squareKernel, d, []int{0, 5}, 0))
	for id := range total {
		if id%DefaultStrideCount == 0 || id%DefaultStrideCount == 5 {
			require.Equal(t, float64(id*id), out[id])
		} else {
			require.Zero(t, out[id])
		}
	}

	require.Error(t, RunSlices(context.Background(), squareKernel, d, []int{DefaultStrideCount}, 0))
}

func TestOffsetsAndDim0(t *testing.T) {
	// Operand 1 holds pairs starting at element 2; each work-item sums its pair into operand 0.
	in := []float64{-1, -1, 1, 2, 3, 4, 5, 6}
	out := make([]float64, 3)
	d := capture(NewBuilder(3).Stride(2).
		Float64s(out, 0, 1, 1).
		Float64s(in, 2, 2, 2).
		Done()).Test(t)
	defer d.Release()
	sum := NewKernel("pairSum", func(d *Descriptor, id int64) {
		in := d.Float64s(1)
		d.Float64s(0)[d.Locate(0, id, 0)] = in[d.Locate(1, id, 0)] + in[d.Locate(1, id, 1)]
	})
	require.NoError(t, Run(context.Background(), sum, d, 0))
	require.Equal(t, []float64{3, 7, 11}, out)
}

func TestBroadcastDim0(t *testing.T) {
	scalar := []float64{3}
	out := make([]float64, 4)
	d := capture(NewBuilder(4).Float64s(out, 0, 1, 1).Float64s(scalar, 0, 1, 0).Done()).Test(t)
	defer d.Release()
	require.NoError(t, Run(context.Background(), squareKernel, d, 0))
	require.Equal(t, []float64{9, 9, 9, 9}, out)
}

func TestBuilderValidation(t *testing.T) {
	data := make([]float64, 10)

	// Last work-item view [0+9*1, 10) fits exactly.
	d, err := NewBuilder(10).Float64s(data, 0, 1, 1).Done()
	require.NoError(t, err)
	d.Release()

	// One element too far.
	_, err = NewBuilder(10).Float64s(data, 1, 1, 1).Done()
	require.ErrorContains(t, err, "too small")

	_, err = NewBuilder(2).Float64s(data, 0, 1, 1).Float64s(data, -1, 1, 1).Done()
	require.ErrorContains(t, err, "negative")

	_, err = NewBuilder(-1).Float64s(data, 0, 1, 1).Done()
	require.Error(t, err)

	_, err = NewBuilder(1).Stride(0).Done()
	require.Error(t, err)

	_, err = NewBuilder(1).CBuffer(nil, 0, 1, 1).Done()
	require.Error(t, err)

	_, err = NewBuilder(1).Address(0, 1, 0, 1, 1).Done()
	require.ErrorContains(t, err, "nil address")

	// The first error is kept.
	_, err = NewBuilder(10).Float64s(data, 0, 100, 1).Stride(0).Done()
	require.ErrorContains(t, err, "too small")
}

func TestTrustedWithCBuffer(t *testing.T) {
	buf := capture(cbuffer.Alloc(4 * 8)).Test(t)
	defer buf.Free()
	copy(buf.Float64s(), []float64{1, 2, 3, 4})

	d := Trusted([]uint64{buf.Address()}, []int32{0}, []int32{1}, []int32{1}, 4)
	require.Equal(t, buf.Address(), d.Address(0))
	require.Equal(t, []uint64{buf.Address()}, d.Addresses())
	require.Len(t, d.Float64s(0), 4)

	inPlace := NewKernel("square_in_place", func(d *Descriptor, id int64) {
		v := d.Float64s(0)
		idx := d.Locate(0, id, 0)
		v[idx] *= v[idx]
	})
	require.NoError(t, Run(context.Background(), inPlace, d, 2))
	require.Equal(t, []float64{1, 4, 9, 16}, buf.Float64s())

	// Same through the builder.
	d2 := capture(NewBuilder(4).CBuffer(buf, 0, 1, 1).Done()).Test(t)
	require.NoError(t, Run(context.Background(), inPlace, d2, 0))
	require.Equal(t, []float64{1, 16, 81, 256}, buf.Float64s())
}

type failingKernel struct {
	calls atomic.Int32
}

func (k *failingKernel) Name() string { return "failing" }

func (k *failingKernel) Apply(_ *Descriptor, globalIndex int) error {
	k.calls.Add(1)
	if globalIndex == 3 {
		return errors.New("boom")
	}
	return nil
}

func TestRunErrors(t *testing.T) {
	d := Trusted(nil, nil, nil, nil, 100)
	k := &failingKernel{}
	err := Run(context.Background(), k, d, 1)
	require.ErrorContains(t, err, "boom")
	require.ErrorContains(t, err, "slice 3")
	require.LessOrEqual(t, k.calls.Load(), int32(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k2 := &failingKernel{}
	require.ErrorIs(t, Run(ctx, k2, d, 0), context.Canceled)
	require.Zero(t, k2.calls.Load())

	require.Error(t, Run(context.Background(), k, nil, 0))
}

func BenchmarkRun(b *testing.B) {
	const n = 1 << 16
	in := make([]float64, n)
	for ii := range in {
		in[ii] = float64(ii)
	}
	out := make([]float64, n)
	d := must.M1(NewBuilder(n).Float64s(out, 0, 1, 1).Float64s(in, 0, 1, 1).Done())
	defer d.Release()
	for _, parallelism := range []int{1, 4, 0} {
		b.Run(fmt.Sprintf("parallelism=%d", parallelism), func(b *testing.B) {
			for b.Loop() {
				must.M(Run(context.Background(), squareKernel, d, parallelism))
			}
		})
	}
}
