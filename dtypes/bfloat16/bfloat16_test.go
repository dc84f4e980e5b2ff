package bfloat16

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripExact(t *testing.T) {
	for _, x := range []float32{0, 1, -1, 2, 0.5, -0.375, 3.140625, 65536, float32(math.Inf(1)), float32(math.Inf(-1))} {
		require.Zero(t, math.Float32bits(x)&0xFFFF, "test value %g must have low 16 bits clear", x)
		require.Equal(t, x, FromFloat32(x).Float32(), "round trip of %g", x)
	}
	// Negative zero keeps its sign.
	negZero := float32(math.Copysign(0, -1))
	require.Equal(t, math.Float32bits(negZero), math.Float32bits(FromFloat32(negZero).Float32()))
}

func TestTruncationNotRounding(t *testing.T) {
	// 17th mantissa bit (bit 15) set, plus bit 14: round-to-nearest would go up to 0x3F81.
	x := math.Float32frombits(0x3F80C000)
	require.Equal(t, float32(1.005859375), x)
	require.Equal(t, BFloat16(0x3F80), FromFloat32(x))
	require.Equal(t, float32(1.0), FromFloat32(x).Float32())

	// Negative values truncate toward zero as well.
	require.Equal(t, float32(-1.0), Truncate(-x))
}

func TestTruncateClearsLowBits(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	for range 10_000 {
		bits := rng.Uint32()
		x := math.Float32frombits(bits)
		if x != x {
			continue // NaN payloads are checked separately.
		}
		got := math.Float32bits(Truncate(x))
		require.Equal(t, bits&0xFFFF0000, got, "bits=%#08x", bits)
	}
}

func TestSpecialValues(t *testing.T) {
	require.True(t, NaN().IsNaN())
	require.False(t, FromFloat32(1).IsNaN())
	require.True(t, math.IsInf(float64(Inf(1).Float32()), 1))
	require.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
	require.Equal(t, "1.5", FromFloat64(1.5).String())
	require.Equal(t, uint16(0x3FC0), FromFloat64(1.5).Bits())
	require.Equal(t, FromFloat64(1.5), FromBits(0x3FC0))
}

func TestEncodeDecode(t *testing.T) {
	src := []float32{1, 2.5, -3, 1.005859375}
	enc := make([]BFloat16, len(src))
	EncodeFloat32s(enc, src)
	dec := make([]float32, len(src))
	DecodeFloat32s(dec, enc)
	require.Equal(t, []float32{1, 2.5, -3, 1}, dec)
}
