// Package bfloat16 implements the truncating float32 <-> bfloat16 codec used when staging reduced precision
// operands into device buffers.
//
// The conversion from float32 keeps the high 16 bits of the IEEE-754 bit pattern and drops the low 16 mantissa
// bits. This is truncation toward zero in magnitude, not the round-to-nearest-even used by most bfloat16
// implementations: e.g. float32 1.005859375 (0x3F80C000) becomes 1.0 (0x3F80) here, where rounding would give
// 1.0078125 (0x3F81). NaNs whose payload lives only in the low 16 bits become infinities.
package bfloat16

import (
	"math"
	"strconv"

	"github.com/chewxy/math32"
)

// BFloat16 holds the 16 high bits of an IEEE-754 float32.
type BFloat16 uint16

// FromFloat32 converts x by truncating the low 16 mantissa bits.
func FromFloat32(x float32) BFloat16 {
	return BFloat16(math.Float32bits(x) >> 16)
}

// FromFloat64 converts x to float32 (rounded) and then to BFloat16 (truncated).
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits converts the raw bits to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits returns the raw bits.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// Float32 widens f back to float32. It is exact: the low 16 mantissa bits are zero.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// String implements fmt.Stringer.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// IsNaN reports whether f is a NaN.
func (f BFloat16) IsNaN() bool {
	return math32.IsNaN(f.Float32())
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) BFloat16 {
	return FromFloat32(math32.Inf(sign))
}

// NaN returns a quiet NaN whose payload survives truncation.
func NaN() BFloat16 {
	return FromFloat32(math32.NaN())
}

// Truncate returns x with its low 16 mantissa bits cleared, which is the value a round trip through
// BFloat16 produces.
func Truncate(x float32) float32 {
	return FromFloat32(x).Float32()
}

// EncodeFloat32s converts src into dst, which must have at least len(src) elements.
func EncodeFloat32s(dst []BFloat16, src []float32) {
	dst = dst[:len(src)]
	for ii, v := range src {
		dst[ii] = FromFloat32(v)
	}
}

// DecodeFloat32s converts src into dst, which must have at least len(src) elements.
func DecodeFloat32s(dst []float32, src []BFloat16) {
	dst = dst[:len(src)]
	for ii, v := range src {
		dst[ii] = v.Float32()
	}
}
