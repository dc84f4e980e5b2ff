// Package dtypes defines the element types that kernelrt buffers and kernels exchange, and their widths.
package dtypes

import (
	"fmt"
	"strings"

	"github.com/gomlx/kernelrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a buffer.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Float32 is the plain 32-bit IEEE-754 staging type.
	Float32

	// BFloat16 is the reduced precision staging type. Values are converted from float32 by truncation,
	// see package bfloat16.
	BFloat16

	// Float16 is the IEEE-754 half precision type (rounded conversion, see github.com/x448/float16).
	Float16

	// Float64 is the element type of every operand in the kernel invocation ABI.
	Float64

	// Int32 is used for index buffers (offsets, sizes, dim0s).
	Int32
)

var dtypeNames = []string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	BFloat16:     "BFloat16",
	Float16:      "Float16",
	Float64:      "Float64",
	Int32:        "Int32",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int(dtype))
	}
	return dtypeNames[dtype]
}

// IsValid returns whether dtype is one of the supported dtypes.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// Size returns the number of bytes used by one element of the dtype, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case BFloat16, Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// SizeForElements returns the number of bytes needed to store count elements of dtype.
func (dtype DType) SizeForElements(count int) int {
	return dtype.Size() * count
}

// MapOfNames maps names, aliases and their lower case versions to the DType.
var MapOfNames = map[string]DType{}

func init() {
	aliases := map[string]DType{
		"F32":  Float32,
		"BF16": BFloat16,
		"F16":  Float16,
		"Half": BFloat16,
		"F64":  Float64,
		"I32":  Int32,
		"S32":  Int32,
	}
	for dtype, name := range dtypeNames {
		if DType(dtype) == InvalidDType {
			continue
		}
		aliases[name] = DType(dtype)
	}
	for name, dtype := range aliases {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// Supported lists the Go types that can be used with the generic helpers.
type Supported interface {
	float32 | float64 | int32 | bfloat16.BFloat16 | float16.Float16
}

// FromGenericsType returns the DType for the generic type T.
func FromGenericsType[T Supported]() DType {
	var v T
	switch any(v).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case bfloat16.BFloat16:
		return BFloat16
	case float16.Float16:
		return Float16
	}
	return InvalidDType
}
